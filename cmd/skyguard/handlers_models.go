package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/analyzer"
)

type modelInfo struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
	Current bool   `json:"current"`
}

// GET /api/models
func (a *app) handleListModels(w http.ResponseWriter, r *http.Request) {
	current := a.analyzer.Current().Model
	models := make([]modelInfo, 0)
	for _, name := range a.analyzer.Models() {
		models = append(models, modelInfo{
			Name:    name,
			Backend: a.cfg.Analyzer.Backend,
			Current: name == current,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"models": models})
}

type loadModelRequest struct {
	ModelName string `json:"model_name"`
}

type loadModelResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	CurrentModel  string `json:"current_model"`
	PreviousModel string `json:"previous_model"`
}

// POST /api/model/load
//
// Jobs already running pick the new model up from their next frame.
func (a *app) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	var req loadModelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ModelName == "" {
		httpError(w, http.StatusBadRequest, "No model_name provided")
		return
	}

	prev, err := a.analyzer.Load(r.Context(), req.ModelName)
	switch {
	case errors.Is(err, analyzer.ErrUnknownModel):
		httpError(w, http.StatusNotFound, "Model "+req.ModelName+" not found")
		return
	case err != nil:
		log.Error().Err(err).Str("model", req.ModelName).Msg("Model switch failed")
		httpError(w, http.StatusInternalServerError, "Failed to switch model")
		return
	}
	respondJSON(w, http.StatusOK, loadModelResponse{
		Success:       true,
		Message:       "Switched to model " + req.ModelName + " successfully",
		CurrentModel:  req.ModelName,
		PreviousModel: prev,
	})
}

type currentModelResponse struct {
	ModelName     string    `json:"model_name"`
	Analyzer      string    `json:"analyzer"`
	Backend       string    `json:"backend"`
	ConfThreshold float64   `json:"conf_threshold"`
	LoadedAt      time.Time `json:"loaded_at"`
}

// GET /api/model/current
func (a *app) handleCurrentModel(w http.ResponseWriter, r *http.Request) {
	cur := a.analyzer.Current()
	if cur.Analyzer == nil {
		httpError(w, http.StatusNotFound, "No model loaded")
		return
	}
	respondJSON(w, http.StatusOK, currentModelResponse{
		ModelName:     cur.Model,
		Analyzer:      cur.Analyzer.Name(),
		Backend:       a.cfg.Analyzer.Backend,
		ConfThreshold: a.cfg.Analyzer.MinConfidence,
		LoadedAt:      cur.LoadedAt.UTC(),
	})
}
