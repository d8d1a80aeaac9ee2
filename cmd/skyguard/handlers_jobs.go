package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/jobs"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/media"
)

type detectVideoRequest struct {
	Filename  string `json:"filename"`
	URL       string `json:"url"`
	FrameSkip int    `json:"frame_skip"`
}

type detectVideoResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// POST /api/detect/video
func (a *app) handleDetectVideo(w http.ResponseWriter, r *http.Request) {
	var req detectVideoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FrameSkip < 0 {
		httpError(w, http.StatusBadRequest, "frame_skip must be >= 1")
		return
	}

	sub := submission{FrameSkip: req.FrameSkip}
	switch {
	case req.URL != "":
		if !media.IsRemote(req.URL) {
			httpError(w, http.StatusBadRequest, "url must be http, https or s3")
			return
		}
		sub.URL = req.URL
		sub.Name = media.RemoteName(req.URL)
	case req.Filename != "":
		if !plainName(req.Filename) {
			httpError(w, http.StatusBadRequest, "invalid filename")
			return
		}
		path := filepath.Join(a.cfg.Storage.UploadDir, req.Filename)
		if _, err := os.Stat(path); err != nil {
			httpError(w, http.StatusNotFound, "Video file not found")
			return
		}
		sub.Path = path
		sub.Name = req.Filename
	default:
		httpError(w, http.StatusBadRequest, "No filename provided")
		return
	}

	rec, err := a.submit(sub)
	if err != nil {
		log.Error().Err(err).Msg("Failed to submit job")
		httpError(w, http.StatusInternalServerError, "failed to start job")
		return
	}
	respondJSON(w, http.StatusAccepted, detectVideoResponse{
		Success: true,
		JobID:   rec.ID(),
		Message: "Video processing started",
	})
}

// GET /api/status/{jobID}
func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.registry.Get(chi.URLParam(r, "jobID"))
	if !ok {
		httpError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, rec.Snapshot())
}

// GET /api/jobs
func (a *app) handleListJobs(w http.ResponseWriter, r *http.Request) {
	records := a.registry.List()
	out := make([]jobs.Snapshot, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Snapshot())
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// GET /api/jobs/{jobID}/summary
//
// Summaries outlive the registry, so this also answers for jobs from earlier
// runs of the server.
func (a *app) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	sum, err := a.summaries.GetSummary(r.Context(), id)
	if err != nil {
		log.Warn().Err(err).Str("job", id).Msg("Summary lookup failed")
		httpError(w, http.StatusInternalServerError, "summary lookup failed")
		return
	}
	if sum == nil {
		httpError(w, http.StatusNotFound, "summary not found")
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

// GET /api/stream/{jobID}
//
// An id the registry does not know yet still gets a stream: the job may be
// created after the subscriber connects. If it never is, the reaper ends the
// wait with a failed complete event.
func (a *app) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if id == "" || containsPathTraversal(id) {
		httpError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flush := func() {
		if err := rc.Flush(); err != nil {
			log.Debug().Err(err).Str("job", id).Msg("Stream flush failed")
		}
	}
	flush()

	err := a.publisher.Serve(r.Context(), id, w, flush)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("job", id).Msg("Stream ended with error")
	}
}
