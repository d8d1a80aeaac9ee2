// Package analyzer provides the frame analyzers behind detection.Analyzer: an
// HTTP client for a remote inference service and a Gemini vision backend.
package analyzer

import (
	"context"
	"fmt"
	"image"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/config"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/detection"
)

// New builds the analyzer selected by cfg.Backend.
func New(ctx context.Context, cfg config.AnalyzerConfig) (detection.Analyzer, error) {
	switch cfg.Backend {
	case config.BackendHTTP, "":
		return NewHTTP(cfg.Endpoint, cfg.APIKey, cfg.Timeout, cfg.MinConfidence).WithModel(cfg.Model), nil
	case config.BackendGemini:
		return NewGemini(ctx, cfg.APIKey, cfg.ModelName(), cfg.MinConfidence)
	default:
		return nil, fmt.Errorf("unknown analyzer backend %q", cfg.Backend)
	}
}

// NewBuilder returns a Builder that creates cfg's backend for a given model.
func NewBuilder(cfg config.AnalyzerConfig) Builder {
	return func(ctx context.Context, model string) (detection.Analyzer, error) {
		c := cfg
		c.Model = model
		return New(ctx, c)
	}
}

// Static returns the same detections for every frame. The detect command uses
// it for dry runs without an inference service.
type Static struct {
	Detections []detection.Detection
}

func (s Static) Name() string { return "static" }

func (s Static) Analyze(ctx context.Context, _ image.Image) (detection.Result, error) {
	if err := ctx.Err(); err != nil {
		return detection.Result{}, err
	}
	return detection.Result{Detections: s.Detections}, nil
}

// rawDetection is the loose wire form both backends decode before validation.
type rawDetection struct {
	BBox       []float64 `json:"bbox"`
	Box2D      []float64 `json:"box_2d"`
	Class      string    `json:"class"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
}

func (r rawDetection) label() string {
	if r.Class != "" {
		return r.Class
	}
	return r.Label
}

// filter validates raw detections, dropping invalid ones and those below
// minConfidence. It returns the kept detections and how many were dropped.
func filter(raw []rawDetection, toBox func(rawDetection) (detection.BBox, bool), minConfidence float64) ([]detection.Detection, int) {
	out := make([]detection.Detection, 0, len(raw))
	dropped := 0
	for _, r := range raw {
		box, ok := toBox(r)
		if !ok || r.Confidence < minConfidence {
			dropped++
			continue
		}
		d, err := detection.New(box, r.label(), r.Confidence)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, d)
	}
	return out, dropped
}
