package analyzer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/detection"
)

// ErrUnknownModel is returned by Switch.Load for a model outside the catalog.
var ErrUnknownModel = errors.New("model not in catalog")

// Builder constructs an analyzer for a model name.
type Builder func(ctx context.Context, model string) (detection.Analyzer, error)

// Loaded describes the analyzer currently serving frames.
type Loaded struct {
	Model    string
	Analyzer detection.Analyzer
	LoadedAt time.Time
}

// Switch is a detection.Analyzer whose backend model can be replaced while
// jobs run. A frame already being analyzed finishes on the analyzer it
// started with; the next frame uses the new one.
type Switch struct {
	build   Builder
	catalog []string

	loadMu  sync.Mutex
	current atomic.Pointer[Loaded]
}

// NewSwitch wraps a, which serves model, and allows switching to any model in
// catalog. The current model is always part of the catalog.
func NewSwitch(model string, a detection.Analyzer, catalog []string, build Builder) *Switch {
	c := slices.Clone(catalog)
	if model != "" && !slices.Contains(c, model) {
		c = append([]string{model}, c...)
	}
	s := &Switch{build: build, catalog: c}
	s.current.Store(&Loaded{Model: model, Analyzer: a, LoadedAt: time.Now()})
	return s
}

func (s *Switch) Name() string { return s.current.Load().Analyzer.Name() }

func (s *Switch) Analyze(ctx context.Context, frame image.Image) (detection.Result, error) {
	return s.current.Load().Analyzer.Analyze(ctx, frame)
}

// Current returns the analyzer serving frames now.
func (s *Switch) Current() Loaded { return *s.current.Load() }

// Models lists the catalog in configuration order.
func (s *Switch) Models() []string { return slices.Clone(s.catalog) }

// Load builds model and makes it current. It returns the model it replaced.
// Loading the current model again rebuilds it.
func (s *Switch) Load(ctx context.Context, model string) (string, error) {
	if !slices.Contains(s.catalog, model) {
		return "", fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	if s.build == nil {
		return "", errors.New("model switching is not available for this analyzer")
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	start := time.Now()
	a, err := s.build(ctx, model)
	if err != nil {
		return "", fmt.Errorf("load model %s: %w", model, err)
	}
	prev := s.current.Swap(&Loaded{Model: model, Analyzer: a, LoadedAt: time.Now()})
	log.Info().
		Str("model", model).
		Str("previous", prev.Model).
		Str("analyzer", a.Name()).
		Dur("elapsed", time.Since(start)).
		Msg("Analyzer model switched")
	return prev.Model, nil
}
