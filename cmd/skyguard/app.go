package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/analyzer"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/config"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/detection"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/jobs"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/media"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/notify"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/pipeline"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/s3util"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/store"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/stream"
)

// app wires the job registry, runner and publisher behind the HTTP handlers
// and the detect command.
type app struct {
	cfg config.Config
	// analyzer serves every frame and can switch models at runtime.
	analyzer  *analyzer.Switch
	registry  *jobs.Registry
	runner    *pipeline.Runner
	publisher *stream.Publisher
	fetcher   *media.Fetcher
	summaries store.SummaryStore

	// baseCtx outlives requests; cancelling it stops every runner.
	baseCtx context.Context
}

// newApp builds the app. s3Client may be nil when no bucket is configured.
func newApp(baseCtx context.Context, cfg config.Config, a detection.Analyzer, st store.SummaryStore, n notify.Notifier, s3Client s3util.ObjectAPI) *app {
	sw := analyzer.NewSwitch(cfg.Analyzer.ModelName(), a, cfg.Analyzer.Catalog(), analyzer.NewBuilder(cfg.Analyzer))
	p := cfg.Pipeline
	registry := jobs.NewRegistry(jobs.RegistryOptions{
		StreamCapacity:     p.StreamCapacity,
		UnclaimedStreamTTL: p.UnclaimedStreamTTL,
		OrphanStreamTTL:    p.OrphanStreamTTL,
	})
	runner := pipeline.NewRunner(sw, st, n, pipeline.Options{
		FrameSkip:        p.FrameSkip,
		JPEGQuality:      p.JPEGQuality,
		PreviewMaxWidth:  p.PreviewMaxWidth,
		PushWait:         p.PushWait,
		MinFrameInterval: p.MinFrameInterval,
	})
	return &app{
		cfg:       cfg,
		analyzer:  sw,
		registry:  registry,
		runner:    runner,
		publisher: stream.NewPublisher(registry, p.KeepaliveInterval),
		fetcher:   media.NewFetcher(cfg.Storage.UploadDir, p.DownloadTimeout, s3Client),
		summaries: st,
		baseCtx:   baseCtx,
	}
}

// submission describes one video job. Exactly one of Path or URL is set.
type submission struct {
	Name      string
	Path      string
	URL       string
	FrameSkip int
}

// submit registers a job and starts its runner. The returned record is live.
func (a *app) submit(sub submission) (*jobs.Record, error) {
	source := sub.Path
	if sub.URL != "" {
		source = sub.URL
	}
	id := jobs.NewID(sub.Name)
	out := outputName(sub.Name, a.cfg.Pipeline.OutputFormat, jobs.Tag(id))

	rec, ch, err := a.registry.Create(id, source, out)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	job := pipeline.Job{
		Record:    rec,
		Channel:   ch,
		Path:      sub.Path,
		Open:      media.Open,
		Sink:      a.sinkFactory(out),
		FrameSkip: sub.FrameSkip,
	}
	if sub.URL != "" {
		url, name := sub.URL, sub.Name
		job.Fetch = func(ctx context.Context, progress func(float64)) (string, error) {
			return a.fetcher.Fetch(ctx, url, name, progress)
		}
	}

	a.registry.Go(id, func() { a.runner.Run(a.baseCtx, job) })

	log.Info().
		Str("job", id).
		Str("source", source).
		Str("output", out).
		Int("frame_skip", sub.FrameSkip).
		Msg("Job accepted")
	return rec, nil
}

// outputName derives the artifact name for an input: detected_<base>_<tag>
// with an extension the sink can produce. tag keeps outputs of repeated runs
// on the same input apart.
func outputName(input, format, tag string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	if tag != "" {
		base += "_" + tag
	}
	switch {
	case media.IsImage(input):
		return "detected_" + base + ".jpg"
	case format == config.OutputZip:
		return "detected_" + base + ".zip"
	default:
		return "detected_" + base + ".mp4"
	}
}

func (a *app) sinkFactory(out string) pipeline.NewSink {
	path := filepath.Join(a.cfg.Storage.OutputDir, out)
	quality := a.cfg.Pipeline.JPEGQuality
	return func(info media.Info) (media.Sink, error) {
		switch filepath.Ext(out) {
		case ".jpg":
			return media.NewImageSink(path, quality), nil
		case ".zip":
			return media.NewZipSink(path, quality)
		default:
			return media.NewVideoSink(path, info.FrameRate), nil
		}
	}
}
