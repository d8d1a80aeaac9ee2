// Package pipeline drives one job from its source through the analyzer,
// updating the job record, streaming live frames, writing the annotated
// output and persisting the summary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/detection"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/jobs"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/jobutil"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/media"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/metrics"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/notify"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/store"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/stream"
)

// Options tunes a run.
type Options struct {
	// FrameSkip analyzes frame n (1-based) only when n % FrameSkip == 0.
	FrameSkip int
	// JPEGQuality is the live preview quality.
	JPEGQuality int
	// PreviewMaxWidth downscales live previews; 0 keeps full size.
	PreviewMaxWidth int
	// PushWait bounds how long a live push may wait for room.
	PushWait time.Duration
	// MinFrameInterval throttles live pushes; 0 pushes every analyzed frame.
	MinFrameInterval time.Duration
}

// Fetch downloads a remote input and returns its local path. progress
// receives the download percentage.
type Fetch func(ctx context.Context, progress func(float64)) (string, error)

// Open opens a local input.
type Open func(ctx context.Context, path string) (media.Source, error)

// NewSink creates the output sink once the source's frame rate is known.
type NewSink func(info media.Info) (media.Sink, error)

// Job bundles what one run needs.
type Job struct {
	Record  *jobs.Record
	Channel *stream.Channel
	// Path is the local input. Ignored when Fetch is set.
	Path  string
	Fetch Fetch
	Open  Open
	Sink  NewSink
	// FrameSkip overrides Options.FrameSkip when positive.
	FrameSkip int
}

// Runner executes jobs. It is safe to share across goroutines.
type Runner struct {
	Analyzer detection.Analyzer
	Store    store.SummaryStore
	Notifier notify.Notifier
	Options  Options

	now func() time.Time
}

// NewRunner creates a runner.
func NewRunner(a detection.Analyzer, st store.SummaryStore, n notify.Notifier, opts Options) *Runner {
	if opts.FrameSkip < 1 {
		opts.FrameSkip = 1
	}
	if n == nil {
		n = notify.Nop{}
	}
	return &Runner{Analyzer: a, Store: st, Notifier: n, Options: opts, now: time.Now}
}

// run-local tallies
type tally struct {
	read           int
	analyzed       int
	analyzerErrors int
	throttled      int
	previewErrors  int
	detections     int
	labels         map[string]int
	frames         []jobs.FrameSummary
}

// Run executes job to a terminal state. It never returns an error: every
// job-level failure is recorded on the record and signalled on the channel.
func (r *Runner) Run(ctx context.Context, job Job) {
	rec := job.Record
	logger := log.With().Str("job", rec.ID()).Logger()
	start := time.Now()
	t := &tally{labels: make(map[string]int)}

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("Runner panicked")
			r.fail(ctx, job, t, jobs.Failure{Kind: jobs.KindProcessingError, Message: fmt.Sprintf("panic: %v", p)})
		}
		r.finish(job, t, start)
	}()

	if err := r.process(ctx, job, t, logger); err != nil {
		r.fail(ctx, job, t, classify(ctx, err))
	}
}

func (r *Runner) process(ctx context.Context, job Job, t *tally, logger zerolog.Logger) error {
	rec := job.Record
	path := job.Path

	if job.Fetch != nil {
		if err := rec.Transition(jobs.StatusDownloading); err != nil {
			return err
		}
		logger.Info().Str("source", rec.Source()).Msg("Downloading remote source")
		p, err := job.Fetch(ctx, rec.SetDownloadProgress)
		if err != nil {
			return err
		}
		path = p
	}

	src, err := job.Open(ctx, path)
	if err != nil {
		return err
	}
	defer src.Close()

	info := src.Info()
	rec.SetSourceInfo(info.TotalFrames, info.FrameRate)

	sink, err := job.Sink(info)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	sinkOpen := true
	defer func() {
		if sinkOpen {
			sink.Close()
		}
	}()

	skip := r.Options.FrameSkip
	if job.FrameSkip > 0 {
		skip = job.FrameSkip
	}

	if err := rec.Transition(jobs.StatusProcessing); err != nil {
		return err
	}
	logger.Info().
		Int("total_frames", info.TotalFrames).
		Float64("fps", info.FrameRate).
		Int("frame_skip", skip).
		Str("analyzer", r.Analyzer.Name()).
		Msg("Processing started")

	var lastPush time.Time
	for {
		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		t.read++

		if info.TotalFrames > 0 {
			rec.SetProgress(100 * float64(t.read) / float64(info.TotalFrames))
		}

		if t.read%skip != 0 {
			continue
		}
		t.analyzed++

		res, err := r.Analyzer.Analyze(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.analyzerErrors++
			logger.Warn().Err(err).Int("frame", t.read).Str("kind", string(jobs.KindAnalyzerFrameError)).Msg("Frame analysis failed")
			res = detection.Result{}
		}

		summary := jobs.FrameSummary{
			Frame:      t.read,
			Count:      len(res.Detections),
			Detections: nonNil(res.Detections),
			Timestamp:  r.now().UTC(),
		}
		rec.AddFrame(summary)
		t.frames = append(t.frames, summary)
		t.detections += summary.Count
		for _, d := range res.Detections {
			t.labels[string(d.Label)]++
		}

		annotated := res.Annotated
		if annotated == nil {
			annotated = detection.Annotate(frame, res.Detections)
		}

		if r.shouldPush(&lastPush) {
			if !r.push(job, annotated, summary, rec.Progress(), info.FrameRate) {
				t.previewErrors++
			}
		} else {
			t.throttled++
		}
		rec.SetStreamStats(job.Channel.Stats())

		if err := sink.WriteFrame(ctx, annotated); err != nil {
			return fmt.Errorf("write output frame %d: %w", t.read, err)
		}
	}

	sinkOpen = false
	if err := sink.Close(); err != nil {
		return fmt.Errorf("finalize output: %w", err)
	}

	r.persist(ctx, job, t, jobs.StatusCompleted, nil)
	if err := rec.Complete(); err != nil {
		return err
	}
	logger.Info().
		Int("frames_read", t.read).
		Int("frames_analyzed", t.analyzed).
		Int("detections", t.detections).
		Int("analyzer_errors", t.analyzerErrors).
		Int("preview_errors", t.previewErrors).
		Uint64("stream_dropped", job.Channel.Stats().Dropped).
		Msg("Job completed")
	return nil
}

func (r *Runner) shouldPush(last *time.Time) bool {
	if r.Options.MinFrameInterval <= 0 {
		return true
	}
	now := r.now()
	if !last.IsZero() && now.Sub(*last) < r.Options.MinFrameInterval {
		return false
	}
	*last = now
	return true
}

// push sends a live frame. The preview is best effort: an encoding failure
// is logged and reported as false, and the frame still reaches the sink.
func (r *Runner) push(job Job, annotated image.Image, summary jobs.FrameSummary, progress, fps float64) bool {
	preview, err := media.EncodePreview(annotated, r.Options.JPEGQuality, r.Options.PreviewMaxWidth)
	if err != nil {
		log.Warn().Err(err).Str("job", job.Record.ID()).Int("frame", summary.Frame).Msg("Live preview encoding failed")
		return false
	}
	ok := job.Channel.Push(stream.FrameEvent(stream.FramePayload{
		Image:       preview,
		FrameNumber: summary.Frame,
		Progress:    progress,
		Detections:  summary.Detections,
		Count:       summary.Count,
		FrameRate:   fps,
	}), r.Options.PushWait)
	if !ok {
		log.Trace().Str("job", job.Record.ID()).Int("frame", summary.Frame).Str("kind", string(jobs.KindChannelFull)).Msg("Live frame dropped")
	}
	return true
}

// fail records f through the shared job-error path.
func (r *Runner) fail(ctx context.Context, job Job, t *tally, f jobs.Failure) {
	jobutil.SetJobError(ctx, job.Record.ID(), f, func(ctx context.Context, _ string, f jobs.Failure) error {
		if job.Record.Fail(f) {
			r.persist(ctx, job, t, jobs.StatusFailed, &f)
		}
		return nil
	})
}

// finish publishes the terminal outcome: notification, metrics, and the
// channel's complete event, in that order.
func (r *Runner) finish(job Job, t *tally, start time.Time) {
	rec := job.Record
	status := rec.Status()
	failure := rec.Failure()
	if !status.Terminal() {
		// Unreachable unless a transition failed after a successful run.
		f := jobs.Failure{Kind: jobs.KindProcessingError, Message: "job ended without a terminal state"}
		rec.Fail(f)
		status, failure = jobs.StatusFailed, &f
	}
	rec.SetStreamStats(job.Channel.Stats())

	ev := notify.JobEvent{
		JobID:           rec.ID(),
		Status:          string(status),
		Source:          rec.Source(),
		OutputFile:      rec.OutputFile(),
		TotalDetections: t.detections,
		FramesProcessed: t.analyzed,
		LabelCounts:     t.labels,
		Time:            r.now().UTC(),
	}
	if failure != nil {
		ev.ErrorKind, ev.ErrorMessage = string(failure.Kind), failure.Message
	}
	notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := r.Notifier.JobFinished(notifyCtx, ev); err != nil {
		log.Warn().Err(err).Str("job", rec.ID()).Msg("Failed to publish job event")
	}
	cancel()

	metrics.RecordJob(rec.ID(), metrics.JobStats{
		Outcome:        string(status),
		FramesRead:     t.read,
		FramesAnalyzed: t.analyzed,
		FramesDropped:  job.Channel.Stats().Dropped + uint64(t.previewErrors),
		AnalyzerErrors: t.analyzerErrors,
		Detections:     t.detections,
		Duration:       time.Since(start),
	})

	job.Channel.Finish(jobs.TerminalEvent(status, failure))
}

// persist writes the summary. A store failure is logged; it never changes
// the job outcome.
func (r *Runner) persist(ctx context.Context, job Job, t *tally, status jobs.Status, f *jobs.Failure) {
	if r.Store == nil {
		return
	}
	rec := job.Record
	sum := &store.Summary{
		JobID:       rec.ID(),
		Source:      rec.Source(),
		OutputFile:  rec.OutputFile(),
		Status:      status,
		Error:       f,
		Detections:  []jobs.FrameSummary{},
		CompletedAt: r.now().UTC(),
	}
	if t != nil {
		sum.TotalDetections = t.detections
		sum.FramesProcessed = t.analyzed
		sum.LabelCounts = t.labels
		sum.Detections = nonNilFrames(t.frames)
	}

	if ctx.Err() != nil {
		// The base context is gone during shutdown; the summary still gets written.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := r.Store.PutSummary(ctx, sum); err != nil {
		log.Warn().Err(err).Str("job", rec.ID()).Msg("Failed to persist job summary")
	}
}

// classify maps a job-level error to its failure kind.
func classify(ctx context.Context, err error) jobs.Failure {
	switch {
	case errors.Is(err, media.ErrSourceUnavailable):
		return jobs.Failure{Kind: jobs.KindSourceUnavailable, Message: err.Error()}
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return jobs.Failure{Kind: jobs.KindProcessingError, Message: "cancelled"}
	default:
		return jobs.Failure{Kind: jobs.KindProcessingError, Message: err.Error()}
	}
}

func nonNil(d []detection.Detection) []detection.Detection {
	if d == nil {
		return []detection.Detection{}
	}
	return d
}

func nonNilFrames(f []jobs.FrameSummary) []jobs.FrameSummary {
	if f == nil {
		return []jobs.FrameSummary{}
	}
	return f
}
