package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/detection"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/jobs"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/media"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/metrics"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/notify"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/store"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/stream"
)

func TestMain(m *testing.M) {
	metrics.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func frames(n int) []image.Image {
	out := make([]image.Image, n)
	for i := range out {
		img := image.NewRGBA(image.Rect(0, 0, 32, 24))
		img.Set(0, 0, color.RGBA{uint8(i), 0, 0, 255})
		out[i] = img
	}
	return out
}

// fakeAnalyzer finds one soldier per frame, failing or panicking on request.
type fakeAnalyzer struct {
	mu      sync.Mutex
	calls   int
	failOn  map[int]bool
	panicOn int
	onCall  func(n int)
}

func (f *fakeAnalyzer) Name() string { return "fake" }

func (f *fakeAnalyzer) Analyze(ctx context.Context, _ image.Image) (detection.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(n)
	}
	if n == f.panicOn {
		panic("model exploded")
	}
	if f.failOn[n] {
		return detection.Result{}, errors.New("inference timeout")
	}
	d, _ := detection.New(detection.BBox{1, 1, 10, 10}, "soldier", 0.9)
	return detection.Result{Detections: []detection.Detection{d}}, nil
}

type memSink struct {
	mu     sync.Mutex
	frames int
	closed bool
}

func (s *memSink) Name() string { return "detected_test.mp4" }

func (s *memSink) WriteFrame(context.Context, image.Image) error {
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
	return nil
}

func (s *memSink) Close() error {
	s.closed = true
	return nil
}

type recordingNotifier struct {
	events []notify.JobEvent
}

func (n *recordingNotifier) JobFinished(_ context.Context, ev notify.JobEvent) error {
	n.events = append(n.events, ev)
	return nil
}

type fixture struct {
	rec      *jobs.Record
	ch       *stream.Channel
	sink     *memSink
	store    *store.FileStore
	dir      string
	notifier *recordingNotifier
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	g := jobs.NewRegistry(jobs.RegistryOptions{StreamCapacity: capacity})
	rec, ch, err := g.Create("clip_mp4-00000000", "clip.mp4", "detected_clip.mp4")
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	return &fixture{rec: rec, ch: ch, sink: &memSink{}, store: store.NewFileStore(dir), dir: dir, notifier: &recordingNotifier{}}
}

func (f *fixture) job(src media.Source) Job {
	return Job{
		Record:  f.rec,
		Channel: f.ch,
		Path:    "clip.mp4",
		Open: func(context.Context, string) (media.Source, error) {
			return src, nil
		},
		Sink: func(media.Info) (media.Sink, error) { return f.sink, nil },
	}
}

func (f *fixture) runner(a detection.Analyzer, opts Options) *Runner {
	return NewRunner(a, f.store, f.notifier, opts)
}

// drain reads every event until the complete event.
func drain(t *testing.T, ch *stream.Channel) (frames []stream.FramePayload, complete *stream.Terminal) {
	t.Helper()
	for {
		ev, err := ch.Receive(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		switch ev.Type {
		case stream.EventFrame:
			frames = append(frames, *ev.Frame)
		case stream.EventComplete:
			return frames, ev.Terminal
		}
	}
}

func TestRun_FrameSkip(t *testing.T) {
	f := newFixture(t, 30)
	a := &fakeAnalyzer{}
	f.runner(a, Options{FrameSkip: 2}).Run(context.Background(), f.job(media.NewSliceSource(frames(10), 25)))

	if a.calls != 5 {
		t.Errorf("analyzer calls = %d, want 5", a.calls)
	}
	snap := f.rec.Snapshot()
	if snap.Status != jobs.StatusCompleted || snap.Progress != 100 {
		t.Errorf("status %s progress %v", snap.Status, snap.Progress)
	}
	if len(snap.RecentDetections) != 5 {
		t.Errorf("recent = %d, want 5", len(snap.RecentDetections))
	}
	if f.sink.frames != 5 || !f.sink.closed {
		t.Errorf("sink frames %d closed %v", f.sink.frames, f.sink.closed)
	}

	got, complete := drain(t, f.ch)
	want := []int{2, 4, 6, 8, 10}
	if len(got) != len(want) {
		t.Fatalf("frame events = %d, want %d", len(got), len(want))
	}
	for i, p := range got {
		if p.FrameNumber != want[i] {
			t.Errorf("event %d frame = %d, want %d", i, p.FrameNumber, want[i])
		}
		if p.Image == "" || p.Count != 1 || p.FrameRate != 25 {
			t.Errorf("event %d payload = %+v", i, p)
		}
	}
	if complete.Status != "completed" || complete.Error != nil {
		t.Errorf("complete = %+v", complete)
	}

	sum, err := f.store.GetSummary(context.Background(), "clip_mp4-00000000")
	if err != nil || sum == nil {
		t.Fatalf("summary = %v, %v", sum, err)
	}
	if sum.FramesProcessed != 5 || sum.TotalDetections != 5 || len(sum.Detections) != 5 {
		t.Errorf("summary = %+v", sum)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0].Status != "completed" {
		t.Errorf("notifications = %+v", f.notifier.events)
	}
}

func TestRun_JobFrameSkipOverridesOptions(t *testing.T) {
	f := newFixture(t, 30)
	a := &fakeAnalyzer{}
	job := f.job(media.NewSliceSource(frames(9), 25))
	job.FrameSkip = 3
	f.runner(a, Options{FrameSkip: 1}).Run(context.Background(), job)

	if a.calls != 3 {
		t.Errorf("analyzer calls = %d, want 3", a.calls)
	}
	if got := f.rec.Snapshot().FramesProcessed; got != 3 {
		t.Errorf("frames processed = %d, want 3", got)
	}
}

func TestRun_FullChannelDropsButSinkKeepsAll(t *testing.T) {
	f := newFixture(t, 30)
	f.runner(&fakeAnalyzer{}, Options{FrameSkip: 1}).Run(context.Background(), f.job(media.NewSliceSource(frames(40), 30)))

	if f.sink.frames != 40 {
		t.Errorf("sink frames = %d, want 40", f.sink.frames)
	}
	st := f.ch.Stats()
	if st.Sent != 30 || st.Dropped != 10 {
		t.Errorf("stats = %+v", st)
	}
	if snap := f.rec.Snapshot(); snap.StreamDropped != 10 {
		t.Errorf("record stream_dropped = %d", snap.StreamDropped)
	}

	got, complete := drain(t, f.ch)
	if len(got) > 30 {
		t.Errorf("observed %d live frames, want <= 30", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].FrameNumber <= got[i-1].FrameNumber {
			t.Fatalf("frame numbers not increasing: %d then %d", got[i-1].FrameNumber, got[i].FrameNumber)
		}
	}
	if complete.Status != "completed" {
		t.Errorf("complete = %+v", complete)
	}
}

func TestRun_SourceUnavailable(t *testing.T) {
	f := newFixture(t, 30)
	job := f.job(nil)
	job.Open = media.Open
	job.Path = filepath.Join(t.TempDir(), "missing.mp4")

	a := &fakeAnalyzer{}
	f.runner(a, Options{}).Run(context.Background(), job)

	snap := f.rec.Snapshot()
	if snap.Status != jobs.StatusFailed || snap.Error == nil || snap.Error.Kind != jobs.KindSourceUnavailable {
		t.Fatalf("snapshot = %+v", snap)
	}
	got, complete := drain(t, f.ch)
	if len(got) != 0 {
		t.Errorf("frame events = %d, want 0", len(got))
	}
	if complete.Status != "failed" || complete.Error == nil || complete.Error.Kind != "SourceUnavailable" {
		t.Errorf("complete = %+v", complete)
	}
	if a.calls != 0 {
		t.Errorf("analyzer called %d times", a.calls)
	}
	if sum, _ := f.store.GetSummary(context.Background(), f.rec.ID()); sum == nil || sum.Status != jobs.StatusFailed {
		t.Errorf("failed summary = %+v", sum)
	}
}

func TestRun_AnalyzerFrameErrorIsNotFatal(t *testing.T) {
	f := newFixture(t, 30)
	a := &fakeAnalyzer{failOn: map[int]bool{3: true}}
	f.runner(a, Options{}).Run(context.Background(), f.job(media.NewSliceSource(frames(5), 10)))

	snap := f.rec.Snapshot()
	if snap.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s, error %+v", snap.Status, snap.Error)
	}
	if snap.RecentDetections[2].Count != 0 || snap.RecentDetections[2].Frame != 3 {
		t.Errorf("failed frame summary = %+v", snap.RecentDetections[2])
	}
	if f.sink.frames != 5 {
		t.Errorf("sink frames = %d, want 5", f.sink.frames)
	}
	got, _ := drain(t, f.ch)
	if len(got) != 5 {
		t.Errorf("frame events = %d, want 5", len(got))
	}
}

func TestRun_ProgressNonDecreasing(t *testing.T) {
	f := newFixture(t, 100)
	var seen []float64
	a := &fakeAnalyzer{onCall: func(int) { seen = append(seen, f.rec.Progress()) }}
	f.runner(a, Options{FrameSkip: 3}).Run(context.Background(), f.job(media.NewSliceSource(frames(20), 10)))

	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("progress went backwards: %v", seen)
		}
	}
	if seen[0] != 15 {
		t.Errorf("progress at first analyzed frame = %v, want 15", seen[0])
	}
	if f.rec.Progress() != 100 {
		t.Errorf("final progress = %v", f.rec.Progress())
	}
}

func TestRun_HistoryCapped(t *testing.T) {
	f := newFixture(t, 1)
	f.runner(&fakeAnalyzer{}, Options{}).Run(context.Background(), f.job(media.NewSliceSource(frames(150), 30)))

	snap := f.rec.Snapshot()
	if len(snap.RecentDetections) != jobs.HistorySize {
		t.Errorf("recent = %d, want %d", len(snap.RecentDetections), jobs.HistorySize)
	}
	if snap.RecentDetections[0].Frame != 51 {
		t.Errorf("oldest kept frame = %d, want 51", snap.RecentDetections[0].Frame)
	}
	sum, _ := f.store.GetSummary(context.Background(), f.rec.ID())
	if sum == nil || len(sum.Detections) != 150 {
		t.Errorf("summary should hold every frame")
	}
}

func TestRun_PanicBecomesProcessingError(t *testing.T) {
	f := newFixture(t, 30)
	f.runner(&fakeAnalyzer{panicOn: 2}, Options{}).Run(context.Background(), f.job(media.NewSliceSource(frames(4), 10)))

	snap := f.rec.Snapshot()
	if snap.Status != jobs.StatusFailed || snap.Error.Kind != jobs.KindProcessingError {
		t.Fatalf("snapshot = %+v", snap)
	}
	_, complete := drain(t, f.ch)
	if complete.Status != "failed" {
		t.Errorf("complete = %+v", complete)
	}
	if !f.sink.closed {
		t.Error("sink should be closed after a panic")
	}
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t, 30)
	ctx, cancel := context.WithCancel(context.Background())
	a := &fakeAnalyzer{onCall: func(n int) {
		if n == 2 {
			cancel()
		}
	}}
	f.runner(a, Options{}).Run(ctx, f.job(media.NewSliceSource(frames(10), 10)))

	snap := f.rec.Snapshot()
	if snap.Status != jobs.StatusFailed || snap.Error.Message != "cancelled" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Progress != 20 {
		t.Errorf("failed progress = %v, want last value 20", snap.Progress)
	}
	_, complete := drain(t, f.ch)
	if complete.Status != "failed" {
		t.Errorf("complete = %+v", complete)
	}
}

func TestRun_RemoteSource(t *testing.T) {
	f := newFixture(t, 30)
	job := f.job(media.NewSliceSource(frames(2), 10))
	var statusDuringFetch jobs.Status
	job.Fetch = func(_ context.Context, progress func(float64)) (string, error) {
		statusDuringFetch = f.rec.Status()
		progress(50)
		progress(100)
		return "/tmp/remote_clip.mp4", nil
	}
	var opened string
	open := job.Open
	job.Open = func(ctx context.Context, p string) (media.Source, error) {
		opened = p
		return open(ctx, p)
	}
	f.runner(&fakeAnalyzer{}, Options{}).Run(context.Background(), job)

	if statusDuringFetch != jobs.StatusDownloading {
		t.Errorf("status during fetch = %s", statusDuringFetch)
	}
	if opened != "/tmp/remote_clip.mp4" {
		t.Errorf("opened %q", opened)
	}
	snap := f.rec.Snapshot()
	if snap.Status != jobs.StatusCompleted || snap.DownloadProgress != 100 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRun_RemoteFetchFails(t *testing.T) {
	f := newFixture(t, 30)
	job := f.job(nil)
	job.Fetch = func(context.Context, func(float64)) (string, error) {
		return "", fmt.Errorf("%w: status 404", media.ErrSourceUnavailable)
	}
	f.runner(&fakeAnalyzer{}, Options{}).Run(context.Background(), job)

	snap := f.rec.Snapshot()
	if snap.Status != jobs.StatusFailed || snap.Error.Kind != jobs.KindSourceUnavailable {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRun_MinFrameIntervalThrottles(t *testing.T) {
	f := newFixture(t, 30)
	r := f.runner(&fakeAnalyzer{}, Options{MinFrameInterval: time.Hour})
	clock := time.Unix(0, 0)
	r.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}
	r.Run(context.Background(), f.job(media.NewSliceSource(frames(6), 30)))

	got, _ := drain(t, f.ch)
	if len(got) != 1 || got[0].FrameNumber != 1 {
		t.Errorf("live frames = %+v, want only frame 1", got)
	}
	if f.sink.frames != 6 {
		t.Errorf("sink frames = %d, want 6", f.sink.frames)
	}
}

func TestRun_PreviewFailureKeepsJobRunning(t *testing.T) {
	f := newFixture(t, 30)
	imgs := frames(3)
	// JPEG cannot encode a frame this wide, so its live preview fails.
	imgs[1] = image.NewRGBA(image.Rect(0, 0, 1<<16, 1))
	f.runner(&fakeAnalyzer{}, Options{FrameSkip: 1}).Run(context.Background(), f.job(media.NewSliceSource(imgs, 25)))

	if s := f.rec.Status(); s != jobs.StatusCompleted {
		t.Fatalf("status = %s, want completed", s)
	}
	if f.sink.frames != 3 {
		t.Errorf("sink frames = %d, want 3", f.sink.frames)
	}
	got, complete := drain(t, f.ch)
	if len(got) != 2 || got[0].FrameNumber != 1 || got[1].FrameNumber != 3 {
		t.Errorf("frame events = %+v", got)
	}
	if complete.Status != "completed" {
		t.Errorf("complete = %+v", complete)
	}
}
