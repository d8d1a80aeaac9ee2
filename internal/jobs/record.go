package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/detection"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/stream"
)

// HistorySize bounds the recent-detections ring.
const HistorySize = 100

// FrameSummary is the per-frame record kept in history and in the persisted
// summary.
type FrameSummary struct {
	Frame      int                   `json:"frame"`
	Count      int                   `json:"count"`
	Detections []detection.Detection `json:"detections"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Record is the authoritative state of one job. The runner writes it; any
// number of readers take snapshots.
type Record struct {
	mu sync.RWMutex

	id         string
	source     string
	outputFile string
	status     Status
	progress   float64
	download   float64
	failure    *Failure

	// ring buffer of the last HistorySize summaries
	recent []FrameSummary
	head   int

	totalFrames     int
	framesProcessed int
	frameRate       float64
	stream          stream.Stats

	createdAt time.Time
	updatedAt time.Time
}

func newRecord(id, source, outputFile string) *Record {
	now := time.Now().UTC()
	return &Record{
		id:         id,
		source:     source,
		outputFile: outputFile,
		status:     StatusQueued,
		recent:     make([]FrameSummary, 0, HistorySize),
		createdAt:  now,
		updatedAt:  now,
	}
}

// ID returns the job ID.
func (r *Record) ID() string { return r.id }

// Source returns the input filename or URL.
func (r *Record) Source() string { return r.source }

// OutputFile returns the artifact name.
func (r *Record) OutputFile() string { return r.outputFile }

// Status returns the current status.
func (r *Record) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Progress returns the current progress percentage.
func (r *Record) Progress() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.progress
}

// Failure returns the failure detail, or nil.
func (r *Record) Failure() *Failure {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.failure == nil {
		return nil
	}
	f := *r.failure
	return &f
}

// Transition moves the job to status s. Backward moves and moves out of a
// terminal state are rejected.
func (r *Record) Transition(s Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == s {
		return nil
	}
	if !isValidTransition(r.status, s) {
		return fmt.Errorf("job %s: invalid transition %s -> %s", r.id, r.status, s)
	}
	r.status = s
	r.updatedAt = time.Now().UTC()
	return nil
}

// SetProgress raises progress to p, clamped to [0,100]. Lower values are
// ignored so progress never goes backwards.
func (r *Record) SetProgress(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() || p <= r.progress {
		return
	}
	r.progress = p
	r.updatedAt = time.Now().UTC()
}

// SetDownloadProgress records remote-fetch progress. It is tracked apart
// from processing progress so neither moves backwards.
func (r *Record) SetDownloadProgress(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p > r.download {
		r.download = p
		r.updatedAt = time.Now().UTC()
	}
}

// SetSourceInfo records the opened source's frame count and rate.
func (r *Record) SetSourceInfo(totalFrames int, frameRate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalFrames = totalFrames
	r.frameRate = frameRate
}

// AddFrame records one analyzed frame: it appends to the history ring,
// evicting the oldest entry once full, and bumps the processed count.
func (r *Record) AddFrame(s FrameSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.recent) < HistorySize {
		r.recent = append(r.recent, s)
	} else {
		r.recent[r.head] = s
		r.head = (r.head + 1) % HistorySize
	}
	r.framesProcessed++
	r.updatedAt = time.Now().UTC()
}

// SetStreamStats copies the live channel counters onto the record.
func (r *Record) SetStreamStats(st stream.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stream = st
}

// Complete marks the job completed with progress pinned to 100.
func (r *Record) Complete() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !isValidTransition(r.status, StatusCompleted) {
		return fmt.Errorf("job %s: cannot complete from %s", r.id, r.status)
	}
	r.status = StatusCompleted
	r.progress = 100
	r.updatedAt = time.Now().UTC()
	return nil
}

// Fail marks the job failed, keeping the last progress value. It is a no-op
// on a job that already reached a terminal state.
func (r *Record) Fail(f Failure) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return false
	}
	r.status = StatusFailed
	r.failure = &f
	r.updatedAt = time.Now().UTC()
	return true
}

// Recent returns the history ring oldest first.
func (r *Record) Recent() []FrameSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recentLocked()
}

func (r *Record) recentLocked() []FrameSummary {
	out := make([]FrameSummary, 0, len(r.recent))
	out = append(out, r.recent[r.head:]...)
	out = append(out, r.recent[:r.head]...)
	return out
}

// Snapshot is a consistent, read-only copy of a Record.
type Snapshot struct {
	JobID            string         `json:"job_id"`
	Status           Status         `json:"status"`
	Progress         float64        `json:"progress"`
	DownloadProgress float64        `json:"download_progress,omitempty"`
	RecentDetections []FrameSummary `json:"recent_detections"`
	Error            *Failure       `json:"error,omitempty"`
	OutputFile       string         `json:"output_file"`
	Source           string         `json:"source"`
	TotalFrames      int            `json:"total_frames"`
	FramesProcessed  int            `json:"frames_processed"`
	FrameRate        float64        `json:"frame_rate"`
	StreamSent       uint64         `json:"stream_sent"`
	StreamDropped    uint64         `json:"stream_dropped"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Snapshot copies the record under its read lock.
func (r *Record) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Snapshot{
		JobID:            r.id,
		Status:           r.status,
		Progress:         r.progress,
		DownloadProgress: r.download,
		RecentDetections: r.recentLocked(),
		OutputFile:       r.outputFile,
		Source:           r.source,
		TotalFrames:      r.totalFrames,
		FramesProcessed:  r.framesProcessed,
		FrameRate:        r.frameRate,
		StreamSent:       r.stream.Sent,
		StreamDropped:    r.stream.Dropped,
		CreatedAt:        r.createdAt,
		UpdatedAt:        r.updatedAt,
	}
	if r.failure != nil {
		f := *r.failure
		s.Error = &f
	}
	return s
}
