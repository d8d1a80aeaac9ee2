package jobs

import "github.com/reymartjohneva/SkyGuard-Intelligence/internal/stream"

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// validTransitions lists the forward edges. Any non-terminal state may fail.
var validTransitions = map[Status][]Status{
	StatusQueued:      {StatusDownloading, StatusProcessing, StatusFailed},
	StatusDownloading: {StatusProcessing, StatusFailed},
	StatusProcessing:  {StatusCompleted, StatusFailed},
}

func isValidTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorKind classifies job and frame failures.
type ErrorKind string

const (
	// KindSourceUnavailable: the input could not be fetched or opened.
	KindSourceUnavailable ErrorKind = "SourceUnavailable"
	// KindAnalyzerFrameError: the analyzer failed on one frame. Never fatal.
	KindAnalyzerFrameError ErrorKind = "AnalyzerFrameError"
	// KindProcessingError: any other unrecoverable pipeline failure.
	KindProcessingError ErrorKind = "ProcessingError"
	// KindChannelFull: a live frame was dropped. Never fatal.
	KindChannelFull ErrorKind = "ChannelFull"
)

// Failure is the error detail recorded on a failed job.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (f Failure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

// TerminalEvent builds the stream terminal for a job in status s.
func TerminalEvent(s Status, f *Failure) stream.Terminal {
	t := stream.Terminal{Status: string(s)}
	if f != nil {
		t.Error = &stream.ErrorDetail{Kind: string(f.Kind), Message: f.Message}
	}
	return t
}
