// Package store persists job summaries once a job ends. The file store is
// always on; DynamoDB and the S3 mirror are added when configured.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/jobs"
)

// Summary is the durable outcome of one job.
type Summary struct {
	JobID           string              `json:"job_id" dynamodbav:"jobId"`
	Source          string              `json:"source" dynamodbav:"source"`
	OutputFile      string              `json:"output_file" dynamodbav:"outputFile"`
	Status          jobs.Status         `json:"status" dynamodbav:"status"`
	Error           *jobs.Failure       `json:"error,omitempty" dynamodbav:"error,omitempty"`
	TotalDetections int                 `json:"total_detections" dynamodbav:"totalDetections"`
	FramesProcessed int                 `json:"frames_processed" dynamodbav:"framesProcessed"`
	LabelCounts     map[string]int      `json:"label_counts" dynamodbav:"labelCounts"`
	Detections      []jobs.FrameSummary `json:"detections" dynamodbav:"-"`
	CompletedAt     time.Time           `json:"completed_at" dynamodbav:"completedAt"`
}

// SummaryStore writes and reads job summaries. GetSummary returns (nil, nil)
// when the job has no summary.
type SummaryStore interface {
	PutSummary(ctx context.Context, s *Summary) error
	GetSummary(ctx context.Context, jobID string) (*Summary, error)
}

// Multi writes to every store and reads from the first that has the summary.
type Multi []SummaryStore

func (m Multi) PutSummary(ctx context.Context, s *Summary) error {
	var errs []error
	for _, st := range m {
		if err := st.PutSummary(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) GetSummary(ctx context.Context, jobID string) (*Summary, error) {
	var errs []error
	for _, st := range m {
		s, err := st.GetSummary(ctx, jobID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if s != nil {
			return s, nil
		}
	}
	return nil, errors.Join(errs...)
}
