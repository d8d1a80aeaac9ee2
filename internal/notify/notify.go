// Package notify publishes job lifecycle events to an EventBridge bus so
// downstream consumers can react to finished detections.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"
)

// Source is the EventBridge source of every event.
const Source = "skyguard-intelligence"

// Detail types.
const (
	DetailJobCompleted = "JobCompleted"
	DetailJobFailed    = "JobFailed"
)

// JobEvent is the detail payload of a terminal job event.
type JobEvent struct {
	JobID           string         `json:"jobId"`
	Status          string         `json:"status"`
	Source          string         `json:"source"`
	OutputFile      string         `json:"outputFile,omitempty"`
	TotalDetections int            `json:"totalDetections"`
	FramesProcessed int            `json:"framesProcessed"`
	LabelCounts     map[string]int `json:"labelCounts,omitempty"`
	ErrorKind       string         `json:"errorKind,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	Time            time.Time      `json:"time"`
}

// Notifier receives terminal job events.
type Notifier interface {
	JobFinished(ctx context.Context, ev JobEvent) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) JobFinished(context.Context, JobEvent) error { return nil }

// PutEventsAPI is the subset of *eventbridge.Client the notifier calls.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridge publishes job events to a named bus.
type EventBridge struct {
	client PutEventsAPI
	bus    string
}

// NewEventBridge creates a notifier for bus. An empty bus name uses the
// account's default bus.
func NewEventBridge(client PutEventsAPI, bus string) *EventBridge {
	return &EventBridge{client: client, bus: bus}
}

func (e *EventBridge) JobFinished(ctx context.Context, ev JobEvent) error {
	detail, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal JobEvent: %w", err)
	}

	detailType := DetailJobCompleted
	if ev.Status != "completed" {
		detailType = DetailJobFailed
	}
	entry := eventbridgetypes.PutEventsRequestEntry{
		Source:     aws.String(Source),
		DetailType: aws.String(detailType),
		Detail:     aws.String(string(detail)),
	}
	if e.bus != "" {
		entry.EventBusName = aws.String(e.bus)
	}
	if !ev.Time.IsZero() {
		entry.Time = aws.Time(ev.Time)
	}

	result, err := e.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{entry},
	})
	if err != nil {
		log.Error().Err(err).Str("job", ev.JobID).Str("detailType", detailType).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, res := range result.Entries {
			if res.ErrorCode != nil || res.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(res.ErrorCode)).
					Str("errorMessage", aws.ToString(res.ErrorMessage)).
					Str("job", ev.JobID).
					Msg("EventBridge PutEvents entry failed")
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(res.ErrorCode), aws.ToString(res.ErrorMessage))
			}
		}
	}

	log.Debug().Str("job", ev.JobID).Str("detailType", detailType).Msg("Job event emitted to EventBridge")
	return nil
}
