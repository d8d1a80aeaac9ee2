// Package stream carries live pipeline events from one job's runner to the
// client watching it: a bounded channel with an explicit drop policy and the
// server-sent-events publisher that drains it.
package stream

import "github.com/reymartjohneva/SkyGuard-Intelligence/internal/detection"

// EventType tags each stream event.
type EventType string

const (
	EventFrame     EventType = "frame"
	EventComplete  EventType = "complete"
	EventKeepalive EventType = "keepalive"
)

// FramePayload is the live-view copy of one analyzed frame.
type FramePayload struct {
	Image       string                `json:"frame"`
	FrameNumber int                   `json:"frame_number"`
	Progress    float64               `json:"progress"`
	Detections  []detection.Detection `json:"detections"`
	Count       int                   `json:"count"`
	FrameRate   float64               `json:"fps,omitempty"`
}

// ErrorDetail is the failure reported on a failed job's complete event.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Terminal describes how the job ended. It rides on the complete event.
type Terminal struct {
	Status string       `json:"status,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// Event is the tagged union delivered to subscribers. Exactly one of Frame or
// Terminal is set for frame and complete events; keepalives carry neither.
type Event struct {
	Type     EventType
	Frame    *FramePayload
	Terminal *Terminal
}

// FrameEvent wraps a payload as a frame event.
func FrameEvent(p FramePayload) Event {
	return Event{Type: EventFrame, Frame: &p}
}

// KeepaliveEvent is synthesized by the publisher when nothing arrives in time.
func KeepaliveEvent() Event {
	return Event{Type: EventKeepalive}
}
