package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/detection"
)

type wireFrame struct {
	Type EventType `json:"type"`
	FramePayload
}

type wireComplete struct {
	Type EventType `json:"type"`
	Terminal
}

type wireKeepalive struct {
	Type EventType `json:"type"`
}

// Encode renders ev as its JSON body.
func Encode(ev Event) ([]byte, error) {
	switch ev.Type {
	case EventFrame:
		if ev.Frame == nil {
			return nil, fmt.Errorf("frame event without payload")
		}
		p := *ev.Frame
		if p.Detections == nil {
			p.Detections = []detection.Detection{}
		}
		return json.Marshal(wireFrame{Type: EventFrame, FramePayload: p})
	case EventComplete:
		var t Terminal
		if ev.Terminal != nil {
			t = *ev.Terminal
		}
		return json.Marshal(wireComplete{Type: EventComplete, Terminal: t})
	case EventKeepalive:
		return json.Marshal(wireKeepalive{Type: EventKeepalive})
	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// WriteEvent writes ev as one server-sent-events record: "data: <json>\n\n".
func WriteEvent(w io.Writer, ev Event) error {
	body, err := Encode(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Type, err)
	}
	return nil
}
