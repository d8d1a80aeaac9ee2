// Package detection defines the value types exchanged with frame analyzers
// and the annotation step that draws them onto frames.
package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
)

// Label is one of the closed set of classes the analyzers report.
type Label string

const (
	LabelCivilian Label = "civilian"
	LabelSoldier  Label = "soldier"
)

// Labels lists every accepted label.
var Labels = []Label{LabelCivilian, LabelSoldier}

// ParseLabel normalises s and reports whether it names a known label.
func ParseLabel(s string) (Label, bool) {
	l := Label(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Labels {
		if l == known {
			return l, true
		}
	}
	return "", false
}

// BBox is a bounding box in pixel space: x1, y1, x2, y2.
type BBox [4]float64

// X1 etc. are accessors for readability at call sites.
func (b BBox) X1() float64 { return b[0] }
func (b BBox) Y1() float64 { return b[1] }
func (b BBox) X2() float64 { return b[2] }
func (b BBox) Y2() float64 { return b[3] }

// Valid reports whether the box has positive width and height.
func (b BBox) Valid() bool {
	return b[0] < b[2] && b[1] < b[3]
}

// Rect converts the box to an integer rectangle.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b[0]), int(b[1]), int(b[2]), int(b[3]))
}

// Detection is an immutable labelled box with its class confidence.
type Detection struct {
	BBox       BBox    `json:"bbox"`
	Label      Label   `json:"class"`
	Confidence float64 `json:"confidence"`
}

var (
	ErrInvalidBox        = errors.New("detection: box must satisfy x1<x2 and y1<y2")
	ErrUnknownLabel      = errors.New("detection: unknown label")
	ErrInvalidConfidence = errors.New("detection: confidence outside [0,1]")
)

// New validates its inputs and returns a Detection.
func New(box BBox, label string, confidence float64) (Detection, error) {
	if !box.Valid() {
		return Detection{}, fmt.Errorf("%w: %v", ErrInvalidBox, box)
	}
	l, ok := ParseLabel(label)
	if !ok {
		return Detection{}, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	if confidence < 0 || confidence > 1 {
		return Detection{}, fmt.Errorf("%w: %v", ErrInvalidConfidence, confidence)
	}
	return Detection{BBox: box, Label: l, Confidence: confidence}, nil
}

// Result is what an analyzer returns for one frame. Annotated is optional;
// when nil the caller draws the detections itself.
type Result struct {
	Detections []Detection
	Annotated  image.Image
}

// Analyzer runs object detection on a single decoded frame.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, frame image.Image) (Result, error)
}
