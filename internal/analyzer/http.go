package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/detection"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/media"
)

// maxResponseBytes bounds an inference response body.
const maxResponseBytes = 4 << 20

// HTTP posts each frame as a JPEG to an inference endpoint that answers with
// {"detections":[{"bbox":[x1,y1,x2,y2],"class":"soldier","confidence":0.9}]}
// in pixel coordinates. When a model is set it is sent as the "model" query
// parameter so one service can host several detectors.
type HTTP struct {
	endpoint      string
	model         string
	apiKey        string
	client        *http.Client
	minConfidence float64
	quality       int
}

// NewHTTP creates an HTTP analyzer.
func NewHTTP(endpoint, apiKey string, timeout time.Duration, minConfidence float64) *HTTP {
	return &HTTP{
		endpoint:      endpoint,
		apiKey:        apiKey,
		client:        &http.Client{Timeout: timeout},
		minConfidence: minConfidence,
		quality:       90,
	}
}

func (h *HTTP) Name() string { return "http" }

// WithModel returns a copy of h that asks the service for model.
func (h *HTTP) WithModel(model string) *HTTP {
	c := *h
	c.model = model
	return &c
}

func (h *HTTP) url() string {
	if h.model == "" {
		return h.endpoint
	}
	u, err := url.Parse(h.endpoint)
	if err != nil {
		return h.endpoint
	}
	q := u.Query()
	q.Set("model", h.model)
	u.RawQuery = q.Encode()
	return u.String()
}

type inferenceResponse struct {
	Detections []rawDetection `json:"detections"`
	Error      string         `json:"error"`
}

// Analyze sends frame to the endpoint and returns its detections.
func (h *HTTP) Analyze(ctx context.Context, frame image.Image) (detection.Result, error) {
	body, err := media.EncodeJPEG(frame, h.quality)
	if err != nil {
		return detection.Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url(), bytes.NewReader(body))
	if err != nil {
		return detection.Result{}, fmt.Errorf("build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return detection.Result{}, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return detection.Result{}, fmt.Errorf("read inference response: %w", err)
	}

	var parsed inferenceResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return detection.Result{}, fmt.Errorf("decode inference response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := parsed.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return detection.Result{}, fmt.Errorf("inference service returned %d: %s", resp.StatusCode, msg)
	}

	b := frame.Bounds()
	dets, dropped := filter(parsed.Detections, func(r rawDetection) (detection.BBox, bool) {
		if len(r.BBox) != 4 {
			return detection.BBox{}, false
		}
		box := clampBox(detection.BBox{r.BBox[0], r.BBox[1], r.BBox[2], r.BBox[3]}, b)
		return box, box.Valid()
	}, h.minConfidence)

	log.Trace().
		Int("detections", len(dets)).
		Int("dropped", dropped).
		Dur("elapsed", time.Since(start)).
		Msg("Inference response")
	return detection.Result{Detections: dets}, nil
}

// clampBox limits a pixel box to the frame bounds.
func clampBox(box detection.BBox, b image.Rectangle) detection.BBox {
	clamp := func(v, lo, hi float64) float64 {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	minX, minY := float64(b.Min.X), float64(b.Min.Y)
	maxX, maxY := float64(b.Max.X), float64(b.Max.Y)
	return detection.BBox{
		clamp(box[0], minX, maxX),
		clamp(box[1], minY, maxY),
		clamp(box[2], minX, maxX),
		clamp(box[3], minY, maxY),
	}
}
