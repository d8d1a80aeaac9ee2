package analyzer

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/detection"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/media"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/metrics"
)

// geminiInstruction asks for boxes in Gemini's native 0-1000 normalized
// [ymin, xmin, ymax, xmax] layout.
const geminiInstruction = `You are a detection model for aerial surveillance frames.
Find every person in the image and classify each one as "soldier" (uniformed or armed) or "civilian".
Respond with only a JSON array. Each element must be:
{"box_2d": [ymin, xmin, ymax, xmax], "label": "soldier" | "civilian", "confidence": 0.0-1.0}
Coordinates are integers normalized to 0-1000. Respond with [] when nobody is visible.`

// generator is the slice of *genai.Models the analyzer calls.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini detects people with a Gemini vision model.
type Gemini struct {
	models        generator
	model         string
	minConfidence float64
}

// NewGemini creates a Gemini analyzer using apiKey.
func NewGemini(ctx context.Context, apiKey, model string, minConfidence float64) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini analyzer requires an API key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Gemini{models: client.Models, model: model, minConfidence: minConfidence}, nil
}

func (g *Gemini) Name() string { return "gemini:" + g.model }

// Analyze sends the frame to Gemini and converts its boxes to pixels.
func (g *Gemini) Analyze(ctx context.Context, frame image.Image) (detection.Result, error) {
	data, err := media.EncodeJPEG(frame, 85)
	if err != nil {
		return detection.Result{}, err
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: geminiInstruction}},
		},
		ResponseMIMEType: "application/json",
	}
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: "image/jpeg", Data: data}},
			{Text: "Detect people in this frame."},
		},
	}}

	start := time.Now()
	resp, err := g.models.GenerateContent(ctx, g.model, contents, config)
	elapsed := time.Since(start)

	m := metrics.New(metrics.Namespace).
		Dimension("Operation", "analyzeFrame").
		Metric("GeminiApiLatencyMs", float64(elapsed.Milliseconds()), metrics.UnitMilliseconds).
		Count("GeminiApiCalls")
	if err != nil {
		m.Count("GeminiApiErrors")
	}
	if resp != nil && resp.UsageMetadata != nil {
		m.Metric("GeminiInputTokens", float64(resp.UsageMetadata.PromptTokenCount), metrics.UnitCount)
		m.Metric("GeminiOutputTokens", float64(resp.UsageMetadata.CandidatesTokenCount), metrics.UnitCount)
	}
	m.Flush()

	if err != nil {
		return detection.Result{}, fmt.Errorf("failed to generate content: %w", err)
	}
	if resp == nil {
		return detection.Result{}, fmt.Errorf("received empty response from Gemini API")
	}

	raw, err := parseJSON[[]rawDetection](resp.Text())
	if err != nil {
		return detection.Result{}, fmt.Errorf("parse Gemini detections: %w", err)
	}

	b := frame.Bounds()
	dets, dropped := filter(raw, func(r rawDetection) (detection.BBox, bool) {
		return fromNormalized(r.Box2D, b)
	}, g.minConfidence)

	log.Trace().
		Int("detections", len(dets)).
		Int("dropped", dropped).
		Dur("elapsed", elapsed).
		Msg("Gemini detections parsed")
	return detection.Result{Detections: dets}, nil
}

// fromNormalized converts a 0-1000 [ymin, xmin, ymax, xmax] box to pixel
// [x1, y1, x2, y2] within b.
func fromNormalized(v []float64, b image.Rectangle) (detection.BBox, bool) {
	if len(v) != 4 {
		return detection.BBox{}, false
	}
	w, h := float64(b.Dx()), float64(b.Dy())
	box := clampBox(detection.BBox{
		float64(b.Min.X) + v[1]/1000*w,
		float64(b.Min.Y) + v[0]/1000*h,
		float64(b.Min.X) + v[3]/1000*w,
		float64(b.Min.Y) + v[2]/1000*h,
	}, b)
	return box, box.Valid()
}
