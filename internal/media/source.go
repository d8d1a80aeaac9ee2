// Package media opens frame sources, writes annotated output, encodes live
// previews, fetches remote inputs, and sweeps aged files.
package media

import (
	"context"
	"errors"
	"image"
	"io"
	"path/filepath"
	"strings"
)

// ErrSourceUnavailable marks an input that is missing, unreadable, or cannot
// be decoded.
var ErrSourceUnavailable = errors.New("source unavailable")

// Info describes an opened source.
type Info struct {
	TotalFrames int
	FrameRate   float64
	// Width and Height are the displayed frame size, after any rotation
	// recorded in the container has been applied.
	Width  int
	Height int
	// Rotation is the container's display rotation in degrees, normalized
	// to 0, 90, 180 or 270.
	Rotation int
}

// Source yields frames in order. Next returns io.EOF after the last frame.
type Source interface {
	Info() Info
	Next(ctx context.Context) (image.Image, error)
	Close() error
}

// Open picks a source for path by extension: still images decode to a
// one-frame source, everything else goes through ffmpeg.
func Open(ctx context.Context, path string) (Source, error) {
	if IsImage(path) {
		return OpenImage(path)
	}
	return OpenVideo(ctx, path)
}

// SliceSource serves frames from memory.
type SliceSource struct {
	frames []image.Image
	rate   float64
	pos    int
}

// NewSliceSource wraps frames as a Source reporting rate frames per second.
func NewSliceSource(frames []image.Image, rate float64) *SliceSource {
	return &SliceSource{frames: frames, rate: rate}
}

func (s *SliceSource) Info() Info {
	info := Info{TotalFrames: len(s.frames), FrameRate: s.rate}
	if len(s.frames) > 0 {
		b := s.frames[0].Bounds()
		info.Width, info.Height = b.Dx(), b.Dy()
	}
	return info
}

func (s *SliceSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

func (s *SliceSource) Close() error { return nil }

var (
	videoExts = map[string]bool{".mp4": true, ".avi": true, ".mov": true, ".mkv": true, ".webm": true}
	imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".tiff": true, ".webp": true}
)

func ext(name string) string { return strings.ToLower(filepath.Ext(name)) }

// IsVideo reports whether name has an accepted video extension.
func IsVideo(name string) bool { return videoExts[ext(name)] }

// IsImage reports whether name has an accepted image extension.
func IsImage(name string) bool { return imageExts[ext(name)] }

// SanitizeFilename reduces name to a safe base name: path elements are
// stripped and anything outside [A-Za-z0-9._-] becomes '_'.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return ""
	}
	return out
}
