package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
)

// VideoSource decodes a video into RGBA frames by piping ffmpeg's rawvideo
// output.
type VideoSource struct {
	info   Info
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
	buf    []byte
	read   int
}

// OpenVideo probes path and starts decoding it. A missing, unreadable, or
// undecodable file yields an error wrapping ErrSourceUnavailable.
func OpenVideo(ctx context.Context, path string) (*VideoSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: video decoding requires ffmpeg: %w", err)
	}

	info, err := Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-v", "error",
		"-i", path,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-vsync", "0",
		"pipe:1",
	)
	s := &VideoSource{
		info: info,
		cmd:  cmd,
		buf:  make([]byte, info.Width*info.Height*3),
	}
	cmd.Stderr = &s.stderr
	s.stdout, err = cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	log.Debug().
		Str("video", filepath.Base(path)).
		Int("width", info.Width).
		Int("height", info.Height).
		Int("rotation", info.Rotation).
		Int("frames", info.TotalFrames).
		Float64("fps", info.FrameRate).
		Msg("Video decoder started")
	return s, nil
}

func (s *VideoSource) Info() Info { return s.info }

// Next returns the next decoded frame, or io.EOF after the last one.
func (s *VideoSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(s.stdout, s.buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// A truncated trailing frame is dropped, like a short read at end of stream.
			log.Warn().Int("frames", s.read).Msg("Truncated final video frame discarded")
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame %d: %w", s.read+1, err)
	}
	s.read++
	return rgb24ToRGBA(s.buf, s.info.Width, s.info.Height), nil
}

// Close stops the decoder.
func (s *VideoSource) Close() error {
	s.stdout.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	err := s.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

func rgb24ToRGBA(src []byte, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i+2 < len(src); i, j = i+3, j+4 {
		img.Pix[j] = src[i]
		img.Pix[j+1] = src[i+1]
		img.Pix[j+2] = src[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// VideoSink encodes frames into a video file by piping rawvideo into ffmpeg.
type VideoSink struct {
	path   string
	rate   float64
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer
	width  int
	height int
	buf    []byte
	frames int
}

// NewVideoSink prepares an H.264 MP4 writer at path. The encoder starts on the
// first frame, once the frame size is known.
func NewVideoSink(path string, rate float64) *VideoSink {
	if rate <= 0 {
		rate = 30
	}
	return &VideoSink{path: path, rate: rate}
}

func (s *VideoSink) Name() string { return filepath.Base(s.path) }

// Frames reports how many frames were written.
func (s *VideoSink) Frames() int { return s.frames }

func (s *VideoSink) start(ctx context.Context, w, h int) error {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return fmt.Errorf("ffmpeg not found: video encoding requires ffmpeg: %w", err)
	}
	s.cmd = exec.CommandContext(ctx, ffmpegPath,
		"-v", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", w, h),
		"-r", strconv.FormatFloat(s.rate, 'f', -1, 64),
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-movflags", "+faststart",
		"-y", s.path,
	)
	s.cmd.Stderr = &s.stderr
	s.stdin, err = s.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdin: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	s.width, s.height = w, h
	s.buf = make([]byte, w*h*3)
	return nil
}

// WriteFrame appends img. Every frame must match the first frame's size.
func (s *VideoSink) WriteFrame(ctx context.Context, img image.Image) error {
	b := img.Bounds()
	if s.cmd == nil {
		if err := s.start(ctx, b.Dx(), b.Dy()); err != nil {
			return err
		}
	}
	if b.Dx() != s.width || b.Dy() != s.height {
		return fmt.Errorf("frame size %dx%d does not match %dx%d", b.Dx(), b.Dy(), s.width, s.height)
	}

	if rgba, ok := img.(*image.RGBA); ok {
		rgbaToRGB24(rgba, s.buf)
	} else {
		s.fillSlow(img)
	}
	if _, err := s.stdin.Write(s.buf); err != nil {
		return fmt.Errorf("write frame to ffmpeg: %w: %s", err, s.stderr.String())
	}
	s.frames++
	return nil
}

func rgbaToRGB24(img *image.RGBA, dst []byte) {
	b := img.Bounds()
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			copy(dst[i:i+3], row[x*4:x*4+3])
			i += 3
		}
	}
}

func (s *VideoSink) fillSlow(img image.Image) {
	b := img.Bounds()
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			s.buf[i] = byte(r >> 8)
			s.buf[i+1] = byte(g >> 8)
			s.buf[i+2] = byte(bl >> 8)
			i += 3
		}
	}
}

// Close flushes the encoder and waits for the file to be finalized.
func (s *VideoSink) Close() error {
	if s.cmd == nil {
		return nil
	}
	s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encode %s: %w: %s", s.Name(), err, s.stderr.String())
	}
	log.Debug().Str("output", s.Name()).Int("frames", s.frames).Msg("Video encoded")
	return nil
}
