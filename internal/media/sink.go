package media

import (
	"archive/zip"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// Sink receives every annotated frame of a job.
type Sink interface {
	Name() string
	WriteFrame(ctx context.Context, img image.Image) error
	Close() error
}

// ZipMethodZstd is the ZIP compression method ID for Zstandard (APPNOTE 6.3.7).
const ZipMethodZstd uint16 = 93

var registerZstd sync.Once

// RegisterZstd installs the zstd compressor and decompressor for ZIP method
// 93. It is safe to call more than once.
func RegisterZstd() {
	registerZstd.Do(func() {
		zip.RegisterCompressor(ZipMethodZstd, func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		})
		zip.RegisterDecompressor(ZipMethodZstd, func(r io.Reader) io.ReadCloser {
			dec, err := zstd.NewReader(r)
			if err != nil {
				return io.NopCloser(errReader{err})
			}
			return dec.IOReadCloser()
		})
	})
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

// ZipSink stores each frame as a JPEG entry in a zstd-compressed ZIP.
type ZipSink struct {
	path    string
	quality int
	f       *os.File
	zw      *zip.Writer
	frames  int
}

// NewZipSink creates the archive at path.
func NewZipSink(path string, quality int) (*ZipSink, error) {
	RegisterZstd()
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create zip %s: %w", filepath.Base(path), err)
	}
	return &ZipSink{path: path, quality: quality, f: f, zw: zip.NewWriter(f)}, nil
}

func (s *ZipSink) Name() string { return filepath.Base(s.path) }

// Frames reports how many frames were written.
func (s *ZipSink) Frames() int { return s.frames }

func (s *ZipSink) WriteFrame(_ context.Context, img image.Image) error {
	data, err := EncodeJPEG(img, s.quality)
	if err != nil {
		return err
	}
	header := &zip.FileHeader{
		Name:   fmt.Sprintf("frame_%06d.jpg", s.frames+1),
		Method: ZipMethodZstd,
	}
	header.SetModTime(time.Now())
	w, err := s.zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("create zip entry: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write zip entry: %w", err)
	}
	s.frames++
	return nil
}

func (s *ZipSink) Close() error {
	if err := s.zw.Close(); err != nil {
		s.f.Close()
		return fmt.Errorf("close zip writer: %w", err)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close zip file: %w", err)
	}
	log.Debug().Str("output", s.Name()).Int("frames", s.frames).Msg("Frame archive written")
	return nil
}

// ImageSink writes a single annotated still. Later frames replace earlier
// ones; the file is written on Close.
type ImageSink struct {
	path    string
	quality int
	last    image.Image
}

// NewImageSink writes a JPEG to path on Close.
func NewImageSink(path string, quality int) *ImageSink {
	return &ImageSink{path: path, quality: quality}
}

func (s *ImageSink) Name() string { return filepath.Base(s.path) }

func (s *ImageSink) WriteFrame(_ context.Context, img image.Image) error {
	s.last = img
	return nil
}

func (s *ImageSink) Close() error {
	if s.last == nil {
		return nil
	}
	data, err := EncodeJPEG(s.last, s.quality)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", s.Name(), err)
	}
	return nil
}
