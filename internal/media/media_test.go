package media

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestParseProbe(t *testing.T) {
	out := []byte(`{
		"format": {"duration": "4.0"},
		"streams": [
			{"codec_type": "audio"},
			{"codec_type": "video", "width": 640, "height": 360, "avg_frame_rate": "25/1", "nb_frames": "100"}
		]
	}`)
	info, err := parseProbe(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.Width != 640 || info.Height != 360 || info.FrameRate != 25 || info.TotalFrames != 100 {
		t.Errorf("info = %+v", info)
	}
}

func TestParseProbe_FrameCountFromDuration(t *testing.T) {
	out := []byte(`{"format": {"duration": "2.0"}, "streams": [{"codec_type": "video", "width": 2, "height": 2, "r_frame_rate": "30000/1001"}]}`)
	info, err := parseProbe(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.TotalFrames != 60 {
		t.Errorf("total frames = %d, want 60", info.TotalFrames)
	}
}

func TestParseProbe_Rotation(t *testing.T) {
	tests := []struct {
		name         string
		stream       string
		w, h, rotate int
	}{
		{"display matrix", `"side_data_list": [{"side_data_type": "Display Matrix", "rotation": -90}]`, 1080, 1920, 270},
		{"rotate tag", `"tags": {"rotate": "90"}`, 1080, 1920, 90},
		{"upside down", `"side_data_list": [{"side_data_type": "Display Matrix", "rotation": 180}]`, 1920, 1080, 180},
		{"none", `"tags": {"language": "und"}`, 1920, 1080, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := []byte(`{"streams": [{"codec_type": "video", "width": 1920, "height": 1080, "avg_frame_rate": "30/1", "nb_frames": "10", ` + tt.stream + `}]}`)
			info, err := parseProbe(out)
			if err != nil {
				t.Fatal(err)
			}
			if info.Width != tt.w || info.Height != tt.h || info.Rotation != tt.rotate {
				t.Errorf("info = %+v, want %dx%d rotation %d", info, tt.w, tt.h, tt.rotate)
			}
		})
	}
}

func TestParseProbe_NoVideo(t *testing.T) {
	_, err := parseProbe([]byte(`{"streams": [{"codec_type": "audio"}]}`))
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
}

func TestParseFrameRate(t *testing.T) {
	tests := map[string]float64{"30/1": 30, "0/0": 0, "24": 24, "bad": 0, "": 0}
	for in, want := range tests {
		if got := parseFrameRate(in); got != want {
			t.Errorf("parseFrameRate(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestOpenVideo_MissingFile(t *testing.T) {
	_, err := OpenVideo(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"))
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
}

func TestOpenImage(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "still.png")
	f, _ := os.Create(p)
	png.Encode(f, solid(8, 6, color.White))
	f.Close()

	src, err := Open(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if info := src.Info(); info.TotalFrames != 1 || info.Width != 8 || info.Height != 6 {
		t.Errorf("info = %+v", info)
	}
	if _, err := src.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := src.Next(context.Background()); err != io.EOF {
		t.Errorf("second Next err = %v, want EOF", err)
	}
}

func TestOpenImage_Undecodable(t *testing.T) {
	p := filepath.Join(t.TempDir(), "broken.jpg")
	os.WriteFile(p, []byte("not an image"), 0o644)
	if _, err := OpenImage(p); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
}

func TestRGB24ToRGBA(t *testing.T) {
	img := rgb24ToRGBA([]byte{1, 2, 3, 4, 5, 6}, 2, 1)
	want := []byte{1, 2, 3, 255, 4, 5, 6, 255}
	if !bytes.Equal(img.Pix, want) {
		t.Errorf("pix = %v, want %v", img.Pix, want)
	}
	back := make([]byte, 6)
	rgbaToRGB24(img, back)
	if !bytes.Equal(back, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("round trip = %v", back)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"clip.mp4":            "clip.mp4",
		"../../etc/passwd":    "passwd",
		"my video (1).mov":    "my_video__1_.mov",
		`C:\Users\x\cam.avi`:  "cam.avi",
		".hidden.mp4":         "hidden.mp4",
	}
	for in, want := range tests {
		if got := SanitizeFilename(in); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAllowLists(t *testing.T) {
	if !IsVideo("A.MP4") || IsVideo("a.jpg") {
		t.Error("IsVideo mismatch")
	}
	if !IsImage("a.webp") || IsImage("a.gif") {
		t.Error("IsImage mismatch")
	}
}

func TestDownscale(t *testing.T) {
	img := solid(200, 100, color.Black)
	out := Downscale(img, 50)
	if b := out.Bounds(); b.Dx() != 50 || b.Dy() != 25 {
		t.Errorf("bounds = %v, want 50x25", b)
	}
	if Downscale(img, 0) != image.Image(img) {
		t.Error("maxWidth 0 should return the input")
	}
	if Downscale(img, 400) != image.Image(img) {
		t.Error("narrower image should be returned unchanged")
	}
}

func TestEncodePreview(t *testing.T) {
	b64, err := EncodePreview(solid(64, 32, color.White), 70, 32)
	if err != nil {
		t.Fatal(err)
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatal(err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("preview is not a JPEG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 16 {
		t.Errorf("preview bounds = %v", b)
	}
}

func TestZipSink(t *testing.T) {
	p := filepath.Join(t.TempDir(), "detected_clip.zip")
	sink, err := NewZipSink(p, 70)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := sink.WriteFrame(context.Background(), solid(4, 4, color.White)); err != nil {
			t.Fatal(err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	zr, err := zip.OpenReader(p)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	if len(zr.File) != 3 {
		t.Fatalf("entries = %d, want 3", len(zr.File))
	}
	if zr.File[0].Name != "frame_000001.jpg" || zr.File[0].Method != ZipMethodZstd {
		t.Errorf("first entry = %s method %d", zr.File[0].Name, zr.File[0].Method)
	}
	rc, err := zr.File[2].Open()
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	if _, err := jpeg.Decode(rc); err != nil {
		t.Errorf("entry is not a JPEG: %v", err)
	}
}

func TestImageSink(t *testing.T) {
	p := filepath.Join(t.TempDir(), "detected_a.jpg")
	sink := NewImageSink(p, 80)
	sink.WriteFrame(context.Background(), solid(5, 5, color.Black))
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeImage(p); err != nil {
		t.Fatal(err)
	}
}

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-48 * time.Hour)
	for _, name := range []string{"old.mp4", "README.md", ".gitkeep"} {
		p := filepath.Join(dir, name)
		os.WriteFile(p, []byte("x"), 0o644)
		os.Chtimes(p, old, old)
	}
	os.WriteFile(filepath.Join(dir, "fresh.mp4"), []byte("x"), 0o644)

	n, err := Sweep([]string{dir, filepath.Join(dir, "missing")}, 24*time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	for _, keep := range []string{"README.md", ".gitkeep", "fresh.mp4"} {
		if _, err := os.Stat(filepath.Join(dir, keep)); err != nil {
			t.Errorf("%s should survive: %v", keep, err)
		}
	}
}

func TestFetcher_HTTP(t *testing.T) {
	body := strings.Repeat("v", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.mp4" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write([]byte(body))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), 5*time.Second, nil)
	var last float64
	p, err := f.Fetch(context.Background(), srv.URL+"/clip.mp4", "clip.mp4", func(v float64) { last = v })
	if err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(p)
	if string(got) != body {
		t.Error("content mismatch")
	}
	if last != 100 {
		t.Errorf("progress = %v, want 100", last)
	}

	if _, err := f.Fetch(context.Background(), srv.URL+"/missing.mp4", "missing.mp4", nil); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("404 err = %v, want ErrSourceUnavailable", err)
	}
	if _, err := f.Fetch(context.Background(), "s3://bucket/key.mp4", "key.mp4", nil); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("s3 without client err = %v, want ErrSourceUnavailable", err)
	}
}

func TestFetcher_FailureKeepsEarlierDownload(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("first"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(dir, 5*time.Second, nil)
	first, err := f.Fetch(context.Background(), srv.URL+"/clip.mp4", "clip.mp4", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(filepath.Base(first), "remote_") || !strings.HasSuffix(first, "_clip.mp4") {
		t.Errorf("path = %q", first)
	}

	fail.Store(true)
	if _, err := f.Fetch(context.Background(), srv.URL+"/clip.mp4", "clip.mp4", nil); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
	got, err := os.ReadFile(first)
	if err != nil || string(got) != "first" {
		t.Fatalf("first download = %q, %v", got, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("dir has %d files, want only the first download", len(entries))
	}
}

func TestRemoteName(t *testing.T) {
	tests := map[string]string{
		"https://x.test/videos/patrol.mp4?sig=1": "patrol.mp4",
		"https://x.test/":                        "download.mp4",
		"s3://bucket/a/b/feed":                   "feed.mp4",
	}
	for in, want := range tests {
		if got := RemoteName(in); got != want {
			t.Errorf("RemoteName(%q) = %q, want %q", in, got, want)
		}
	}
	if !IsRemote("https://x.test/a.mp4") || IsRemote("clip.mp4") || IsRemote("ftp://x/a") {
		t.Error("IsRemote mismatch")
	}
}
