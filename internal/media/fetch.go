package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/s3util"
)

// Fetcher downloads remote inputs (http, https, s3) into a local directory.
type Fetcher struct {
	Dir  string
	HTTP *http.Client
	// S3 serves s3:// URLs. Nil disables them.
	S3 s3util.ObjectAPI
}

// NewFetcher creates a fetcher writing into dir with an HTTP timeout.
func NewFetcher(dir string, timeout time.Duration, s3Client s3util.ObjectAPI) *Fetcher {
	return &Fetcher{
		Dir:  dir,
		HTTP: &http.Client{Timeout: timeout},
		S3:   s3Client,
	}
}

// RemoteName derives a local filename from a URL's last path element.
func RemoteName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "download.mp4"
	}
	name := SanitizeFilename(path.Base(u.Path))
	if name == "" || name == "_" {
		return "download.mp4"
	}
	if filepath.Ext(name) == "" {
		name += ".mp4"
	}
	return name
}

// IsRemote reports whether raw is a URL this package can fetch.
func IsRemote(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "s3":
		return u.Host != ""
	}
	return false
}

// Fetch downloads raw into a fresh file in Dir named remote_<random>_<name>
// and returns its path. Each call owns its file, so concurrent fetches of
// the same URL never share or remove each other's downloads. Any failure
// wraps ErrSourceUnavailable.
func (f *Fetcher) Fetch(ctx context.Context, raw, name string, progress func(float64)) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	tmp, err := os.CreateTemp(f.Dir, "remote_*_"+name)
	if err != nil {
		return "", fmt.Errorf("%w: reserve download file: %v", ErrSourceUnavailable, err)
	}
	dst := tmp.Name()
	tmp.Close()

	start := time.Now()
	switch u.Scheme {
	case "http", "https":
		err = f.fetchHTTP(ctx, raw, dst, progress)
	case "s3":
		if f.S3 == nil {
			err = errors.New("s3 source given but no S3 client configured")
			break
		}
		var bucket, key string
		bucket, key, err = s3util.ParseURL(raw)
		if err == nil {
			err = s3util.DownloadToFile(ctx, f.S3, bucket, key, dst, progress)
		}
	default:
		err = fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("%w: fetch %s: %v", ErrSourceUnavailable, raw, err)
	}

	log.Info().
		Str("url", raw).
		Str("path", dst).
		Dur("elapsed", time.Since(start)).
		Msg("Remote source downloaded")
	return dst, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, raw, dst string, progress func(float64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return err
	}
	client := f.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	var src io.Reader = resp.Body
	if progress != nil && resp.ContentLength > 0 {
		src = &s3util.ProgressReader{R: resp.Body, Total: resp.ContentLength, Report: progress}
	}
	if _, err := io.Copy(out, src); err != nil {
		return err
	}
	return out.Close()
}
