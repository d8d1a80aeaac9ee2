// Package s3util holds the S3 helpers shared by the remote source fetcher and
// the artifact mirror.
package s3util

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// ObjectAPI is the subset of *s3.Client these helpers call.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ParseURL splits an s3://bucket/key URL.
func ParseURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 url: %q", raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("s3 url needs bucket and key: %q", raw)
	}
	return u.Host, key, nil
}

// DownloadToFile copies an S3 object to localPath. progress, if set, receives
// the completed percentage whenever the object size is known.
func DownloadToFile(ctx context.Context, client ObjectAPI, bucket, key, localPath string, progress func(float64)) error {
	log.Debug().Str("bucket", bucket).Str("key", key).Str("localPath", localPath).Msg("Downloading from S3")
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket, Key: &key,
	})
	if err != nil {
		return fmt.Errorf("S3 GetObject: %w", err)
	}
	defer result.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	var total int64
	if result.ContentLength != nil {
		total = *result.ContentLength
	}
	var src io.Reader = result.Body
	if progress != nil && total > 0 {
		src = &ProgressReader{R: result.Body, Total: total, Report: progress}
	}
	if _, err := io.Copy(f, src); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	return nil
}

// ProgressReader reports the percentage of Total read so far.
type ProgressReader struct {
	R      io.Reader
	Total  int64
	Report func(float64)

	n int64
}

func (p *ProgressReader) Read(b []byte) (int, error) {
	n, err := p.R.Read(b)
	if n > 0 {
		p.n += int64(n)
		pct := float64(p.n) * 100 / float64(p.Total)
		if pct > 100 {
			pct = 100
		}
		p.Report(pct)
	}
	return n, err
}
