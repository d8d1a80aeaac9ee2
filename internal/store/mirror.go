package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/s3util"
)

// S3Mirror wraps a SummaryStore and copies each summary, plus the job's
// output artifact, to S3 under jobs/<jobId>/.
type S3Mirror struct {
	inner     SummaryStore
	client    s3util.ObjectAPI
	bucket    string
	outputDir string
}

// NewS3Mirror mirrors inner's writes into bucket. Artifacts are read from
// outputDir.
func NewS3Mirror(inner SummaryStore, client s3util.ObjectAPI, bucket, outputDir string) *S3Mirror {
	return &S3Mirror{inner: inner, client: client, bucket: bucket, outputDir: outputDir}
}

// Key returns the object key for name within a job's prefix.
func Key(jobID, name string) string {
	return path.Join("jobs", jobID, name)
}

func (m *S3Mirror) PutSummary(ctx context.Context, s *Summary) error {
	if err := m.inner.PutSummary(ctx, s); err != nil {
		return err
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	key := Key(s.JobID, SummaryName(s.JobID))
	contentType := "application/json"
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &m.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
		Tagging:     s3util.ProjectTagging(),
	})
	if err != nil {
		return fmt.Errorf("mirror summary: %w", err)
	}

	if s.OutputFile == "" {
		return nil
	}
	local := filepath.Join(m.outputDir, s.OutputFile)
	if _, err := os.Stat(local); err != nil {
		log.Debug().Str("job", s.JobID).Str("output", s.OutputFile).Msg("No artifact to mirror")
		return nil
	}
	if err := s3util.UploadFile(ctx, m.client, m.bucket, Key(s.JobID, s.OutputFile), local); err != nil {
		return fmt.Errorf("mirror artifact: %w", err)
	}
	log.Info().Str("job", s.JobID).Str("bucket", m.bucket).Msg("Job artifacts mirrored to S3")
	return nil
}

func (m *S3Mirror) GetSummary(ctx context.Context, jobID string) (*Summary, error) {
	return m.inner.GetSummary(ctx, jobID)
}
