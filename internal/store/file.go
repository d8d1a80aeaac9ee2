package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps summaries as summary_<jobId>.json in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// SummaryName is the file name of a job's summary.
func SummaryName(jobID string) string {
	return "summary_" + jobID + ".json"
}

// Path returns the summary path for jobID.
func (f *FileStore) Path(jobID string) string {
	return filepath.Join(f.dir, SummaryName(jobID))
}

func (f *FileStore) PutSummary(_ context.Context, s *Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	tmp := f.Path(s.JobID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if err := os.Rename(tmp, f.Path(s.JobID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename summary: %w", err)
	}
	return nil
}

func (f *FileStore) GetSummary(_ context.Context, jobID string) (*Summary, error) {
	data, err := os.ReadFile(f.Path(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode summary %s: %w", jobID, err)
	}
	return &s, nil
}
