// Package jobutil holds shared helpers for the job failure path.
package jobutil

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/jobs"
)

// ErrorWriter persists a job failure. The pipeline's writer fails the record
// and mirrors the failure to the summary store.
type ErrorWriter func(ctx context.Context, jobID string, f jobs.Failure) error

// SetJobError logs the failure and delegates persistence to write.
func SetJobError(ctx context.Context, jobID string, f jobs.Failure, write ErrorWriter) error {
	log.Error().
		Str("job", jobID).
		Str("kind", string(f.Kind)).
		Str("error", f.Message).
		Msg("Job failed")
	return write(ctx, jobID, f)
}
