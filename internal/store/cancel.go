package store

import (
	"context"
	"fmt"

	brokererrors "github.com/jobbroker/core/internal/pkg/errors"
)

// CancelJob transitions a job to cancelled from any non-terminal state; a
// cancellation delivered after the job has terminated is a no-op success.
// It removes the job from whichever
// structure currently holds it, deliberately skipping the ownership check
// other mutations enforce.
func (s *Store) CancelJob(ctx context.Context, jobID, reason string) (Job, error) {
	res, err := s.cancelScript.Run(ctx, s.rdb,
		[]string{s.pendingKey(), s.activeKey(), s.cancelledKey()},
		s.jobKey(jobID), NowMs(), reason,
	).Result()
	if err != nil {
		return Job{}, fmt.Errorf("cancel job: %w", err)
	}
	job, decodeErr := decodeMutationResult(res)
	if decodeErr != nil {
		if decodeErr == brokererrors.ErrStaleUpdate {
			// Already terminal: no-op success.
			existing, found, getErr := s.GetJob(ctx, jobID)
			if getErr == nil && found {
				return existing, nil
			}
		}
		return Job{}, decodeErr
	}
	return job, nil
}
