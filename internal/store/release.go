package store

import (
	"context"
	"fmt"
)

// ReleaseJob returns an assigned/in_progress job to the pending queue
// without touching retry_count, used for graceful worker
// disconnects and worker removal, when no retry should be charged. It
// preserves the job's existing last_failed_worker.
func (s *Store) ReleaseJob(ctx context.Context, jobID string) (Job, error) {
	res, err := s.releaseScript.Run(ctx, s.rdb,
		[]string{s.activeKey(), s.pendingKey()},
		s.jobKey(jobID), NowMs(),
	).Result()
	if err != nil {
		return Job{}, fmt.Errorf("release job: %w", err)
	}
	return decodeMutationResult(res)
}
