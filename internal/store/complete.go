package store

import (
	"context"
	"encoding/base64"
	"fmt"
)

// CompleteJob transitions a job to completed if workerID still owns it
// and it has not already terminated. Calling it twice with the same
// (jobID, workerID) after the first succeeds surfaces as ErrStaleUpdate on
// the repeat call; callers that need the no-op-success framing (the
// engine) translate that back into success when the job is already
// completed by the same worker.
func (s *Store) CompleteJob(ctx context.Context, jobID, workerID string, result []byte) (Job, error) {
	// The record's result field round-trips through encoding/json as a
	// base64 string, so the script must store it in that form too.
	res, err := s.completeScript.Run(ctx, s.rdb,
		[]string{s.activeKey(), s.completedKey()},
		s.jobKey(jobID), workerID, NowMs(), base64.StdEncoding.EncodeToString(result),
	).Result()
	if err != nil {
		return Job{}, fmt.Errorf("complete job: %w", err)
	}
	return decodeMutationResult(res)
}
