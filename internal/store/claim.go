package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNoEligibleJob is returned by ClaimNext when the scan found no job the
// worker is eligible for within the configured scan depth.
var ErrNoEligibleJob = errors.New("no eligible job")

// ClaimNext atomically finds and assigns the highest-precedence pending
// job this worker is eligible for. scanDepth bounds how many pending
// candidates the script will examine, so one long queue of ineligible
// jobs can't turn the claim into an unbounded scan.
func (s *Store) ClaimNext(ctx context.Context, workerID string, caps Capabilities, scanDepth int) (Job, error) {
	res, err := s.claimScript.Run(ctx, s.rdb,
		[]string{s.pendingKey(), s.activeKey()},
		s.prefix+"job:", workerID, NowMs(), scanDepth,
		strings.Join(caps.Services, ","),
		strings.Join(caps.Tags, ","),
	).Result()
	if err != nil {
		// The script returns false when nothing matched, which surfaces
		// as a nil reply rather than a value.
		if errors.Is(err, goredis.Nil) {
			return Job{}, ErrNoEligibleJob
		}
		return Job{}, fmt.Errorf("claim next: %w", err)
	}

	encoded, ok := res.(string)
	if !ok {
		return Job{}, ErrNoEligibleJob
	}
	var job Job
	if err := json.Unmarshal([]byte(encoded), &job); err != nil {
		return Job{}, fmt.Errorf("decode claimed job: %w", err)
	}
	return job, nil
}

// RequeueUnworkable clears last_failed_worker and reinserts the job into
// the pending queue, used when no currently connected worker can handle it
// but new workers may appear. The script recomputes the score from the
// job's own immutable fields and drops the job out of the active set in
// the same atomic step, since a caller may invoke this on a job that was
// assigned/in_progress when its owning worker vanished.
func (s *Store) RequeueUnworkable(ctx context.Context, jobID string) error {
	res, err := s.requeueScript.Run(ctx, s.rdb,
		[]string{s.pendingKey(), s.activeKey()},
		s.jobKey(jobID), NowMs(),
	).Result()
	if err != nil {
		return fmt.Errorf("requeue unworkable: %w", err)
	}
	_, err = decodeMutationResult(res)
	return err
}
