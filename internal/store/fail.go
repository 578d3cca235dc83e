package store

import (
	"context"
	"encoding/json"
	"fmt"

	brokererrors "github.com/jobbroker/core/internal/pkg/errors"
)

type failResult struct {
	OK      bool   `json:"ok"`
	Reason  string `json:"reason"`
	Retried bool   `json:"retried"`
	Job     *Job   `json:"job"`
}

// FailResult reports the outcome of FailJob: whether the job was requeued
// for another attempt or reached terminal failed state.
type FailResult struct {
	Job     Job
	Retried bool
}

// FailJob implements the retry/terminal-failure branch: if
// canRetry is false, or the job's retry budget is already exhausted, it
// fails terminally; otherwise it is requeued with its original score and
// retry_count incremented.
func (s *Store) FailJob(ctx context.Context, jobID, workerID, errMsg string, canRetry bool) (FailResult, error) {
	canRetryArg := "0"
	if canRetry {
		canRetryArg = "1"
	}

	res, err := s.failScript.Run(ctx, s.rdb,
		[]string{s.activeKey(), s.failedKey(), s.pendingKey()},
		s.jobKey(jobID), workerID, NowMs(), errMsg, canRetryArg,
	).Result()
	if err != nil {
		return FailResult{}, fmt.Errorf("fail job: %w", err)
	}

	str, ok := res.(string)
	if !ok {
		return FailResult{}, fmt.Errorf("unexpected script result type %T", res)
	}
	var r failResult
	if err := json.Unmarshal([]byte(str), &r); err != nil {
		return FailResult{}, fmt.Errorf("decode script result: %w", err)
	}
	if !r.OK {
		switch r.Reason {
		case "not_found":
			return FailResult{}, brokererrors.ErrNotFound
		case "stale_update":
			return FailResult{}, brokererrors.ErrStaleUpdate
		default:
			return FailResult{}, fmt.Errorf("store operation failed: %s", r.Reason)
		}
	}
	if r.Job == nil {
		return FailResult{}, fmt.Errorf("store operation returned ok with no job")
	}
	return FailResult{Job: *r.Job, Retried: r.Retried}, nil
}

// TimeoutJob forces a job directly to the terminal timeout status,
// bypassing retry accounting entirely.
func (s *Store) TimeoutJob(ctx context.Context, jobID, errMsg string) (Job, error) {
	res, err := s.timeoutScript.Run(ctx, s.rdb,
		[]string{s.activeKey(), s.failedKey()},
		s.jobKey(jobID), NowMs(), errMsg,
	).Result()
	if err != nil {
		return Job{}, fmt.Errorf("timeout job: %w", err)
	}
	return decodeMutationResult(res)
}
