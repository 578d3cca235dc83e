package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Score computes the queue.pending sort key for a job:
// higher priority, then higher workflow_priority, then older
// workflow_datetime, then earlier created_at all sort first. Lower
// numeric score means higher precedence since ZRANGE is ascending.
//
// workflow_priority subtracts like priority does, so a workflow-boosted
// job sorts ahead of an equal-priority plain job rather than behind it.
func Score(priority, workflowPriority, workflowDatetime, createdAt int64) float64 {
	const tier = 1e13
	return float64(-priority*int64(tier) - workflowPriority*int64(tier) - workflowDatetime + createdAt)
}

// SubmitJob writes a brand-new job record and indexes it into the pending
// queue atomically. The caller is expected to have
// already resolved any workflow row (see broker.Broker.SubmitJob).
func (s *Store) SubmitJob(ctx context.Context, job Job) (Job, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.CreatedAt == 0 {
		job.CreatedAt = NowMs()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}

	data, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("marshal job: %w", err)
	}

	score := Score(job.Priority, job.WorkflowPriority, job.WorkflowDatetime, job.CreatedAt)

	_, err = s.submitScript.Run(ctx, s.rdb,
		[]string{s.pendingKey()},
		s.jobKey(job.JobID), job.JobID, score, data,
	).Result()
	if err != nil {
		return Job{}, fmt.Errorf("submit job: %w", err)
	}
	return job, nil
}

// GetJob loads a single job record, returning (Job{}, false, nil) if absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	raw, err := s.rdb.Get(ctx, s.jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("get job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, false, fmt.Errorf("decode job: %w", err)
	}
	return job, true, nil
}
