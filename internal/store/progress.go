package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	brokererrors "github.com/jobbroker/core/internal/pkg/errors"
)

type progressResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
	Job    *Job   `json:"job"`
}

// UpdateProgress writes progress fields for a job still owned by
// workerID. It is a no-op returning ErrStaleUpdate if the job isn't owned
// by this worker, has left {assigned, in_progress}, or the update is
// stale: eventTs (the caller's own message timestamp, e.g. a reordered or
// retried send) is older than the last progress event recorded for this
// job, or progress itself would decrease within the current epoch. Pass
// eventTs<=0 when the caller has no timestamp of its own; the
// progress-monotonicity check still applies in that case.
func (s *Store) UpdateProgress(ctx context.Context, jobID, workerID string, progress int, text string, estimatedDoneAt int64, eventTs int64) (Job, error) {
	eta := ""
	if estimatedDoneAt > 0 {
		eta = strconv.FormatInt(estimatedDoneAt, 10)
	}
	res, err := s.progressScript.Run(ctx, s.rdb,
		[]string{}, s.jobKey(jobID), workerID, NowMs(), progress, text, eta, eventTs,
	).Result()
	if err != nil {
		return Job{}, fmt.Errorf("update progress: %w", err)
	}
	return decodeMutationResult(res)
}

func decodeMutationResult(res interface{}) (Job, error) {
	str, ok := res.(string)
	if !ok {
		return Job{}, fmt.Errorf("unexpected script result type %T", res)
	}
	var r progressResult
	if err := json.Unmarshal([]byte(str), &r); err != nil {
		return Job{}, fmt.Errorf("decode script result: %w", err)
	}
	if !r.OK {
		switch r.Reason {
		case "not_found":
			return Job{}, brokererrors.ErrNotFound
		case "stale_update":
			return Job{}, brokererrors.ErrStaleUpdate
		default:
			return Job{}, fmt.Errorf("store operation failed: %s", r.Reason)
		}
	}
	if r.Job == nil {
		return Job{}, fmt.Errorf("store operation returned ok with no job")
	}
	return *r.Job, nil
}
