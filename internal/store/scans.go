package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetPendingJobs returns up to limit pending jobs in score order. Used by
// monitors and diagnostics, not by the claim path.
func (s *Store) GetPendingJobs(ctx context.Context, limit int64) ([]Job, error) {
	ids, err := s.rdb.ZRange(ctx, s.pendingKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("get pending jobs: %w", err)
	}
	return s.loadJobs(ctx, ids)
}

// GetActiveJobs returns jobs currently in the active set, optionally
// filtered to a single worker.
func (s *Store) GetActiveJobs(ctx context.Context, workerID string) ([]Job, error) {
	ids, err := s.rdb.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("get active jobs: %w", err)
	}
	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if workerID == "" {
		return jobs, nil
	}
	filtered := jobs[:0]
	for _, j := range jobs {
		if j.WorkerID == workerID {
			filtered = append(filtered, j)
		}
	}
	return filtered, nil
}

// GetJobsByStatus returns every job currently in one of the given terminal
// or pending statuses. Timed-out jobs share the failed set, so
// StatusFailed returns them too while StatusTimeout returns only them.
// Non-terminal statuses other than pending
// are not separately indexed and fall back to scanning the active set.
func (s *Store) GetJobsByStatus(ctx context.Context, statuses []Status) ([]Job, error) {
	var out []Job
	for _, st := range statuses {
		var key string
		switch st {
		case StatusPending:
			key = s.pendingKey()
		case StatusCompleted:
			key = s.completedKey()
		case StatusFailed, StatusTimeout:
			key = s.failedKey()
		case StatusCancelled:
			key = s.cancelledKey()
		default:
			jobs, err := s.GetActiveJobs(ctx, "")
			if err != nil {
				return nil, err
			}
			for _, j := range jobs {
				if j.Status == st {
					out = append(out, j)
				}
			}
			continue
		}
		ids, err := s.membersOf(ctx, key, st)
		if err != nil {
			return nil, err
		}
		jobs, err := s.loadJobs(ctx, ids)
		if err != nil {
			return nil, err
		}
		if st == StatusTimeout {
			for _, j := range jobs {
				if j.Status == StatusTimeout {
					out = append(out, j)
				}
			}
			continue
		}
		out = append(out, jobs...)
	}
	return out, nil
}

func (s *Store) membersOf(ctx context.Context, key string, st Status) ([]string, error) {
	if st == StatusPending {
		return s.rdb.ZRange(ctx, key, 0, -1).Result()
	}
	return s.rdb.SMembers(ctx, key).Result()
}

// GetAllJobs returns up to limit jobs across every queue/terminal set,
// pending jobs first in score order. Intended for diagnostics, not hot
// paths.
func (s *Store) GetAllJobs(ctx context.Context, limit int64) ([]Job, error) {
	jobs, err := s.GetJobsByStatus(ctx, []Status{
		StatusPending, StatusCompleted, StatusFailed, StatusCancelled,
	})
	if err != nil {
		return nil, err
	}
	active, err := s.GetActiveJobs(ctx, "")
	if err != nil {
		return nil, err
	}
	jobs = append(jobs, active...)
	if limit > 0 && int64(len(jobs)) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// ListActiveWorkers returns every worker currently in workers:active.
func (s *Store) ListActiveWorkers(ctx context.Context) ([]Worker, error) {
	ids, err := s.rdb.SMembers(ctx, s.workersActiveKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list active workers: %w", err)
	}
	workers := make([]Worker, 0, len(ids))
	for _, id := range ids {
		w, found, err := s.GetWorker(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			// Membership outlived the record; drop the dangling entry.
			_ = s.rdb.SRem(ctx, s.workersActiveKey(), id).Err()
			continue
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// HasWorkerForService reports whether any currently-registered,
// non-offline worker advertises service among its capabilities, used to
// decide whether a job is merely waiting or currently unworkable.
func (s *Store) HasWorkerForService(ctx context.Context, service string) (bool, error) {
	workers, err := s.ListActiveWorkers(ctx)
	if err != nil {
		return false, err
	}
	for _, w := range workers {
		if w.Status == WorkerOffline {
			continue
		}
		for _, svc := range w.Capabilities.Services {
			if svc == service {
				return true, nil
			}
		}
	}
	return false, nil
}

// GetStaleWorkers returns active workers whose last heartbeat is older than
// the given threshold duration in milliseconds.
func (s *Store) GetStaleWorkers(ctx context.Context, staleThresholdMs int64) ([]Worker, error) {
	workers, err := s.ListActiveWorkers(ctx)
	if err != nil {
		return nil, err
	}
	now := NowMs()
	stale := workers[:0]
	for _, w := range workers {
		if now-w.LastHeartbeatAt > staleThresholdMs {
			stale = append(stale, w)
		}
	}
	return stale, nil
}

func (s *Store) loadJobs(ctx context.Context, ids []string) ([]Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	raws, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	jobs := make([]Job, 0, len(raws))
	for _, r := range raws {
		if r == nil {
			continue
		}
		str, ok := r.(string)
		if !ok {
			continue
		}
		var j Job
		if err := json.Unmarshal([]byte(str), &j); err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
