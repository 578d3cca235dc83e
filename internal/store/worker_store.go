package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	brokererrors "github.com/jobbroker/core/internal/pkg/errors"
)

type workerResult struct {
	OK     bool    `json:"ok"`
	Reason string  `json:"reason"`
	Worker *Worker `json:"worker"`
}

// decodeWorkerMutationResult unwraps one of the worker scripts' {ok, reason,
// worker} results, mirroring decodeMutationResult's job-side counterpart.
func decodeWorkerMutationResult(res interface{}) (Worker, error) {
	str, ok := res.(string)
	if !ok {
		return Worker{}, fmt.Errorf("unexpected script result type %T", res)
	}
	var r workerResult
	if err := json.Unmarshal([]byte(str), &r); err != nil {
		return Worker{}, fmt.Errorf("decode script result: %w", err)
	}
	if !r.OK {
		if r.Reason == "not_found" {
			return Worker{}, brokererrors.ErrNotFound
		}
		return Worker{}, fmt.Errorf("store operation failed: %s", r.Reason)
	}
	if r.Worker == nil {
		return Worker{}, fmt.Errorf("store operation returned ok with no worker")
	}
	return *r.Worker, nil
}

// RegisterWorker upserts a worker record and seeds its heartbeat.
// Idempotent: calling it twice with the same id and capabilities yields
// the same resulting state.
func (s *Store) RegisterWorker(ctx context.Context, workerID string, caps Capabilities) (Worker, error) {
	existing, found, err := s.GetWorker(ctx, workerID)
	if err != nil {
		return Worker{}, err
	}
	now := NowMs()
	w := Worker{
		WorkerID:        workerID,
		Capabilities:    caps,
		Status:          WorkerIdle,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}
	if found {
		w.ConnectedAt = existing.ConnectedAt
		w.JobsCompleted = existing.JobsCompleted
		w.JobsFailed = existing.JobsFailed
		w.CurrentJobs = existing.CurrentJobs
		if existing.Status == WorkerBusy {
			w.Status = WorkerBusy
		}
	}
	if err := s.putWorker(ctx, w); err != nil {
		return Worker{}, err
	}
	if err := s.rdb.SAdd(ctx, s.workersActiveKey(), workerID).Err(); err != nil {
		return Worker{}, fmt.Errorf("register worker: %w", err)
	}
	return w, nil
}

// GetWorker loads a single worker record.
func (s *Store) GetWorker(ctx context.Context, workerID string) (Worker, bool, error) {
	raw, err := s.rdb.Get(ctx, s.workerKey(workerID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return Worker{}, false, nil
		}
		return Worker{}, false, fmt.Errorf("get worker: %w", err)
	}
	var w Worker
	if err := json.Unmarshal(raw, &w); err != nil {
		return Worker{}, false, fmt.Errorf("decode worker: %w", err)
	}
	return w, true, nil
}

// UpdateWorkerStatus sets a worker's status field. Runs as a
// single atomic script rather than a Go-level GET-then-SET, so a concurrent
// heartbeat or counter update on the same worker can never be lost to a
// stale read.
func (s *Store) UpdateWorkerStatus(ctx context.Context, workerID string, status WorkerStatus) error {
	res, err := s.workerStatusScript.Run(ctx, s.rdb, []string{}, s.workerKey(workerID), string(status)).Result()
	if err != nil {
		return fmt.Errorf("update worker status: %w", err)
	}
	_, err = decodeWorkerMutationResult(res)
	return err
}

// UpdateWorkerHeartbeat bumps last_heartbeat_at and stores the opaque
// system_info blob, atomically for the same reason UpdateWorkerStatus is.
// The recovery supervisor reads last_heartbeat_at to detect staleness.
func (s *Store) UpdateWorkerHeartbeat(ctx context.Context, workerID string, systemInfo []byte) error {
	hasSystemInfo := "0"
	if systemInfo != nil {
		hasSystemInfo = "1"
	}
	// system_info round-trips through encoding/json as a base64 string, so
	// the script must store it in that form too.
	res, err := s.workerHeartbeatScript.Run(ctx, s.rdb,
		[]string{}, s.workerKey(workerID), NowMs(), hasSystemInfo, base64.StdEncoding.EncodeToString(systemInfo),
	).Result()
	if err != nil {
		return fmt.Errorf("update worker heartbeat: %w", err)
	}
	_, err = decodeWorkerMutationResult(res)
	return err
}

// RemoveWorker deletes a worker's registry record and its membership in
// workers:active. The caller (registry package) is responsible for
// releasing any jobs it still owns before calling this.
func (s *Store) RemoveWorker(ctx context.Context, workerID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.workerKey(workerID))
	pipe.SRem(ctx, s.workersActiveKey(), workerID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("remove worker: %w", err)
	}
	return nil
}

// ArchiveWorker preserves a worker's historical counters under an archive
// key before it's removed from the registry.
func (s *Store) ArchiveWorker(ctx context.Context, w Worker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal worker archive: %w", err)
	}
	if err := s.rdb.Set(ctx, s.workerArchiveKey(w.WorkerID), data, 0).Err(); err != nil {
		return fmt.Errorf("archive worker: %w", err)
	}
	return nil
}

// SetWorkerCurrentJobs replaces a worker's current_jobs set, used by the
// broker when a job is claimed/released/completed. Atomic for the same
// reason UpdateWorkerStatus is: this and a heartbeat/status write can
// legitimately race on the same worker record.
func (s *Store) SetWorkerCurrentJobs(ctx context.Context, workerID string, jobIDs []string) error {
	res, err := s.workerCurrentJobsScript.Run(ctx, s.rdb,
		[]string{}, s.workerKey(workerID), strings.Join(jobIDs, ","),
	).Result()
	if err != nil {
		return fmt.Errorf("set worker current jobs: %w", err)
	}
	_, err = decodeWorkerMutationResult(res)
	return err
}

// IncrementWorkerCounters bumps jobs_completed or jobs_failed, used by the
// progress/completion engine after a terminal transition. Atomic for the
// same reason UpdateWorkerStatus is, plus it is the one worker mutation
// that is inherently a delta rather than a replace; a GET-then-SET here
// would lose an increment outright under concurrent completions, not just
// overwrite an unrelated field.
func (s *Store) IncrementWorkerCounters(ctx context.Context, workerID string, completedDelta, failedDelta int64) error {
	res, err := s.workerCountersScript.Run(ctx, s.rdb,
		[]string{}, s.workerKey(workerID), completedDelta, failedDelta,
	).Result()
	if err != nil {
		return fmt.Errorf("increment worker counters: %w", err)
	}
	_, err = decodeWorkerMutationResult(res)
	if errors.Is(err, brokererrors.ErrNotFound) {
		// A worker may already have been garbage collected by Sweep C;
		// counters on a vanished worker are simply dropped.
		return nil
	}
	return err
}

func (s *Store) putWorker(ctx context.Context, w Worker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal worker: %w", err)
	}
	if err := s.rdb.Set(ctx, s.workerKey(w.WorkerID), data, 0).Err(); err != nil {
		return fmt.Errorf("put worker: %w", err)
	}
	return nil
}
