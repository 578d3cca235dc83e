package recovery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jobbroker/core/internal/archive"
	"github.com/jobbroker/core/internal/broker"
	"github.com/jobbroker/core/internal/connector"
	"github.com/jobbroker/core/internal/engine"
	"github.com/jobbroker/core/internal/events"
	"github.com/jobbroker/core/internal/platform/logger"
	"github.com/jobbroker/core/internal/store"
)

type fakeNotifier struct{}

func (fakeNotifier) NotifyTerminal(ctx context.Context, job store.Job) {}

func newTestSupervisor(t *testing.T, opts Options) (*Supervisor, *store.Store, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	st := store.New(client, log, store.Options{Prefix: "test:"})
	stream := events.NewStream(client, log, events.Options{Prefix: "test:"})
	eng := engine.New(st, stream, fakeNotifier{}, log)
	connectors := connector.NewRegistry()
	b := broker.New(st, stream, log, broker.Options{})
	sup := New(st, eng, stream, connectors, archive.NoopSink{}, b, log, opts)
	return sup, st, client
}

// backdateHeartbeat rewrites a worker's record directly in Redis with an
// old last_heartbeat_at, since the store API only ever stamps "now".
func backdateHeartbeat(t *testing.T, client *goredis.Client, workerID string, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	raw, err := client.Get(ctx, "test:worker:"+workerID).Bytes()
	if err != nil {
		t.Fatalf("get worker for backdating: %v", err)
	}
	var w store.Worker
	if err := json.Unmarshal(raw, &w); err != nil {
		t.Fatalf("decode worker: %v", err)
	}
	w.LastHeartbeatAt = store.NowMs() - age.Milliseconds()
	data, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("marshal worker: %v", err)
	}
	if err := client.Set(ctx, "test:worker:"+workerID, data, 0).Err(); err != nil {
		t.Fatalf("set backdated worker: %v", err)
	}
}

func TestSweepStaleWorkersMarksOfflineAndReleasesJob(t *testing.T) {
	sup, st, client := newTestSupervisor(t, Options{WorkerStale: time.Minute})
	ctx := context.Background()

	if _, err := st.RegisterWorker(ctx, "w1", store.Capabilities{Services: []string{"svc"}}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if _, err := st.SubmitJob(ctx, store.Job{ServiceRequired: "svc", Priority: 1, MaxRetries: 3, TimeoutMs: 60_000}); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	claimed, err := st.ClaimNext(ctx, "w1", store.Capabilities{Services: []string{"svc"}}, 256)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := st.SetWorkerCurrentJobs(ctx, "w1", []string{claimed.JobID}); err != nil {
		t.Fatalf("SetWorkerCurrentJobs: %v", err)
	}
	backdateHeartbeat(t, client, "w1", 10*time.Minute)

	if err := sup.sweepStaleWorkers(ctx); err != nil {
		t.Fatalf("sweepStaleWorkers: %v", err)
	}

	w, _, _ := st.GetWorker(ctx, "w1")
	if w.Status != store.WorkerOffline {
		t.Fatalf("expected worker marked offline, got %s", w.Status)
	}
	job, _, _ := st.GetJob(ctx, claimed.JobID)
	if job.RetryCount == 0 && job.Status != store.StatusPending {
		t.Fatalf("expected the offline worker's job to be reconciled (pending or retried), got %s/%d", job.Status, job.RetryCount)
	}
}

func TestSweepOrphanedJobsTimesOutExpiredJob(t *testing.T) {
	sup, st, _ := newTestSupervisor(t, Options{ProgressSilence: time.Hour})
	ctx := context.Background()

	if _, err := st.RegisterWorker(ctx, "w1", store.Capabilities{Services: []string{"svc"}}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if _, err := st.SubmitJob(ctx, store.Job{ServiceRequired: "svc", Priority: 1, MaxRetries: 3, TimeoutMs: 1}); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	claimed, err := st.ClaimNext(ctx, "w1", store.Capabilities{Services: []string{"svc"}}, 256)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if _, err := st.UpdateProgress(ctx, claimed.JobID, "w1", 1, "working", 0, 0); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := sup.sweepOrphanedJobs(ctx); err != nil {
		t.Fatalf("sweepOrphanedJobs: %v", err)
	}

	job, _, _ := st.GetJob(ctx, claimed.JobID)
	if job.Status != store.StatusTimeout {
		t.Fatalf("expected timeout status, got %s", job.Status)
	}
}

func TestSweepOrphanedJobsUsesPerServiceProgressSilence(t *testing.T) {
	sup, st, _ := newTestSupervisor(t, Options{
		ProgressSilence:          time.Hour,
		ProgressSilenceByService: map[string]time.Duration{"svc": time.Millisecond},
	})
	ctx := context.Background()

	if _, err := st.RegisterWorker(ctx, "w1", store.Capabilities{Services: []string{"svc"}}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if _, err := st.SubmitJob(ctx, store.Job{ServiceRequired: "svc", Priority: 1, MaxRetries: 3, TimeoutMs: 60_000}); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	claimed, err := st.ClaimNext(ctx, "w1", store.Capabilities{Services: []string{"svc"}}, 256)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if _, err := st.UpdateProgress(ctx, claimed.JobID, "w1", 1, "working", 0, 0); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	// The global ProgressSilence (1h) would never flag this job; the
	// per-service override (1ms) for "svc" must be the one consulted.
	if err := sup.sweepOrphanedJobs(ctx); err != nil {
		t.Fatalf("sweepOrphanedJobs: %v", err)
	}

	job, _, _ := st.GetJob(ctx, claimed.JobID)
	if job.Status != store.StatusPending || job.RetryCount != 1 {
		t.Fatalf("expected stuck job reconciled via per-service threshold, got %s/%d", job.Status, job.RetryCount)
	}
}

func TestSweepOrphanedJobsReconcilesJobWithNoLiveOwner(t *testing.T) {
	sup, st, _ := newTestSupervisor(t, Options{ProgressSilence: time.Hour})
	ctx := context.Background()

	if _, err := st.RegisterWorker(ctx, "w1", store.Capabilities{Services: []string{"svc"}}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	// A second worker for the same service stays live, so this is ordinary
	// orphan reconciliation (w1 vanished) rather than the no-capable-worker
	// case covered by TestSweepOrphanedJobsRequeuesUnworkableJob.
	if _, err := st.RegisterWorker(ctx, "w2", store.Capabilities{Services: []string{"svc"}}); err != nil {
		t.Fatalf("RegisterWorker w2: %v", err)
	}
	if _, err := st.SubmitJob(ctx, store.Job{ServiceRequired: "svc", Priority: 1, MaxRetries: 3, TimeoutMs: 60_000}); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	claimed, err := st.ClaimNext(ctx, "w1", store.Capabilities{Services: []string{"svc"}}, 256)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := st.UpdateWorkerStatus(ctx, "w1", store.WorkerOffline); err != nil {
		t.Fatalf("UpdateWorkerStatus: %v", err)
	}

	if err := sup.sweepOrphanedJobs(ctx); err != nil {
		t.Fatalf("sweepOrphanedJobs: %v", err)
	}

	job, _, _ := st.GetJob(ctx, claimed.JobID)
	if job.Status != store.StatusPending {
		t.Fatalf("expected orphaned job requeued, got %s", job.Status)
	}
	if job.RetryCount != 1 {
		t.Fatalf("expected one retry charged, got %d", job.RetryCount)
	}
}

// TestSweepOrphanedJobsRequeuesUnworkableJob: when the job's owning
// worker has vanished and zero
// currently-registered workers advertise its service_required, the sweep
// must not charge a retry: it requeues unconditionally, since no worker
// exists right now to reclaim it regardless of retry budget.
func TestSweepOrphanedJobsRequeuesUnworkableJob(t *testing.T) {
	sup, st, _ := newTestSupervisor(t, Options{ProgressSilence: time.Hour})
	ctx := context.Background()

	if _, err := st.RegisterWorker(ctx, "w1", store.Capabilities{Services: []string{"svc"}}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if _, err := st.SubmitJob(ctx, store.Job{ServiceRequired: "svc", Priority: 1, MaxRetries: 3, TimeoutMs: 60_000}); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	claimed, err := st.ClaimNext(ctx, "w1", store.Capabilities{Services: []string{"svc"}}, 256)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := st.UpdateWorkerStatus(ctx, "w1", store.WorkerOffline); err != nil {
		t.Fatalf("UpdateWorkerStatus: %v", err)
	}

	if err := sup.sweepOrphanedJobs(ctx); err != nil {
		t.Fatalf("sweepOrphanedJobs: %v", err)
	}

	job, _, _ := st.GetJob(ctx, claimed.JobID)
	if job.Status != store.StatusPending {
		t.Fatalf("expected unworkable job requeued, got %s", job.Status)
	}
	if job.RetryCount != 0 {
		t.Fatalf("expected no retry charged for an unworkable job, got %d", job.RetryCount)
	}
	if job.LastFailedWorker != "" {
		t.Fatalf("expected last_failed_worker cleared, got %q", job.LastFailedWorker)
	}
}

func TestSweepWorkerGraveyardRemovesLongOfflineWorkers(t *testing.T) {
	sup, st, client := newTestSupervisor(t, Options{WorkerGC: time.Minute})
	ctx := context.Background()

	if _, err := st.RegisterWorker(ctx, "w1", store.Capabilities{Services: []string{"svc"}}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if err := st.UpdateWorkerStatus(ctx, "w1", store.WorkerOffline); err != nil {
		t.Fatalf("UpdateWorkerStatus: %v", err)
	}
	backdateHeartbeat(t, client, "w1", time.Hour)

	if err := sup.sweepWorkerGraveyard(ctx); err != nil {
		t.Fatalf("sweepWorkerGraveyard: %v", err)
	}
	if _, found, _ := st.GetWorker(ctx, "w1"); found {
		t.Fatalf("expected worker garbage collected")
	}
}

func TestSweepWorkerGraveyardLeavesRecentlyOfflineWorkers(t *testing.T) {
	sup, st, _ := newTestSupervisor(t, Options{WorkerGC: time.Hour})
	ctx := context.Background()

	if _, err := st.RegisterWorker(ctx, "w1", store.Capabilities{Services: []string{"svc"}}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if err := st.UpdateWorkerStatus(ctx, "w1", store.WorkerOffline); err != nil {
		t.Fatalf("UpdateWorkerStatus: %v", err)
	}

	if err := sup.sweepWorkerGraveyard(ctx); err != nil {
		t.Fatalf("sweepWorkerGraveyard: %v", err)
	}
	if _, found, _ := st.GetWorker(ctx, "w1"); !found {
		t.Fatalf("expected recently-offline worker to survive the graveyard sweep")
	}
}

func TestRunSweepRecoversPanic(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, Options{})
	ctx := context.Background()

	didPanic := func(context.Context) error {
		panic("boom")
	}
	// Must not propagate; a second, normal sweep afterward proves the
	// supervisor's loop keeps going.
	sup.runSweep(ctx, "panicking", didPanic)
	ran := false
	sup.runSweep(ctx, "normal", func(context.Context) error {
		ran = true
		return nil
	})
	if !ran {
		t.Fatalf("expected sweep after a panic to still run")
	}
}
