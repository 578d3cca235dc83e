package engine

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jobbroker/core/internal/events"
	"github.com/jobbroker/core/internal/platform/logger"
	"github.com/jobbroker/core/internal/store"
)

// fakeWorkflowNotifier records terminal notifications without the broker's
// own workflow rollup logic, so engine tests can assert the engine called
// it without depending on broker (which would be an import only one
// direction needs).
type fakeWorkflowNotifier struct {
	notified []store.Job
}

func (f *fakeWorkflowNotifier) NotifyTerminal(ctx context.Context, job store.Job) {
	f.notified = append(f.notified, job)
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeWorkflowNotifier) {
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
	notifier := &fakeWorkflowNotifier{}
	eng := New(st, stream, notifier, log)
	return eng, st, notifier
}

func claimOne(t *testing.T, st *store.Store, workerID, service string) store.Job {
	t.Helper()
	ctx := context.Background()
	if _, err := st.RegisterWorker(ctx, workerID, store.Capabilities{Services: []string{service}}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if _, err := st.SubmitJob(ctx, store.Job{ServiceRequired: service, Priority: 1, MaxRetries: 3, TimeoutMs: 60_000}); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	claimed, err := st.ClaimNext(ctx, workerID, store.Capabilities{Services: []string{service}}, 256)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	return claimed
}

func TestUpdateProgressMonotonic(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	job := claimOne(t, st, "w1", "svc")

	first, err := eng.UpdateProgress(ctx, job.JobID, "w1", 30, "starting", 0, 1000)
	if err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if first.Status != store.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", first.Status)
	}
	second, err := eng.UpdateProgress(ctx, job.JobID, "w1", 80, "almost done", 0, 2000)
	if err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if second.Progress <= first.Progress {
		t.Fatalf("expected progress to increase, got %d then %d", first.Progress, second.Progress)
	}
}

// TestUpdateProgressDropsOutOfOrderUpdate: a progress report whose own
// event timestamp is older than one already applied must be dropped as a
// stale update, even though both updates come from the same owning worker.
func TestUpdateProgressDropsOutOfOrderUpdate(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	job := claimOne(t, st, "w1", "svc")

	ahead, err := eng.UpdateProgress(ctx, job.JobID, "w1", 75, "nearly there", 0, 5000)
	if err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if ahead.Progress != 75 {
		t.Fatalf("expected progress=75, got %d", ahead.Progress)
	}

	reordered, err := eng.UpdateProgress(ctx, job.JobID, "w1", 40, "an earlier report arriving late", 0, 3000)
	if err == nil {
		t.Fatalf("expected stale update error for an out-of-order event, got job=%+v", reordered)
	}

	current, _, err := st.GetJob(ctx, job.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if current.Progress != 75 {
		t.Fatalf("expected the out-of-order update to be dropped, progress still %d, got %d", 75, current.Progress)
	}
}

func TestCompleteJobMarksWorkerIdleAndNotifiesWorkflow(t *testing.T) {
	eng, st, notifier := newTestEngine(t)
	ctx := context.Background()
	job := claimOne(t, st, "w1", "svc")

	completed, err := eng.CompleteJob(ctx, job.JobID, "w1", []byte(`{"image":"blob"}`))
	if err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if completed.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}
	w, _, _ := st.GetWorker(ctx, "w1")
	if w.Status != store.WorkerIdle {
		t.Fatalf("expected worker idle after completion, got %s", w.Status)
	}
	if w.JobsCompleted != 1 {
		t.Fatalf("expected jobs_completed incremented, got %d", w.JobsCompleted)
	}
	if len(notifier.notified) != 1 {
		t.Fatalf("expected workflow notifier called once, got %d", len(notifier.notified))
	}
}

func TestCompleteJobTwiceIsNoopSuccess(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	job := claimOne(t, st, "w1", "svc")

	if _, err := eng.CompleteJob(ctx, job.JobID, "w1", []byte(`{}`)); err != nil {
		t.Fatalf("first CompleteJob: %v", err)
	}
	again, err := eng.CompleteJob(ctx, job.JobID, "w1", []byte(`{}`))
	if err != nil {
		t.Fatalf("second CompleteJob must be a no-op success, got error: %v", err)
	}
	if again.Status != store.StatusCompleted {
		t.Fatalf("expected status still completed, got %s", again.Status)
	}
}

func TestFailJobRetryAccounting(t *testing.T) {
	eng, st, notifier := newTestEngine(t)
	ctx := context.Background()
	ctxRegister := context.Background()
	if _, err := st.RegisterWorker(ctxRegister, "w1", store.Capabilities{Services: []string{"svc"}}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if _, err := st.SubmitJob(ctx, store.Job{ServiceRequired: "svc", Priority: 1, MaxRetries: 1, TimeoutMs: 60_000}); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	claimed, err := st.ClaimNext(ctx, "w1", store.Capabilities{Services: []string{"svc"}}, 256)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	retried, err := eng.FailJob(ctx, claimed.JobID, "w1", "transient glitch", true)
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if retried.Status != store.StatusPending {
		t.Fatalf("expected pending after retry, got %s", retried.Status)
	}
	w, _, _ := st.GetWorker(ctx, "w1")
	if w.Status != store.WorkerIdle {
		t.Fatalf("expected worker idle after fail, got %s", w.Status)
	}
	if len(notifier.notified) != 0 {
		t.Fatalf("expected no workflow notification on a non-terminal retry")
	}

	if _, err := st.RegisterWorker(ctx, "w2", store.Capabilities{Services: []string{"svc"}}); err != nil {
		t.Fatalf("RegisterWorker w2: %v", err)
	}
	reclaimed, err := st.ClaimNext(ctx, "w2", store.Capabilities{Services: []string{"svc"}}, 256)
	if err != nil {
		t.Fatalf("ClaimNext by w2: %v", err)
	}
	terminal, err := eng.FailJob(ctx, reclaimed.JobID, "w2", "fatal", true)
	if err != nil {
		t.Fatalf("FailJob second time: %v", err)
	}
	if terminal.Status != store.StatusFailed {
		t.Fatalf("expected terminal failed once budget exhausted, got %s", terminal.Status)
	}
	if len(notifier.notified) != 1 {
		t.Fatalf("expected workflow notification on terminal failure, got %d", len(notifier.notified))
	}
}

func TestTimeoutJobTerminalisesAndReturnsWorkerToIdle(t *testing.T) {
	eng, st, notifier := newTestEngine(t)
	ctx := context.Background()
	job := claimOne(t, st, "w1", "svc")

	timedOut, err := eng.TimeoutJob(ctx, job)
	if err != nil {
		t.Fatalf("TimeoutJob: %v", err)
	}
	if timedOut.Status != store.StatusTimeout {
		t.Fatalf("expected timeout status, got %s", timedOut.Status)
	}
	w, _, _ := st.GetWorker(ctx, "w1")
	if w.Status != store.WorkerIdle {
		t.Fatalf("expected worker returned to idle after timeout, got %s", w.Status)
	}
	if len(notifier.notified) != 1 {
		t.Fatalf("expected workflow notification on timeout")
	}
}

func TestCancelJobOnTerminalIsNoop(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	job := claimOne(t, st, "w1", "svc")

	if _, err := eng.CompleteJob(ctx, job.JobID, "w1", []byte(`{}`)); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	cancelled, err := eng.CancelJob(ctx, job.JobID, "too late")
	if err != nil {
		t.Fatalf("CancelJob on terminal job must be a no-op success, got: %v", err)
	}
	if cancelled.Status != store.StatusCompleted {
		t.Fatalf("expected status to remain completed, got %s", cancelled.Status)
	}
}
