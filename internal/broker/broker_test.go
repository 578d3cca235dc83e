package broker

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jobbroker/core/internal/events"
	"github.com/jobbroker/core/internal/platform/logger"
	"github.com/jobbroker/core/internal/store"
)

func newTestBroker(t *testing.T) (*Broker, *store.Store) {
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
	b := New(st, stream, log, Options{})
	return b, st
}

func TestSubmitJobDefaultsAndWorkflowInheritance(t *testing.T) {
	b, st := newTestBroker(t)
	ctx := context.Background()

	job, err := b.SubmitJob(ctx, SubmitRequest{
		ServiceRequired:  "comfyui",
		Priority:         50,
		Payload:          []byte(`{"prompt":"x"}`),
		WorkflowID:       "wf1",
		WorkflowPriority: 10,
		WorkflowDatetime: 1000,
	})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if job.MaxRetries != 3 {
		t.Fatalf("expected default max_retries=3, got %d", job.MaxRetries)
	}
	if job.TimeoutMs != 300_000 {
		t.Fatalf("expected default timeout_ms=300000, got %d", job.TimeoutMs)
	}

	wf, found, err := st.GetWorkflow(ctx, "wf1")
	if err != nil || !found {
		t.Fatalf("expected workflow created, found=%v err=%v", found, err)
	}
	if wf.WorkflowPriority != 10 || wf.WorkflowDatetime != 1000 {
		t.Fatalf("expected workflow to inherit request fields, got %+v", wf)
	}

	// A second submission against the same workflow id must not re-create it.
	_, err = b.SubmitJob(ctx, SubmitRequest{ServiceRequired: "comfyui", Priority: 1, WorkflowID: "wf1", WorkflowPriority: 999})
	if err != nil {
		t.Fatalf("SubmitJob second child: %v", err)
	}
	wf2, _, _ := st.GetWorkflow(ctx, "wf1")
	if wf2.WorkflowPriority != 10 {
		t.Fatalf("expected existing workflow row preserved, got priority %d", wf2.WorkflowPriority)
	}
}

func TestSubmitJobPerServiceTimeoutOverride(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	st := store.New(client, log, store.Options{Prefix: "test:"})
	stream := events.NewStream(client, log, events.Options{Prefix: "test:"})
	b := New(st, stream, log, Options{
		DefaultTimeoutMs:        300_000,
		DefaultTimeoutByService: map[string]int64{"comfyui": 900_000},
	})
	ctx := context.Background()

	comfy, err := b.SubmitJob(ctx, SubmitRequest{ServiceRequired: "comfyui", Priority: 1})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if comfy.TimeoutMs != 900_000 {
		t.Fatalf("expected per-service timeout override, got %d", comfy.TimeoutMs)
	}

	other, err := b.SubmitJob(ctx, SubmitRequest{ServiceRequired: "openai", Priority: 1})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if other.TimeoutMs != 300_000 {
		t.Fatalf("expected fallback to broker-wide default, got %d", other.TimeoutMs)
	}

	explicit, err := b.SubmitJob(ctx, SubmitRequest{ServiceRequired: "comfyui", Priority: 1, TimeoutMs: 5_000})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if explicit.TimeoutMs != 5_000 {
		t.Fatalf("expected caller-supplied timeout to win over any default, got %d", explicit.TimeoutMs)
	}
}

func TestClaimNextStampsWorkerBusy(t *testing.T) {
	b, st := newTestBroker(t)
	ctx := context.Background()

	if _, err := st.RegisterWorker(ctx, "w1", store.Capabilities{Services: []string{"comfyui"}}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if _, err := b.SubmitJob(ctx, SubmitRequest{ServiceRequired: "comfyui", Priority: 1}); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	job, err := b.ClaimNext(ctx, "w1", store.Capabilities{Services: []string{"comfyui"}})
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if job.WorkerID != "w1" {
		t.Fatalf("expected worker stamped on job")
	}
	w, _, _ := st.GetWorker(ctx, "w1")
	if w.Status != store.WorkerBusy {
		t.Fatalf("expected worker marked busy, got %s", w.Status)
	}
	if len(w.CurrentJobs) != 1 || w.CurrentJobs[0] != job.JobID {
		t.Fatalf("expected worker current_jobs to include claimed job, got %+v", w.CurrentJobs)
	}
}

func TestRequeueUnworkableClearsLastFailedWorkerAndReturnsToPending(t *testing.T) {
	b, st := newTestBroker(t)
	ctx := context.Background()

	job, err := b.SubmitJob(ctx, SubmitRequest{ServiceRequired: "svc", Priority: 1, MaxRetries: 3})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if _, err := st.RegisterWorker(ctx, "w1", store.Capabilities{Services: []string{"svc"}}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if _, err := b.ClaimNext(ctx, "w1", store.Capabilities{Services: []string{"svc"}}); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	// Failing with retry stamps last_failed_worker, which ClaimNext would
	// otherwise keep excluding forever once no other worker handles this
	// service. RequeueUnworkable is the escape hatch.
	if _, err := st.FailJob(ctx, job.JobID, "w1", "no capable worker", true); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	if err := b.RequeueUnworkable(ctx, job.JobID); err != nil {
		t.Fatalf("RequeueUnworkable: %v", err)
	}

	requeued, found, err := st.GetJob(ctx, job.JobID)
	if err != nil || !found {
		t.Fatalf("GetJob: found=%v err=%v", found, err)
	}
	if requeued.Status != store.StatusPending {
		t.Fatalf("expected pending, got %s", requeued.Status)
	}
	if requeued.LastFailedWorker != "" {
		t.Fatalf("expected last_failed_worker cleared, got %q", requeued.LastFailedWorker)
	}
}

func TestReleaseJobReturnsToPending(t *testing.T) {
	b, st := newTestBroker(t)
	ctx := context.Background()

	job, _ := b.SubmitJob(ctx, SubmitRequest{ServiceRequired: "svc", Priority: 1})
	if _, err := b.ClaimNext(ctx, "w1", store.Capabilities{Services: []string{"svc"}}); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	released, err := b.ReleaseJob(ctx, job.JobID)
	if err != nil {
		t.Fatalf("ReleaseJob: %v", err)
	}
	if released.Status != store.StatusPending {
		t.Fatalf("expected pending after release, got %s", released.Status)
	}
	pending, _ := st.GetPendingJobs(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("expected job back in pending queue, got %d", len(pending))
	}
}
