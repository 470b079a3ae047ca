package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/slyhq/sly/internal/config"
	"github.com/slyhq/sly/internal/eventbus"
	"github.com/slyhq/sly/internal/registry"
	"github.com/slyhq/sly/internal/task"
	"github.com/slyhq/sly/internal/webhook"
)

type fakeProcessor struct {
	processed []string
	err       error
}

func (p *fakeProcessor) ProcessTask(ctx context.Context, taskID string) error {
	p.processed = append(p.processed, taskID)
	return p.err
}

func testConfig() config.Worker {
	return config.Worker{
		PollInterval:        10 * time.Millisecond,
		MaxConcurrent:       5,
		TenantMaxConcurrent: 3,
		ClaimBatchSize:      5,
		TaskTimeout:         5 * time.Second,
		ShutdownGrace:       time.Second,
	}
}

func newTestWorker(proc Processor) (*Worker, *task.Service, *registry.MemoryRegistry) {
	svc := task.NewService(task.NewMemoryStore(), eventbus.New(task.TerminalEventFilter))
	reg := registry.NewMemoryRegistry()
	d := webhook.NewDispatcher(svc)
	return New("worker-test", svc, reg, d, proc, testConfig()), svc, reg
}

func createTask(t *testing.T, svc *task.Service, agentID string, mutate func(*task.Task)) *task.Task {
	t.Helper()
	tk := &task.Task{TenantID: "tenant-1", AgentID: agentID}
	if mutate != nil {
		mutate(tk)
	}
	msg := task.NewMessage("", task.RoleUser, []task.Part{task.TextPart("work")})
	created, err := svc.Create(context.Background(), tk, msg)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return created
}

func TestPrioritizeOrdering(t *testing.T) {
	candidates := []*task.Task{
		{ID: "new-old"},
		{ID: "ctx-old", ContextID: "ctx-1"},
		{ID: "new-young"},
		{ID: "mandate", MandateID: "md-1"},
		{ID: "ctx-young", ContextID: "ctx-2"},
	}
	prioritize(candidates)

	want := []string{"mandate", "ctx-old", "ctx-young", "new-old", "new-young"}
	for i, id := range want {
		if candidates[i].ID != id {
			t.Errorf("prioritize()[%d] = %q, want %q", i, candidates[i].ID, id)
		}
	}
}

func TestCycleClaimsAtMostOne(t *testing.T) {
	proc := &fakeProcessor{}
	w, svc, reg := newTestWorker(proc)
	reg.PutAgent(&registry.Agent{ID: "agent-1", TenantID: "tenant-1", ProcessingMode: "managed", Active: true})

	first := createTask(t, svc, "agent-1", nil)
	second := createTask(t, svc, "agent-1", nil)

	w.cycle(context.Background())
	w.wg.Wait()

	if len(proc.processed) != 1 {
		t.Fatalf("processed %d tasks in one cycle, want 1", len(proc.processed))
	}
	if proc.processed[0] != first.ID {
		t.Errorf("processed %q first, want oldest %q", proc.processed[0], first.ID)
	}

	got, _ := svc.Get(context.Background(), second.ID, 0)
	if got.State != task.StateSubmitted {
		t.Errorf("second task state = %q, want still %q", got.State, task.StateSubmitted)
	}
}

func TestManagedDispatchRecordsOutcome(t *testing.T) {
	proc := &fakeProcessor{}
	w, svc, reg := newTestWorker(proc)
	reg.PutAgent(&registry.Agent{ID: "agent-1", TenantID: "tenant-1", ProcessingMode: "managed", Active: true})
	tk := createTask(t, svc, "agent-1", nil)

	w.cycle(context.Background())
	w.wg.Wait()

	got, err := svc.Get(context.Background(), tk.ID, 0)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ProcessingCompletedAt == nil {
		t.Error("processingCompletedAt not recorded")
	}
}

func TestManagedProcessorErrorFailsTask(t *testing.T) {
	proc := &fakeProcessor{err: errors.New("model exploded")}
	w, svc, reg := newTestWorker(proc)
	reg.PutAgent(&registry.Agent{ID: "agent-1", TenantID: "tenant-1", ProcessingMode: "managed", Active: true})
	tk := createTask(t, svc, "agent-1", nil)

	w.cycle(context.Background())
	w.wg.Wait()

	got, _ := svc.Get(context.Background(), tk.ID, 0)
	if got.State != task.StateFailed {
		t.Fatalf("state = %q, want %q", got.State, task.StateFailed)
	}
	if got.ErrorDetails == "" {
		t.Error("errorDetails not recorded")
	}
}

func TestManualDispatchParksTask(t *testing.T) {
	w, svc, reg := newTestWorker(nil)
	reg.PutAgent(&registry.Agent{ID: "agent-1", TenantID: "tenant-1", ProcessingMode: "manual", Active: true})
	tk := createTask(t, svc, "agent-1", nil)

	w.cycle(context.Background())
	w.wg.Wait()

	got, _ := svc.Get(context.Background(), tk.ID, 0)
	if got.State != task.StateInputRequired {
		t.Fatalf("state = %q, want %q", got.State, task.StateInputRequired)
	}
	if len(got.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(got.History))
	}
	if got.History[1].Role != task.RoleAgent {
		t.Errorf("queue message role = %q, want %q", got.History[1].Role, task.RoleAgent)
	}
}

func TestWebhookDispatchDeliversAndStaysWorking(t *testing.T) {
	var deliveries int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deliveries++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, svc, reg := newTestWorker(nil)
	reg.PutAgent(&registry.Agent{
		ID:             "agent-1",
		TenantID:       "tenant-1",
		ProcessingMode: "webhook",
		ProcessingConfig: registry.ProcessingConfig{
			CallbackURL:    srv.URL,
			CallbackSecret: "whsec",
		},
		Active: true,
	})
	tk := createTask(t, svc, "agent-1", nil)

	w.cycle(context.Background())
	w.wg.Wait()

	if deliveries != 1 {
		t.Fatalf("deliveries = %d, want 1", deliveries)
	}
	got, _ := svc.Get(context.Background(), tk.ID, 0)
	if got.State != task.StateWorking {
		t.Errorf("state = %q, want %q (completion is out-of-band)", got.State, task.StateWorking)
	}
	if got.WebhookStatus != task.WebhookStatusDelivered {
		t.Errorf("webhookStatus = %q, want %q", got.WebhookStatus, task.WebhookStatusDelivered)
	}
	if got.WebhookDeliveryID == "" {
		t.Error("webhookDeliveryId not assigned")
	}
}

func TestWebhookDispatchFailureSchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w, svc, reg := newTestWorker(nil)
	reg.PutAgent(&registry.Agent{
		ID:               "agent-1",
		TenantID:         "tenant-1",
		ProcessingMode:   "webhook",
		ProcessingConfig: registry.ProcessingConfig{CallbackURL: srv.URL},
		Active:           true,
	})
	tk := createTask(t, svc, "agent-1", nil)

	w.cycle(context.Background())
	w.wg.Wait()

	got, _ := svc.Get(context.Background(), tk.ID, 0)
	if got.WebhookStatus != task.WebhookStatusFailed {
		t.Fatalf("webhookStatus = %q, want %q", got.WebhookStatus, task.WebhookStatusFailed)
	}
	if got.WebhookAttempts != 1 {
		t.Errorf("webhookAttempts = %d, want 1", got.WebhookAttempts)
	}
	if got.WebhookNextRetryAt == nil {
		t.Error("webhookNextRetryAt not set")
	}
}

func TestUnknownModeFailsTask(t *testing.T) {
	w, svc, reg := newTestWorker(nil)
	reg.PutAgent(&registry.Agent{ID: "agent-1", TenantID: "tenant-1", ProcessingMode: "telepathy", Active: true})
	tk := createTask(t, svc, "agent-1", nil)

	w.cycle(context.Background())
	w.wg.Wait()

	got, _ := svc.Get(context.Background(), tk.ID, 0)
	if got.State != task.StateFailed {
		t.Errorf("state = %q, want %q", got.State, task.StateFailed)
	}
}

func TestMissingAgentFailsTask(t *testing.T) {
	w, svc, _ := newTestWorker(nil)
	tk := createTask(t, svc, "agent-missing", nil)

	w.cycle(context.Background())
	w.wg.Wait()

	got, _ := svc.Get(context.Background(), tk.ID, 0)
	if got.State != task.StateFailed {
		t.Errorf("state = %q, want %q", got.State, task.StateFailed)
	}
}

func TestTenantCapDefersClaim(t *testing.T) {
	w, svc, reg := newTestWorker(&fakeProcessor{})
	reg.PutAgent(&registry.Agent{ID: "agent-1", TenantID: "tenant-1", ProcessingMode: "managed", Active: true})
	tk := createTask(t, svc, "agent-1", nil)

	w.mu.Lock()
	w.tenantInFlight["tenant-1"] = w.cfg.TenantMaxConcurrent
	w.mu.Unlock()

	w.cycle(context.Background())
	w.wg.Wait()

	got, _ := svc.Get(context.Background(), tk.ID, 0)
	if got.State != task.StateSubmitted {
		t.Errorf("state = %q, want %q (tenant at cap)", got.State, task.StateSubmitted)
	}
}

func TestShutdownReleasesOwnedTasks(t *testing.T) {
	w, svc, _ := newTestWorker(nil)
	tk := createTask(t, svc, "agent-1", nil)
	if _, ok, err := svc.Claim(context.Background(), tk.ID, w.ID()); err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}

	if err := w.shutdown(); err != nil {
		t.Fatalf("shutdown() error: %v", err)
	}

	got, _ := svc.Get(context.Background(), tk.ID, 0)
	if got.State != task.StateSubmitted {
		t.Errorf("state = %q after shutdown, want %q", got.State, task.StateSubmitted)
	}
	if got.ProcessorID != "" {
		t.Errorf("processorId = %q after shutdown, want empty", got.ProcessorID)
	}
}

func TestRetryFallbackRedispatchesDueRetries(t *testing.T) {
	var deliveries int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deliveries++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, svc, reg := newTestWorker(nil)
	reg.PutAgent(&registry.Agent{
		ID:               "agent-1",
		TenantID:         "tenant-1",
		ProcessingMode:   "webhook",
		ProcessingConfig: registry.ProcessingConfig{CallbackURL: srv.URL},
		Active:           true,
	})
	tk := createTask(t, svc, "agent-1", nil)

	// Claim so the task isn't a candidate, then record a failed
	// delivery whose retry time has already passed.
	if _, ok, err := svc.Claim(context.Background(), tk.ID, w.ID()); err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}
	if err := svc.SetWebhookPending(context.Background(), tk.ID, "dlv-1"); err != nil {
		t.Fatalf("SetWebhookPending() error: %v", err)
	}
	if err := svc.RecordWebhookFailure(context.Background(), tk.ID, 1, time.Now().Add(-time.Minute), 503, ""); err != nil {
		t.Fatalf("RecordWebhookFailure() error: %v", err)
	}

	w.cycle(context.Background())
	w.wg.Wait()

	if deliveries != 1 {
		t.Fatalf("deliveries = %d, want 1 redispatch", deliveries)
	}
	got, _ := svc.Get(context.Background(), tk.ID, 0)
	if got.WebhookStatus != task.WebhookStatusDelivered {
		t.Errorf("webhookStatus = %q, want %q", got.WebhookStatus, task.WebhookStatusDelivered)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	w, _, _ := newTestWorker(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}
