// Package worker runs the claim/dispatch poll loop. Each worker is an
// independent process; the store's guarded conditional update is the
// only mutual exclusion shared between them.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/slyhq/sly/internal/config"
	"github.com/slyhq/sly/internal/logging"
	"github.com/slyhq/sly/internal/metrics"
	"github.com/slyhq/sly/internal/registry"
	"github.com/slyhq/sly/internal/task"
	"github.com/slyhq/sly/internal/tracing"
	"github.com/slyhq/sly/internal/webhook"
)

// Processor executes managed-mode tasks. The implementation is opaque
// to the worker; it is expected to drive the task to a terminal state
// itself.
type Processor interface {
	ProcessTask(ctx context.Context, taskID string) error
}

// Worker polls for claimable tasks and dispatches at most one new
// claim per cycle. Dispatch runs in its own goroutine; the loop never
// awaits a claimed task's completion.
type Worker struct {
	id        string
	tasks     *task.Service
	agents    registry.AgentLookup
	webhooks  *webhook.Dispatcher
	processor Processor
	cfg       config.Worker
	logger    *logging.Logger

	wg sync.WaitGroup

	mu             sync.Mutex
	claiming       bool
	inFlight       int
	tenantInFlight map[string]int
}

func New(id string, tasks *task.Service, agents registry.AgentLookup, webhooks *webhook.Dispatcher, processor Processor, cfg config.Worker) *Worker {
	if id == "" {
		id = "worker-" + uuid.NewString()
	}
	return &Worker{
		id:             id,
		tasks:          tasks,
		agents:         agents,
		webhooks:       webhooks,
		processor:      processor,
		cfg:            cfg,
		logger:         logging.New("worker"),
		claiming:       true,
		tenantInFlight: make(map[string]int),
	}
}

// ID returns the worker's processor identity as written into claimed
// task rows.
func (w *Worker) ID() string { return w.id }

// Run polls until ctx is canceled, then drains: claiming stops
// immediately, in-flight dispatches get the grace period, and anything
// still owned afterwards is force-released so no task is stranded
// under a dead worker.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Plain().WithField("worker_id", w.id).Info("worker started")
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.shutdown()
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

func (w *Worker) shutdown() error {
	w.mu.Lock()
	w.claiming = false
	w.mu.Unlock()
	w.logger.Plain().WithField("worker_id", w.id).Info("worker draining")

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownGrace):
		w.logger.Plain().WithField("worker_id", w.id).Warn("grace period elapsed with dispatches in flight")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	released, err := w.tasks.ReleaseOwnedBy(ctx, w.id)
	if err != nil {
		w.logger.Plain().WithError(err).Error("release owned tasks failed")
		return err
	}
	if released > 0 {
		w.logger.Plain().WithFields(map[string]any{
			"worker_id": w.id,
			"released":  released,
		}).Warn("force-released owned tasks")
	}
	w.logger.Plain().WithField("worker_id", w.id).Info("worker stopped")
	return nil
}

// cycle attempts one claim. Claim-less cycles fall back to redelivering
// due webhook retries.
func (w *Worker) cycle(ctx context.Context) {
	w.mu.Lock()
	if !w.claiming || w.inFlight >= w.cfg.MaxConcurrent {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	candidates, err := w.tasks.NextClaimable(ctx, w.cfg.ClaimBatchSize)
	if err != nil {
		w.logger.WithContext(ctx).WithError(err).Error("claim candidate query failed")
		return
	}
	prioritize(candidates)

	for _, candidate := range candidates {
		if w.tenantAtCap(candidate.TenantID) {
			metrics.RecordClaim("deferred")
			continue
		}
		claimed, ok, err := w.tasks.Claim(ctx, candidate.ID, w.id)
		if err != nil {
			w.logger.WithContext(ctx).WithTask(candidate.ID).WithError(err).Error("claim failed")
			continue
		}
		if !ok {
			// Another worker won the row.
			metrics.RecordClaim("lost")
			continue
		}
		metrics.RecordClaim("won")
		w.launch(claimed)
		return
	}

	w.redispatchDueRetries(ctx)
}

// prioritize reorders oldest-first candidates so mandate-linked tasks
// come before context-bound ones, which come before brand-new ones.
// The sort is stable, preserving oldest-first within each class.
func prioritize(candidates []*task.Task) {
	rank := func(t *task.Task) int {
		switch {
		case t.MandateID != "":
			return 0
		case t.ContextID != "":
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return rank(candidates[i]) < rank(candidates[j])
	})
}

func (w *Worker) tenantAtCap(tenantID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tenantInFlight[tenantID] >= w.cfg.TenantMaxConcurrent
}

// launch runs the dispatch in its own goroutine with structured
// in-flight accounting: every counter taken here is released in the
// same defer, so no exit path can leak a slot.
func (w *Worker) launch(claimed *task.Task) {
	w.mu.Lock()
	w.inFlight++
	w.tenantInFlight[claimed.TenantID]++
	w.mu.Unlock()
	metrics.TasksInFlight.Inc()
	w.wg.Add(1)

	go func() {
		defer func() {
			w.mu.Lock()
			w.inFlight--
			w.tenantInFlight[claimed.TenantID]--
			if w.tenantInFlight[claimed.TenantID] <= 0 {
				delete(w.tenantInFlight, claimed.TenantID)
			}
			w.mu.Unlock()
			metrics.TasksInFlight.Dec()
			w.wg.Done()
		}()
		w.dispatch(claimed)
	}()
}

// dispatch drives one claimed task through its agent's processing
// mode. Failures are recorded onto the task; nothing here may crash
// the poll loop.
func (w *Worker) dispatch(claimed *task.Task) {
	// The dispatch outlives the poll loop's context on shutdown; the
	// grace period, not cancellation, bounds in-flight work.
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.TaskTimeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "worker.dispatch",
		attribute.String("task_id", claimed.ID),
		attribute.String("worker_id", w.id),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			tracing.SetSpanError(ctx, fmt.Errorf("panic: %v", r))
			w.fail(ctx, claimed.ID, "task processing panicked", fmt.Sprintf("panic: %v", r))
		}
		completed := time.Now()
		if err := w.tasks.RecordProcessingOutcome(ctx, claimed.ID, completed, completed.Sub(start).Milliseconds()); err != nil {
			w.logger.WithContext(ctx).WithTask(claimed.ID).WithError(err).Error("record processing outcome failed")
		}
	}()

	agent, err := w.agents.GetAgent(ctx, claimed.AgentID)
	if err != nil {
		w.fail(ctx, claimed.ID, "agent lookup failed", err.Error())
		metrics.RecordDispatch("unknown", "error")
		return
	}
	mode, err := task.ParseDispatchMode(agent.ProcessingMode)
	if err != nil {
		w.fail(ctx, claimed.ID, "invalid processing mode", err.Error())
		metrics.RecordDispatch(agent.ProcessingMode, "error")
		return
	}
	span.SetAttributes(attribute.String("dispatch_mode", string(mode)))

	switch mode {
	case task.ModeManaged:
		w.dispatchManaged(ctx, claimed)
	case task.ModeWebhook:
		w.dispatchWebhook(ctx, claimed, agent.ProcessingConfig)
	case task.ModeManual:
		w.dispatchManual(ctx, claimed)
	}
}

func (w *Worker) dispatchManaged(ctx context.Context, claimed *task.Task) {
	if w.processor == nil {
		w.fail(ctx, claimed.ID, "no managed processor configured", "")
		metrics.RecordDispatch("managed", "error")
		return
	}
	if err := w.processor.ProcessTask(ctx, claimed.ID); err != nil {
		w.fail(ctx, claimed.ID, "managed processing failed", err.Error())
		metrics.RecordDispatch("managed", "error")
		return
	}
	metrics.RecordDispatch("managed", "ok")
	w.logger.WithContext(ctx).WithTask(claimed.ID).Info("managed processing finished")
}

func (w *Worker) dispatchWebhook(ctx context.Context, claimed *task.Task, cfg registry.ProcessingConfig) {
	if cfg.CallbackURL == "" {
		w.fail(ctx, claimed.ID, "webhook mode without callback url", "")
		metrics.RecordDispatch("webhook", "error")
		return
	}
	deliveryID := uuid.NewString()
	if err := w.tasks.SetWebhookPending(ctx, claimed.ID, deliveryID); err != nil {
		w.fail(ctx, claimed.ID, "webhook bookkeeping failed", err.Error())
		metrics.RecordDispatch("webhook", "error")
		return
	}
	claimed.WebhookDeliveryID = deliveryID

	res, err := w.webhooks.Dispatch(ctx, claimed, cfg, deliveryID)
	if err != nil {
		w.fail(ctx, claimed.ID, "webhook dispatch failed", err.Error())
		metrics.RecordDispatch("webhook", "error")
		return
	}
	if res.Success {
		// The task stays working; the external system reports
		// completion out-of-band.
		if err := w.webhooks.RecordSuccess(ctx, claimed, res); err != nil {
			w.logger.WithContext(ctx).WithTask(claimed.ID).WithError(err).Error("record delivery success failed")
		}
		metrics.RecordDispatch("webhook", "ok")
		return
	}
	if err := w.webhooks.RecordFailure(ctx, claimed, res, claimed.WebhookAttempts); err != nil {
		w.logger.WithContext(ctx).WithTask(claimed.ID).WithError(err).Error("record delivery failure failed")
	}
	metrics.RecordDispatch("webhook", "retry")
}

func (w *Worker) dispatchManual(ctx context.Context, claimed *task.Task) {
	parts := []task.Part{task.TextPart("This task has been queued for manual processing. A human operator will respond.")}
	if _, err := w.tasks.AppendMessage(ctx, claimed.ID, task.RoleAgent, parts, nil); err != nil {
		w.fail(ctx, claimed.ID, "manual queue message failed", err.Error())
		metrics.RecordDispatch("manual", "error")
		return
	}
	if _, err := w.tasks.UpdateState(ctx, claimed.ID, task.StateUpdate{
		State:         task.StateInputRequired,
		StatusMessage: "awaiting manual processing",
	}); err != nil {
		w.fail(ctx, claimed.ID, "manual state transition failed", err.Error())
		metrics.RecordDispatch("manual", "error")
		return
	}
	metrics.RecordDispatch("manual", "ok")
	w.logger.WithContext(ctx).WithTask(claimed.ID).Info("task queued for manual processing")
}

// redispatchDueRetries scans for failed deliveries whose retry time has
// passed and redelivers them. Runs only on cycles where no new claim
// was made, so retries never starve fresh work.
func (w *Worker) redispatchDueRetries(ctx context.Context) {
	due, err := w.tasks.DueWebhookRetries(ctx, w.webhooks.MaxAttempts(), w.cfg.ClaimBatchSize)
	if err != nil {
		w.logger.WithContext(ctx).WithError(err).Error("due retry query failed")
		return
	}
	for _, t := range due {
		agent, err := w.agents.GetAgent(ctx, t.AgentID)
		if err != nil {
			w.logger.WithContext(ctx).WithTask(t.ID).WithError(err).Error("agent lookup failed for retry")
			continue
		}
		res, err := w.webhooks.Dispatch(ctx, t, agent.ProcessingConfig, t.WebhookDeliveryID)
		if err != nil {
			w.logger.WithContext(ctx).WithTask(t.ID).WithError(err).Error("retry dispatch failed")
			continue
		}
		if res.Success {
			if err := w.webhooks.RecordSuccess(ctx, t, res); err != nil {
				w.logger.WithContext(ctx).WithTask(t.ID).WithError(err).Error("record retry success failed")
			}
			continue
		}
		if err := w.webhooks.RecordFailure(ctx, t, res, t.WebhookAttempts); err != nil {
			w.logger.WithContext(ctx).WithTask(t.ID).WithError(err).Error("record retry failure failed")
		}
	}
}

func (w *Worker) fail(ctx context.Context, taskID, statusMessage, details string) {
	if _, err := w.tasks.RecordFailure(ctx, taskID, statusMessage, details); err != nil {
		w.logger.WithContext(ctx).WithTask(taskID).WithError(err).Error("record task failure failed")
	}
	w.logger.WithContext(ctx).WithTask(taskID).WithFields(map[string]any{
		"status_message": statusMessage,
		"details":        details,
	}).Error("task failed during dispatch")
}
