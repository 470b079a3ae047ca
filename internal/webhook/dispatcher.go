// Package webhook delivers task payloads to external callback URLs and
// owns the retry/backoff/dead-letter bookkeeping for those deliveries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/slyhq/sly/internal/logging"
	"github.com/slyhq/sly/internal/metrics"
	"github.com/slyhq/sly/internal/registry"
	"github.com/slyhq/sly/internal/task"
	"github.com/slyhq/sly/internal/tracing"
)

const (
	EventTaskSubmitted = "task.submitted"

	sigHeader      = "X-Signature" // t=<unix>,v1=<hex hmac>
	eventHeader    = "X-Event"
	deliveryHeader = "X-Delivery"

	// Response bodies are captured for debugging, not archived.
	maxResponseCapture = 1000
)

// DefaultRetryDelays is the backoff schedule indexed by attempt-1.
// Attempts past the end of the schedule reuse the final delay.
var DefaultRetryDelays = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

// Result captures the outcome of one delivery attempt. Ordinary HTTP
// and network failures are reported here, not as errors.
type Result struct {
	Success    bool
	StatusCode int
	Body       string
	Latency    time.Duration
	Err        string
}

// Dispatcher signs and POSTs task payloads and records the outcome on
// the task row.
type Dispatcher struct {
	tasks       *task.Service
	client      *http.Client
	deadLetters *DeadLetterPublisher
	logger      *logging.Logger

	maxAttempts int
	retryDelays []time.Duration
	userAgent   string
}

// Option tweaks dispatcher construction.
type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) { d.maxAttempts = n }
}

func WithRetryDelays(delays []time.Duration) Option {
	return func(d *Dispatcher) { d.retryDelays = delays }
}

func WithDeadLetterPublisher(p *DeadLetterPublisher) Option {
	return func(d *Dispatcher) { d.deadLetters = p }
}

func WithUserAgent(ua string) Option {
	return func(d *Dispatcher) { d.userAgent = ua }
}

func NewDispatcher(tasks *task.Service, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tasks:       tasks,
		client:      &http.Client{Timeout: 15 * time.Second},
		logger:      logging.New("webhook"),
		maxAttempts: 5,
		retryDelays: DefaultRetryDelays,
		userAgent:   "Sly-Webhook/1.0",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// payload is the wire shape POSTed to callback URLs.
type payload struct {
	Event     string      `json:"event"`
	Task      payloadTask `json:"task"`
	Timestamp string      `json:"timestamp"`
	WebhookID string      `json:"webhookId"`
}

type payloadTask struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agentId"`
	ContextID string          `json:"contextId,omitempty"`
	Status    task.State      `json:"status"`
	History   []task.Message  `json:"history"`
	Artifacts []task.Artifact `json:"artifacts"`
}

// SignPayload produces the signature header value for a payload:
// t=<unix_seconds>,v1=<hex HMAC-SHA256(secret, "<ts>.<payload>")>.
// The format is part of the wire contract; receivers verify it
// byte-for-byte.
func SignPayload(body []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// Dispatch POSTs the task snapshot to the agent's callback URL. The
// returned Result reports HTTP and network failures; only payload
// assembly problems surface as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, t *task.Task, cfg registry.ProcessingConfig, deliveryID string) (Result, error) {
	return d.deliver(ctx, t, cfg, EventTaskSubmitted, deliveryID)
}

// DeliverCompletion POSTs the terminal snapshot to the task's own
// callback URL with the terminal state as the event name. One-shot:
// completion notification carries no retry/DLQ bookkeeping.
func (d *Dispatcher) DeliverCompletion(ctx context.Context, t *task.Task, deliveryID string) (Result, error) {
	cfg := registry.ProcessingConfig{
		CallbackURL:    t.CallbackURL,
		CallbackSecret: t.CallbackSecret,
	}
	return d.deliver(ctx, t, cfg, "task."+string(t.State), deliveryID)
}

func (d *Dispatcher) deliver(ctx context.Context, t *task.Task, cfg registry.ProcessingConfig, event, deliveryID string) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "webhook.deliver",
		attribute.String("task_id", t.ID),
		attribute.String("delivery_id", deliveryID),
		attribute.String("event", event),
		attribute.String("callback_url", cfg.CallbackURL),
	)
	defer span.End()

	history, err := d.tasks.Store().Messages(ctx, t.ID, 0)
	if err != nil {
		return Result{}, err
	}
	artifacts, err := d.tasks.Store().Artifacts(ctx, t.ID)
	if err != nil {
		return Result{}, err
	}
	if history == nil {
		history = []task.Message{}
	}
	if artifacts == nil {
		artifacts = []task.Artifact{}
	}

	now := time.Now()
	body, err := json.Marshal(payload{
		Event: event,
		Task: payloadTask{
			ID:        t.ID,
			AgentID:   t.AgentID,
			ContextID: t.ContextID,
			Status:    t.State,
			History:   history,
			Artifacts: artifacts,
		},
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		WebhookID: deliveryID,
	})
	if err != nil {
		return Result{}, err
	}

	timeout := d.client.Timeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set(eventHeader, event)
	req.Header.Set(deliveryHeader, deliveryID)
	if cfg.CallbackSecret != "" {
		req.Header.Set(sigHeader, SignPayload(body, cfg.CallbackSecret, now.Unix()))
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	start := time.Now()
	resp, doErr := d.client.Do(req)
	latency := time.Since(start)

	res := Result{Latency: latency}
	if doErr != nil {
		res.Err = doErr.Error()
		span.SetAttributes(attribute.String("http.error", doErr.Error()))
		metrics.RecordWebhookDelivery("failed", t.TenantID, latency)
		return res, nil
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseCapture))
	res.Body = string(respBody)
	res.Success = resp.StatusCode >= 200 && resp.StatusCode < 300

	span.SetAttributes(
		attribute.Int("http.status_code", res.StatusCode),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)
	if res.Success {
		metrics.RecordWebhookDelivery("delivered", t.TenantID, latency)
	} else {
		metrics.RecordWebhookDelivery("failed", t.TenantID, latency)
	}
	return res, nil
}

// RecordSuccess marks the delivery as landed and clears the retry
// schedule.
func (d *Dispatcher) RecordSuccess(ctx context.Context, t *task.Task, res Result) error {
	if err := d.tasks.RecordWebhookDelivered(ctx, t.ID, res.StatusCode, res.Body); err != nil {
		return err
	}
	d.logger.WithContext(ctx).WithTask(t.ID).WithDelivery(t.WebhookDeliveryID).WithFields(map[string]any{
		"status_code": res.StatusCode,
		"latency_ms":  res.Latency.Milliseconds(),
	}).Info("webhook delivered")
	return nil
}

// RecordFailure bumps the attempt count and either schedules a retry or
// quarantines the delivery. At the attempt ceiling the task itself is
// failed; a quarantined delivery is only revived by RetryFromDlq.
func (d *Dispatcher) RecordFailure(ctx context.Context, t *task.Task, res Result, currentAttempts int) error {
	newAttempts := currentAttempts + 1
	reason := classifyReason(res)

	if newAttempts >= d.maxAttempts {
		dlqReason := fmt.Sprintf("max attempts reached (%d), last status=%d, err=%s", newAttempts, res.StatusCode, res.Err)
		if err := d.tasks.MoveWebhookToDLQ(ctx, t.ID, dlqReason); err != nil {
			return err
		}
		metrics.RecordWebhookDLQ(reason)
		env := NewDeadLetter(t, newAttempts, res.StatusCode, res.Err, dlqReason)
		env.Trace = tracing.PropagateTraceToNSQ(ctx)
		if err := d.deadLetters.Publish(env); err != nil {
			d.logger.WithContext(ctx).WithTask(t.ID).WithError(err).Error("dead letter publish failed")
		}
		d.logger.WithContext(ctx).WithTask(t.ID).WithDelivery(t.WebhookDeliveryID).WithFields(map[string]any{
			"attempts": newAttempts,
			"reason":   reason,
		}).Error("webhook delivery dead-lettered")
		return nil
	}

	nextRetryAt := time.Now().Add(retryDelay(newAttempts, d.retryDelays))
	if err := d.tasks.RecordWebhookFailure(ctx, t.ID, newAttempts, nextRetryAt, res.StatusCode, res.Body); err != nil {
		return err
	}
	metrics.RecordWebhookRetry(reason)
	d.logger.WithContext(ctx).WithTask(t.ID).WithDelivery(t.WebhookDeliveryID).WithFields(map[string]any{
		"attempts":      newAttempts,
		"reason":        reason,
		"next_retry_at": nextRetryAt.Format(time.RFC3339),
	}).Warn("webhook delivery failed, retry scheduled")
	return nil
}

// MaxAttempts reports the delivery attempt ceiling.
func (d *Dispatcher) MaxAttempts() int { return d.maxAttempts }

// RetryFromDlq revives a quarantined delivery. Guarded: only a task
// whose delivery is currently dead-lettered is reset, so a concurrent
// replay can't double-requeue.
func (d *Dispatcher) RetryFromDlq(ctx context.Context, taskID string) (bool, error) {
	return d.tasks.RetryFromDLQ(ctx, taskID)
}

// retryDelay maps a 1-based attempt count to the schedule; attempts
// past the end reuse the final delay.
func retryDelay(attempt int, schedule []time.Duration) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

func classifyReason(res Result) string {
	if res.Err != "" {
		errLower := strings.ToLower(res.Err)
		if strings.Contains(errLower, "deadline exceeded") || strings.Contains(errLower, "timeout") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if res.StatusCode >= 500 {
		return "http_5xx"
	}
	if res.StatusCode == 429 {
		return "http_429"
	}
	if res.StatusCode >= 400 {
		return "http_4xx"
	}
	return "other"
}
