package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/slyhq/sly/internal/eventbus"
	"github.com/slyhq/sly/internal/registry"
	"github.com/slyhq/sly/internal/task"
)

func newTestDispatcher(opts ...Option) (*Dispatcher, *task.Service) {
	svc := task.NewService(task.NewMemoryStore(), eventbus.New(task.TerminalEventFilter))
	return NewDispatcher(svc, opts...), svc
}

func createTask(t *testing.T, svc *task.Service) *task.Task {
	t.Helper()
	tk := &task.Task{TenantID: "tenant-1", AgentID: "agent-1", ContextID: "ctx-1"}
	msg := task.NewMessage("", task.RoleUser, []task.Part{task.TextPart("Hello")})
	created, err := svc.Create(context.Background(), tk, msg)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return created
}

func TestSignPayloadFormat(t *testing.T) {
	body := []byte(`{"event":"task.submitted"}`)
	secret := "whsec_test"
	ts := int64(1700000000)

	got := SignPayload(body, secret, ts)

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	want := fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
	if got != want {
		t.Errorf("SignPayload() = %q, want %q", got, want)
	}

	// Deterministic for fixed inputs.
	if again := SignPayload(body, secret, ts); again != got {
		t.Errorf("SignPayload() not deterministic: %q vs %q", again, got)
	}
}

func TestDispatchHeadersAndPayload(t *testing.T) {
	var (
		gotHeaders http.Header
		gotBody    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, svc := newTestDispatcher()
	tk := createTask(t, svc)
	cfg := registry.ProcessingConfig{CallbackURL: srv.URL, CallbackSecret: "whsec_test"}

	res, err := d.Dispatch(context.Background(), tk, cfg, "dlv-1")
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if !res.Success || res.StatusCode != http.StatusOK {
		t.Fatalf("Dispatch() result = %+v, want success 200", res)
	}

	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if ua := gotHeaders.Get("User-Agent"); ua != "Sly-Webhook/1.0" {
		t.Errorf("User-Agent = %q", ua)
	}
	if ev := gotHeaders.Get("X-Event"); ev != EventTaskSubmitted {
		t.Errorf("X-Event = %q, want %q", ev, EventTaskSubmitted)
	}
	if dl := gotHeaders.Get("X-Delivery"); dl != "dlv-1" {
		t.Errorf("X-Delivery = %q, want dlv-1", dl)
	}

	sig := gotHeaders.Get("X-Signature")
	if sig == "" {
		t.Fatal("X-Signature missing with secret configured")
	}
	// Verify the signature the way a receiver would.
	parts := strings.SplitN(sig, ",", 2)
	if len(parts) != 2 || !strings.HasPrefix(parts[0], "t=") || !strings.HasPrefix(parts[1], "v1=") {
		t.Fatalf("X-Signature = %q, want t=<ts>,v1=<hex>", sig)
	}
	ts := strings.TrimPrefix(parts[0], "t=")
	mac := hmac.New(sha256.New, []byte("whsec_test"))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); strings.TrimPrefix(parts[1], "v1=") != want {
		t.Errorf("signature does not verify against the received body")
	}

	var p payload
	if err := json.Unmarshal(gotBody, &p); err != nil {
		t.Fatalf("payload decode error: %v", err)
	}
	if p.Event != EventTaskSubmitted {
		t.Errorf("payload event = %q", p.Event)
	}
	if p.Task.ID != tk.ID || p.Task.AgentID != "agent-1" || p.Task.ContextID != "ctx-1" {
		t.Errorf("payload task identity = %+v", p.Task)
	}
	if p.WebhookID != "dlv-1" {
		t.Errorf("payload webhookId = %q", p.WebhookID)
	}
	if len(p.Task.History) != 1 {
		t.Errorf("payload history length = %d, want 1", len(p.Task.History))
	}
	if p.Task.Artifacts == nil {
		t.Error("payload artifacts should be an empty array, not null")
	}
}

func TestDispatchNoSignatureWithoutSecret(t *testing.T) {
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get("X-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, svc := newTestDispatcher()
	tk := createTask(t, svc)

	if _, err := d.Dispatch(context.Background(), tk, registry.ProcessingConfig{CallbackURL: srv.URL}, "dlv-1"); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if sig != "" {
		t.Errorf("X-Signature = %q, want empty without a secret", sig)
	}
}

func TestDispatchTruncatesResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("x", 5000)))
	}))
	defer srv.Close()

	d, svc := newTestDispatcher()
	tk := createTask(t, svc)

	res, err := d.Dispatch(context.Background(), tk, registry.ProcessingConfig{CallbackURL: srv.URL}, "dlv-1")
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if res.Success {
		t.Error("Dispatch() reported success for a 502")
	}
	if len(res.Body) != maxResponseCapture {
		t.Errorf("captured body length = %d, want %d", len(res.Body), maxResponseCapture)
	}
}

func TestDispatchNetworkFailureIsNotAnError(t *testing.T) {
	d, svc := newTestDispatcher()
	tk := createTask(t, svc)
	cfg := registry.ProcessingConfig{CallbackURL: "http://127.0.0.1:1"}

	res, err := d.Dispatch(context.Background(), tk, cfg, "dlv-1")
	if err != nil {
		t.Fatalf("Dispatch() returned error for a network failure: %v", err)
	}
	if res.Success || res.Err == "" {
		t.Errorf("Dispatch() result = %+v, want failure with err text", res)
	}
}

func TestRecordFailureSchedulesRetry(t *testing.T) {
	d, svc := newTestDispatcher()
	tk := createTask(t, svc)
	if err := svc.SetWebhookPending(context.Background(), tk.ID, "dlv-1"); err != nil {
		t.Fatalf("SetWebhookPending() error: %v", err)
	}

	before := time.Now()
	res := Result{StatusCode: 503, Body: "unavailable"}
	if err := d.RecordFailure(context.Background(), tk, res, 0); err != nil {
		t.Fatalf("RecordFailure() error: %v", err)
	}

	got, err := svc.Get(context.Background(), tk.ID, 0)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.WebhookStatus != task.WebhookStatusFailed {
		t.Errorf("webhookStatus = %q, want %q", got.WebhookStatus, task.WebhookStatusFailed)
	}
	if got.WebhookAttempts != 1 {
		t.Errorf("webhookAttempts = %d, want 1", got.WebhookAttempts)
	}
	if got.WebhookNextRetryAt == nil {
		t.Fatal("webhookNextRetryAt not set")
	}
	wantAt := before.Add(30 * time.Second)
	if got.WebhookNextRetryAt.Before(wantAt.Add(-time.Second)) || got.WebhookNextRetryAt.After(wantAt.Add(5*time.Second)) {
		t.Errorf("first retry at %v, want ~30s after failure", got.WebhookNextRetryAt)
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, 2 * time.Minute},
		{3, 5 * time.Minute},
		{4, 15 * time.Minute},
		{5, time.Hour},
		{9, time.Hour}, // past the schedule reuses the final delay
	}
	for _, tt := range tests {
		if got := retryDelay(tt.attempt, DefaultRetryDelays); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRecordFailureDeadLettersAtCeiling(t *testing.T) {
	d, svc := newTestDispatcher()
	tk := createTask(t, svc)
	if err := svc.SetWebhookPending(context.Background(), tk.ID, "dlv-1"); err != nil {
		t.Fatalf("SetWebhookPending() error: %v", err)
	}

	// Fifth failure crosses maxAttempts=5.
	res := Result{StatusCode: 500, Err: ""}
	if err := d.RecordFailure(context.Background(), tk, res, 4); err != nil {
		t.Fatalf("RecordFailure() error: %v", err)
	}

	got, err := svc.Get(context.Background(), tk.ID, 0)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.WebhookStatus != task.WebhookStatusDLQ {
		t.Errorf("webhookStatus = %q, want %q", got.WebhookStatus, task.WebhookStatusDLQ)
	}
	if got.State != task.StateFailed {
		t.Errorf("state = %q, want %q", got.State, task.StateFailed)
	}
	if got.WebhookDLQAt == nil || got.WebhookDLQReason == "" {
		t.Error("dlq stamps not set")
	}
}

func TestRetryFromDlqGuard(t *testing.T) {
	d, svc := newTestDispatcher()
	tk := createTask(t, svc)
	if err := svc.SetWebhookPending(context.Background(), tk.ID, "dlv-1"); err != nil {
		t.Fatalf("SetWebhookPending() error: %v", err)
	}

	// Not yet quarantined: guard rejects.
	ok, err := d.RetryFromDlq(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("RetryFromDlq() error: %v", err)
	}
	if ok {
		t.Fatal("RetryFromDlq() succeeded for a non-dlq delivery")
	}

	if err := svc.MoveWebhookToDLQ(context.Background(), tk.ID, "max attempts reached"); err != nil {
		t.Fatalf("MoveWebhookToDLQ() error: %v", err)
	}
	ok, err = d.RetryFromDlq(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("RetryFromDlq() error: %v", err)
	}
	if !ok {
		t.Fatal("RetryFromDlq() failed for a quarantined delivery")
	}

	got, _ := svc.Get(context.Background(), tk.ID, 0)
	if got.State != task.StateSubmitted {
		t.Errorf("state after replay = %q, want %q", got.State, task.StateSubmitted)
	}
	if got.WebhookAttempts != 0 {
		t.Errorf("webhookAttempts = %d after replay, want 0", got.WebhookAttempts)
	}
	if got.WebhookStatus == task.WebhookStatusDLQ {
		t.Errorf("webhookStatus still %q after replay", got.WebhookStatus)
	}
	if got.ProcessorID != "" {
		t.Errorf("processorId = %q after replay, want empty", got.ProcessorID)
	}
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want string
	}{
		{"timeout", Result{Err: "context deadline exceeded"}, "timeout"},
		{"refused", Result{Err: "dial tcp: connection refused"}, "connection_refused"},
		{"dns", Result{Err: "no such host"}, "dns_error"},
		{"other network", Result{Err: "connection reset by peer"}, "network"},
		{"server error", Result{StatusCode: 503}, "http_5xx"},
		{"throttled", Result{StatusCode: 429}, "http_429"},
		{"client error", Result{StatusCode: 404}, "http_4xx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyReason(tt.res); got != tt.want {
				t.Errorf("classifyReason(%+v) = %q, want %q", tt.res, got, tt.want)
			}
		})
	}
}
