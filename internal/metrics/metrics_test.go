package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)

	// Registering the same collectors twice must panic.
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustRegister() second call did not panic")
		}
	}()
	MustRegister(reg)
}

func TestRecordHelpers(t *testing.T) {
	RecordClaim("won")
	RecordClaim("won")
	RecordClaim("lost")

	if got := testutil.ToFloat64(TaskClaimsTotal.WithLabelValues("won")); got < 2 {
		t.Errorf("claims won = %v, want >= 2", got)
	}

	RecordDispatch("webhook", "ok")
	if got := testutil.ToFloat64(DispatchesTotal.WithLabelValues("webhook", "ok")); got < 1 {
		t.Errorf("dispatches webhook/ok = %v, want >= 1", got)
	}

	RecordWebhookDelivery("delivered", "tenant-a", 250*time.Millisecond)
	if got := testutil.ToFloat64(WebhookDeliveriesTotal.WithLabelValues("delivered", "tenant-a")); got < 1 {
		t.Errorf("deliveries delivered/tenant-a = %v, want >= 1", got)
	}

	RecordPaymentVerification("x402", true)
	RecordPaymentVerification("x402", false)
	if got := testutil.ToFloat64(PaymentVerificationsTotal.WithLabelValues("x402", "rejected")); got < 1 {
		t.Errorf("payment verifications x402/rejected = %v, want >= 1", got)
	}

	RecordWebhookDLQ("max_attempts")
	if got := testutil.ToFloat64(WebhookDLQTotal.WithLabelValues("max_attempts")); got < 1 {
		t.Errorf("dlq max_attempts = %v, want >= 1", got)
	}
}
