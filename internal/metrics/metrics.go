package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sly_tasks_created_total",
			Help: "Total number of tasks created.",
		},
		[]string{"tenant_id"},
	)

	TaskClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sly_task_claims_total",
			Help: "Total number of claim attempts by result.",
		},
		[]string{"result"}, // won, lost, deferred
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sly_dispatches_total",
			Help: "Total number of dispatched tasks by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sly_webhook_deliveries_total",
			Help: "Total number of webhook deliveries by status.",
		},
		[]string{"status", "tenant_id"},
	)

	WebhookRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sly_webhook_retries_total",
			Help: "Total number of webhook retries scheduled by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	WebhookDLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sly_webhook_dlq_total",
			Help: "Total number of webhook deliveries moved to DLQ.",
		},
		[]string{"reason"},
	)

	PaymentVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sly_payment_verifications_total",
			Help: "Total number of payment proof verifications by type and result.",
		},
		[]string{"proof_type", "result"},
	)

	WebhookLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sly_webhook_latency_seconds",
			Help:    "Webhook delivery round-trip latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant_id"},
	)

	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sly_tasks_in_flight",
			Help: "Number of tasks currently being dispatched by this worker.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		TasksCreatedTotal,
		TaskClaimsTotal,
		DispatchesTotal,
		WebhookDeliveriesTotal,
		WebhookRetriesTotal,
		WebhookDLQTotal,
		PaymentVerificationsTotal,
		WebhookLatencySeconds,
		TasksInFlight,
	)
}

// RecordTaskCreated increments the task creation counter
func RecordTaskCreated(tenantID string) {
	TasksCreatedTotal.WithLabelValues(tenantID).Inc()
}

// RecordClaim records the outcome of a claim attempt
func RecordClaim(result string) {
	TaskClaimsTotal.WithLabelValues(result).Inc()
}

// RecordDispatch records a completed dispatch by mode and outcome
func RecordDispatch(mode, outcome string) {
	DispatchesTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordWebhookDelivery records a webhook delivery attempt outcome
func RecordWebhookDelivery(status, tenantID string, latency time.Duration) {
	WebhookDeliveriesTotal.WithLabelValues(status, tenantID).Inc()
	if latency > 0 {
		WebhookLatencySeconds.WithLabelValues(tenantID).Observe(latency.Seconds())
	}
}

// RecordWebhookRetry records a scheduled retry by failure reason
func RecordWebhookRetry(reason string) {
	WebhookRetriesTotal.WithLabelValues(reason).Inc()
}

// RecordWebhookDLQ records a delivery moved to the dead-letter queue
func RecordWebhookDLQ(reason string) {
	WebhookDLQTotal.WithLabelValues(reason).Inc()
}

// RecordPaymentVerification records a payment proof verification result
func RecordPaymentVerification(proofType string, verified bool) {
	result := "verified"
	if !verified {
		result = "rejected"
	}
	PaymentVerificationsTotal.WithLabelValues(proofType, result).Inc()
}
