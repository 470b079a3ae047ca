package webhook

import (
	"encoding/json"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/slyhq/sly/internal/task"
)

const DeadLetterType = "webhook.dlq"

// DeadLetter is the envelope published to the NSQ DLQ topic when a
// delivery exhausts its retry budget. External consumers (alerting,
// replay tooling) key off Type and Version.
type DeadLetter struct {
	Type       string    `json:"type"`    // "webhook.dlq"
	Version    string    `json:"version"` // schema version
	At         string    `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason     string    `json:"reason"`  // human/debug text
	Attempt    int       `json:"attempt"` // attempt count when DLQ'd
	HTTPStatus int       `json:"http_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	TaskID     string    `json:"task_id"`
	TenantID   string    `json:"tenant_id"`
	AgentID    string    `json:"agent_id"`
	DeliveryID string    `json:"delivery_id"`
	Task       task.Task `json:"task"` // full task snapshot

	// Trace carries W3C trace-context headers so consumers can join
	// the delivery's trace.
	Trace map[string]string `json:"trace,omitempty"`
}

func NewDeadLetter(t *task.Task, attempt, httpStatus int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:       DeadLetterType,
		Version:    "v1",
		At:         time.Now().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempt:    attempt,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		TaskID:     t.ID,
		TenantID:   t.TenantID,
		AgentID:    t.AgentID,
		DeliveryID: t.WebhookDeliveryID,
		Task:       *t,
	}
}

// DeadLetterPublisher publishes dead-letter envelopes for external
// consumers. Nil-safe: a nil publisher drops envelopes silently, which
// is the configuration for deployments without NSQ.
type DeadLetterPublisher struct {
	producer *nsq.Producer
	topic    string
}

func NewDeadLetterPublisher(nsqdAddr, topic string) (*DeadLetterPublisher, error) {
	producer, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	return &DeadLetterPublisher{producer: producer, topic: topic}, nil
}

func (p *DeadLetterPublisher) Publish(env DeadLetter) error {
	if p == nil || p.producer == nil {
		return nil
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.producer.Publish(p.topic, b)
}

func (p *DeadLetterPublisher) Stop() {
	if p != nil && p.producer != nil {
		p.producer.Stop()
	}
}
