// Package registry exposes read access to the business records the
// orchestration engine consumes: agent configuration, transfer status,
// and mandate status. The engine never writes these except to stamp a
// mandate with the task that drew against it.
package registry

import (
	"context"
	"errors"
)

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrTransferNotFound = errors.New("transfer not found")
	ErrMandateNotFound  = errors.New("mandate not found")
)

// ProcessingConfig carries the webhook-mode delivery settings for an agent.
type ProcessingConfig struct {
	CallbackURL    string `json:"callbackUrl,omitempty"`
	CallbackSecret string `json:"callbackSecret,omitempty"`
	TimeoutMs      int    `json:"timeoutMs,omitempty"`
}

// Agent is the registry record the worker and gateway read.
type Agent struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenantId"`
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	URL              string           `json:"url,omitempty"`
	ProcessingMode   string           `json:"processingMode"`
	ProcessingConfig ProcessingConfig `json:"processingConfig"`
	Active           bool             `json:"active"`
	Discoverable     bool             `json:"discoverable"`
	Tags             []string         `json:"tags,omitempty"`
}

// Transfer status values used by payment verification.
const (
	TransferCompleted = "completed"
	TransferPending   = "pending"
	TransferFailed    = "failed"
)

type Transfer struct {
	ID       string  `json:"id"`
	TenantID string  `json:"tenantId"`
	Status   string  `json:"status"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Mandate status values used by payment verification.
const (
	MandateActive  = "active"
	MandateRevoked = "revoked"
	MandateExpired = "expired"
)

type Mandate struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"tenantId"`
	Status    string  `json:"status"`
	Currency  string  `json:"currency"`
	MaxAmount float64 `json:"maxAmount"`
	// TaskID records the originating task for audit once drawn against.
	TaskID string `json:"taskId,omitempty"`
}

// AgentLookup resolves agent registry records.
type AgentLookup interface {
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
}

// TransferLookup resolves transfer status records.
type TransferLookup interface {
	GetTransfer(ctx context.Context, id string) (*Transfer, error)
}

// MandateLookup resolves mandate status records and stamps audit linkage.
type MandateLookup interface {
	GetMandate(ctx context.Context, id string) (*Mandate, error)
	// StampMandateTask records the originating task id on the mandate.
	StampMandateTask(ctx context.Context, mandateID, taskID string) error
}
