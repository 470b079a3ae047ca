// Package task holds the task domain model, the durable store, and the
// TaskService that owns every task-row mutation.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the task lifecycle state.
type State string

const (
	StateSubmitted     State = "submitted"
	StateWorking       State = "working"
	StateInputRequired State = "input-required"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCanceled      State = "canceled"
	StateRejected      State = "rejected"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled, StateRejected:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateSubmitted, StateWorking, StateInputRequired,
		StateCompleted, StateFailed, StateCanceled, StateRejected:
		return true
	}
	return false
}

// Direction distinguishes tasks this platform processes from tasks it
// delegated to a remote agent.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// WebhookStatus tracks the delivery bookkeeping for webhook-mode tasks.
type WebhookStatus string

const (
	WebhookStatusNone      WebhookStatus = ""
	WebhookStatusPending   WebhookStatus = "pending"
	WebhookStatusDelivered WebhookStatus = "delivered"
	WebhookStatusFailed    WebhookStatus = "failed"
	WebhookStatusDLQ       WebhookStatus = "dlq"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// PartKind is the content type of a message or artifact part.
type PartKind string

const (
	PartKindText PartKind = "text"
	PartKindData PartKind = "data"
	PartKindFile PartKind = "file"
)

// Part is one unit of message or artifact content.
type Part struct {
	Kind     PartKind       `json:"kind"`
	Text     string         `json:"text,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	FileURI  string         `json:"fileUri,omitempty"`
	MimeType string         `json:"mimeType,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// DataPart builds a structured-data part.
func DataPart(data map[string]any) Part {
	return Part{Kind: PartKindData, Data: data}
}

// FilePart builds a file-reference part.
func FilePart(uri, mimeType string) Part {
	return Part{Kind: PartKindFile, FileURI: uri, MimeType: mimeType}
}

// Message belongs to exactly one task. Messages are append-only and
// immutable once created, ordered by creation time.
type Message struct {
	MessageID string         `json:"messageId"`
	TaskID    string         `json:"taskId"`
	Role      Role           `json:"role"`
	Parts     []Part         `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// NewMessage builds a message with a fresh id and timestamp.
func NewMessage(taskID string, role Role, parts []Part) *Message {
	return &Message{
		MessageID: uuid.NewString(),
		TaskID:    taskID,
		Role:      role,
		Parts:     parts,
		CreatedAt: time.Now().UTC(),
	}
}

// Artifact is agent-produced output attached to a task. Append-only.
type Artifact struct {
	ArtifactID string         `json:"artifactId"`
	TaskID     string         `json:"taskId"`
	Name       string         `json:"name"`
	MediaType  string         `json:"mediaType"`
	Parts      []Part         `json:"parts"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Task is the unit of work exchanged between agents.
//
// Ownership invariant: at most one non-null ProcessorID holder at any
// time; a task is owned iff ProcessorID is set and State is working.
type Task struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	AgentID   string `json:"agentId"`
	ContextID string `json:"contextId,omitempty"`

	State         State          `json:"status"`
	StatusMessage string         `json:"statusMessage,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Direction     Direction      `json:"direction"`
	ErrorDetails  string         `json:"errorDetails,omitempty"`

	// Federation linkage for tasks delegated to a remote agent.
	RemoteAgentURL string `json:"remoteAgentUrl,omitempty"`
	RemoteTaskID   string `json:"remoteTaskId,omitempty"`

	// Payment linkage, set by the payment gate for audit.
	MandateID  string `json:"mandateId,omitempty"`
	TransferID string `json:"transferId,omitempty"`

	// Claim-protocol ownership fields.
	ProcessorID           string     `json:"processorId,omitempty"`
	ProcessingStartedAt   *time.Time `json:"processingStartedAt,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processingCompletedAt,omitempty"`
	ProcessingDurationMs  int64      `json:"processingDurationMs,omitempty"`

	// Webhook delivery bookkeeping.
	WebhookStatus         WebhookStatus `json:"webhookStatus,omitempty"`
	WebhookDeliveryID     string        `json:"webhookDeliveryId,omitempty"`
	WebhookAttempts       int           `json:"webhookAttempts,omitempty"`
	WebhookNextRetryAt    *time.Time    `json:"webhookNextRetryAt,omitempty"`
	WebhookLastStatusCode int           `json:"webhookLastStatusCode,omitempty"`
	WebhookLastResponse   string        `json:"webhookLastResponse,omitempty"`
	WebhookDLQAt          *time.Time    `json:"webhookDlqAt,omitempty"`
	WebhookDLQReason      string        `json:"webhookDlqReason,omitempty"`

	// Completion notification target.
	CallbackURL    string `json:"callbackUrl,omitempty"`
	CallbackSecret string `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Populated by reads, not stored on the row.
	History   []Message  `json:"history,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Owned reports whether the task is currently claimed by a worker.
func (t *Task) Owned() bool {
	return t.ProcessorID != "" && t.State == StateWorking
}

// DispatchMode is the closed set of strategies by which a claimed task
// is processed.
type DispatchMode string

const (
	ModeManaged DispatchMode = "managed"
	ModeWebhook DispatchMode = "webhook"
	ModeManual  DispatchMode = "manual"
)

// ParseDispatchMode maps a stored mode string to its variant, rejecting
// anything outside the closed set.
func ParseDispatchMode(s string) (DispatchMode, error) {
	switch DispatchMode(s) {
	case ModeManaged, ModeWebhook, ModeManual:
		return DispatchMode(s), nil
	}
	return "", fmt.Errorf("unknown processing mode %q", s)
}
