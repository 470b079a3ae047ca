package task

import (
	"context"
	"time"
)

// Filter narrows ListTasks results.
type Filter struct {
	AgentID   string
	State     State
	Direction Direction
	Limit     int
	Offset    int
}

// StateUpdate carries one state transition. Metadata is merged into the
// existing map unless ReplaceMetadata is set, in which case the stored
// map is overwritten wholesale.
type StateUpdate struct {
	State           State
	StatusMessage   string
	Metadata        map[string]any
	ReplaceMetadata bool
	ErrorDetails    string
}

// Store is the durable persistence contract for tasks, messages and
// artifacts. All ownership-changing mutations are guarded conditional
// updates: the store's row-level consistency is the only mutual
// exclusion primitive shared across worker processes.
type Store interface {
	// CreateTask inserts the task row and its first message as a unit;
	// if the message insert fails, the task insert fails with it.
	CreateTask(ctx context.Context, t *Task, first *Message) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// FindTaskByContext returns the most recently created task for the
	// (agent, context) pair regardless of state. Callers must check
	// terminality themselves.
	FindTaskByContext(ctx context.Context, agentID, contextID string) (*Task, error)
	ListTasks(ctx context.Context, f Filter) ([]*Task, error)
	UpdateState(ctx context.Context, id string, upd StateUpdate) (*Task, error)
	// LinkPayment sets payment audit linkage without changing state.
	// Empty arguments leave the corresponding column untouched.
	LinkPayment(ctx context.Context, id, transferID, mandateID string) error

	AppendMessage(ctx context.Context, m *Message) error
	// Messages returns the task's messages in ascending creation order.
	// A positive historyLength caps the result to the most recent N.
	Messages(ctx context.Context, taskID string, historyLength int) ([]Message, error)
	AddArtifact(ctx context.Context, a *Artifact) error
	Artifacts(ctx context.Context, taskID string) ([]Artifact, error)

	// NextClaimable returns up to limit unclaimed inbound submitted
	// tasks, oldest first.
	NextClaimable(ctx context.Context, limit int) ([]*Task, error)
	// ClaimTask attempts the guarded ownership update
	// (processor_id IS NULL AND state = 'submitted'). Exactly one
	// concurrent caller can win for a given row; losers get ok=false
	// with no error.
	ClaimTask(ctx context.Context, id, processorID string) (*Task, bool, error)
	// ReleaseOwnedBy resets every task still owned by processorID and
	// in working state back to submitted with no owner. Crash-recovery
	// invariant: a task is never stranded under a dead worker.
	ReleaseOwnedBy(ctx context.Context, processorID string) (int, error)
	RecordProcessingOutcome(ctx context.Context, id string, completedAt time.Time, durationMs int64) error

	SetWebhookPending(ctx context.Context, id, deliveryID string) error
	RecordWebhookDelivered(ctx context.Context, id string, statusCode int, respBody string) error
	RecordWebhookFailure(ctx context.Context, id string, attempts int, nextRetryAt time.Time, statusCode int, respBody string) error
	// MoveWebhookToDLQ quarantines the delivery and marks the task
	// failed with explanatory error details, atomically.
	MoveWebhookToDLQ(ctx context.Context, id, reason string) error
	// RetryFromDLQ is a guarded reset: it succeeds only while
	// webhook_status is exactly 'dlq', clearing all webhook and
	// processing bookkeeping so the worker naturally reclaims.
	RetryFromDLQ(ctx context.Context, id string) (bool, error)
	// DueWebhookRetries returns failed deliveries whose next retry time
	// has passed and whose attempt count is below maxAttempts.
	DueWebhookRetries(ctx context.Context, maxAttempts, limit int) ([]*Task, error)
}
