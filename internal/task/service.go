package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slyhq/sly/internal/eventbus"
	"github.com/slyhq/sly/internal/logging"
	"github.com/slyhq/sly/internal/metrics"
)

// StatusData is the payload of status events published on the bus.
type StatusData struct {
	Status        State  `json:"status"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

// TerminalEventFilter feeds the bus's terminal fan-out: only status
// events carrying a terminal state reach the global channel.
func TerminalEventFilter(ev eventbus.Event) bool {
	data, ok := ev.Data.(StatusData)
	return ok && data.Status.Terminal()
}

// Service is the only component allowed to mutate task rows. Every
// mutation is published on the event bus.
type Service struct {
	store  Store
	bus    *eventbus.Bus
	logger *logging.Logger
}

func NewService(store Store, bus *eventbus.Bus) *Service {
	return &Service{
		store:  store,
		bus:    bus,
		logger: logging.New("task-service"),
	}
}

// Store exposes the underlying store for schema management.
func (s *Service) Store() Store {
	return s.store
}

func (s *Service) publish(ev eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// Create inserts a new task together with its first message. The two
// inserts succeed or fail as a unit.
func (s *Service) Create(ctx context.Context, t *Task, first *Message) (*Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.State == "" {
		t.State = StateSubmitted
	}
	if t.Direction == "" {
		t.Direction = DirectionInbound
	}
	if first.MessageID == "" {
		first.MessageID = uuid.NewString()
	}
	first.TaskID = t.ID

	if err := s.store.CreateTask(ctx, t, first); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	metrics.RecordTaskCreated(t.TenantID)
	s.logger.WithContext(ctx).WithTask(t.ID).WithAgent(t.AgentID).WithTenant(t.TenantID).Info("task created")

	s.publish(eventbus.Event{Type: eventbus.EventStatus, TaskID: t.ID, Data: StatusData{Status: t.State}})
	s.publish(eventbus.Event{Type: eventbus.EventMessage, TaskID: t.ID, Data: *first})
	return t, nil
}

// Get returns the task with its message history and artifacts. A
// positive historyLength caps history to the most recent N messages.
func (s *Service) Get(ctx context.Context, id string, historyLength int) (*Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.Messages(ctx, id, historyLength)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	arts, err := s.store.Artifacts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	t.History = msgs
	t.Artifacts = arts
	return t, nil
}

// FindByContext returns the most recent task for the (agent, context)
// pair regardless of state; callers check terminality themselves.
func (s *Service) FindByContext(ctx context.Context, agentID, contextID string) (*Task, error) {
	return s.store.FindTaskByContext(ctx, agentID, contextID)
}

func (s *Service) List(ctx context.Context, f Filter) ([]*Task, error) {
	return s.store.ListTasks(ctx, f)
}

// UpdateState performs one state transition. Transitions out of a
// terminal state are rejected with no mutation. Metadata merges into
// the stored map unless upd.ReplaceMetadata is set.
func (s *Service) UpdateState(ctx context.Context, id string, upd StateUpdate) (*Task, error) {
	if !upd.State.Valid() {
		return nil, fmt.Errorf("invalid task state %q", upd.State)
	}
	current, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State.Terminal() {
		return nil, &StateConflictError{TaskID: id, Current: current.State, Requested: upd.State}
	}

	t, err := s.store.UpdateState(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	s.logger.WithContext(ctx).WithTask(id).WithFields(map[string]any{
		"from": string(current.State),
		"to":   string(upd.State),
	}).Info("task state changed")

	s.publish(eventbus.Event{
		Type:   eventbus.EventStatus,
		TaskID: id,
		Data:   StatusData{Status: t.State, StatusMessage: t.StatusMessage},
	})
	return t, nil
}

// Cancel requests cancellation. A task already completed or failed by a
// worker cannot be canceled after the fact; that race resolves
// last-write-wins and a terminal task rejects the cancel.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Task, error) {
	if reason == "" {
		reason = "canceled by caller"
	}
	return s.UpdateState(ctx, id, StateUpdate{State: StateCanceled, StatusMessage: reason})
}

// LinkPayment records payment audit linkage without changing state.
func (s *Service) LinkPayment(ctx context.Context, id, transferID, mandateID string) error {
	return s.store.LinkPayment(ctx, id, transferID, mandateID)
}

// AppendMessage adds a message to a non-terminal task.
func (s *Service) AppendMessage(ctx context.Context, taskID string, role Role, parts []Part, metadata map[string]any) (*Message, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.State.Terminal() {
		return nil, &StateConflictError{TaskID: taskID, Current: t.State}
	}

	m := NewMessage(taskID, role, parts)
	m.Metadata = metadata
	if err := s.store.AppendMessage(ctx, m); err != nil {
		return nil, err
	}
	s.publish(eventbus.Event{Type: eventbus.EventMessage, TaskID: taskID, Data: *m})
	return m, nil
}

// AddArtifact attaches agent-produced output to a task.
func (s *Service) AddArtifact(ctx context.Context, taskID, name, mediaType string, parts []Part) (*Artifact, error) {
	a := &Artifact{
		ArtifactID: uuid.NewString(),
		TaskID:     taskID,
		Name:       name,
		MediaType:  mediaType,
		Parts:      parts,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.AddArtifact(ctx, a); err != nil {
		return nil, err
	}
	s.publish(eventbus.Event{Type: eventbus.EventArtifact, TaskID: taskID, Data: *a})
	return a, nil
}

// NextClaimable lists unclaimed inbound submitted tasks, oldest first.
func (s *Service) NextClaimable(ctx context.Context, limit int) ([]*Task, error) {
	return s.store.NextClaimable(ctx, limit)
}

// Claim attempts the guarded ownership update for one task. ok=false
// means another worker won the row; this is not an error.
func (s *Service) Claim(ctx context.Context, id, processorID string) (*Task, bool, error) {
	t, ok, err := s.store.ClaimTask(ctx, id, processorID)
	if err != nil || !ok {
		return nil, ok, err
	}
	s.publish(eventbus.Event{
		Type:   eventbus.EventStatus,
		TaskID: id,
		Data:   StatusData{Status: StateWorking},
	})
	return t, true, nil
}

// ReleaseOwnedBy force-resets every working task still owned by the
// given processor back to submitted.
func (s *Service) ReleaseOwnedBy(ctx context.Context, processorID string) (int, error) {
	return s.store.ReleaseOwnedBy(ctx, processorID)
}

// RecordProcessingOutcome stamps completion time and duration.
func (s *Service) RecordProcessingOutcome(ctx context.Context, id string, completedAt time.Time, durationMs int64) error {
	return s.store.RecordProcessingOutcome(ctx, id, completedAt, durationMs)
}

// RecordFailure marks a task failed with error details, publishing an
// error event in addition to the terminal status event.
func (s *Service) RecordFailure(ctx context.Context, id, statusMessage, errorDetails string) (*Task, error) {
	t, err := s.UpdateState(ctx, id, StateUpdate{
		State:         StateFailed,
		StatusMessage: statusMessage,
		ErrorDetails:  errorDetails,
	})
	if err != nil {
		return nil, err
	}
	s.publish(eventbus.Event{Type: eventbus.EventError, TaskID: id, Data: errorDetails})
	return t, nil
}

// Webhook delivery bookkeeping, routed through the service so every
// task-row mutation has a single owner.

func (s *Service) SetWebhookPending(ctx context.Context, id, deliveryID string) error {
	return s.store.SetWebhookPending(ctx, id, deliveryID)
}

func (s *Service) RecordWebhookDelivered(ctx context.Context, id string, statusCode int, respBody string) error {
	return s.store.RecordWebhookDelivered(ctx, id, statusCode, respBody)
}

func (s *Service) RecordWebhookFailure(ctx context.Context, id string, attempts int, nextRetryAt time.Time, statusCode int, respBody string) error {
	return s.store.RecordWebhookFailure(ctx, id, attempts, nextRetryAt, statusCode, respBody)
}

// MoveWebhookToDLQ quarantines the delivery and fails the task. The
// terminal status event is published here because the store mutation
// bypasses UpdateState.
func (s *Service) MoveWebhookToDLQ(ctx context.Context, id, reason string) error {
	if err := s.store.MoveWebhookToDLQ(ctx, id, reason); err != nil {
		return err
	}
	s.publish(eventbus.Event{Type: eventbus.EventError, TaskID: id, Data: reason})
	s.publish(eventbus.Event{
		Type:   eventbus.EventStatus,
		TaskID: id,
		Data:   StatusData{Status: StateFailed, StatusMessage: reason},
	})
	return nil
}

// RetryFromDLQ requeues a dead-lettered task. Returns false when the
// task's delivery is not currently in the DLQ; nothing is mutated then.
func (s *Service) RetryFromDLQ(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.RetryFromDLQ(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	s.logger.WithContext(ctx).WithTask(id).Info("task requeued from dlq")
	s.publish(eventbus.Event{
		Type:   eventbus.EventStatus,
		TaskID: id,
		Data:   StatusData{Status: StateSubmitted, StatusMessage: "requeued from dead-letter queue"},
	})
	return true, nil
}

func (s *Service) DueWebhookRetries(ctx context.Context, maxAttempts, limit int) ([]*Task, error) {
	return s.store.DueWebhookRetries(ctx, maxAttempts, limit)
}
