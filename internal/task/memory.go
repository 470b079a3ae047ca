package task

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded Store used by tests and local
// development. Its claim path enforces the same conditional-update
// semantics as the Postgres store: check-and-set under one lock.
type MemoryStore struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	messages  map[string][]Message
	artifacts map[string][]Artifact
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*Task),
		messages:  make(map[string][]Message),
		artifacts: make(map[string][]Artifact),
	}
}

func copyTask(t *Task) *Task {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.History = nil
	cp.Artifacts = nil
	return &cp
}

func (s *MemoryStore) CreateTask(ctx context.Context, t *Task, first *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cp := copyTask(t)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = cp.CreatedAt
	s.tasks[cp.ID] = cp
	t.CreatedAt = cp.CreatedAt
	t.UpdatedAt = cp.UpdatedAt

	// Task creation and its first message are a unit.
	msg := *first
	msg.TaskID = cp.ID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	s.messages[cp.ID] = append(s.messages[cp.ID], msg)
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

func (s *MemoryStore) FindTaskByContext(ctx context.Context, agentID, contextID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Task
	for _, t := range s.tasks {
		if t.AgentID != agentID || t.ContextID != contextID {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copyTask(latest), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, f Filter) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for _, t := range s.tasks {
		if f.AgentID != "" && t.AgentID != f.AgentID {
			continue
		}
		if f.State != "" && t.State != f.State {
			continue
		}
		if f.Direction != "" && t.Direction != f.Direction {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateState(ctx context.Context, id string, upd StateUpdate) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}

	t.State = upd.State
	if upd.StatusMessage != "" {
		t.StatusMessage = upd.StatusMessage
	}
	if upd.ErrorDetails != "" {
		t.ErrorDetails = upd.ErrorDetails
	}
	if upd.Metadata != nil {
		if upd.ReplaceMetadata || t.Metadata == nil {
			t.Metadata = make(map[string]any, len(upd.Metadata))
		}
		for k, v := range upd.Metadata {
			t.Metadata[k] = v
		}
	}
	// Leaving working clears ownership so the claim invariant holds.
	if upd.State != StateWorking {
		t.ProcessorID = ""
	}
	t.UpdatedAt = time.Now().UTC()
	return copyTask(t), nil
}

func (s *MemoryStore) LinkPayment(ctx context.Context, id, transferID, mandateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if transferID != "" {
		t.TransferID = transferID
	}
	if mandateID != "" {
		t.MandateID = mandateID
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[m.TaskID]; !ok {
		return ErrNotFound
	}
	msg := *m
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages[m.TaskID] = append(s.messages[m.TaskID], msg)
	return nil
}

func (s *MemoryStore) Messages(ctx context.Context, taskID string, historyLength int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[taskID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	// Most recent N, still in ascending order.
	if historyLength > 0 && len(out) > historyLength {
		out = out[len(out)-historyLength:]
	}
	return out, nil
}

func (s *MemoryStore) AddArtifact(ctx context.Context, a *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[a.TaskID]; !ok {
		return ErrNotFound
	}
	art := *a
	if art.CreatedAt.IsZero() {
		art.CreatedAt = time.Now().UTC()
	}
	s.artifacts[a.TaskID] = append(s.artifacts[a.TaskID], art)
	return nil
}

func (s *MemoryStore) Artifacts(ctx context.Context, taskID string) ([]Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	arts := s.artifacts[taskID]
	out := make([]Artifact, len(arts))
	copy(out, arts)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) NextClaimable(ctx context.Context, limit int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.State == StateSubmitted && t.ProcessorID == "" && t.Direction == DirectionInbound {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimTask(ctx context.Context, id, processorID string) (*Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, false, nil
	}
	// Same guard as the conditional UPDATE.
	if t.ProcessorID != "" || t.State != StateSubmitted {
		return nil, false, nil
	}
	now := time.Now().UTC()
	t.State = StateWorking
	t.ProcessorID = processorID
	t.ProcessingStartedAt = &now
	t.ProcessingCompletedAt = nil
	t.ProcessingDurationMs = 0
	t.UpdatedAt = now
	return copyTask(t), true, nil
}

func (s *MemoryStore) ReleaseOwnedBy(ctx context.Context, processorID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.ProcessorID == processorID && t.State == StateWorking {
			t.State = StateSubmitted
			t.ProcessorID = ""
			t.ProcessingStartedAt = nil
			t.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RecordProcessingOutcome(ctx context.Context, id string, completedAt time.Time, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	c := completedAt
	t.ProcessingCompletedAt = &c
	t.ProcessingDurationMs = durationMs
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetWebhookPending(ctx context.Context, id, deliveryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.WebhookStatus = WebhookStatusPending
	t.WebhookDeliveryID = deliveryID
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RecordWebhookDelivered(ctx context.Context, id string, statusCode int, respBody string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.WebhookStatus = WebhookStatusDelivered
	t.WebhookLastStatusCode = statusCode
	t.WebhookLastResponse = respBody
	t.WebhookNextRetryAt = nil
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RecordWebhookFailure(ctx context.Context, id string, attempts int, nextRetryAt time.Time, statusCode int, respBody string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	nr := nextRetryAt
	t.WebhookStatus = WebhookStatusFailed
	t.WebhookAttempts = attempts
	t.WebhookNextRetryAt = &nr
	t.WebhookLastStatusCode = statusCode
	t.WebhookLastResponse = respBody
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MoveWebhookToDLQ(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	t.WebhookStatus = WebhookStatusDLQ
	t.WebhookDLQAt = &now
	t.WebhookDLQReason = reason
	t.WebhookNextRetryAt = nil
	t.State = StateFailed
	t.ErrorDetails = reason
	t.ProcessorID = ""
	t.UpdatedAt = now
	return nil
}

func (s *MemoryStore) RetryFromDLQ(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, nil
	}
	if t.WebhookStatus != WebhookStatusDLQ {
		return false, nil
	}
	t.State = StateSubmitted
	t.ErrorDetails = ""
	t.ProcessorID = ""
	t.ProcessingStartedAt = nil
	t.ProcessingCompletedAt = nil
	t.ProcessingDurationMs = 0
	t.WebhookStatus = WebhookStatusNone
	t.WebhookDeliveryID = ""
	t.WebhookAttempts = 0
	t.WebhookNextRetryAt = nil
	t.WebhookLastStatusCode = 0
	t.WebhookLastResponse = ""
	t.WebhookDLQAt = nil
	t.WebhookDLQReason = ""
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) DueWebhookRetries(ctx context.Context, maxAttempts, limit int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var out []*Task
	for _, t := range s.tasks {
		if t.WebhookStatus != WebhookStatusFailed {
			continue
		}
		if t.WebhookNextRetryAt == nil || t.WebhookNextRetryAt.After(now) {
			continue
		}
		if t.WebhookAttempts >= maxAttempts {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WebhookNextRetryAt.Before(*out[j].WebhookNextRetryAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
