package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable Store backed by Postgres. The claim
// protocol relies on the database's row-level consistency: a single
// conditional UPDATE is the only cross-process mutual exclusion.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the sly schema and task tables if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS sly`,
		`CREATE TABLE IF NOT EXISTS sly.tasks (
    id                       TEXT PRIMARY KEY,
    tenant_id                TEXT NOT NULL,
    agent_id                 TEXT NOT NULL,
    context_id               TEXT NOT NULL DEFAULT '',
    state                    TEXT NOT NULL DEFAULT 'submitted',
    status_message           TEXT NOT NULL DEFAULT '',
    metadata                 JSONB,
    direction                TEXT NOT NULL DEFAULT 'inbound',
    error_details            TEXT NOT NULL DEFAULT '',
    remote_agent_url         TEXT NOT NULL DEFAULT '',
    remote_task_id           TEXT NOT NULL DEFAULT '',
    mandate_id               TEXT NOT NULL DEFAULT '',
    transfer_id              TEXT NOT NULL DEFAULT '',
    processor_id             TEXT,
    processing_started_at    TIMESTAMPTZ,
    processing_completed_at  TIMESTAMPTZ,
    processing_duration_ms   BIGINT NOT NULL DEFAULT 0,
    webhook_status           TEXT NOT NULL DEFAULT '',
    webhook_delivery_id      TEXT NOT NULL DEFAULT '',
    webhook_attempts         INTEGER NOT NULL DEFAULT 0,
    webhook_next_retry_at    TIMESTAMPTZ,
    webhook_last_status_code INTEGER NOT NULL DEFAULT 0,
    webhook_last_response    TEXT NOT NULL DEFAULT '',
    webhook_dlq_at           TIMESTAMPTZ,
    webhook_dlq_reason       TEXT NOT NULL DEFAULT '',
    callback_url             TEXT NOT NULL DEFAULT '',
    callback_secret          TEXT NOT NULL DEFAULT '',
    created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS sly.messages (
    id         TEXT PRIMARY KEY,
    task_id    TEXT NOT NULL REFERENCES sly.tasks(id),
    role       TEXT NOT NULL,
    parts      JSONB NOT NULL,
    metadata   JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS sly.artifacts (
    id         TEXT PRIMARY KEY,
    task_id    TEXT NOT NULL REFERENCES sly.tasks(id),
    name       TEXT NOT NULL DEFAULT '',
    media_type TEXT NOT NULL DEFAULT '',
    parts      JSONB NOT NULL,
    metadata   JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claimable ON sly.tasks (created_at) WHERE state = 'submitted' AND processor_id IS NULL AND direction = 'inbound'`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_context ON sly.tasks (agent_id, context_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_agent_state ON sly.tasks (agent_id, state)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_webhook_retry ON sly.tasks (webhook_next_retry_at) WHERE webhook_status = 'failed'`,
		`CREATE INDEX IF NOT EXISTS idx_messages_task ON sly.messages (task_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_task ON sly.artifacts (task_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const taskColumns = `id, tenant_id, agent_id, context_id, state, status_message, metadata,
	direction, error_details, remote_agent_url, remote_task_id, mandate_id, transfer_id,
	processor_id, processing_started_at, processing_completed_at, processing_duration_ms,
	webhook_status, webhook_delivery_id, webhook_attempts, webhook_next_retry_at,
	webhook_last_status_code, webhook_last_response, webhook_dlq_at, webhook_dlq_reason,
	callback_url, callback_secret, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t           Task
		metadata    []byte
		processorID sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
		nextRetryAt sql.NullTime
		dlqAt       sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.TenantID, &t.AgentID, &t.ContextID, &t.State, &t.StatusMessage, &metadata,
		&t.Direction, &t.ErrorDetails, &t.RemoteAgentURL, &t.RemoteTaskID, &t.MandateID, &t.TransferID,
		&processorID, &startedAt, &completedAt, &t.ProcessingDurationMs,
		&t.WebhookStatus, &t.WebhookDeliveryID, &t.WebhookAttempts, &nextRetryAt,
		&t.WebhookLastStatusCode, &t.WebhookLastResponse, &dlqAt, &t.WebhookDLQReason,
		&t.CallbackURL, &t.CallbackSecret, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode task metadata: %w", err)
		}
	}
	if processorID.Valid {
		t.ProcessorID = processorID.String
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.ProcessingStartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.ProcessingCompletedAt = &v
	}
	if nextRetryAt.Valid {
		v := nextRetryAt.Time
		t.WebhookNextRetryAt = &v
	}
	if dlqAt.Valid {
		v := dlqAt.Time
		t.WebhookDLQAt = &v
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*Task, error) {
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *Task, first *Message) error {
	metadata, err := marshalJSON(t.Metadata)
	if err != nil {
		return fmt.Errorf("encode task metadata: %w", err)
	}
	parts, err := json.Marshal(first.Parts)
	if err != nil {
		return fmt.Errorf("encode message parts: %w", err)
	}
	msgMeta, err := marshalJSON(first.Metadata)
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}

	// Task row and first message commit or roll back as a unit.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO sly.tasks (id, tenant_id, agent_id, context_id, state, status_message,
			metadata, direction, mandate_id, transfer_id, remote_agent_url, remote_task_id,
			callback_url, callback_secret)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at, updated_at`,
		t.ID, t.TenantID, t.AgentID, t.ContextID, t.State, t.StatusMessage,
		metadata, t.Direction, t.MandateID, t.TransferID, t.RemoteAgentURL, t.RemoteTaskID,
		t.CallbackURL, t.CallbackSecret,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	if err := tx.QueryRow(ctx, `
		INSERT INTO sly.messages (id, task_id, role, parts, metadata)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at`,
		first.MessageID, t.ID, first.Role, parts, msgMeta,
	).Scan(&first.CreatedAt); err != nil {
		return fmt.Errorf("insert first message: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM sly.tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) FindTaskByContext(ctx context.Context, agentID, contextID string) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM sly.tasks
		WHERE agent_id = $1 AND context_id = $2
		ORDER BY created_at DESC
		LIMIT 1`, agentID, contextID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) ListTasks(ctx context.Context, f Filter) ([]*Task, error) {
	// Build dynamic WHERE clause
	args := []any{}
	where := "1=1"
	argn := 0
	if f.AgentID != "" {
		argn++
		where += fmt.Sprintf(" AND agent_id = $%d", argn)
		args = append(args, f.AgentID)
	}
	if f.State != "" {
		argn++
		where += fmt.Sprintf(" AND state = $%d", argn)
		args = append(args, f.State)
	}
	if f.Direction != "" {
		argn++
		where += fmt.Sprintf(" AND direction = $%d", argn)
		args = append(args, f.Direction)
	}
	limit := 50
	if f.Limit > 0 {
		limit = f.Limit
	}

	q := fmt.Sprintf(`
		SELECT %s FROM sly.tasks
		WHERE %s
		ORDER BY created_at DESC
		LIMIT %d OFFSET %d`, taskColumns, where, limit, f.Offset)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (s *PostgresStore) UpdateState(ctx context.Context, id string, upd StateUpdate) (*Task, error) {
	metadata, err := marshalJSON(upd.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	// COALESCE merge keeps previously-set metadata keys unless the
	// caller explicitly asked for replacement.
	metaExpr := `COALESCE(metadata, '{}'::jsonb) || COALESCE($4::jsonb, '{}'::jsonb)`
	if upd.ReplaceMetadata {
		metaExpr = `COALESCE($4::jsonb, metadata)`
	}

	t, err := scanTask(s.pool.QueryRow(ctx, `
		UPDATE sly.tasks
		SET state = $2,
		    status_message = CASE WHEN $3 <> '' THEN $3 ELSE status_message END,
		    metadata = `+metaExpr+`,
		    error_details = CASE WHEN $5 <> '' THEN $5 ELSE error_details END,
		    processor_id = CASE WHEN $2 <> 'working' THEN NULL ELSE processor_id END,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+taskColumns,
		id, upd.State, upd.StatusMessage, metadata, upd.ErrorDetails))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) LinkPayment(ctx context.Context, id, transferID, mandateID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE sly.tasks
		SET transfer_id = CASE WHEN $2 <> '' THEN $2 ELSE transfer_id END,
		    mandate_id = CASE WHEN $3 <> '' THEN $3 ELSE mandate_id END,
		    updated_at = now()
		WHERE id = $1`, id, transferID, mandateID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m *Message) error {
	parts, err := json.Marshal(m.Parts)
	if err != nil {
		return fmt.Errorf("encode message parts: %w", err)
	}
	metadata, err := marshalJSON(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO sly.messages (id, task_id, role, parts, metadata)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at`,
		m.MessageID, m.TaskID, m.Role, parts, metadata,
	).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) Messages(ctx context.Context, taskID string, historyLength int) ([]Message, error) {
	q := `
		SELECT id, task_id, role, parts, metadata, created_at
		FROM sly.messages
		WHERE task_id = $1
		ORDER BY created_at ASC`
	args := []any{taskID}
	if historyLength > 0 {
		// Most recent N, returned in ascending order.
		q = `
		SELECT id, task_id, role, parts, metadata, created_at FROM (
			SELECT id, task_id, role, parts, metadata, created_at
			FROM sly.messages
			WHERE task_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`
		args = append(args, historyLength)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m        Message
			parts    []byte
			metadata []byte
		)
		if err := rows.Scan(&m.MessageID, &m.TaskID, &m.Role, &parts, &metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(parts, &m.Parts); err != nil {
			return nil, fmt.Errorf("decode message parts: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode message metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddArtifact(ctx context.Context, a *Artifact) error {
	parts, err := json.Marshal(a.Parts)
	if err != nil {
		return fmt.Errorf("encode artifact parts: %w", err)
	}
	metadata, err := marshalJSON(a.Metadata)
	if err != nil {
		return fmt.Errorf("encode artifact metadata: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO sly.artifacts (id, task_id, name, media_type, parts, metadata)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`,
		a.ArtifactID, a.TaskID, a.Name, a.MediaType, parts, metadata,
	).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) Artifacts(ctx context.Context, taskID string) ([]Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, name, media_type, parts, metadata, created_at
		FROM sly.artifacts
		WHERE task_id = $1
		ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var (
			a        Artifact
			parts    []byte
			metadata []byte
		)
		if err := rows.Scan(&a.ArtifactID, &a.TaskID, &a.Name, &a.MediaType, &parts, &metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(parts, &a.Parts); err != nil {
			return nil, fmt.Errorf("decode artifact parts: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
				return nil, fmt.Errorf("decode artifact metadata: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) NextClaimable(ctx context.Context, limit int) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM sly.tasks
		WHERE state = 'submitted' AND processor_id IS NULL AND direction = 'inbound'
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (s *PostgresStore) ClaimTask(ctx context.Context, id, processorID string) (*Task, bool, error) {
	// Exactly one concurrent worker can win this update for a row.
	t, err := scanTask(s.pool.QueryRow(ctx, `
		UPDATE sly.tasks
		SET state = 'working',
		    processor_id = $2,
		    processing_started_at = now(),
		    processing_completed_at = NULL,
		    processing_duration_ms = 0,
		    updated_at = now()
		WHERE id = $1 AND processor_id IS NULL AND state = 'submitted'
		RETURNING `+taskColumns,
		id, processorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim task: %w", err)
	}
	return t, true, nil
}

func (s *PostgresStore) ReleaseOwnedBy(ctx context.Context, processorID string) (int, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE sly.tasks
		SET state = 'submitted',
		    processor_id = NULL,
		    processing_started_at = NULL,
		    updated_at = now()
		WHERE processor_id = $1 AND state = 'working'`, processorID)
	if err != nil {
		return 0, fmt.Errorf("release owned tasks: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (s *PostgresStore) RecordProcessingOutcome(ctx context.Context, id string, completedAt time.Time, durationMs int64) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE sly.tasks
		SET processing_completed_at = $2, processing_duration_ms = $3, updated_at = now()
		WHERE id = $1`, id, completedAt, durationMs)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetWebhookPending(ctx context.Context, id, deliveryID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE sly.tasks
		SET webhook_status = 'pending', webhook_delivery_id = $2, updated_at = now()
		WHERE id = $1`, id, deliveryID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordWebhookDelivered(ctx context.Context, id string, statusCode int, respBody string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE sly.tasks
		SET webhook_status = 'delivered',
		    webhook_last_status_code = $2,
		    webhook_last_response = $3,
		    webhook_next_retry_at = NULL,
		    updated_at = now()
		WHERE id = $1`, id, statusCode, respBody)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordWebhookFailure(ctx context.Context, id string, attempts int, nextRetryAt time.Time, statusCode int, respBody string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE sly.tasks
		SET webhook_status = 'failed',
		    webhook_attempts = $2,
		    webhook_next_retry_at = $3,
		    webhook_last_status_code = $4,
		    webhook_last_response = $5,
		    updated_at = now()
		WHERE id = $1`, id, attempts, nextRetryAt, statusCode, respBody)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MoveWebhookToDLQ(ctx context.Context, id, reason string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE sly.tasks
		SET webhook_status = 'dlq',
		    webhook_dlq_at = now(),
		    webhook_dlq_reason = $2,
		    webhook_next_retry_at = NULL,
		    state = 'failed',
		    error_details = $2,
		    processor_id = NULL,
		    updated_at = now()
		WHERE id = $1`, id, reason)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RetryFromDLQ(ctx context.Context, id string) (bool, error) {
	// Guarded reset: only a task whose delivery is currently
	// dead-lettered may be requeued.
	ct, err := s.pool.Exec(ctx, `
		UPDATE sly.tasks
		SET state = 'submitted',
		    error_details = '',
		    processor_id = NULL,
		    processing_started_at = NULL,
		    processing_completed_at = NULL,
		    processing_duration_ms = 0,
		    webhook_status = '',
		    webhook_delivery_id = '',
		    webhook_attempts = 0,
		    webhook_next_retry_at = NULL,
		    webhook_last_status_code = 0,
		    webhook_last_response = '',
		    webhook_dlq_at = NULL,
		    webhook_dlq_reason = '',
		    updated_at = now()
		WHERE id = $1 AND webhook_status = 'dlq'`, id)
	if err != nil {
		return false, fmt.Errorf("retry from dlq: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *PostgresStore) DueWebhookRetries(ctx context.Context, maxAttempts, limit int) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM sly.tasks
		WHERE webhook_status = 'failed'
		  AND webhook_next_retry_at <= now()
		  AND webhook_attempts < $1
		ORDER BY webhook_next_retry_at ASC
		LIMIT $2`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}
