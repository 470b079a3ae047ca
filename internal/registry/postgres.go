package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRegistry reads agent/transfer/mandate records from the
// platform database. These tables are owned by the platform CRUD
// services; this package only reads them, except for the mandate
// audit stamp.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

var (
	_ AgentLookup    = (*PostgresRegistry)(nil)
	_ TransferLookup = (*PostgresRegistry)(nil)
	_ MandateLookup  = (*PostgresRegistry)(nil)
)

func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

// EnsureSchema creates the registry tables if they don't exist. In
// production the platform services own these; this bootstrap exists for
// single-database deployments and integration environments.
func (r *PostgresRegistry) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS sly`,
		`CREATE TABLE IF NOT EXISTS sly.agents (
    id                TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL,
    name              TEXT NOT NULL,
    description       TEXT NOT NULL DEFAULT '',
    url               TEXT NOT NULL DEFAULT '',
    processing_mode   TEXT NOT NULL DEFAULT 'manual',
    processing_config JSONB,
    active            BOOLEAN NOT NULL DEFAULT true,
    discoverable      BOOLEAN NOT NULL DEFAULT false,
    tags              TEXT[] NOT NULL DEFAULT '{}'
)`,
		`CREATE TABLE IF NOT EXISTS sly.transfers (
    id        TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    status    TEXT NOT NULL DEFAULT 'pending',
    amount    DOUBLE PRECISION NOT NULL DEFAULT 0,
    currency  TEXT NOT NULL DEFAULT 'USD'
)`,
		`CREATE TABLE IF NOT EXISTS sly.mandates (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'active',
    currency   TEXT NOT NULL DEFAULT 'USD',
    max_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
    task_id    TEXT NOT NULL DEFAULT ''
)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure registry schema: %w", err)
		}
	}
	return nil
}

func (r *PostgresRegistry) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var (
		a      Agent
		config []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, description, url, processing_mode,
		       processing_config, active, discoverable, tags
		FROM sly.agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.TenantID, &a.Name, &a.Description, &a.URL, &a.ProcessingMode,
		&config, &a.Active, &a.Discoverable, &a.Tags)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &a.ProcessingConfig); err != nil {
			return nil, fmt.Errorf("decode processing config: %w", err)
		}
	}
	return &a, nil
}

func (r *PostgresRegistry) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, name, description, url, processing_mode,
		       processing_config, active, discoverable, tags
		FROM sly.agents
		ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		var (
			a      Agent
			config []byte
		)
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Name, &a.Description, &a.URL, &a.ProcessingMode,
			&config, &a.Active, &a.Discoverable, &a.Tags); err != nil {
			return nil, err
		}
		if len(config) > 0 {
			if err := json.Unmarshal(config, &a.ProcessingConfig); err != nil {
				return nil, fmt.Errorf("decode processing config: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r *PostgresRegistry) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	var t Transfer
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, status, amount, currency
		FROM sly.transfers WHERE id = $1`, id,
	).Scan(&t.ID, &t.TenantID, &t.Status, &t.Amount, &t.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *PostgresRegistry) GetMandate(ctx context.Context, id string) (*Mandate, error) {
	var m Mandate
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, status, currency, max_amount, task_id
		FROM sly.mandates WHERE id = $1`, id,
	).Scan(&m.ID, &m.TenantID, &m.Status, &m.Currency, &m.MaxAmount, &m.TaskID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMandateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *PostgresRegistry) StampMandateTask(ctx context.Context, mandateID, taskID string) error {
	ct, err := r.pool.Exec(ctx, `
		UPDATE sly.mandates SET task_id = $2 WHERE id = $1`, mandateID, taskID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrMandateNotFound
	}
	return nil
}
