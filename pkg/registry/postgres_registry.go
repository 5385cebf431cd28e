package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/dislovelhl/acgs2/pkg/model"
)

// PostgresRegistry implements Registry with Postgres persistence, so agent
// membership survives a bus restart — an optional adapter behind the same
// interface as InMemoryRegistry (spec.md scopes storage engines out, so
// choosing one is a deployment decision, not a core requirement).
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry wraps an already-open *sql.DB (driver "postgres",
// github.com/lib/pq). Call Init once before use.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

const pgAgentsSchema = `
CREATE TABLE IF NOT EXISTS agents (
	tenant_id TEXT NOT NULL,
	id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	capabilities_json JSONB NOT NULL DEFAULT '{}',
	metadata_json JSONB NOT NULL DEFAULT '{}',
	last_seen TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, id)
);
`

// Init creates the agents table if it does not already exist.
func (r *PostgresRegistry) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, pgAgentsSchema)
	return err
}

func (r *PostgresRegistry) Register(ctx context.Context, reg *model.AgentRegistration) error {
	if reservedIDs[reg.ID] {
		return ErrReservedID
	}
	if reg.Status == "" {
		reg.Status = model.AgentStatusActive
	}

	capJSON, err := json.Marshal(reg.Capabilities)
	if err != nil {
		return fmt.Errorf("registry: marshal capabilities: %w", err)
	}
	metaJSON, err := json.Marshal(reg.Metadata)
	if err != nil {
		return fmt.Errorf("registry: marshal metadata: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO agents (tenant_id, id, name, type, status, capabilities_json, metadata_json, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (tenant_id, id) DO NOTHING
	`, reg.TenantID, reg.ID, reg.Name, reg.Type, string(reg.Status), capJSON, metaJSON)
	if err != nil {
		return fmt.Errorf("registry: insert agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlreadyRegistered
	}
	return nil
}

func (r *PostgresRegistry) Unregister(ctx context.Context, tenantID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("registry: delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: rows affected: %w", err)
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (r *PostgresRegistry) Get(ctx context.Context, tenantID, id string) (*model.AgentRegistration, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, type, status, capabilities_json, metadata_json, last_seen
		FROM agents WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanAgent(row, tenantID, id)
}

func (r *PostgresRegistry) List(ctx context.Context, filter Filter) ([]*model.AgentRegistration, error) {
	query := `SELECT tenant_id, id, name, type, status, capabilities_json, metadata_json, last_seen FROM agents WHERE 1=1`
	var args []interface{}
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: list agents: %w", err)
	}
	defer rows.Close()

	var out []*model.AgentRegistration
	for rows.Next() {
		var a model.AgentRegistration
		var status string
		var capJSON, metaJSON []byte
		if err := rows.Scan(&a.TenantID, &a.ID, &a.Name, &a.Type, &status, &capJSON, &metaJSON, &a.LastSeen); err != nil {
			return nil, fmt.Errorf("registry: scan agent: %w", err)
		}
		a.Status = model.AgentStatus(status)
		if len(capJSON) > 0 {
			_ = json.Unmarshal(capJSON, &a.Capabilities)
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &a.Metadata)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r *PostgresRegistry) Heartbeat(ctx context.Context, tenantID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE agents SET last_seen = GREATEST(last_seen, now()) WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	if err != nil {
		return fmt.Errorf("registry: heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: rows affected: %w", err)
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (r *PostgresRegistry) UpdateMetadata(ctx context.Context, tenantID, id string, kv map[string]string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: begin tx: %w", err)
	}
	defer tx.Rollback()

	var metaJSON []byte
	if err := tx.QueryRowContext(ctx, `SELECT metadata_json FROM agents WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id).Scan(&metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return ErrAgentNotFound
		}
		return fmt.Errorf("registry: select metadata: %w", err)
	}

	meta := make(map[string]string)
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &meta)
	}
	for k, v := range kv {
		meta[k] = v
	}
	merged, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("registry: marshal metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE agents SET metadata_json = $1 WHERE tenant_id = $2 AND id = $3`, merged, tenantID, id); err != nil {
		return fmt.Errorf("registry: update metadata: %w", err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner, tenantID, id string) (*model.AgentRegistration, error) {
	a := &model.AgentRegistration{TenantID: tenantID, ID: id}
	var status string
	var capJSON, metaJSON []byte
	if err := row.Scan(&a.Name, &a.Type, &status, &capJSON, &metaJSON, &a.LastSeen); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("registry: scan agent: %w", err)
	}
	a.Status = model.AgentStatus(status)
	if len(capJSON) > 0 {
		_ = json.Unmarshal(capJSON, &a.Capabilities)
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &a.Metadata)
	}
	return a, nil
}
