package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SaveWorkflow upserts the audit record for a workflow definition. The store
// treats the serialized elements as opaque; the engine owns the encoding.
func (q queries) SaveWorkflow(ctx context.Context, name string, version int, description string, stepDefinitions []byte) (*WorkflowRecord, error) {
	const stmt = `
		INSERT INTO workflows (id, name, version, description, step_definitions)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name, version) DO UPDATE SET
			description = EXCLUDED.description,
			step_definitions = EXCLUDED.step_definitions,
			updated_at = now()
		RETURNING *`

	var desc *string
	if description != "" {
		desc = &description
	}
	var rec WorkflowRecord
	err := sqlx.GetContext(ctx, q.ext, &rec, stmt, newID(), name, version, desc, stepDefinitions)
	if err != nil {
		return nil, fmt.Errorf("save workflow %s v%d: %w", name, version, err)
	}
	return &rec, nil
}

// GetWorkflow loads one workflow version.
func (q queries) GetWorkflow(ctx context.Context, name string, version int) (*WorkflowRecord, error) {
	var rec WorkflowRecord
	err := sqlx.GetContext(ctx, q.ext, &rec,
		`SELECT * FROM workflows WHERE name = $1 AND version = $2`, name, version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("workflow %s v%d: %w", name, version, ErrNotFound)
		}
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return &rec, nil
}

// GetLatestWorkflow loads the highest registered version of a workflow.
func (q queries) GetLatestWorkflow(ctx context.Context, name string) (*WorkflowRecord, error) {
	var rec WorkflowRecord
	err := sqlx.GetContext(ctx, q.ext, &rec,
		`SELECT * FROM workflows WHERE name = $1 ORDER BY version DESC LIMIT 1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("workflow %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get latest workflow: %w", err)
	}
	return &rec, nil
}

// ListWorkflows returns every registered workflow version, stable ordered.
func (q queries) ListWorkflows(ctx context.Context) ([]*WorkflowRecord, error) {
	var out []*WorkflowRecord
	err := sqlx.SelectContext(ctx, q.ext, &out,
		`SELECT * FROM workflows ORDER BY name ASC, version ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return out, nil
}
