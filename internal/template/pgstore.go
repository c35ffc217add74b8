package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/approvals/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Fields and steps are
// stored as JSONB.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL template store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const formColumns = `id, name, team_id, category, version_number, is_active, locked,
	fields, version, created_at, updated_at`

const workflowColumns = `id, name, team_id, category, version_number, is_active, locked,
	steps, version, created_at, updated_at`

// InsertFormVersion implements Store. Version numbering is serialised per
// scope with a transaction-scoped advisory lock.
func (s *PgStore) InsertFormVersion(ctx context.Context, t model.FormTemplate) (model.FormTemplate, error) {
	fieldsJSON, err := json.Marshal(nonNilFields(t.Fields))
	if err != nil {
		return model.FormTemplate{}, fmt.Errorf("marshal fields: %w", err)
	}

	err = s.inScopeTx(ctx, "form_templates", t.Scope, func(tx pgx.Tx, next int) error {
		t.VersionNumber = next
		t.IsActive = true
		t.Version = 1
		_, err := tx.Exec(ctx, `
			INSERT INTO form_templates (`+formColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			t.ID, t.Name, t.Scope.TeamID, t.Scope.Category, t.VersionNumber, t.IsActive, t.Locked,
			fieldsJSON, t.Version, t.CreatedAt, t.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return model.FormTemplate{}, fmt.Errorf("insert form template: %w", err)
	}
	return t, nil
}

// GetForm implements Store.
func (s *PgStore) GetForm(ctx context.Context, id string) (model.FormTemplate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+formColumns+` FROM form_templates WHERE id = $1`, id)
	t, err := scanForm(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.FormTemplate{}, model.NewNotFoundError(fmt.Sprintf("form template %q not found", id))
	}
	if err != nil {
		return model.FormTemplate{}, fmt.Errorf("query form template: %w", err)
	}
	return t, nil
}

// UpdateForm implements Store.
func (s *PgStore) UpdateForm(ctx context.Context, t model.FormTemplate) error {
	fieldsJSON, err := json.Marshal(nonNilFields(t.Fields))
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE form_templates SET
			name = $1, is_active = $2, locked = $3, fields = $4,
			version = $5, updated_at = $6
		WHERE id = $7 AND version = $8`,
		t.Name, t.IsActive, t.Locked, fieldsJSON,
		t.Version+1, t.UpdatedAt,
		t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("update form template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, "form_templates", "form template", t.ID, t.Version)
	}
	return nil
}

// ListForms implements Store.
func (s *PgStore) ListForms(ctx context.Context, scope model.TemplateScope) ([]model.FormTemplate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+formColumns+` FROM form_templates
		WHERE team_id = $1 AND category = $2
		ORDER BY version_number ASC`,
		scope.TeamID, scope.Category,
	)
	if err != nil {
		return nil, fmt.Errorf("query form templates: %w", err)
	}
	defer rows.Close()

	var result []model.FormTemplate
	for rows.Next() {
		t, err := scanForm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan form template: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// InsertWorkflowVersion implements Store.
func (s *PgStore) InsertWorkflowVersion(ctx context.Context, t model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	stepsJSON, err := json.Marshal(nonNilSteps(t.Steps))
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("marshal steps: %w", err)
	}

	err = s.inScopeTx(ctx, "workflow_templates", t.Scope, func(tx pgx.Tx, next int) error {
		t.VersionNumber = next
		t.IsActive = true
		t.Version = 1
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_templates (`+workflowColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			t.ID, t.Name, t.Scope.TeamID, t.Scope.Category, t.VersionNumber, t.IsActive, t.Locked,
			stepsJSON, t.Version, t.CreatedAt, t.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("insert workflow template: %w", err)
	}
	return t, nil
}

// GetWorkflow implements Store.
func (s *PgStore) GetWorkflow(ctx context.Context, id string) (model.WorkflowTemplate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflow_templates WHERE id = $1`, id)
	t, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowTemplate{}, model.NewNotFoundError(fmt.Sprintf("workflow template %q not found", id))
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("query workflow template: %w", err)
	}
	return t, nil
}

// UpdateWorkflow implements Store.
func (s *PgStore) UpdateWorkflow(ctx context.Context, t model.WorkflowTemplate) error {
	stepsJSON, err := json.Marshal(nonNilSteps(t.Steps))
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_templates SET
			name = $1, is_active = $2, locked = $3, steps = $4,
			version = $5, updated_at = $6
		WHERE id = $7 AND version = $8`,
		t.Name, t.IsActive, t.Locked, stepsJSON,
		t.Version+1, t.UpdatedAt,
		t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, "workflow_templates", "workflow template", t.ID, t.Version)
	}
	return nil
}

// ListWorkflows implements Store.
func (s *PgStore) ListWorkflows(ctx context.Context, scope model.TemplateScope) ([]model.WorkflowTemplate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workflowColumns+` FROM workflow_templates
		WHERE team_id = $1 AND category = $2
		ORDER BY version_number ASC`,
		scope.TeamID, scope.Category,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow templates: %w", err)
	}
	defer rows.Close()

	var result []model.WorkflowTemplate
	for rows.Next() {
		t, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow template: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// inScopeTx runs insert inside a transaction holding the scope's advisory
// lock, after deactivating the scope's active version. next is the version
// number to assign.
func (s *PgStore) inScopeTx(ctx context.Context, table string, scope model.TemplateScope, insert func(tx pgx.Tx, next int) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, table+":"+scope.String()); err != nil {
		return err
	}

	var current int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version_number), 0) FROM `+table+` WHERE team_id = $1 AND category = $2`,
		scope.TeamID, scope.Category,
	).Scan(&current); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+table+` SET is_active = FALSE, version = version + 1, updated_at = $3
		 WHERE team_id = $1 AND category = $2 AND is_active`,
		scope.TeamID, scope.Category, time.Now().UTC(),
	); err != nil {
		return err
	}

	if err := insert(tx, current+1); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PgStore) missingOrConflict(ctx context.Context, table, kind, id string, version int) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check %s: %w", kind, err)
	}
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("%s %q not found", kind, id))
	}
	return model.NewConflictError(fmt.Sprintf("%s %q version conflict (expected %d)", kind, id, version))
}

func scanForm(row pgx.Row) (model.FormTemplate, error) {
	var t model.FormTemplate
	var fieldsJSON []byte
	if err := row.Scan(
		&t.ID, &t.Name, &t.Scope.TeamID, &t.Scope.Category, &t.VersionNumber, &t.IsActive, &t.Locked,
		&fieldsJSON, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return model.FormTemplate{}, err
	}
	if err := json.Unmarshal(fieldsJSON, &t.Fields); err != nil {
		return model.FormTemplate{}, fmt.Errorf("unmarshal fields: %w", err)
	}
	return t, nil
}

func scanWorkflow(row pgx.Row) (model.WorkflowTemplate, error) {
	var t model.WorkflowTemplate
	var stepsJSON []byte
	if err := row.Scan(
		&t.ID, &t.Name, &t.Scope.TeamID, &t.Scope.Category, &t.VersionNumber, &t.IsActive, &t.Locked,
		&stepsJSON, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return model.WorkflowTemplate{}, err
	}
	if err := json.Unmarshal(stepsJSON, &t.Steps); err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	return t, nil
}

func nonNilFields(f []model.FieldSpec) []model.FieldSpec {
	if f == nil {
		return []model.FieldSpec{}
	}
	return f
}

func nonNilSteps(s []model.StepSpec) []model.StepSpec {
	if s == nil {
		return []model.StepSpec{}
	}
	return s
}
