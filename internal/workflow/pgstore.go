package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/approvals/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL workflow store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const instanceColumns = `id, team_id, category, form_template_id, workflow_template_id, workflow_version,
	steps, current_step_order, status, step_approvals, rejection_comment, submitted_by,
	version, created_at, updated_at`

// Create inserts a new workflow instance and its initial events.
func (s *PgStore) Create(ctx context.Context, inst model.WorkflowInstance, events ...model.WorkflowEvent) error {
	stepsJSON, approvalsJSON, err := marshalInstance(inst)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_instances (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			inst.ID, inst.TeamID, inst.Category, inst.FormTemplateID, inst.WorkflowTemplateID, inst.WorkflowVersion,
			stepsJSON, inst.CurrentStepOrder, inst.Status, approvalsJSON, inst.RejectionComment, inst.SubmittedBy,
			inst.Version, inst.CreatedAt, inst.UpdatedAt,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
		}
		if err != nil {
			return fmt.Errorf("insert workflow instance: %w", err)
		}
		return insertEvents(ctx, tx, events)
	})
}

// Get retrieves a workflow instance by ID.
func (s *PgStore) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, instanceID)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, notFound(instanceID)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// Update persists an updated instance with optimistic locking.
func (s *PgStore) Update(ctx context.Context, inst model.WorkflowInstance, events ...model.WorkflowEvent) error {
	stepsJSON, approvalsJSON, err := marshalInstance(inst)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_instances SET
				steps = $1,
				current_step_order = $2,
				status = $3,
				step_approvals = $4,
				rejection_comment = $5,
				version = $6,
				updated_at = $7
			WHERE id = $8 AND version = $9`,
			stepsJSON, inst.CurrentStepOrder, inst.Status, approvalsJSON, inst.RejectionComment,
			inst.Version+1, inst.UpdatedAt,
			inst.ID, inst.Version,
		)
		if err != nil {
			return fmt.Errorf("update workflow instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE id = $1)`, inst.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check workflow instance: %w", err)
			}
			if !exists {
				return notFound(inst.ID)
			}
			return model.NewConflictError(
				fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
			)
		}
		return insertEvents(ctx, tx, events)
	})
}

// Events retrieves all events for a workflow instance.
func (s *PgStore) Events(ctx context.Context, instanceID string) ([]model.WorkflowEvent, error) {
	if _, err := s.Get(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_instance_id, step_order, event, actor_id, from_status, to_status,
		       data, comment, created_at
		FROM workflow_events
		WHERE workflow_instance_id = $1
		ORDER BY seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkflowEvent
	for rows.Next() {
		var evt model.WorkflowEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.WorkflowInstanceID, &evt.StepOrder, &evt.Event, &evt.ActorID,
			&evt.FromStatus, &evt.ToStatus, &dataJSON, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		if dataJSON != nil {
			if err := json.Unmarshal(dataJSON, &evt.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// List returns workflow instances matching the filters.
func (s *PgStore) List(ctx context.Context, filters Filters) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE TRUE`
	var args []any
	argIdx := 1

	if filters.TeamID != "" {
		query += fmt.Sprintf(" AND team_id = $%d", argIdx)
		args = append(args, filters.TeamID)
		argIdx++
	}
	if filters.Category != "" {
		query += fmt.Sprintf(" AND category = $%d", argIdx)
		args = append(args, filters.Category)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var result []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

func insertEvents(ctx context.Context, tx pgx.Tx, events []model.WorkflowEvent) error {
	for _, evt := range events {
		var dataJSON []byte
		if evt.Data != nil {
			var err error
			if dataJSON, err = json.Marshal(evt.Data); err != nil {
				return fmt.Errorf("marshal event data: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO workflow_events (
				id, workflow_instance_id, step_order, event, actor_id, from_status, to_status,
				data, comment, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			evt.ID, evt.WorkflowInstanceID, evt.StepOrder, evt.Event, evt.ActorID,
			evt.FromStatus, evt.ToStatus, dataJSON, evt.Comment, evt.Timestamp,
		); err != nil {
			return fmt.Errorf("insert workflow event: %w", err)
		}
	}
	return nil
}

func marshalInstance(inst model.WorkflowInstance) (steps, approvals []byte, err error) {
	if steps, err = json.Marshal(inst.Steps); err != nil {
		return nil, nil, fmt.Errorf("marshal steps: %w", err)
	}
	stepApprovals := inst.StepApprovals
	if stepApprovals == nil {
		stepApprovals = map[int][]model.StepApproval{}
	}
	if approvals, err = json.Marshal(stepApprovals); err != nil {
		return nil, nil, fmt.Errorf("marshal step approvals: %w", err)
	}
	return steps, approvals, nil
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var stepsJSON, approvalsJSON []byte
	if err := row.Scan(
		&inst.ID, &inst.TeamID, &inst.Category, &inst.FormTemplateID, &inst.WorkflowTemplateID, &inst.WorkflowVersion,
		&stepsJSON, &inst.CurrentStepOrder, &inst.Status, &approvalsJSON, &inst.RejectionComment, &inst.SubmittedBy,
		&inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := json.Unmarshal(stepsJSON, &inst.Steps); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal(approvalsJSON, &inst.StepApprovals); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal step approvals: %w", err)
	}
	return inst, nil
}
