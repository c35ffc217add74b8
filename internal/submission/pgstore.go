package submission

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

// PgStore is a PostgreSQL-backed Store. Members are kept as a JSONB array so
// their order is persisted with the group.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL submission store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const groupColumns = `id, title, description, members, status, version, created_at, updated_at`

// Create implements Store.
func (s *PgStore) Create(ctx context.Context, group model.SubmissionGroup) error {
	members, err := marshalMembers(group.Members)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO submission_groups (`+groupColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		group.ID, group.Title, group.Description, members, statusArg(group.Status),
		group.Version, group.CreatedAt, group.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf("submission group %q already exists", group.ID))
	}
	if err != nil {
		return fmt.Errorf("insert submission group: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PgStore) Get(ctx context.Context, groupID string) (model.SubmissionGroup, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM submission_groups WHERE id = $1`, groupID)
	g, err := scanGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SubmissionGroup{}, notFound(groupID)
	}
	if err != nil {
		return model.SubmissionGroup{}, fmt.Errorf("query submission group: %w", err)
	}
	return g, nil
}

// Update implements Store.
func (s *PgStore) Update(ctx context.Context, group model.SubmissionGroup) error {
	members, err := marshalMembers(group.Members)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE submission_groups SET
			title = $1,
			description = $2,
			members = $3,
			status = $4,
			updated_at = $5,
			version = version + 1
		WHERE id = $6 AND version = $7`,
		group.Title, group.Description, members, statusArg(group.Status), group.UpdatedAt,
		group.ID, group.Version,
	)
	if err != nil {
		return fmt.Errorf("update submission group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM submission_groups WHERE id = $1)`, group.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check submission group: %w", err)
		}
		if !exists {
			return notFound(group.ID)
		}
		return model.NewConflictError(fmt.Sprintf("submission group %q version conflict", group.ID))
	}
	return nil
}

// Delete implements Store.
func (s *PgStore) Delete(ctx context.Context, groupID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM submission_groups WHERE id = $1`, groupID)
	if err != nil {
		return fmt.Errorf("delete submission group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(groupID)
	}
	return nil
}

// List implements Store.
func (s *PgStore) List(ctx context.Context) ([]model.SubmissionGroup, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+groupColumns+` FROM submission_groups ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query submission groups: %w", err)
	}
	defer rows.Close()

	var out []model.SubmissionGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGroup(row pgx.Row) (model.SubmissionGroup, error) {
	var (
		g       model.SubmissionGroup
		members []byte
		status  *string
	)
	if err := row.Scan(&g.ID, &g.Title, &g.Description, &members, &status,
		&g.Version, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return model.SubmissionGroup{}, err
	}
	if err := json.Unmarshal(members, &g.Members); err != nil {
		return model.SubmissionGroup{}, fmt.Errorf("unmarshal members: %w", err)
	}
	if status != nil {
		st := model.SubmissionStatus(*status)
		g.Status = &st
	}
	return g, nil
}

func marshalMembers(members []model.Submission) ([]byte, error) {
	if members == nil {
		members = []model.Submission{}
	}
	b, err := json.Marshal(members)
	if err != nil {
		return nil, fmt.Errorf("marshal members: %w", err)
	}
	return b, nil
}

func statusArg(status *model.SubmissionStatus) *string {
	if status == nil {
		return nil
	}
	s := string(*status)
	return &s
}
