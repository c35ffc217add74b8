package teamconfig

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/approvals/model"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Store. The partial unique index on
// (team_id, category) WHERE is_active backs the one-active-config rule.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL team configuration store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const configColumns = `id, team_id, category, form_template_id, workflow_template_id, is_active, created_at`

// CreateTeam implements Store.
func (s *PgStore) CreateTeam(ctx context.Context, team model.Team) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO teams (id, name, description, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		team.ID, team.Name, team.Description, team.Active, team.CreatedAt, team.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("team %q already exists", team.ID))
	}
	if err != nil {
		return fmt.Errorf("insert team: %w", err)
	}
	return nil
}

// GetTeam implements Store.
func (s *PgStore) GetTeam(ctx context.Context, teamID string) (model.Team, error) {
	var team model.Team
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, active, created_at, updated_at
		FROM teams WHERE id = $1`, teamID,
	).Scan(&team.ID, &team.Name, &team.Description, &team.Active, &team.CreatedAt, &team.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Team{}, model.NewNotFoundError(fmt.Sprintf("team %q not found", teamID))
	}
	if err != nil {
		return model.Team{}, fmt.Errorf("query team: %w", err)
	}
	return team, nil
}

// UpdateTeam implements Store.
func (s *PgStore) UpdateTeam(ctx context.Context, team model.Team) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE teams SET name = $1, description = $2, active = $3, updated_at = $4
		WHERE id = $5`,
		team.Name, team.Description, team.Active, team.UpdatedAt, team.ID,
	)
	if err != nil {
		return fmt.Errorf("update team: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("team %q not found", team.ID))
	}
	return nil
}

// ListTeams implements Store.
func (s *PgStore) ListTeams(ctx context.Context) ([]model.Team, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, active, created_at, updated_at
		FROM teams ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query teams: %w", err)
	}
	defer rows.Close()

	var result []model.Team
	for rows.Next() {
		var team model.Team
		if err := rows.Scan(&team.ID, &team.Name, &team.Description, &team.Active, &team.CreatedAt, &team.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		result = append(result, team)
	}
	return result, rows.Err()
}

// ActivateConfig implements Store.
func (s *PgStore) ActivateConfig(ctx context.Context, cfg model.TeamCategoryConfig) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE team_category_configs SET is_active = FALSE
		WHERE team_id = $1 AND category = $2 AND is_active`,
		cfg.TeamID, cfg.Category,
	); err != nil {
		return fmt.Errorf("deactivate configs: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO team_category_configs (`+configColumns+`)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)`,
		cfg.ID, cfg.TeamID, cfg.Category, cfg.FormTemplateID, cfg.WorkflowTemplateID, cfg.CreatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(
			fmt.Sprintf("configuration for team %q category %q changed concurrently", cfg.TeamID, cfg.Category))
	}
	if err != nil {
		return fmt.Errorf("insert config: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return model.NewConflictError(
				fmt.Sprintf("configuration for team %q category %q changed concurrently", cfg.TeamID, cfg.Category))
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetActiveConfig implements Store.
func (s *PgStore) GetActiveConfig(ctx context.Context, teamID, category string) (model.TeamCategoryConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+configColumns+` FROM team_category_configs
		WHERE team_id = $1 AND category = $2 AND is_active`,
		teamID, category,
	)
	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TeamCategoryConfig{}, noActiveConfig(teamID, category)
	}
	if err != nil {
		return model.TeamCategoryConfig{}, fmt.Errorf("query config: %w", err)
	}
	return cfg, nil
}

// DeactivateConfig implements Store.
func (s *PgStore) DeactivateConfig(ctx context.Context, teamID, category string) (model.TeamCategoryConfig, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE team_category_configs SET is_active = FALSE
		WHERE team_id = $1 AND category = $2 AND is_active
		RETURNING `+configColumns,
		teamID, category,
	)
	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TeamCategoryConfig{}, noActiveConfig(teamID, category)
	}
	if err != nil {
		return model.TeamCategoryConfig{}, fmt.Errorf("deactivate config: %w", err)
	}
	return cfg, nil
}

// ListConfigs implements Store.
func (s *PgStore) ListConfigs(ctx context.Context, teamID string) ([]model.TeamCategoryConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+configColumns+` FROM team_category_configs
		WHERE team_id = $1 ORDER BY created_at ASC, id ASC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("query configs: %w", err)
	}
	defer rows.Close()

	var result []model.TeamCategoryConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		result = append(result, cfg)
	}
	return result, rows.Err()
}

func scanConfig(row pgx.Row) (model.TeamCategoryConfig, error) {
	var cfg model.TeamCategoryConfig
	err := row.Scan(&cfg.ID, &cfg.TeamID, &cfg.Category, &cfg.FormTemplateID, &cfg.WorkflowTemplateID, &cfg.IsActive, &cfg.CreatedAt)
	return cfg, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
