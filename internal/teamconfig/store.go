// Package teamconfig holds the team catalog and resolves which form and
// workflow template versions a (team, category) pair uses for new
// requests.
package teamconfig

import (
	"context"

	"github.com/pitabwire/approvals/model"
)

// Store persists teams and team category configurations.
type Store interface {
	// CreateTeam persists a new team. Returns CONFLICT if the ID is taken.
	CreateTeam(ctx context.Context, team model.Team) error

	// GetTeam retrieves a team by ID.
	GetTeam(ctx context.Context, teamID string) (model.Team, error)

	// UpdateTeam overwrites an existing team.
	UpdateTeam(ctx context.Context, team model.Team) error

	// ListTeams returns all teams ordered by name.
	ListTeams(ctx context.Context) ([]model.Team, error)

	// ActivateConfig deactivates any active config for cfg's pair and
	// stores cfg as the active one, atomically.
	ActivateConfig(ctx context.Context, cfg model.TeamCategoryConfig) error

	// GetActiveConfig returns the active config for a pair, or NOT_FOUND.
	GetActiveConfig(ctx context.Context, teamID, category string) (model.TeamCategoryConfig, error)

	// DeactivateConfig clears the active config for a pair and returns it.
	// Returns NOT_FOUND when the pair has no active config.
	DeactivateConfig(ctx context.Context, teamID, category string) (model.TeamCategoryConfig, error)

	// ListConfigs returns every config of a team, active or not, oldest
	// first.
	ListConfigs(ctx context.Context, teamID string) ([]model.TeamCategoryConfig, error)
}
