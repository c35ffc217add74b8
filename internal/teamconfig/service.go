package teamconfig

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/lock"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// TemplateSource loads template versions referenced by configs.
type TemplateSource interface {
	GetFormTemplate(ctx context.Context, templateID string) (model.FormTemplate, error)
	GetWorkflowTemplate(ctx context.Context, templateID string) (model.WorkflowTemplate, error)
}

// TeamInput describes a new team. An empty ID is generated.
type TeamInput struct {
	ID          string
	Name        string
	Description string
}

// Service manages teams and resolves their active configurations.
type Service struct {
	store     Store
	templates TemplateSource
	locker    lock.Locker
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewService creates a team configuration service. logger and metrics may
// be nil.
func NewService(store Store, templates TemplateSource, locker lock.Locker, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		templates: templates,
		locker:    locker,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// --- Teams ---

// CreateTeam adds an active team to the catalog.
func (s *Service) CreateTeam(ctx context.Context, in TeamInput) (model.Team, error) {
	if strings.TrimSpace(in.Name) == "" {
		return model.Team{}, model.NewFieldValidationError("name", "REQUIRED", "name is required")
	}
	id := in.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := s.now()
	team := model.Team{
		ID:          id,
		Name:        in.Name,
		Description: in.Description,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateTeam(ctx, team); err != nil {
		return model.Team{}, err
	}
	observability.RequestLogger(ctx, s.logger).Info("team created", zap.String("team_id", team.ID), zap.String("name", team.Name))
	return team, nil
}

// GetTeam returns a team.
func (s *Service) GetTeam(ctx context.Context, teamID string) (model.Team, error) {
	return s.store.GetTeam(ctx, teamID)
}

// ListTeams returns all teams, active or not.
func (s *Service) ListTeams(ctx context.Context) ([]model.Team, error) {
	return s.store.ListTeams(ctx)
}

// SetTeamActive toggles a team. Teams are never deleted.
func (s *Service) SetTeamActive(ctx context.Context, teamID string, active bool) (model.Team, error) {
	unlock, err := s.locker.TryLock(ctx, lock.Key("team", teamID))
	if err != nil {
		return model.Team{}, err
	}
	defer unlock()

	team, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return model.Team{}, err
	}
	if team.Active == active {
		return team, nil
	}
	team.Active = active
	team.UpdatedAt = s.now()
	if err := s.store.UpdateTeam(ctx, team); err != nil {
		return model.Team{}, err
	}
	observability.RequestLogger(ctx, s.logger).Info("team activity changed", zap.String("team_id", teamID), zap.Bool("active", active))
	return team, nil
}

// UpdateTeam replaces a team's name, description and activity flag.
func (s *Service) UpdateTeam(ctx context.Context, team model.Team) (model.Team, error) {
	if strings.TrimSpace(team.Name) == "" {
		return model.Team{}, model.NewFieldValidationError("name", "REQUIRED", "name is required")
	}
	unlock, err := s.locker.TryLock(ctx, lock.Key("team", team.ID))
	if err != nil {
		return model.Team{}, err
	}
	defer unlock()

	current, err := s.store.GetTeam(ctx, team.ID)
	if err != nil {
		return model.Team{}, err
	}
	if current.Name == team.Name && current.Description == team.Description && current.Active == team.Active {
		return current, nil
	}
	current.Name = team.Name
	current.Description = team.Description
	current.Active = team.Active
	current.UpdatedAt = s.now()
	if err := s.store.UpdateTeam(ctx, current); err != nil {
		return model.Team{}, err
	}
	observability.RequestLogger(ctx, s.logger).Info("team updated", zap.String("team_id", current.ID), zap.Bool("active", current.Active))
	return current, nil
}

// --- Configurations ---

// ResolveConfig returns the active configuration for a pair.
func (s *Service) ResolveConfig(ctx context.Context, teamID, category string) (model.TeamCategoryConfig, error) {
	return s.store.GetActiveConfig(ctx, teamID, category)
}

// ResolveBundle returns the active configuration for a pair together with
// the template versions it references. An inactive team resolves to
// INVALID_STATE so no new work is started against it.
func (s *Service) ResolveBundle(ctx context.Context, teamID, category string) (model.TemplateBundle, error) {
	ctx, span := observability.StartSpan(ctx, "teamconfig.ResolveBundle",
		observability.AttrTeamID.String(teamID),
		observability.AttrCategory.String(category),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	var b model.TemplateBundle
	if b.Config, err = s.store.GetActiveConfig(ctx, teamID, category); err != nil {
		return model.TemplateBundle{}, err
	}
	var team model.Team
	if team, err = s.store.GetTeam(ctx, teamID); err != nil {
		return model.TemplateBundle{}, err
	}
	if !team.Active {
		err = model.NewInvalidStateError(fmt.Sprintf("team %q is inactive", teamID))
		return model.TemplateBundle{}, err
	}
	if b.Form, err = s.templates.GetFormTemplate(ctx, b.Config.FormTemplateID); err != nil {
		return model.TemplateBundle{}, err
	}
	if b.Workflow, err = s.templates.GetWorkflowTemplate(ctx, b.Config.WorkflowTemplateID); err != nil {
		return model.TemplateBundle{}, err
	}
	return b, nil
}

// UpsertConfig makes the given templates the active configuration for a
// pair, deactivating the previous one in the same store call.
func (s *Service) UpsertConfig(ctx context.Context, teamID, category, formTemplateID, workflowTemplateID string) (model.TeamCategoryConfig, error) {
	ctx, span := observability.StartSpan(ctx, "teamconfig.UpsertConfig",
		observability.AttrTeamID.String(teamID),
		observability.AttrCategory.String(category),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	if strings.TrimSpace(category) == "" {
		err = model.NewFieldValidationError("category", "REQUIRED", "category is required")
		return model.TeamCategoryConfig{}, err
	}

	var unlock func()
	unlock, err = s.locker.TryLock(ctx, pairKey(teamID, category))
	if err != nil {
		if model.IsCode(err, model.ErrConflict) {
			s.metrics.RecordLockContention("config")
		}
		return model.TeamCategoryConfig{}, err
	}
	defer unlock()

	var team model.Team
	if team, err = s.store.GetTeam(ctx, teamID); err != nil {
		return model.TeamCategoryConfig{}, err
	}
	if !team.Active {
		err = model.NewInvalidStateError(fmt.Sprintf("team %q is inactive", teamID))
		return model.TeamCategoryConfig{}, err
	}
	if _, err = s.templates.GetFormTemplate(ctx, formTemplateID); err != nil {
		return model.TeamCategoryConfig{}, err
	}
	if _, err = s.templates.GetWorkflowTemplate(ctx, workflowTemplateID); err != nil {
		return model.TeamCategoryConfig{}, err
	}

	cfg := model.TeamCategoryConfig{
		ID:                 uuid.New().String(),
		TeamID:             teamID,
		Category:           category,
		FormTemplateID:     formTemplateID,
		WorkflowTemplateID: workflowTemplateID,
		IsActive:           true,
		CreatedAt:          s.now(),
	}
	if err = s.store.ActivateConfig(ctx, cfg); err != nil {
		return model.TeamCategoryConfig{}, err
	}

	s.metrics.RecordConfigActivation()
	observability.RequestLogger(ctx, s.logger).Info("team category config activated",
		zap.String("team_id", teamID),
		zap.String("category", category),
		zap.String("config_id", cfg.ID),
		zap.String("form_template_id", formTemplateID),
		zap.String("workflow_template_id", workflowTemplateID),
	)
	return cfg, nil
}

// DeactivateConfig clears the active configuration of a pair. New requests
// for the pair fail with NOT_FOUND until another config is activated.
func (s *Service) DeactivateConfig(ctx context.Context, teamID, category string) (model.TeamCategoryConfig, error) {
	unlock, err := s.locker.TryLock(ctx, pairKey(teamID, category))
	if err != nil {
		return model.TeamCategoryConfig{}, err
	}
	defer unlock()

	cfg, err := s.store.DeactivateConfig(ctx, teamID, category)
	if err != nil {
		return model.TeamCategoryConfig{}, err
	}
	observability.RequestLogger(ctx, s.logger).Info("team category config deactivated",
		zap.String("team_id", teamID),
		zap.String("category", category),
		zap.String("config_id", cfg.ID),
	)
	return cfg, nil
}

// ListConfigs returns a team's configuration history, oldest first.
func (s *Service) ListConfigs(ctx context.Context, teamID string) ([]model.TeamCategoryConfig, error) {
	return s.store.ListConfigs(ctx, teamID)
}

func pairKey(teamID, category string) string {
	return lock.Key("config", teamID+"/"+category)
}
