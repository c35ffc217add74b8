package teamconfig

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/approvals/model"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	teams   map[string]model.Team
	configs []model.TeamCategoryConfig // insertion order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{teams: make(map[string]model.Team)}
}

// CreateTeam implements Store.
func (s *MemoryStore) CreateTeam(_ context.Context, team model.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.teams[team.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("team %q already exists", team.ID))
	}
	s.teams[team.ID] = team
	return nil
}

// GetTeam implements Store.
func (s *MemoryStore) GetTeam(_ context.Context, teamID string) (model.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	team, exists := s.teams[teamID]
	if !exists {
		return model.Team{}, model.NewNotFoundError(fmt.Sprintf("team %q not found", teamID))
	}
	return team, nil
}

// UpdateTeam implements Store.
func (s *MemoryStore) UpdateTeam(_ context.Context, team model.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.teams[team.ID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("team %q not found", team.ID))
	}
	s.teams[team.ID] = team
	return nil
}

// ListTeams implements Store.
func (s *MemoryStore) ListTeams(_ context.Context) ([]model.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Team, 0, len(s.teams))
	for _, team := range s.teams {
		result = append(result, team)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// ActivateConfig implements Store.
func (s *MemoryStore) ActivateConfig(_ context.Context, cfg model.TeamCategoryConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.configs {
		if existing.ID == cfg.ID {
			return model.NewConflictError(fmt.Sprintf("config %q already exists", cfg.ID))
		}
		if existing.IsActive && existing.TeamID == cfg.TeamID && existing.Category == cfg.Category {
			s.configs[i].IsActive = false
		}
	}
	cfg.IsActive = true
	s.configs = append(s.configs, cfg)
	return nil
}

// GetActiveConfig implements Store.
func (s *MemoryStore) GetActiveConfig(_ context.Context, teamID, category string) (model.TeamCategoryConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cfg := range s.configs {
		if cfg.IsActive && cfg.TeamID == teamID && cfg.Category == category {
			return cfg, nil
		}
	}
	return model.TeamCategoryConfig{}, noActiveConfig(teamID, category)
}

// DeactivateConfig implements Store.
func (s *MemoryStore) DeactivateConfig(_ context.Context, teamID, category string) (model.TeamCategoryConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, cfg := range s.configs {
		if cfg.IsActive && cfg.TeamID == teamID && cfg.Category == category {
			s.configs[i].IsActive = false
			return s.configs[i], nil
		}
	}
	return model.TeamCategoryConfig{}, noActiveConfig(teamID, category)
}

// ListConfigs implements Store.
func (s *MemoryStore) ListConfigs(_ context.Context, teamID string) ([]model.TeamCategoryConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TeamCategoryConfig
	for _, cfg := range s.configs {
		if cfg.TeamID == teamID {
			result = append(result, cfg)
		}
	}
	return result, nil
}

func noActiveConfig(teamID, category string) error {
	return model.NewNotFoundError(fmt.Sprintf("no active configuration for team %q category %q", teamID, category))
}
