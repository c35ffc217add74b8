package submission

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/approvals/model"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	groups map[string]model.SubmissionGroup
}

// NewMemoryStore creates a new in-memory submission store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{groups: make(map[string]model.SubmissionGroup)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, group model.SubmissionGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[group.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("submission group %q already exists", group.ID))
	}
	s.groups[group.ID] = group.Clone()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, groupID string) (model.SubmissionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return model.SubmissionGroup{}, notFound(groupID)
	}
	return g.Clone(), nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, group model.SubmissionGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.groups[group.ID]
	if !ok {
		return notFound(group.ID)
	}
	if existing.Version != group.Version {
		return model.NewConflictError(fmt.Sprintf(
			"submission group %q version conflict (expected %d, got %d)", group.ID, group.Version, existing.Version))
	}

	group = group.Clone()
	group.Version++
	s.groups[group.ID] = group
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[groupID]; !ok {
		return notFound(groupID)
	}
	delete(s.groups, groupID)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]model.SubmissionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.SubmissionGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
