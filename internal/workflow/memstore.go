package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/approvals/model"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: instance ID
	events    map[string][]model.WorkflowEvent  // key: instance ID
}

// NewMemoryStore creates a new in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]model.WorkflowInstance),
		events:    make(map[string][]model.WorkflowEvent),
	}
}

// Create persists a new workflow instance.
func (s *MemoryStore) Create(_ context.Context, inst model.WorkflowInstance, events ...model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}

	s.instances[inst.ID] = inst.Clone()
	s.events[inst.ID] = append(s.events[inst.ID], events...)
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *MemoryStore) Get(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return model.WorkflowInstance{}, notFound(instanceID)
	}
	return inst.Clone(), nil
}

// Update persists an updated instance with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, inst model.WorkflowInstance, events ...model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return notFound(inst.ID)
	}

	// Optimistic lock check.
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	inst = inst.Clone()
	inst.Version++
	s.instances[inst.ID] = inst
	s.events[inst.ID] = append(s.events[inst.ID], events...)
	return nil
}

// Events returns the audit trail of an instance.
func (s *MemoryStore) Events(_ context.Context, instanceID string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.instances[instanceID]; !exists {
		return nil, notFound(instanceID)
	}
	events := s.events[instanceID]
	result := make([]model.WorkflowEvent, len(events))
	copy(result, events)
	return result, nil
}

// List returns instances matching the filters.
func (s *MemoryStore) List(_ context.Context, filters Filters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if filters.TeamID != "" && inst.TeamID != filters.TeamID {
			continue
		}
		if filters.Category != "" && inst.Category != filters.Category {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		result = append(result, inst.Clone())
	}

	// Sort by created_at descending.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	// Apply offset and limit.
	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowInstance{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func notFound(instanceID string) error {
	return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", instanceID))
}
