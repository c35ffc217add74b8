package template

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/approvals/model"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	forms     map[string]model.FormTemplate
	workflows map[string]model.WorkflowTemplate
}

// NewMemoryStore creates an empty in-memory template store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		forms:     make(map[string]model.FormTemplate),
		workflows: make(map[string]model.WorkflowTemplate),
	}
}

// InsertFormVersion implements Store.
func (s *MemoryStore) InsertFormVersion(_ context.Context, t model.FormTemplate) (model.FormTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.forms[t.ID]; exists {
		return model.FormTemplate{}, model.NewConflictError(
			fmt.Sprintf("form template %q already exists", t.ID),
		)
	}

	now := time.Now().UTC()
	maxVersion := 0
	for id, existing := range s.forms {
		if existing.Scope != t.Scope {
			continue
		}
		maxVersion = max(maxVersion, existing.VersionNumber)
		if existing.IsActive {
			existing.IsActive = false
			existing.Version++
			existing.UpdatedAt = now
			s.forms[id] = existing
		}
	}

	t.VersionNumber = maxVersion + 1
	t.IsActive = true
	t.Version = 1
	t.Fields = cloneFields(t.Fields)
	s.forms[t.ID] = t
	return cloneForm(t), nil
}

// GetForm implements Store.
func (s *MemoryStore) GetForm(_ context.Context, id string) (model.FormTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.forms[id]
	if !exists {
		return model.FormTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("form template %q not found", id),
		)
	}
	return cloneForm(t), nil
}

// UpdateForm implements Store.
func (s *MemoryStore) UpdateForm(_ context.Context, t model.FormTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.forms[t.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("form template %q not found", t.ID))
	}
	if existing.Version != t.Version {
		return model.NewConflictError(
			fmt.Sprintf("form template %q version conflict (expected %d, got %d)", t.ID, t.Version, existing.Version),
		)
	}

	t = cloneForm(t)
	t.Version++
	s.forms[t.ID] = t
	return nil
}

// ListForms implements Store.
func (s *MemoryStore) ListForms(_ context.Context, scope model.TemplateScope) ([]model.FormTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FormTemplate
	for _, t := range s.forms {
		if t.Scope == scope {
			result = append(result, cloneForm(t))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].VersionNumber < result[j].VersionNumber })
	return result, nil
}

// InsertWorkflowVersion implements Store.
func (s *MemoryStore) InsertWorkflowVersion(_ context.Context, t model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[t.ID]; exists {
		return model.WorkflowTemplate{}, model.NewConflictError(
			fmt.Sprintf("workflow template %q already exists", t.ID),
		)
	}

	now := time.Now().UTC()
	maxVersion := 0
	for id, existing := range s.workflows {
		if existing.Scope != t.Scope {
			continue
		}
		maxVersion = max(maxVersion, existing.VersionNumber)
		if existing.IsActive {
			existing.IsActive = false
			existing.Version++
			existing.UpdatedAt = now
			s.workflows[id] = existing
		}
	}

	t.VersionNumber = maxVersion + 1
	t.IsActive = true
	t.Version = 1
	t.Steps = cloneSteps(t.Steps)
	s.workflows[t.ID] = t
	return cloneWorkflow(t), nil
}

// GetWorkflow implements Store.
func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (model.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.workflows[id]
	if !exists {
		return model.WorkflowTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("workflow template %q not found", id),
		)
	}
	return cloneWorkflow(t), nil
}

// UpdateWorkflow implements Store.
func (s *MemoryStore) UpdateWorkflow(_ context.Context, t model.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.workflows[t.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow template %q not found", t.ID))
	}
	if existing.Version != t.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow template %q version conflict (expected %d, got %d)", t.ID, t.Version, existing.Version),
		)
	}

	t = cloneWorkflow(t)
	t.Version++
	s.workflows[t.ID] = t
	return nil
}

// ListWorkflows implements Store.
func (s *MemoryStore) ListWorkflows(_ context.Context, scope model.TemplateScope) ([]model.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowTemplate
	for _, t := range s.workflows {
		if t.Scope == scope {
			result = append(result, cloneWorkflow(t))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].VersionNumber < result[j].VersionNumber })
	return result, nil
}

func cloneFields(fields []model.FieldSpec) []model.FieldSpec {
	if fields == nil {
		return nil
	}
	out := make([]model.FieldSpec, len(fields))
	for i, f := range fields {
		f.DropdownOptions = append([]string(nil), f.DropdownOptions...)
		out[i] = f
	}
	return out
}

func cloneSteps(steps []model.StepSpec) []model.StepSpec {
	if steps == nil {
		return nil
	}
	out := make([]model.StepSpec, len(steps))
	for i, s := range steps {
		s.RequiredRoles = append([]model.RoleRef(nil), s.RequiredRoles...)
		out[i] = s
	}
	return out
}

func cloneForm(t model.FormTemplate) model.FormTemplate {
	t.Fields = cloneFields(t.Fields)
	return t
}

func cloneWorkflow(t model.WorkflowTemplate) model.WorkflowTemplate {
	t.Steps = cloneSteps(t.Steps)
	return t
}
