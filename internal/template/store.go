// Package template stores versioned form and workflow templates. Versions
// are numbered per (team, category) scope, exactly one version per scope is
// active, and a version becomes read-only once locked by a workflow
// instance or submission that references it.
package template

import (
	"context"

	"github.com/pitabwire/approvals/model"
)

// Store persists template versions.
type Store interface {
	// InsertFormVersion stores t as the next version of its scope. The store
	// assigns VersionNumber (1 + the scope's current maximum), marks the new
	// version active and deactivates every other version in the scope, all
	// atomically. The stored template is returned.
	InsertFormVersion(ctx context.Context, t model.FormTemplate) (model.FormTemplate, error)

	// GetForm retrieves a form template version by ID.
	GetForm(ctx context.Context, id string) (model.FormTemplate, error)

	// UpdateForm persists t with optimistic locking. t.Version must match
	// the stored version; CONFLICT is returned otherwise.
	UpdateForm(ctx context.Context, t model.FormTemplate) error

	// ListForms returns every version in a scope ordered by VersionNumber.
	ListForms(ctx context.Context, scope model.TemplateScope) ([]model.FormTemplate, error)

	// InsertWorkflowVersion is the workflow counterpart of InsertFormVersion.
	InsertWorkflowVersion(ctx context.Context, t model.WorkflowTemplate) (model.WorkflowTemplate, error)

	// GetWorkflow retrieves a workflow template version by ID.
	GetWorkflow(ctx context.Context, id string) (model.WorkflowTemplate, error)

	// UpdateWorkflow persists t with optimistic locking.
	UpdateWorkflow(ctx context.Context, t model.WorkflowTemplate) error

	// ListWorkflows returns every version in a scope ordered by VersionNumber.
	ListWorkflows(ctx context.Context, scope model.TemplateScope) ([]model.WorkflowTemplate, error)
}
