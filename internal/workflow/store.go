package workflow

import (
	"context"

	"github.com/pitabwire/approvals/model"
)

// Store persists workflow instances and their audit trail. Events passed to
// Create and Update are written in the same atomic step as the instance.
type Store interface {
	// Create persists a new workflow instance.
	Create(ctx context.Context, instance model.WorkflowInstance, events ...model.WorkflowEvent) error

	// Get retrieves a workflow instance by ID.
	Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// Update persists an updated workflow instance with optimistic locking.
	// The version must match the current stored version. Returns CONFLICT if
	// the version has changed; the stored version becomes instance.Version+1.
	Update(ctx context.Context, instance model.WorkflowInstance, events ...model.WorkflowEvent) error

	// Events returns the instance's audit trail in the order it was written.
	Events(ctx context.Context, instanceID string) ([]model.WorkflowEvent, error)

	// List returns instances matching the filters, newest first.
	List(ctx context.Context, filters Filters) ([]model.WorkflowInstance, error)
}

// Filters are optional filters for listing workflow instances.
type Filters struct {
	TeamID   string
	Category string
	Status   model.WorkflowStatus
	Limit    int
	Offset   int
}
