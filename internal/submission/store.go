package submission

import (
	"context"
	"fmt"

	"github.com/pitabwire/approvals/model"
)

// Store persists submission groups with their members.
type Store interface {
	// Create persists a new group.
	Create(ctx context.Context, group model.SubmissionGroup) error

	// Get retrieves a group by ID.
	Get(ctx context.Context, groupID string) (model.SubmissionGroup, error)

	// Update persists a group with optimistic locking. Returns CONFLICT if
	// group.Version no longer matches; the stored version becomes
	// group.Version+1.
	Update(ctx context.Context, group model.SubmissionGroup) error

	// Delete removes a group and its members.
	Delete(ctx context.Context, groupID string) error

	// List returns all groups, oldest first.
	List(ctx context.Context) ([]model.SubmissionGroup, error)
}

func notFound(groupID string) error {
	return model.NewNotFoundError(fmt.Sprintf("submission group %q not found", groupID))
}
