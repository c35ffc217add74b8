package reconcile

import "context"

// Remote is the authoritative collection a local draft is synced against.
type Remote[T any] interface {
	List(ctx context.Context) ([]T, error)
	Create(ctx context.Context, item T) error
	Update(ctx context.Context, item T) error
	Delete(ctx context.Context, item T) error
}
