package reconcile

import (
	"context"
	"fmt"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// BreakerRemote guards a Remote with a circuit breaker so a failing
// collection fails fast instead of queueing more work behind it.
type BreakerRemote[T any] struct {
	inner Remote[T]
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerRemote wraps inner. Typed domain errors (validation, not found,
// conflict) mean the remote answered and do not count as failures.
func NewBreakerRemote[T any](
	inner Remote[T],
	collection string,
	cfg config.CircuitBreakerConfig,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *BreakerRemote[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}

	settings := gobreaker.Settings{
		Name:        collection,
		MaxRequests: uint32(max(cfg.SuccessThreshold, 1)),
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("reconcile circuit breaker state changed",
				zap.String("collection", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.SetReconcileBreakerState(name, float64(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || model.CodeOf(err) != model.ErrInternalError
		},
	}
	metrics.SetReconcileBreakerState(collection, float64(gobreaker.StateClosed))
	return &BreakerRemote[T]{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State returns the breaker's current state.
func (r *BreakerRemote[T]) State() gobreaker.State {
	return r.cb.State()
}

// List implements Remote.
func (r *BreakerRemote[T]) List(ctx context.Context) ([]T, error) {
	res, err := r.cb.Execute(func() (any, error) {
		return r.inner.List(ctx)
	})
	if err != nil {
		return nil, r.wrap(err)
	}
	items, _ := res.([]T)
	return items, nil
}

// Create implements Remote.
func (r *BreakerRemote[T]) Create(ctx context.Context, item T) error {
	return r.exec(func() error { return r.inner.Create(ctx, item) })
}

// Update implements Remote.
func (r *BreakerRemote[T]) Update(ctx context.Context, item T) error {
	return r.exec(func() error { return r.inner.Update(ctx, item) })
}

// Delete implements Remote.
func (r *BreakerRemote[T]) Delete(ctx context.Context, item T) error {
	return r.exec(func() error { return r.inner.Delete(ctx, item) })
}

func (r *BreakerRemote[T]) exec(fn func() error) error {
	_, err := r.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return r.wrap(err)
}

func (r *BreakerRemote[T]) wrap(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%s: %w", r.cb.Name(), err)
	}
	return err
}
