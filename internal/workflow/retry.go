package workflow

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pitabwire/approvals/model"
)

// DefaultRetryAttempts bounds RetryOnConflict when attempts is not positive.
const DefaultRetryAttempts = 3

// RetryOnConflict runs fn until it succeeds, fails with an error other than
// CONFLICT, or attempts are exhausted. The last error is returned as is.
// Engine operations never retry internally; this is the caller's policy.
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil || model.IsCode(err, model.ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
