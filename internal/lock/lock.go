// Package lock provides non-blocking per-key exclusive locks. A held key
// is reported as a CONFLICT so callers fail fast instead of queueing behind
// another writer.
package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/pitabwire/approvals/model"
)

// Locker acquires exclusive locks on string keys.
type Locker interface {
	// TryLock acquires the lock on key without waiting. It returns a
	// CONFLICT error when the key is already held. The returned unlock
	// function is idempotent.
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}

// Key builds a lock key for an entity in a scope, e.g. Key("workflow", id).
func Key(scope, id string) string {
	return scope + ":" + id
}

func heldError(key string) error {
	return model.NewConflictError(fmt.Sprintf("%s is being modified by another operation", key))
}

// MemoryLocker is an in-process Locker backed by a mutex-guarded set.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// TryLock implements Locker.
func (l *MemoryLocker) TryLock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, heldError(key)
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently locked. For testing.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
