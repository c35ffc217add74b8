package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/observability"
)

// reloadTimeout bounds the authoritative re-fetch after a failed apply.
const reloadTimeout = 30 * time.Second

// Operation names used in logs and metrics.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Outcome reports what an Apply call did.
type Outcome[T any] struct {
	Created int
	Updated int
	Deleted int
	Skipped int

	// Reloaded is set when the apply failed and Remote holds the re-fetched
	// collection. Callers replace their draft with it.
	Reloaded bool
	Remote   []T
}

// Applier executes plans against a remote collection on a shared worker
// pool. Creates and updates run concurrently; deletes start only after all
// of them succeeded. Operations on the same key never overlap, including
// across concurrent Apply calls.
type Applier[T any] struct {
	pool       *ants.Pool
	collection string
	key        func(T) string
	logger     *zap.Logger
	metrics    *observability.Metrics
	keys       keyLocks
}

// NewApplier creates an applier for one collection. logger and metrics may
// be nil.
func NewApplier[T any](
	pool *ants.Pool,
	collection string,
	key func(T) string,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Applier[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier[T]{
		pool:       pool,
		collection: collection,
		key:        key,
		logger:     logger.With(zap.String("collection", collection)),
		metrics:    metrics,
		keys:       keyLocks{locks: make(map[string]*keyLock)},
	}
}

// Sync diffs local against the current remote collection and applies the
// resulting plan.
func (a *Applier[T]) Sync(ctx context.Context, remote Remote[T], local []T, equal func(x, y T) bool) (Outcome[T], error) {
	current, err := remote.List(ctx)
	if err != nil {
		return Outcome[T]{}, fmt.Errorf("list %s: %w", a.collection, err)
	}
	plan, err := Diff(local, current, a.key, equal)
	if err != nil {
		return Outcome[T]{}, err
	}
	return a.Apply(ctx, remote, plan)
}

// Apply executes plan against remote. On any failure the remote collection
// is re-fetched and returned as the authoritative state along with the
// error. Cancelling ctx skips operations that have not started; applied
// operations are not undone.
func (a *Applier[T]) Apply(ctx context.Context, remote Remote[T], plan Plan[T]) (out Outcome[T], err error) {
	ctx, span := observability.StartSpan(ctx, "reconcile.Apply",
		observability.AttrCollection.String(a.collection),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	a.metrics.RecordReconcileBatch(plan.Len())
	if plan.Empty() {
		return out, nil
	}

	var t tally
	writes := make([]operation[T], 0, len(plan.ToCreate)+len(plan.ToUpdate))
	for _, item := range plan.ToCreate {
		writes = append(writes, operation[T]{kind: OpCreate, item: item})
	}
	for _, item := range plan.ToUpdate {
		writes = append(writes, operation[T]{kind: OpUpdate, item: item})
	}
	deletes := make([]operation[T], 0, len(plan.ToDelete))
	for _, item := range plan.ToDelete {
		deletes = append(deletes, operation[T]{kind: OpDelete, item: item})
	}

	err = a.run(ctx, remote, writes, &t)
	if err == nil {
		err = a.run(ctx, remote, deletes, &t)
	} else {
		t.skipped.Add(int64(len(deletes)))
	}
	out = outcomeOf[T](&t)

	if err == nil {
		a.logger.Debug("plan applied",
			zap.Int("created", out.Created),
			zap.Int("updated", out.Updated),
			zap.Int("deleted", out.Deleted),
		)
		return out, nil
	}

	reloadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reloadTimeout)
	defer cancel()
	items, listErr := remote.List(reloadCtx)
	if listErr != nil {
		a.logger.Error("reload after failed apply", zap.Error(listErr))
		return out, errors.Join(err, fmt.Errorf("reload %s: %w", a.collection, listErr))
	}
	out.Reloaded = true
	out.Remote = items
	a.logger.Warn("plan failed, remote state reloaded",
		zap.Int("applied", out.Created+out.Updated+out.Deleted),
		zap.Int("skipped", out.Skipped),
		zap.Error(err),
	)
	return out, err
}

type operation[T any] struct {
	kind string
	item T
}

// run applies ops concurrently, one pool task per key.
func (a *Applier[T]) run(ctx context.Context, remote Remote[T], ops []operation[T], t *tally) error {
	if len(ops) == 0 {
		return nil
	}

	skippedBefore := t.skipped.Load()
	var order []string
	byKey := make(map[string][]operation[T])
	for _, op := range ops {
		k := a.key(op.item)
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], op)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, k := range order {
		group := byKey[k]
		if ctx.Err() != nil {
			t.skipped.Add(int64(len(group)))
			continue
		}
		wg.Add(1)
		submitErr := a.pool.Submit(func() {
			defer wg.Done()
			if err := a.runKey(ctx, remote, k, group, t); err != nil {
				fail(err)
			}
		})
		if submitErr != nil {
			wg.Done()
			t.skipped.Add(int64(len(group)))
			fail(fmt.Errorf("submit %s %q: %w", a.collection, k, submitErr))
		}
	}
	wg.Wait()

	if ctx.Err() != nil && t.skipped.Load() > skippedBefore {
		fail(ctx.Err())
	}
	return errors.Join(errs...)
}

// runKey applies one key's operations in order and stops at the first
// failure.
func (a *Applier[T]) runKey(ctx context.Context, remote Remote[T], k string, ops []operation[T], t *tally) (err error) {
	unlock := a.keys.lock(k)
	defer unlock()

	for i, op := range ops {
		if ctx.Err() != nil {
			t.skipped.Add(int64(len(ops) - i))
			return nil
		}
		if err = a.apply(ctx, remote, op); err != nil {
			a.metrics.RecordReconcileOperation(a.collection, op.kind, "error")
			t.skipped.Add(int64(len(ops) - i - 1))
			return fmt.Errorf("%s %s %q: %w", op.kind, a.collection, k, err)
		}
		a.metrics.RecordReconcileOperation(a.collection, op.kind, "ok")
		t.record(op.kind)
	}
	return nil
}

func (a *Applier[T]) apply(ctx context.Context, remote Remote[T], op operation[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	switch op.kind {
	case OpCreate:
		return remote.Create(ctx, op.item)
	case OpUpdate:
		return remote.Update(ctx, op.item)
	case OpDelete:
		return remote.Delete(ctx, op.item)
	}
	return fmt.Errorf("unknown operation %q", op.kind)
}

type tally struct {
	created, updated, deleted, skipped atomic.Int64
}

func (t *tally) record(kind string) {
	switch kind {
	case OpCreate:
		t.created.Add(1)
	case OpUpdate:
		t.updated.Add(1)
	case OpDelete:
		t.deleted.Add(1)
	}
}

func outcomeOf[T any](t *tally) Outcome[T] {
	return Outcome[T]{
		Created: int(t.created.Load()),
		Updated: int(t.updated.Load()),
		Deleted: int(t.deleted.Load()),
		Skipped: int(t.skipped.Load()),
	}
}

// keyLocks hands out one mutex per key and drops it once unused.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
