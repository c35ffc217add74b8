package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/approvals/model"
)

func TestKey(t *testing.T) {
	if got := Key("workflow", "wf-1"); got != "workflow:wf-1" {
		t.Errorf("Key() = %q", got)
	}
}

// --- MemoryLocker ---

func TestMemoryLocker_TryLock(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "k")
	if err != nil {
		t.Fatalf("TryLock error: %v", err)
	}
	if !l.Held("k") {
		t.Error("key should be held")
	}

	_, err = l.TryLock(ctx, "k")
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("second TryLock err = %v, want CONFLICT", err)
	}

	unlock()
	unlock() // idempotent
	if l.Held("k") {
		t.Error("key should be released")
	}

	unlock2, err := l.TryLock(ctx, "k")
	if err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}
	unlock2()
}

func TestMemoryLocker_independentKeys(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	u1, err := l.TryLock(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer u1()
	u2, err := l.TryLock(ctx, "b")
	if err != nil {
		t.Fatalf("lock on other key should succeed: %v", err)
	}
	u2()
}

func TestMemoryLocker_cancelledContext(t *testing.T) {
	l := NewMemoryLocker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.TryLock(ctx, "k"); err == nil {
		t.Fatal("TryLock with cancelled context should fail")
	}
}

func TestMemoryLocker_exactlyOneWinner(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := l.TryLock(ctx, "contended"); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want 1", wins.Load())
	}
}

// --- RedisLocker ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLocker_TryLock(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, "approvals:lock:", 10*time.Second, nil)
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "workflow:wf-1")
	if err != nil {
		t.Fatalf("TryLock error: %v", err)
	}
	if !mr.Exists("approvals:lock:workflow:wf-1") {
		t.Fatal("lock key should exist in redis")
	}

	_, err = l.TryLock(ctx, "workflow:wf-1")
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("second TryLock err = %v, want CONFLICT", err)
	}

	unlock()
	if mr.Exists("approvals:lock:workflow:wf-1") {
		t.Error("lock key should be deleted after unlock")
	}
}

func TestRedisLocker_ttlExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, "lk:", 5*time.Second, nil)
	ctx := context.Background()

	if _, err := l.TryLock(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(6 * time.Second)

	unlock, err := l.TryLock(ctx, "k")
	if err != nil {
		t.Fatalf("TryLock after TTL expiry: %v", err)
	}
	unlock()
}

func TestRedisLocker_staleUnlockKeepsNewHolder(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, "lk:", 5*time.Second, nil)
	ctx := context.Background()

	staleUnlock, err := l.TryLock(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(6 * time.Second)

	if _, err := l.TryLock(ctx, "k"); err != nil {
		t.Fatalf("new holder TryLock: %v", err)
	}

	// The first holder's release must not remove the new holder's lock.
	staleUnlock()
	if !mr.Exists("lk:k") {
		t.Error("stale unlock deleted the new holder's lock")
	}
}

func TestRedisLocker_HealthCheck(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, "lk:", time.Second, nil)

	if err := l.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck error: %v", err)
	}

	mr.Close()
	if err := l.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck should fail when redis is down")
	}
}

func TestRedisLocker_backendError(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, "lk:", time.Second, nil)
	mr.Close()

	_, err := l.TryLock(context.Background(), "k")
	if err == nil {
		t.Fatal("TryLock should fail when redis is down")
	}
	if model.IsCode(err, model.ErrConflict) {
		t.Error("backend failure must not be reported as CONFLICT")
	}
}
