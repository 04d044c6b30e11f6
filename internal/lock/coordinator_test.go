package lock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"concurrency-guard/internal/domain"
	"concurrency-guard/internal/infra/memory"
)

var errStoreDown = errors.New("store down")

// flakyStore fails the first failures calls to SetIfAbsent, or all calls
// when down is set.
type flakyStore struct {
	domain.LockStore
	failures atomic.Int32
	down     atomic.Bool
}

func (s *flakyStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s.down.Load() || s.failures.Add(-1) >= 0 {
		return false, errStoreDown
	}
	return s.LockStore.SetIfAbsent(ctx, key, value, ttl)
}

func (s *flakyStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if s.down.Load() {
		return false, errStoreDown
	}
	return s.LockStore.CompareAndDelete(ctx, key, value)
}

func (s *flakyStore) Delete(ctx context.Context, key string) error {
	if s.down.Load() {
		return errStoreDown
	}
	return s.LockStore.Delete(ctx, key)
}

func (s *flakyStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s.down.Load() {
		return "", false, errStoreDown
	}
	return s.LockStore.Get(ctx, key)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T, store domain.LockStore, owner string) *Coordinator {
	t.Helper()
	return NewCoordinator(store, Config{
		Owner:            owner,
		DefaultWaitTime:  time.Second,
		DefaultLeaseTime: 10 * time.Second,
		RetryInterval:    2 * time.Millisecond,
		MaxRetryInterval: 10 * time.Millisecond,
	}, discardLogger())
}

func TestCoordinator_AcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, memory.NewLockStore(nil), "node-a")

	res := c.TryAcquire(ctx, "inventory:SKU-123", 10*time.Second, 0)
	require.True(t, res.Acquired())
	require.Equal(t, domain.AcquireOutcomeAcquired, res.Outcome)
	require.Equal(t, 1, res.Attempts)
	require.True(t, strings.HasPrefix(string(res.Token), "node-a:"))

	locked, err := c.IsLocked(ctx, "inventory:SKU-123")
	require.NoError(t, err)
	require.True(t, locked)

	again := c.TryAcquire(ctx, "inventory:SKU-123", 10*time.Second, 0)
	require.Equal(t, domain.AcquireOutcomeTimedOut, again.Outcome)
	require.Empty(t, again.Token)
	require.NoError(t, again.Err)

	require.NoError(t, c.Release(ctx, "inventory:SKU-123", res.Token))

	locked, err = c.IsLocked(ctx, "inventory:SKU-123")
	require.NoError(t, err)
	require.False(t, locked)
}

func TestCoordinator_TokensAreUnique(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, memory.NewLockStore(nil), "node-a")

	first, err := c.Acquire(ctx, "order:1", time.Minute, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, "order:1", first))

	second, err := c.Acquire(ctx, "order:1", time.Minute, 0)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestCoordinator_ReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, memory.NewLockStore(nil), "node-a")

	token, err := c.Acquire(ctx, "customer:9", time.Minute, 0)
	require.NoError(t, err)

	require.NoError(t, c.Release(ctx, "customer:9", token))
	require.NoError(t, c.Release(ctx, "customer:9", token))

	locked, err := c.IsLocked(ctx, "customer:9")
	require.NoError(t, err)
	require.False(t, locked)

	require.True(t, c.TryAcquire(ctx, "customer:9", time.Minute, 0).Acquired())
}

func TestCoordinator_ReleaseWithStaleTokenKeepsNewHolder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewLockStore(nil)
	a := newTestCoordinator(t, store, "node-a")
	b := newTestCoordinator(t, store, "node-b")

	stale, err := a.Acquire(ctx, "payment:1", time.Minute, 0)
	require.NoError(t, err)
	require.NoError(t, a.ForceRelease(ctx, "payment:1"))

	_, err = b.Acquire(ctx, "payment:1", time.Minute, 0)
	require.NoError(t, err)

	require.NoError(t, a.Release(ctx, "payment:1", stale))

	locked, err := b.IsLocked(ctx, "payment:1")
	require.NoError(t, err)
	require.True(t, locked, "a straggler must not release another holder's lock")
}

func TestCoordinator_ForceRelease(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, memory.NewLockStore(nil), "node-a")

	_, err := c.Acquire(ctx, "inventory:SKU-9", time.Minute, 0)
	require.NoError(t, err)

	require.NoError(t, c.ForceRelease(ctx, "inventory:SKU-9"))
	require.NoError(t, c.ForceRelease(ctx, "inventory:SKU-9"))

	require.True(t, c.TryAcquire(ctx, "inventory:SKU-9", time.Minute, 0).Acquired())
	require.ErrorIs(t, c.ForceRelease(ctx, ""), domain.ErrInvalidKey)
}

func TestCoordinator_LeaseExpiryFreesKey(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, memory.NewLockStore(nil), "node-a")

	require.True(t, c.TryAcquire(ctx, "order:7", 50*time.Millisecond, 0).Acquired())
	require.False(t, c.TryAcquire(ctx, "order:7", time.Minute, 0).Acquired())

	res := c.TryAcquire(ctx, "order:7", time.Minute, time.Second)
	require.True(t, res.Acquired())
	require.Greater(t, res.Attempts, 1)
}

func TestCoordinator_RunExclusiveReturnsFnError(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, memory.NewLockStore(nil), "node-a")
	fnErr := errors.New("insufficient stock")

	err := c.RunExclusive(ctx, "inventory:SKU-1", func(ctx context.Context) error {
		return fnErr
	}, time.Second, time.Minute)
	require.Same(t, fnErr, err)

	locked, err := c.IsLocked(ctx, "inventory:SKU-1")
	require.NoError(t, err)
	require.False(t, locked)
}

func TestCoordinator_RunExclusiveReleasesOnPanic(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, memory.NewLockStore(nil), "node-a")

	require.PanicsWithValue(t, "boom", func() {
		_ = c.RunExclusive(ctx, "order:99", func(ctx context.Context) error {
			panic("boom")
		}, time.Second, time.Minute)
	})

	res := c.TryAcquire(ctx, "order:99", time.Minute, 0)
	require.True(t, res.Acquired(), "key must be free right after the panic propagates")
}

func TestCoordinator_RunExclusiveTimesOut(t *testing.T) {
	ctx := context.Background()
	store := memory.NewLockStore(nil)
	holder := newTestCoordinator(t, store, "node-a")
	waiter := newTestCoordinator(t, store, "node-b")

	_, err := holder.Acquire(ctx, "inventory:SKU-5", 10*time.Second, 0)
	require.NoError(t, err)

	called := false
	start := time.Now()
	err = waiter.RunExclusive(ctx, "inventory:SKU-5", func(ctx context.Context) error {
		called = true
		return nil
	}, 100*time.Millisecond, 10*time.Second)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, domain.ErrLockUnavailable)
	require.NotErrorIs(t, err, domain.ErrLockStoreUnavailable)
	require.False(t, called)
	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	require.Less(t, elapsed, time.Second)

	locked, err := waiter.IsLocked(ctx, "inventory:SKU-5")
	require.NoError(t, err)
	require.True(t, locked, "a failed waiter must not release the holder's lock")
}

func TestCoordinator_TryRunExclusive(t *testing.T) {
	ctx := context.Background()
	store := memory.NewLockStore(nil)
	holder := newTestCoordinator(t, store, "node-a")
	c := newTestCoordinator(t, store, "node-b")

	ran := false
	ok, err := c.TryRunExclusive(ctx, "customer:3", func(ctx context.Context) error {
		ran = true
		return nil
	}, 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, ran)

	_, err = holder.Acquire(ctx, "customer:3", time.Minute, 0)
	require.NoError(t, err)

	ok, err = c.TryRunExclusive(ctx, "customer:3", func(ctx context.Context) error {
		t.Fatal("must not run while the key is held")
		return nil
	}, 20*time.Millisecond, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCoordinator_TryRunExclusiveKeepsNestedUnavailableError(t *testing.T) {
	ctx := context.Background()
	store := memory.NewLockStore(nil)
	holder := newTestCoordinator(t, store, "node-a")
	c := newTestCoordinator(t, store, "node-b")

	_, err := holder.Acquire(ctx, "payment:2", time.Minute, 0)
	require.NoError(t, err)

	ok, err := c.TryRunExclusive(ctx, "order:2", func(ctx context.Context) error {
		return c.RunExclusive(ctx, "payment:2", func(context.Context) error { return nil }, 0, time.Minute)
	}, 0, time.Minute)
	require.True(t, ok, "outer lock was acquired")
	require.ErrorIs(t, err, domain.ErrLockUnavailable)
}

func TestCoordinator_StoreUnavailableFailsClosed(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{LockStore: memory.NewLockStore(nil)}
	store.down.Store(true)
	c := newTestCoordinator(t, store, "node-a")

	res := c.TryAcquire(ctx, "inventory:SKU-2", time.Minute, 30*time.Millisecond)
	require.Equal(t, domain.AcquireOutcomeStoreError, res.Outcome)
	require.ErrorIs(t, res.Err, errStoreDown)

	called := false
	err := c.RunExclusive(ctx, "inventory:SKU-2", func(ctx context.Context) error {
		called = true
		return nil
	}, 0, time.Minute)
	require.False(t, called)
	require.ErrorIs(t, err, domain.ErrLockStoreUnavailable)
	require.ErrorIs(t, err, errStoreDown)
	require.NotErrorIs(t, err, domain.ErrLockUnavailable)

	ok, err := c.TryRunExclusive(ctx, "inventory:SKU-2", func(ctx context.Context) error {
		called = true
		return nil
	}, 0, time.Minute)
	require.False(t, ok)
	require.False(t, called)
	require.ErrorIs(t, err, domain.ErrLockStoreUnavailable)

	_, err = c.IsLocked(ctx, "inventory:SKU-2")
	require.ErrorIs(t, err, domain.ErrLockStoreUnavailable)
	require.ErrorIs(t, c.Release(ctx, "inventory:SKU-2", "t"), domain.ErrLockStoreUnavailable)
	require.ErrorIs(t, c.ForceRelease(ctx, "inventory:SKU-2"), domain.ErrLockStoreUnavailable)
}

func TestCoordinator_RetriesTransientStoreErrors(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{LockStore: memory.NewLockStore(nil)}
	store.failures.Store(2)
	c := newTestCoordinator(t, store, "node-a")

	res := c.TryAcquire(ctx, "order:5", time.Minute, time.Second)
	require.True(t, res.Acquired())
	require.Equal(t, 3, res.Attempts)
	require.NoError(t, res.Err)
}

func TestCoordinator_ContextCancelEndsWait(t *testing.T) {
	store := memory.NewLockStore(nil)
	holder := newTestCoordinator(t, store, "node-a")
	c := newTestCoordinator(t, store, "node-b")

	_, err := holder.Acquire(context.Background(), "inventory:SKU-8", time.Minute, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := c.TryAcquire(ctx, "inventory:SKU-8", time.Minute, 10*time.Second)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, domain.AcquireOutcomeTimedOut, res.Outcome)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)

	_, err = c.Acquire(ctx, "inventory:SKU-8", time.Minute, time.Second)
	require.ErrorIs(t, err, domain.ErrLockUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoordinator_ReleasesAfterCallerCancels(t *testing.T) {
	c := newTestCoordinator(t, memory.NewLockStore(nil), "node-a")
	ctx, cancel := context.WithCancel(context.Background())

	err := c.RunExclusive(ctx, "order:11", func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}, 0, time.Minute)
	require.ErrorIs(t, err, context.Canceled)

	locked, err := c.IsLocked(context.Background(), "order:11")
	require.NoError(t, err)
	require.False(t, locked)
}

func TestCoordinator_InvalidKey(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, memory.NewLockStore(nil), "node-a")

	res := c.TryAcquire(ctx, "", time.Minute, 0)
	require.False(t, res.Acquired())
	require.ErrorIs(t, res.Err, domain.ErrInvalidKey)

	err := c.RunExclusive(ctx, "", func(context.Context) error { return nil }, 0, time.Minute)
	require.ErrorIs(t, err, domain.ErrInvalidKey)

	_, err = c.IsLocked(ctx, "")
	require.ErrorIs(t, err, domain.ErrInvalidKey)
}

func TestCoordinator_MutualExclusionAcrossInstances(t *testing.T) {
	store := memory.NewLockStore(nil)
	coordinators := []*Coordinator{
		newTestCoordinator(t, store, "node-a"),
		newTestCoordinator(t, store, "node-b"),
		newTestCoordinator(t, store, "node-c"),
	}

	const (
		workersPerNode = 4
		iterations     = 10
	)

	var (
		inside    atomic.Int32
		overlaps  atomic.Int32
		completed atomic.Int32
		wg        sync.WaitGroup
	)

	for _, c := range coordinators {
		for w := 0; w < workersPerNode; w++ {
			wg.Add(1)
			go func(c *Coordinator) {
				defer wg.Done()
				for i := 0; i < iterations; i++ {
					err := c.RunExclusive(context.Background(), "inventory:SKU-HOT", func(ctx context.Context) error {
						if inside.Add(1) != 1 {
							overlaps.Add(1)
						}
						time.Sleep(100 * time.Microsecond)
						inside.Add(-1)
						completed.Add(1)
						return nil
					}, 20*time.Second, 10*time.Second)
					if err != nil {
						t.Errorf("RunExclusive: %v", err)
						return
					}
				}
			}(c)
		}
	}
	wg.Wait()

	require.Zero(t, overlaps.Load())
	require.EqualValues(t, len(coordinators)*workersPerNode*iterations, completed.Load())
}

func TestCoordinator_UnrelatedKeysRunConcurrently(t *testing.T) {
	c := newTestCoordinator(t, memory.NewLockStore(nil), "node-a")

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- c.RunExclusive(context.Background(), "order:A", func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		}, 0, time.Minute)
	}()
	<-entered

	ran := false
	err := c.RunExclusive(context.Background(), "order:B", func(ctx context.Context) error {
		ran = true
		return nil
	}, 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ran)

	close(release)
	require.NoError(t, <-done)
}

func TestCoordinator_DefaultDurations(t *testing.T) {
	c := NewCoordinator(memory.NewLockStore(nil), Config{}, discardLogger())

	require.NotEmpty(t, c.Owner())
	require.Equal(t, DefaultWaitTime, c.cfg.DefaultWaitTime)
	require.Equal(t, DefaultLeaseTime, c.cfg.DefaultLeaseTime)
	require.Equal(t, DefaultRetryInterval, c.cfg.RetryInterval)
	require.Equal(t, DefaultMaxRetryInterval, c.cfg.MaxRetryInterval)

	ran := false
	require.NoError(t, c.Run(context.Background(), "order:default", func(context.Context) error {
		ran = true
		return nil
	}))
	require.True(t, ran)
}

// hangingStore never answers; every call waits for its context to end.
type hangingStore struct{}

func (hangingStore) SetIfAbsent(ctx context.Context, _, _ string, _ time.Duration) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (hangingStore) CompareAndDelete(ctx context.Context, _, _ string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (hangingStore) Delete(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (hangingStore) Get(ctx context.Context, _ string) (string, bool, error) {
	<-ctx.Done()
	return "", false, ctx.Err()
}

// lostAckStore applies writes but can report the next successful
// SetIfAbsent as failed, as when a reply is lost after the write landed.
type lostAckStore struct {
	domain.LockStore
	dropAck atomic.Bool
	getDown atomic.Bool
}

func (s *lostAckStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.LockStore.SetIfAbsent(ctx, key, value, ttl)
	if err == nil && ok && s.dropAck.CompareAndSwap(true, false) {
		return false, errors.New("read tcp 10.0.0.7:6379: i/o timeout")
	}
	return ok, err
}

func (s *lostAckStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s.getDown.Load() {
		return "", false, errStoreDown
	}
	return s.LockStore.Get(ctx, key)
}

func TestCoordinator_HungStoreDoesNotOutlastWaitTime(t *testing.T) {
	c := NewCoordinator(hangingStore{}, Config{
		Owner:          "node-a",
		AttemptTimeout: time.Second,
		RetryInterval:  2 * time.Millisecond,
		ReleaseTimeout: 20 * time.Millisecond,
	}, discardLogger())

	for _, waitTime := range []time.Duration{0, 100 * time.Millisecond} {
		called := false
		start := time.Now()
		err := c.RunExclusive(context.Background(), "billing", func(ctx context.Context) error {
			called = true
			return nil
		}, waitTime, time.Minute)
		elapsed := time.Since(start)

		require.False(t, called)
		require.ErrorIs(t, err, domain.ErrLockStoreUnavailable)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Less(t, elapsed, waitTime+500*time.Millisecond, "wait %v took %v", waitTime, elapsed)
	}
}

func TestCoordinator_LostWriteAckStillAcquires(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewLockStore(nil)
	store := &lostAckStore{LockStore: inner}
	store.dropAck.Store(true)
	c := newTestCoordinator(t, store, "node-a")

	res := c.TryAcquire(ctx, "order:77", time.Minute, time.Second)
	require.True(t, res.Acquired())
	require.Equal(t, 1, res.Attempts)

	current, found, err := inner.Get(ctx, "order:77")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, string(res.Token), current)

	require.NoError(t, c.Release(ctx, "order:77", res.Token))
	locked, err := c.IsLocked(ctx, "order:77")
	require.NoError(t, err)
	require.False(t, locked)
}

func TestCoordinator_AbandonedWriteIsCleared(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewLockStore(nil)
	store := &lostAckStore{LockStore: inner}
	store.dropAck.Store(true)
	store.getDown.Store(true)
	c := newTestCoordinator(t, store, "node-a")

	res := c.TryAcquire(ctx, "order:78", time.Minute, 0)
	require.Equal(t, domain.AcquireOutcomeStoreError, res.Outcome)

	require.Eventually(t, func() bool {
		_, found, err := inner.Get(ctx, "order:78")
		return err == nil && !found
	}, time.Second, 5*time.Millisecond)

	store.getDown.Store(false)
	res = c.TryAcquire(ctx, "order:78", time.Minute, 0)
	require.True(t, res.Acquired())
}
