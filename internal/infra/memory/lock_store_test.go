package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"concurrency-guard/internal/domain"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLockStore_SetIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := NewLockStore(nil)

	ok, err := s.SetIfAbsent(ctx, "inventory:SKU-1", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SetIfAbsent(ctx, "inventory:SKU-1", "b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	v, found, err := s.Get(ctx, "inventory:SKU-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "a", v)
}

func TestLockStore_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	s := NewLockStore(clock.Now)

	ok, err := s.SetIfAbsent(ctx, "order:42", "a", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(10 * time.Second)

	_, found, err := s.Get(ctx, "order:42")
	require.NoError(t, err)
	require.False(t, found, "key must be unset at the expiry instant")

	ok, err = s.SetIfAbsent(ctx, "order:42", "b", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	deleted, err := s.CompareAndDelete(ctx, "order:42", "a")
	require.NoError(t, err)
	require.False(t, deleted, "expired holder must not delete the new holder's key")
}

func TestLockStore_CompareAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewLockStore(nil)

	_, err := s.SetIfAbsent(ctx, "payment:7", "a", time.Minute)
	require.NoError(t, err)

	deleted, err := s.CompareAndDelete(ctx, "payment:7", "b")
	require.NoError(t, err)
	require.False(t, deleted)

	deleted, err = s.CompareAndDelete(ctx, "payment:7", "a")
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = s.CompareAndDelete(ctx, "payment:7", "a")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestLockStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewLockStore(nil)

	require.NoError(t, s.Delete(ctx, "missing"))

	_, err := s.SetIfAbsent(ctx, "customer:1", "a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "customer:1"))

	_, found, err := s.Get(ctx, "customer:1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestLockStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewLockStore(nil)

	_, err := s.SetIfAbsent(ctx, "k", "v", time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAuditRepository_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	r := NewAuditRepository()
	base := time.Unix(1700000000, 0)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Save(ctx, &domain.AuditRecord{
			ID: id, Key: "inventory:1", Operator: "ops", At: base.Add(time.Duration(i) * time.Second),
		}))
	}

	page1, err := r.ListByKey(ctx, "inventory:1", 1, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.Equal(t, "c", page1[0].ID)
	require.Equal(t, "b", page1[1].ID)

	page2, err := r.ListByKey(ctx, "inventory:1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	require.Equal(t, "a", page2[0].ID)

	page3, err := r.ListByKey(ctx, "inventory:1", 3, 2)
	require.NoError(t, err)
	require.Empty(t, page3)

	rec, err := r.Get(ctx, "inventory:1", "b")
	require.NoError(t, err)
	require.Equal(t, "ops", rec.Operator)

	_, err = r.Get(ctx, "inventory:1", "zzz")
	require.ErrorIs(t, err, domain.ErrAuditNotFound)

	require.Error(t, r.Save(ctx, &domain.AuditRecord{ID: "x"}))
}
