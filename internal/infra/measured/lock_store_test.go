package measured

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"concurrency-guard/internal/domain"
	"concurrency-guard/internal/infra/memory"
	"concurrency-guard/internal/metrics"
)

type failingStore struct{ err error }

func (s failingStore) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, s.err
}
func (s failingStore) CompareAndDelete(context.Context, string, string) (bool, error) {
	return false, s.err
}
func (s failingStore) Delete(context.Context, string) error { return s.err }
func (s failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, s.err
}

var _ domain.LockStore = failingStore{}

func TestLockStore_DelegatesAndCounts(t *testing.T) {
	ctx := context.Background()
	m := NewLockStore(memory.NewLockStore(nil), "measured-test")

	setOK := metrics.LockStoreOperationsTotal.WithLabelValues("measured-test", setIfAbsentOp, "true")
	before := testutil.ToFloat64(setOK)

	ok, err := m.SetIfAbsent(ctx, "k", "v", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	v, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", v)

	deleted, err := m.CompareAndDelete(ctx, "k", "v")
	require.NoError(t, err)
	require.True(t, deleted)

	require.NoError(t, m.Delete(ctx, "k"))
	require.Equal(t, before+1, testutil.ToFloat64(setOK))
}

func TestLockStore_PassesErrorsThrough(t *testing.T) {
	ctx := context.Background()
	storeErr := errors.New("connection refused")
	m := NewLockStore(failingStore{err: storeErr}, "measured-failing")

	_, err := m.SetIfAbsent(ctx, "k", "v", time.Minute)
	require.ErrorIs(t, err, storeErr)
	require.ErrorIs(t, m.Delete(ctx, "k"), storeErr)
	require.EqualValues(t, 1, testutil.ToFloat64(
		metrics.LockStoreOperationsTotal.WithLabelValues("measured-failing", setIfAbsentOp, "false")))
}
