// Package measured decorates stores with metrics and tracing.
package measured

import (
	"context"
	"strconv"
	"time"

	"concurrency-guard/internal/domain"
	"concurrency-guard/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	setIfAbsentOp      = "set_if_absent"
	compareAndDeleteOp = "compare_and_delete"
	deleteOp           = "delete"
	getOp              = "get"
)

// LockStore reports latency and outcome of every call to the wrapped store.
type LockStore struct {
	store  domain.LockStore
	name   string
	tracer trace.Tracer
}

var _ domain.LockStore = (*LockStore)(nil)

// NewLockStore wraps store. name labels the metrics, e.g. "etcd".
func NewLockStore(store domain.LockStore, name string) *LockStore {
	return &LockStore{
		store:  store,
		name:   name,
		tracer: otel.Tracer("concurrency-guard-lock-store"),
	}
}

func (m *LockStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, span := m.start(ctx, setIfAbsentOp, key)
	defer span.End()

	t0 := time.Now()
	ok, err := m.store.SetIfAbsent(ctx, key, value, ttl)
	m.report(span, setIfAbsentOp, t0, err)
	span.SetAttributes(attribute.Bool("lock.set", ok))
	return ok, err
}

func (m *LockStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	ctx, span := m.start(ctx, compareAndDeleteOp, key)
	defer span.End()

	t0 := time.Now()
	ok, err := m.store.CompareAndDelete(ctx, key, value)
	m.report(span, compareAndDeleteOp, t0, err)
	span.SetAttributes(attribute.Bool("lock.deleted", ok))
	return ok, err
}

func (m *LockStore) Delete(ctx context.Context, key string) error {
	ctx, span := m.start(ctx, deleteOp, key)
	defer span.End()

	t0 := time.Now()
	err := m.store.Delete(ctx, key)
	m.report(span, deleteOp, t0, err)
	return err
}

func (m *LockStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, span := m.start(ctx, getOp, key)
	defer span.End()

	t0 := time.Now()
	v, found, err := m.store.Get(ctx, key)
	m.report(span, getOp, t0, err)
	return v, found, err
}

func (m *LockStore) start(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "lockstore."+op, trace.WithAttributes(
		attribute.String("lock.store", m.name),
		attribute.String("lock.key", key),
	))
}

func (m *LockStore) report(span trace.Span, op string, t0 time.Time, err error) {
	metrics.LockStoreOperationsTotal.WithLabelValues(m.name, op, strconv.FormatBool(err == nil)).Inc()
	metrics.LockStoreOperationDuration.WithLabelValues(m.name, op).Observe(time.Since(t0).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
	}
}
