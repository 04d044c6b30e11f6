// Package breaker puts a circuit breaker in front of a lock store so an
// unreachable backend fails fast instead of costing every caller a timeout.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"concurrency-guard/internal/domain"
	"concurrency-guard/internal/metrics"

	"github.com/sony/gobreaker"
)

const (
	DefaultMaxFailures = 5
	DefaultOpenTimeout = 10 * time.Second
)

// ErrOpen is returned without contacting the store while the breaker is open.
var ErrOpen = errors.New("lock store circuit open")

type Config struct {
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before letting a trial call through.
	OpenTimeout time.Duration
}

// LockStore trips after consecutive store failures. Timeouts count as
// failures; a call abandoned because the caller canceled does not.
type LockStore struct {
	store domain.LockStore
	cb    *gobreaker.CircuitBreaker
}

var _ domain.LockStore = (*LockStore)(nil)

// NewLockStore wraps store. name labels logs and metrics.
func NewLockStore(store domain.LockStore, name string, cfg Config, logger *slog.Logger) *LockStore {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	logger = logger.With("component", "lock-store-breaker", "store", name)
	metrics.LockStoreBreakerState.WithLabelValues(name).Set(0)

	return &LockStore{
		store: store,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				metrics.LockStoreBreakerState.WithLabelValues(name).Set(float64(to))
				if to == gobreaker.StateOpen {
					logger.Error("lock store circuit opened", "from", from.String())
					return
				}
				logger.Warn("lock store circuit state changed", "from", from.String(), "to", to.String())
			},
		}),
	}
}

// State reports the breaker state.
func (b *LockStore) State() gobreaker.State {
	return b.cb.State()
}

func (b *LockStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (ok bool, err error) {
	err = b.do(ctx, func() error {
		ok, err = b.store.SetIfAbsent(ctx, key, value, ttl)
		return err
	})
	return ok, err
}

func (b *LockStore) CompareAndDelete(ctx context.Context, key, value string) (deleted bool, err error) {
	err = b.do(ctx, func() error {
		deleted, err = b.store.CompareAndDelete(ctx, key, value)
		return err
	})
	return deleted, err
}

func (b *LockStore) Delete(ctx context.Context, key string) error {
	return b.do(ctx, func() error {
		return b.store.Delete(ctx, key)
	})
}

func (b *LockStore) Get(ctx context.Context, key string) (value string, found bool, err error) {
	err = b.do(ctx, func() error {
		value, found, err = b.store.Get(ctx, key)
		return err
	})
	return value, found, err
}

func (b *LockStore) do(ctx context.Context, call func() error) error {
	var callerErr error
	_, err := b.cb.Execute(func() (interface{}, error) {
		err := call()
		if err != nil && errors.Is(ctx.Err(), context.Canceled) {
			callerErr = err
			return nil, nil
		}
		return nil, err
	})
	switch {
	case callerErr != nil:
		return callerErr
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %w", ErrOpen, err)
	default:
		return err
	}
}
