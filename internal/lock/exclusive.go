package lock

import (
	"context"
	"time"
)

// Exclusive runs fn under key like Coordinator.RunExclusive and returns the
// value it produced. On any error the zero value of T is returned alongside.
func Exclusive[T any](ctx context.Context, c *Coordinator, key string, fn func(ctx context.Context) (T, error), waitTime, leaseTime time.Duration) (T, error) {
	var result T
	err := c.RunExclusive(ctx, key, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, waitTime, leaseTime)
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// TryExclusive is the best-effort form of Exclusive: ok is false when the
// lock was held by someone else for the whole wait.
func TryExclusive[T any](ctx context.Context, c *Coordinator, key string, fn func(ctx context.Context) (T, error), waitTime, leaseTime time.Duration) (result T, ok bool, err error) {
	ok, err = c.TryRunExclusive(ctx, key, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, waitTime, leaseTime)
	if !ok || err != nil {
		var zero T
		return zero, ok, err
	}
	return result, true, nil
}
