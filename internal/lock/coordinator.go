// internal/lock/coordinator.go
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"concurrency-guard/internal/domain"
	"concurrency-guard/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultWaitTime         = 5 * time.Second
	DefaultLeaseTime        = 30 * time.Second
	DefaultRetryInterval    = 10 * time.Millisecond
	DefaultMaxRetryInterval = 200 * time.Millisecond
	DefaultAttemptTimeout   = time.Second
	DefaultReleaseTimeout   = 5 * time.Second

	// MinAttemptTimeout is the least time a store call gets, even when the
	// wait deadline is closer. It lets a zero wait make its single attempt.
	MinAttemptTimeout = 50 * time.Millisecond
)

// Config configures a Coordinator.
type Config struct {
	// Owner identifies this process in lock tokens, e.g. an instance ID.
	Owner string

	DefaultWaitTime  time.Duration
	DefaultLeaseTime time.Duration

	// RetryInterval is the first pause between acquire attempts. It doubles
	// after every failed attempt up to MaxRetryInterval.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	// AttemptTimeout bounds a single store call while acquiring. Calls are
	// also cut off at the wait deadline, but never below MinAttemptTimeout.
	AttemptTimeout time.Duration

	// ReleaseTimeout bounds the release issued after a critical section. It
	// is detached from the caller's context so a canceled caller still
	// releases its lock.
	ReleaseTimeout time.Duration
}

func (cfg *Config) setDefaults() {
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	if cfg.DefaultWaitTime <= 0 {
		cfg.DefaultWaitTime = DefaultWaitTime
	}
	if cfg.DefaultLeaseTime <= 0 {
		cfg.DefaultLeaseTime = DefaultLeaseTime
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.MaxRetryInterval < cfg.RetryInterval {
		cfg.MaxRetryInterval = max(DefaultMaxRetryInterval, cfg.RetryInterval)
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = DefaultReleaseTimeout
	}
}

// Coordinator provides named, leased mutual exclusion on top of a shared
// LockStore. Any number of coordinators, in any number of processes, may
// share one store; the store is the only coordination point between them.
//
// Waiters are not ordered: once a key frees up any of them may win it.
type Coordinator struct {
	store  domain.LockStore
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a new Coordinator backed by store.
func NewCoordinator(store domain.LockStore, cfg Config, logger *slog.Logger) *Coordinator {
	cfg.setDefaults()
	return &Coordinator{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "lock-coordinator", "owner", cfg.Owner),
		tracer: otel.Tracer("concurrency-guard-lock"),
	}
}

// Owner returns the identity embedded in the tokens this coordinator issues.
func (c *Coordinator) Owner() string { return c.cfg.Owner }

// TryAcquire tries to take key for leaseTime, polling until waitTime has
// elapsed. A waitTime of zero makes exactly one attempt. A non-positive
// leaseTime uses the configured default. Store calls are cut off at the
// deadline, so a hung store costs at most waitTime plus a short grace for the
// final call.
//
// Losing to contention yields AcquireOutcomeTimedOut, which is a normal
// result. If the store failed on the last attempt the outcome is
// AcquireOutcomeStoreError: the key is treated as unavailable. Cancelling ctx
// ends the wait early with AcquireOutcomeTimedOut and Err set to ctx.Err().
//
// A failed attempt may still have written the key. The key is read back
// before retrying, and finding our own token counts as acquired. If the
// caller gives up instead, the token is deleted in the background.
func (c *Coordinator) TryAcquire(ctx context.Context, key string, leaseTime, waitTime time.Duration) domain.AcquireResult {
	res := domain.AcquireResult{Key: key}
	if key == "" {
		res.Outcome = domain.AcquireOutcomeStoreError
		res.Err = domain.ErrInvalidKey
		return res
	}
	if leaseTime <= 0 {
		leaseTime = c.cfg.DefaultLeaseTime
	}
	waitTime = max(waitTime, 0)

	token := c.newToken()
	start := time.Now()
	deadline := start.Add(waitTime)
	interval := c.cfg.RetryInterval

	var (
		lastErr   error
		uncertain bool
	)
	giveUp := func(outcome domain.AcquireOutcome, err error) domain.AcquireResult {
		if uncertain {
			go c.abandon(ctx, key, token)
		}
		return c.finishAcquire(res, outcome, err, start)
	}

	for {
		if err := ctx.Err(); err != nil {
			return giveUp(domain.AcquireOutcomeTimedOut, err)
		}

		res.Attempts++
		ok, err := c.attempt(ctx, key, string(token), leaseTime, deadline)
		if err == nil && ok {
			res.Token = token
			return c.finishAcquire(res, domain.AcquireOutcomeAcquired, nil, start)
		}
		if err != nil {
			uncertain = true
			if ctx.Err() != nil {
				return giveUp(domain.AcquireOutcomeTimedOut, ctx.Err())
			}
			if c.holds(ctx, key, token, deadline) {
				res.Token = token
				return c.finishAcquire(res, domain.AcquireOutcomeAcquired, nil, start)
			}
		}
		lastErr = err

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := sleep(ctx, min(jitter(interval), remaining)); err != nil {
			return giveUp(domain.AcquireOutcomeTimedOut, err)
		}
		interval = min(interval*2, c.cfg.MaxRetryInterval)
	}

	if lastErr != nil {
		return giveUp(domain.AcquireOutcomeStoreError, lastErr)
	}
	return giveUp(domain.AcquireOutcomeTimedOut, nil)
}

// Acquire is TryAcquire for callers that prefer errors: a timeout returns
// ErrLockUnavailable, a store failure returns ErrLockStoreUnavailable.
func (c *Coordinator) Acquire(ctx context.Context, key string, leaseTime, waitTime time.Duration) (domain.Token, error) {
	res := c.TryAcquire(ctx, key, leaseTime, waitTime)
	if err := acquireError(res); err != nil {
		return "", err
	}
	return res.Token, nil
}

// Release releases key if it is still held with token. Releasing a key that
// already expired, was released, or is now held by someone else is a no-op.
// Only store failures are returned.
func (c *Coordinator) Release(ctx context.Context, key string, token domain.Token) error {
	deleted, err := c.store.CompareAndDelete(ctx, key, string(token))
	if err != nil {
		metrics.LockReleaseTotal.WithLabelValues("error").Inc()
		c.logger.Error("failed to release lock", "key", key, "error", err)
		return fmt.Errorf("%w: release %s: %w", domain.ErrLockStoreUnavailable, key, err)
	}

	if deleted {
		metrics.LockReleaseTotal.WithLabelValues("released").Inc()
		c.logger.Info("lock released", "key", key)
		return nil
	}

	metrics.LockReleaseTotal.WithLabelValues("not_held").Inc()
	if current, found, err := c.store.Get(ctx, key); err == nil && found && current != string(token) {
		c.logger.Warn("lock is held by another token, release skipped", "key", key)
		return nil
	}
	c.logger.Debug("lock already released or expired", "key", key)
	return nil
}

// ForceRelease clears key regardless of who holds it. It is an
// administrative override and is always logged.
func (c *Coordinator) ForceRelease(ctx context.Context, key string) error {
	if key == "" {
		return domain.ErrInvalidKey
	}
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Error("failed to force release lock", "key", key, "error", err)
		return fmt.Errorf("%w: force release %s: %w", domain.ErrLockStoreUnavailable, key, err)
	}
	metrics.LockForceReleaseTotal.Inc()
	c.logger.Warn("lock force released", "key", key)
	return nil
}

// IsLocked reports whether key is currently held. The answer may be stale as
// soon as it is returned; use it for diagnostics only.
func (c *Coordinator) IsLocked(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, domain.ErrInvalidKey
	}
	_, found, err := c.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%w: get %s: %w", domain.ErrLockStoreUnavailable, key, err)
	}
	return found, nil
}

// RunExclusive runs fn while holding key.
//
// If the lock cannot be taken within waitTime, fn is not run and the error
// wraps ErrLockUnavailable (or ErrLockStoreUnavailable). Otherwise fn's error
// is returned unchanged. The lock is released exactly once before returning,
// including when fn panics; the panic keeps propagating.
//
// A negative waitTime or non-positive leaseTime uses the configured default.
// The lease must outlast fn: once it expires another caller may take the key
// while fn is still running.
func (c *Coordinator) RunExclusive(ctx context.Context, key string, fn func(ctx context.Context) error, waitTime, leaseTime time.Duration) error {
	_, err := c.run(ctx, key, fn, waitTime, leaseTime)
	return err
}

// TryRunExclusive is RunExclusive for best-effort callers: losing to
// contention returns acquired=false and a nil error. Store failures and fn
// errors are still returned.
func (c *Coordinator) TryRunExclusive(ctx context.Context, key string, fn func(ctx context.Context) error, waitTime, leaseTime time.Duration) (bool, error) {
	acquired, err := c.run(ctx, key, fn, waitTime, leaseTime)
	if !acquired && errors.Is(err, domain.ErrLockUnavailable) {
		return false, nil
	}
	return acquired, err
}

// Run is RunExclusive with the configured default wait and lease times.
func (c *Coordinator) Run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return c.RunExclusive(ctx, key, fn, c.cfg.DefaultWaitTime, c.cfg.DefaultLeaseTime)
}

func (c *Coordinator) run(ctx context.Context, key string, fn func(ctx context.Context) error, waitTime, leaseTime time.Duration) (acquired bool, err error) {
	if waitTime < 0 {
		waitTime = c.cfg.DefaultWaitTime
	}
	if leaseTime <= 0 {
		leaseTime = c.cfg.DefaultLeaseTime
	}

	ctx, span := c.tracer.Start(ctx, "lock.RunExclusive", trace.WithAttributes(
		attribute.String("lock.key", key),
		attribute.Int64("lock.wait_ms", waitTime.Milliseconds()),
		attribute.Int64("lock.lease_ms", leaseTime.Milliseconds()),
	))
	defer span.End()

	res := c.TryAcquire(ctx, key, leaseTime, waitTime)
	span.SetAttributes(
		attribute.String("lock.outcome", res.Outcome.String()),
		attribute.Int("lock.attempts", res.Attempts),
	)
	if !res.Acquired() {
		err := acquireError(res)
		if res.Outcome == domain.AcquireOutcomeStoreError {
			span.RecordError(err)
			span.SetStatus(codes.Error, "lock store unavailable")
		}
		return false, err
	}
	span.AddEvent("lock_acquired")

	heldSince := time.Now()
	completed := false
	defer func() {
		metrics.LockHoldSeconds.Observe(time.Since(heldSince).Seconds())
		switch {
		case !completed:
			metrics.CriticalSectionTotal.WithLabelValues("panic").Inc()
			span.SetStatus(codes.Error, "critical section panicked")
			c.logger.Error("critical section panicked, releasing lock", "key", key)
		case err != nil:
			metrics.CriticalSectionTotal.WithLabelValues("failed").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "critical section failed")
		default:
			metrics.CriticalSectionTotal.WithLabelValues("success").Inc()
		}

		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ReleaseTimeout)
		defer cancel()
		// A failed release is logged by Release; the lease bounds how long
		// the key stays taken.
		_ = c.Release(releaseCtx, key, res.Token)
	}()

	err = fn(ctx)
	completed = true
	return true, err
}

func (c *Coordinator) attempt(ctx context.Context, key, token string, leaseTime time.Duration, deadline time.Time) (bool, error) {
	attemptCtx, cancel := c.attemptContext(ctx, deadline)
	defer cancel()
	return c.store.SetIfAbsent(attemptCtx, key, token, leaseTime)
}

// holds reports whether key is known to hold token. Read errors count as no.
func (c *Coordinator) holds(ctx context.Context, key string, token domain.Token, deadline time.Time) bool {
	readCtx, cancel := c.attemptContext(ctx, deadline)
	defer cancel()
	current, found, err := c.store.Get(readCtx, key)
	if err != nil || !found || current != string(token) {
		return false
	}
	c.logger.Warn("lock write succeeded despite store error", "key", key)
	return true
}

// abandon deletes token from key after an acquire that gave up following a
// store error, in case one of the failed writes landed.
func (c *Coordinator) abandon(ctx context.Context, key string, token domain.Token) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ReleaseTimeout)
	defer cancel()
	deleted, err := c.store.CompareAndDelete(cleanupCtx, key, string(token))
	switch {
	case err != nil:
		c.logger.Debug("could not clear abandoned lock token", "key", key, "error", err)
	case deleted:
		metrics.LockReleaseTotal.WithLabelValues("abandoned").Inc()
		c.logger.Warn("cleared lock written by an abandoned acquire", "key", key)
	}
}

// attemptContext bounds one store call by AttemptTimeout and by deadline,
// allowing at least MinAttemptTimeout.
func (c *Coordinator) attemptContext(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	now := time.Now()
	if floor := now.Add(min(MinAttemptTimeout, c.cfg.AttemptTimeout)); deadline.Before(floor) {
		deadline = floor
	}
	if limit := now.Add(c.cfg.AttemptTimeout); limit.Before(deadline) {
		deadline = limit
	}
	return context.WithDeadline(ctx, deadline)
}

func (c *Coordinator) finishAcquire(res domain.AcquireResult, outcome domain.AcquireOutcome, err error, start time.Time) domain.AcquireResult {
	res.Outcome = outcome
	res.Err = err
	res.Waited = time.Since(start)

	metrics.LockAcquireTotal.WithLabelValues(outcome.String()).Inc()
	metrics.LockWaitSeconds.Observe(res.Waited.Seconds())

	switch outcome {
	case domain.AcquireOutcomeAcquired:
		c.logger.Info("lock acquired", "key", res.Key, "attempts", res.Attempts, "waited", res.Waited)
	case domain.AcquireOutcomeTimedOut:
		c.logger.Debug("lock not acquired", "key", res.Key, "attempts", res.Attempts, "waited", res.Waited, "error", err)
	case domain.AcquireOutcomeStoreError:
		c.logger.Error("lock store unavailable", "key", res.Key, "attempts", res.Attempts, "error", err)
	}
	return res
}

// newToken returns a value unique to one acquire attempt.
func (c *Coordinator) newToken() domain.Token {
	return domain.Token(fmt.Sprintf("%s:%d:%s", c.cfg.Owner, time.Now().UnixNano(), uuid.NewString()))
}

func acquireError(res domain.AcquireResult) error {
	switch res.Outcome {
	case domain.AcquireOutcomeAcquired:
		return nil
	case domain.AcquireOutcomeStoreError:
		if errors.Is(res.Err, domain.ErrInvalidKey) {
			return res.Err
		}
		return fmt.Errorf("%w: acquire %s: %w", domain.ErrLockStoreUnavailable, res.Key, res.Err)
	default:
		if res.Err != nil {
			return fmt.Errorf("%w: %s after %d attempts: %w", domain.ErrLockUnavailable, res.Key, res.Attempts, res.Err)
		}
		return fmt.Errorf("%w: %s after %d attempts", domain.ErrLockUnavailable, res.Key, res.Attempts)
	}
}

// jitter spreads d over [d/2, d) so waiters on one key do not retry in step.
func jitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
