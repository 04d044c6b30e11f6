// internal/domain/locker.go
package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLockUnavailable is returned when a lock could not be acquired within
	// the wait time. It is expected under contention and safe to retry later.
	ErrLockUnavailable = errors.New("lock unavailable")

	// ErrLockStoreUnavailable is returned when the lock store could not be
	// reached. The resource is treated as unavailable (fail closed).
	ErrLockStoreUnavailable = errors.New("lock store unavailable")

	// ErrInvalidKey is returned for empty lock keys.
	ErrInvalidKey = errors.New("invalid lock key")
)

// Token proves a specific acquisition of a lock. A fresh token is generated
// for every acquire attempt and never reused.
type Token string

// LockStore is the shared key-value store backing distributed locks. All
// implementations must make SetIfAbsent and CompareAndDelete atomic, and must
// drop a key once its TTL elapses even if nobody deletes it.
type LockStore interface {
	// SetIfAbsent sets key to value with the given TTL only if key is unset.
	// It reports whether the value was written.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if it currently holds value.
	// It reports whether a key was deleted.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)

	// Delete unconditionally removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Get returns the current value of key, if any.
	Get(ctx context.Context, key string) (string, bool, error)
}

// AcquireOutcome tags the result of an acquisition attempt.
type AcquireOutcome int

const (
	AcquireOutcomeAcquired AcquireOutcome = iota
	AcquireOutcomeTimedOut
	AcquireOutcomeStoreError
)

func (o AcquireOutcome) String() string {
	switch o {
	case AcquireOutcomeAcquired:
		return "acquired"
	case AcquireOutcomeTimedOut:
		return "timed_out"
	case AcquireOutcomeStoreError:
		return "store_error"
	default:
		return "unknown"
	}
}

// AcquireResult is the tagged result of TryAcquire. Token is only set when
// Outcome is AcquireOutcomeAcquired. Err carries the store error for
// AcquireOutcomeStoreError, or the context error when the wait was cut short.
type AcquireResult struct {
	Outcome  AcquireOutcome
	Key      string
	Token    Token
	Attempts int
	Waited   time.Duration
	Err      error
}

// Acquired reports whether the lock is held by the caller.
func (r AcquireResult) Acquired() bool { return r.Outcome == AcquireOutcomeAcquired }
