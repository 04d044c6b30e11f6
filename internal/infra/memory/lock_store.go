// Package memory provides in-process implementations of the store
// interfaces, used in tests and when guardd runs as a single instance.
package memory

import (
	"context"
	"sync"
	"time"

	"concurrency-guard/internal/domain"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// LockStore is a LockStore held in process memory. It only provides mutual
// exclusion between coordinators that share the same instance.
type LockStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

var _ domain.LockStore = (*LockStore)(nil)

// NewLockStore creates an empty store. now overrides the clock used for
// lease expiry; nil means time.Now.
func NewLockStore(now func() time.Time) *LockStore {
	if now == nil {
		now = time.Now
	}
	return &LockStore{
		entries: make(map[string]entry),
		now:     now,
	}
}

func (s *LockStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = entry{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *LockStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *LockStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *LockStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	return e.value, ok, nil
}

// lookup returns the live entry for key, dropping it if its lease ran out.
// Callers must hold s.mu.
func (s *LockStore) lookup(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}
