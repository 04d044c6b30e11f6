// internal/infra/etcd/etcd_lock_store.go
package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"concurrency-guard/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// LockPrefix is the etcd root for lock keys.
	LockPrefix = "/guard/locks/"

	revokeTimeout = 3 * time.Second
)

// etcdLockStore implements domain.LockStore. Every held key is attached to
// its own lease, so etcd drops the key when the lease expires even if the
// holder never comes back.
type etcdLockStore struct {
	client *clientv3.Client
	logger *slog.Logger
}

// NewEtcdLockStore creates a lock store backed by etcd.
func NewEtcdLockStore(client *clientv3.Client, logger *slog.Logger) domain.LockStore {
	return &etcdLockStore{
		client: client,
		logger: logger.With("component", "etcd-lock-store"),
	}
}

// SetIfAbsent grants a lease and puts key under it only if key has never
// been created (CreateRevision == 0). The lease is revoked if the put loses.
func (s *etcdLockStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	lease, err := s.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to grant lease for lock %s: %w", key, err)
	}

	k := LockPrefix + key
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, value, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		s.revoke(ctx, lease.ID)
		return false, fmt.Errorf("failed to put lock %s: %w", key, err)
	}
	if !resp.Succeeded {
		s.revoke(ctx, lease.ID)
		return false, nil
	}
	return true, nil
}

// CompareAndDelete deletes key only while it still holds value, then revokes
// the lease that backed it.
func (s *etcdLockStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	k := LockPrefix + key
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(k), "=", value)).
		Then(clientv3.OpGet(k), clientv3.OpDelete(k)).
		Commit()
	if err != nil {
		return false, fmt.Errorf("failed to delete lock %s: %w", key, err)
	}
	if !resp.Succeeded {
		return false, nil
	}

	if rng := resp.Responses[0].GetResponseRange(); rng != nil && len(rng.Kvs) > 0 {
		s.revoke(ctx, clientv3.LeaseID(rng.Kvs[0].Lease))
	}
	return true, nil
}

func (s *etcdLockStore) Delete(ctx context.Context, key string) error {
	resp, err := s.client.Delete(ctx, LockPrefix+key, clientv3.WithPrevKV())
	if err != nil {
		return fmt.Errorf("failed to delete lock %s: %w", key, err)
	}
	for _, kv := range resp.PrevKvs {
		s.revoke(ctx, clientv3.LeaseID(kv.Lease))
	}
	return nil
}

func (s *etcdLockStore) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := s.client.Get(ctx, LockPrefix+key)
	if err != nil {
		return "", false, fmt.Errorf("failed to get lock %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// revoke drops a lease that no longer backs a lock. Failure only delays
// cleanup until the lease expires, so it is logged and ignored.
func (s *etcdLockStore) revoke(ctx context.Context, id clientv3.LeaseID) {
	if id == clientv3.NoLease {
		return
	}
	revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revokeTimeout)
	defer cancel()
	if _, err := s.client.Revoke(revokeCtx, id); err != nil {
		s.logger.Debug("failed to revoke lease", "lease_id", int64(id), "error", err)
	}
}

// leaseSeconds rounds ttl up to whole seconds, the granularity of etcd leases.
func leaseSeconds(ttl time.Duration) int64 {
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
