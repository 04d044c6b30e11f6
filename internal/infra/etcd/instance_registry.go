// internal/infra/etcd/instance_registry.go
package etcd

import (
	"context"
	"fmt"
	"log/slog"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// InstancePrefix is the etcd prefix where guardd instances register themselves.
	InstancePrefix = "/guard/instances/"
)

// InstanceRegistry announces this guardd instance to the others sharing the
// lock store. The registration lives under a kept-alive lease, so a crashed
// instance disappears once the lease expires.
type InstanceRegistry struct {
	client  *clientv3.Client
	logger  *slog.Logger
	leaseID clientv3.LeaseID
	key     string
	value   string
}

// NewInstanceRegistry creates a new instance registry.
func NewInstanceRegistry(client *clientv3.Client, logger *slog.Logger) *InstanceRegistry {
	return &InstanceRegistry{
		client: client,
		logger: logger.With("component", "instance-registry"),
	}
}

// Register registers the instance with etcd, providing its API address.
// It starts a keep-alive goroutine for the lease that runs until Deregister.
func (r *InstanceRegistry) Register(ctx context.Context, instanceID, addr string, ttl int64) error {
	r.key = InstancePrefix + instanceID
	r.value = addr

	leaseResp, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	r.leaseID = leaseResp.ID

	if _, err := r.client.Put(ctx, r.key, r.value, clientv3.WithLease(r.leaseID)); err != nil {
		return fmt.Errorf("failed to put instance registration key: %w", err)
	}

	keepAliveCh, err := r.client.KeepAlive(context.WithoutCancel(ctx), r.leaseID)
	if err != nil {
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}

	go func() {
		for {
			// The channel closes when the lease is revoked or expires.
			ka, ok := <-keepAliveCh
			if !ok {
				r.logger.Warn("keep-alive channel closed, instance registration may have expired")
				return
			}
			r.logger.Debug("lease keep-alive refreshed", "lease_id", int64(ka.ID), "ttl", ka.TTL)
		}
	}()

	r.logger.Info("instance registered", "key", r.key, "addr", r.value)
	return nil
}

// Deregister removes the registration by revoking its lease.
func (r *InstanceRegistry) Deregister(ctx context.Context) error {
	r.logger.Info("deregistering instance", "key", r.key)

	if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}
