// internal/infra/etcd/instance_watcher.go
package etcd

import (
	"context"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// InstanceWatcher tracks the guardd instances registered under
// InstancePrefix. It keeps a local copy so listing never hits etcd.
type InstanceWatcher struct {
	client    *clientv3.Client
	logger    *slog.Logger
	instances map[string]string // map of instanceID -> HTTP address
	mu        sync.RWMutex
}

// NewInstanceWatcher creates a new watcher.
func NewInstanceWatcher(client *clientv3.Client, logger *slog.Logger) *InstanceWatcher {
	return &InstanceWatcher{
		client:    client,
		logger:    logger.With("component", "instance-watcher"),
		instances: make(map[string]string),
	}
}

// Watch loads the current instances and follows registrations and
// deregistrations until ctx is done. It blocks; run it in a goroutine.
func (w *InstanceWatcher) Watch(ctx context.Context) {
	w.logger.Info("starting to watch for instances")

	rev, err := w.loadInitial(ctx)
	if err != nil {
		w.logger.Error("failed to perform initial instance load", "error", err)
	}

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	watchChan := w.client.Watch(ctx, InstancePrefix, opts...)

	for watchResp := range watchChan {
		for _, event := range watchResp.Events {
			id := strings.TrimPrefix(string(event.Kv.Key), InstancePrefix)
			addr := string(event.Kv.Value)

			w.mu.Lock()
			switch event.Type {
			case clientv3.EventTypePut:
				if _, ok := w.instances[id]; !ok {
					w.logger.Info("instance joined", "instance_id", id, "addr", addr)
				}
				w.instances[id] = addr
			case clientv3.EventTypeDelete:
				// Lease expired or graceful shutdown.
				w.logger.Info("instance left", "instance_id", id, "addr", w.instances[id])
				delete(w.instances, id)
			}
			w.mu.Unlock()
		}
	}
	w.logger.Info("stopped watching for instances")
}

func (w *InstanceWatcher) loadInitial(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := w.client.Get(ctx, InstancePrefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), InstancePrefix)
		w.logger.Info("found existing instance", "instance_id", id, "addr", string(kv.Value))
		w.instances[id] = string(kv.Value)
	}
	return resp.Header.Revision, nil
}

// List returns a snapshot of the known instances as instanceID -> address.
func (w *InstanceWatcher) List(context.Context) (map[string]string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return maps.Clone(w.instances), nil
}
