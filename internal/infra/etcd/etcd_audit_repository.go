// internal/infra/etcd/etcd_audit_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"

	"concurrency-guard/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	AuditDir = "/guard/audit/"
)

type etcdAuditRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdAuditRepository creates a new repository for force-release audit records backed by etcd.
func NewEtcdAuditRepository(client *clientv3.Client, logger *slog.Logger) domain.AuditRepository {
	return &etcdAuditRepository{
		client: client,
		logger: logger.With("component", "etcd-audit-repo"),
		tracer: otel.Tracer("concurrency-guard-etcd-audit-repo"),
	}
}

// Save persists a single audit record to etcd.
// The key is structured as /guard/audit/{escaped lockKey}/{recordID}.
func (r *etcdAuditRepository) Save(ctx context.Context, record *domain.AuditRecord) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveAudit")
	defer span.End()

	if err := record.Validate(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("invalid audit record: %w", err)
	}

	recordJSON, err := json.Marshal(record)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal audit record")
		return fmt.Errorf("failed to marshal audit record %s to JSON: %w", record.ID, err)
	}

	key := auditPrefix(record.Key) + record.ID
	span.SetAttributes(
		attribute.String("audit.id", record.ID),
		attribute.String("lock.key", record.Key),
		attribute.String("etcd.key", key),
	)

	if _, err := r.client.Put(ctx, key, string(recordJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put audit record to etcd")
		return fmt.Errorf("failed to save audit record %s to etcd: %w", record.ID, err)
	}
	return nil
}

// Get retrieves a single audit record by lock key and record ID.
func (r *etcdAuditRepository) Get(ctx context.Context, lockKey, id string) (*domain.AuditRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetAudit")
	defer span.End()
	span.SetAttributes(
		attribute.String("lock.key", lockKey),
		attribute.String("audit.id", id),
	)

	resp, err := r.client.Get(ctx, auditPrefix(lockKey)+id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get audit record from etcd")
		return nil, fmt.Errorf("failed to get audit record %s/%s from etcd: %w", lockKey, id, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrAuditNotFound, lockKey, id)
	}

	var record domain.AuditRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to unmarshal audit record")
		return nil, fmt.Errorf("failed to unmarshal audit record %s/%s from JSON: %w", lockKey, id, err)
	}
	return &record, nil
}

// ListByKey retrieves audit records for a lock key, newest first, with pagination.
func (r *etcdAuditRepository) ListByKey(ctx context.Context, lockKey string, page, pageSize int) ([]*domain.AuditRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListAudit")
	defer span.End()
	span.SetAttributes(
		attribute.String("lock.key", lockKey),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		return []*domain.AuditRecord{}, nil
	}

	resp, err := r.client.Get(ctx, auditPrefix(lockKey),
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortDescend),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list audit records from etcd")
		return nil, fmt.Errorf("failed to list audit records for %s from etcd: %w", lockKey, err)
	}

	records := make([]*domain.AuditRecord, 0, pageSize)
	// etcd Limit counts keys, not pages; paginate client side.
	startIdx := (page - 1) * pageSize
	endIdx := startIdx + pageSize

	for i, kv := range resp.Kvs {
		if i < startIdx {
			continue
		}
		if i >= endIdx {
			break
		}

		var record domain.AuditRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			r.logger.Warn("failed to unmarshal audit record from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		records = append(records, &record)
	}
	span.SetAttributes(attribute.Int("records_returned", len(records)))
	return records, nil
}

// auditPrefix escapes lockKey so that records of "a" and "a/b" never share a prefix.
func auditPrefix(lockKey string) string {
	return AuditDir + url.PathEscape(lockKey) + "/"
}
