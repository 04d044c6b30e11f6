package memory

import (
	"context"
	"fmt"
	"sync"

	"concurrency-guard/internal/domain"
)

// AuditRepository keeps audit records in memory, in insertion order.
type AuditRepository struct {
	mu      sync.RWMutex
	records map[string][]domain.AuditRecord
}

var _ domain.AuditRepository = (*AuditRepository)(nil)

func NewAuditRepository() *AuditRepository {
	return &AuditRepository{records: make(map[string][]domain.AuditRecord)}
}

func (r *AuditRepository) Save(_ context.Context, record *domain.AuditRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid audit record: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.Key] = append(r.records[record.Key], *record)
	return nil
}

func (r *AuditRepository) Get(_ context.Context, key, id string) (*domain.AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records[key] {
		if rec.ID == id {
			rec := rec
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", domain.ErrAuditNotFound, key, id)
}

func (r *AuditRepository) ListByKey(_ context.Context, key string, page, pageSize int) ([]*domain.AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		return []*domain.AuditRecord{}, nil
	}

	all := r.records[key]
	startIdx := (page - 1) * pageSize
	endIdx := startIdx + pageSize

	out := make([]*domain.AuditRecord, 0, pageSize)
	// Newest first.
	for i := len(all) - 1 - startIdx; i >= 0 && i > len(all)-1-endIdx; i-- {
		rec := all[i]
		out = append(out, &rec)
	}
	return out, nil
}
