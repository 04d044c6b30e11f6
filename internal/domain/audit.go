package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAuditNotFound is returned when an audit record does not exist.
var ErrAuditNotFound = errors.New("audit record not found")

// AuditRecord documents an administrative force release of a lock.
type AuditRecord struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Operator   string    `json:"operator"`
	Reason     string    `json:"reason"`
	InstanceID string    `json:"instance_id"`          // guardd instance that performed the release
	WasLocked  bool      `json:"was_locked"`           // lock state observed right before the release
	Error      string    `json:"error,omitempty"`      // set if the release failed
	At         time.Time `json:"at"`
}

// Validate checks if the audit record is complete.
func (r *AuditRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("audit record ID cannot be empty")
	}
	if r.Key == "" {
		return fmt.Errorf("audit record key cannot be empty")
	}
	if r.Operator == "" {
		return fmt.Errorf("audit record operator cannot be empty")
	}
	if r.At.IsZero() {
		return fmt.Errorf("audit record time cannot be zero")
	}
	return nil
}

// AuditRepository persists force-release audit records.
type AuditRepository interface {
	Save(ctx context.Context, record *AuditRecord) error
	Get(ctx context.Context, key, id string) (*AuditRecord, error)
	// ListByKey returns records for key, newest first. page starts at 1.
	ListByKey(ctx context.Context, key string, page, pageSize int) ([]*AuditRecord, error)
}
