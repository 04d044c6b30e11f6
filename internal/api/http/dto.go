package http

import (
	"time"

	"concurrency-guard/internal/domain"
)

// ForceReleaseRequest is the body of DELETE /locks/{key}.
type ForceReleaseRequest struct {
	Operator string `json:"operator" validate:"required,min=1,max=128"`
	Reason   string `json:"reason" validate:"required,min=3,max=1024"`
}

// ToAuditRecord builds the audit record for a force release of key.
func (r *ForceReleaseRequest) ToAuditRecord(id, key, instanceID string, at time.Time) *domain.AuditRecord {
	return &domain.AuditRecord{
		ID:         id,
		Key:        key,
		Operator:   r.Operator,
		Reason:     r.Reason,
		InstanceID: instanceID,
		At:         at,
	}
}

// AdmissionStatusResponse is the body of GET /admission/status.
type AdmissionStatusResponse struct {
	domain.LoadSnapshot
	SuggestedDelayMs int64 `json:"suggested_delay_ms"`
}

// LockStatusResponse is the body of GET /locks/{key}.
type LockStatusResponse struct {
	Key    string `json:"key"`
	Locked bool   `json:"locked"`
}
