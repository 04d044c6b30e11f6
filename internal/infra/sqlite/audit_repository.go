package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"concurrency-guard/internal/domain"

	sq "github.com/Masterminds/squirrel"
)

const auditTableName = "audit_records"

var auditColumns = []string{"id", "lock_key", "operator", "reason", "instance_id", "was_locked", "error", "at_ns"}

type auditRepository struct {
	db *sql.DB
}

// NewAuditRepository returns an AuditRepository backed by db. The schema
// must already exist (see Open and Migrate).
func NewAuditRepository(db *sql.DB) domain.AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Save(ctx context.Context, record *domain.AuditRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid audit record: %w", err)
	}
	_, err := sq.Insert(auditTableName).
		Columns(auditColumns...).
		Values(record.ID, record.Key, record.Operator, record.Reason, record.InstanceID,
			record.WasLocked, record.Error, record.At.UnixNano()).
		RunWith(r.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (r *auditRepository) Get(ctx context.Context, key, id string) (*domain.AuditRecord, error) {
	row := sq.Select(auditColumns...).
		From(auditTableName).
		Where(sq.Eq{"lock_key": key}).
		Where(sq.Eq{"id": id}).
		RunWith(r.db).QueryRowContext(ctx)

	record, err := scanRecord(row)
	switch {
	case err == nil:
		return record, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrAuditNotFound, key, id)
	default:
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
}

func (r *auditRepository) ListByKey(ctx context.Context, key string, page, pageSize int) ([]*domain.AuditRecord, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		return []*domain.AuditRecord{}, nil
	}

	rows, err := sq.Select(auditColumns...).
		From(auditTableName).
		Where(sq.Eq{"lock_key": key}).
		OrderBy("at_ns DESC", "id DESC").
		Suffix("LIMIT ? OFFSET ?", pageSize, (page-1)*pageSize).
		RunWith(r.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]*domain.AuditRecord, 0, pageSize)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	return records, nil
}

func scanRecord(scanner sq.RowScanner) (*domain.AuditRecord, error) {
	var (
		record domain.AuditRecord
		atNs   int64
	)
	err := scanner.Scan(&record.ID, &record.Key, &record.Operator, &record.Reason,
		&record.InstanceID, &record.WasLocked, &record.Error, &atNs)
	if err != nil {
		return nil, err
	}
	record.At = time.Unix(0, atNs).UTC()
	return &record, nil
}
