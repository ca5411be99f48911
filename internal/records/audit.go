package records

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	opAuditAppend = "records.audit_append"
	opAuditTrail  = "records.audit_trail"

	auditTableName = "audit_log"
)

// AuditAction names the mutation an audit entry describes.
type AuditAction string

const (
	AuditCreate   AuditAction = "create"
	AuditUpdate   AuditAction = "update"
	AuditDelete   AuditAction = "delete"
	AuditDonate   AuditAction = "donate"
	AuditDebit    AuditAction = "distribute"
	AuditTransfer AuditAction = "transfer"
	AuditAdjust   AuditAction = "adjust"
)

// AuditEntry is one append-only line of the device audit trail.
type AuditEntry struct {
	ID         string
	EntityType EntityType
	LocalKey   string
	Action     AuditAction
	Field      string
	OldValue   string
	NewValue   string
	Note       string
	AppliedAt  time.Time
}

// auditRow captures an append-only audit trail for ledger and record changes.
type auditRow struct {
	EntryID        string `gorm:"column:entry_id;primaryKey;size:64;not null"`
	EntityType     string `gorm:"column:entity_type;size:32;not null;index:idx_audit_entity_time,priority:1"`
	LocalKey       string `gorm:"column:local_key;size:64;not null;index:idx_audit_entity_time,priority:2"`
	Action         string `gorm:"column:action;size:32;not null"`
	Field          string `gorm:"column:field;size:64;not null;default:''"`
	OldValue       string `gorm:"column:old_value;type:text;not null;default:''"`
	NewValue       string `gorm:"column:new_value;type:text;not null;default:''"`
	Note           string `gorm:"column:note;type:text;not null;default:''"`
	AppliedAtNanos int64  `gorm:"column:applied_at_ns;not null;index:idx_audit_entity_time,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (auditRow) TableName() string {
	return auditTableName
}

func (row auditRow) toEntry() AuditEntry {
	return AuditEntry{
		ID:         row.EntryID,
		EntityType: EntityType(row.EntityType),
		LocalKey:   row.LocalKey,
		Action:     AuditAction(row.Action),
		Field:      row.Field,
		OldValue:   row.OldValue,
		NewValue:   row.NewValue,
		Note:       row.Note,
		AppliedAt:  time.Unix(0, row.AppliedAtNanos).UTC(),
	}
}

func (s *sqliteStore) AppendAudit(ctx context.Context, entry AuditEntry) (AuditEntry, error) {
	if entry.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return AuditEntry{}, newStoreError(opAuditAppend, "id_generation_failed", err)
		}
		entry.ID = id.String()
	}
	if entry.AppliedAt.IsZero() {
		entry.AppliedAt = s.clock()
	}
	row := auditRow{
		EntryID:        entry.ID,
		EntityType:     entry.EntityType.String(),
		LocalKey:       entry.LocalKey,
		Action:         string(entry.Action),
		Field:          entry.Field,
		OldValue:       entry.OldValue,
		NewValue:       entry.NewValue,
		Note:           entry.Note,
		AppliedAtNanos: entry.AppliedAt.UTC().UnixNano(),
	}

	unlock := s.lockWrites()
	defer unlock()
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opAuditAppend, "insert_failed", err, entry.EntityType, entry.LocalKey)
		return AuditEntry{}, newStoreError(opAuditAppend, "insert_failed", err)
	}
	return row.toEntry(), nil
}

func (s *sqliteStore) AuditTrail(ctx context.Context, entityType EntityType, localKey string, limit int) ([]AuditEntry, error) {
	query := s.db.WithContext(ctx).Model(&auditRow{})
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType.String())
	}
	if localKey != "" {
		query = query.Where("local_key = ?", localKey)
	}
	query = query.Order("applied_at_ns DESC").Order("entry_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []auditRow
	if err := query.Find(&rows).Error; err != nil {
		s.logError(opAuditTrail, "query_failed", err, entityType, localKey)
		return nil, newStoreError(opAuditTrail, "query_failed", err)
	}
	entries := make([]AuditEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toEntry())
	}
	return entries, nil
}
