// Package hub is the shared backend devices synchronize with.
package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sigerd/fieldsync/internal/humanid"
	"github.com/sigerd/fieldsync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "hub.service.new"
	opPush       = "hub.push"
	opPull       = "hub.pull"
	opDelete     = "hub.delete"
	opHumanIDs   = "hub.human_ids"

	defaultPullLimit = 500
	maxPullLimit     = 2000
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries the failing operation and reason.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Migrate creates the hub table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&StoredRecord{})
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service stores device pushes with last-writer-wins semantics and stamps every
// accepted write with a strictly increasing synced_at for pull watermarks.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	mu         sync.Mutex
	lastSynced int64
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Push creates or updates a record. A record already holding the human id for its
// entity type rejects the push with ErrHumanIDTaken. An older write than the
// stored one is acknowledged without being applied; the returned record tells the
// device which version the hub kept.
func (s *Service) Push(ctx context.Context, request PushRequest) (StoredRecord, error) {
	entityType, err := records.ParseEntityType(request.EntityType)
	if err != nil {
		return StoredRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	status := records.Status(strings.TrimSpace(request.Status))
	switch status {
	case "":
		status = records.StatusActive
	case records.StatusActive, records.StatusDeleted, records.StatusArchived:
	default:
		return StoredRecord{}, fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, request.Status)
	}
	if request.UpdatedAt.IsZero() || strings.TrimSpace(request.Payload) == "" {
		return StoredRecord{}, fmt.Errorf("%w: updated_at and payload are required", ErrInvalidRecord)
	}
	humanID := strings.TrimSpace(request.HumanID)
	if humanID != "" {
		if _, err := humanid.Parse(humanID); err != nil {
			return StoredRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stored StoredRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := s.lookup(tx, entityType, request.RemoteID, request.LocalKey)
		if err != nil {
			s.logError(opPush, "record_select_failed", err, zap.String("entity_type", entityType.String()))
			return newServiceError(opPush, "record_select_failed", err)
		}

		if humanID != "" {
			var holder StoredRecord
			query := tx.Where("entity_type = ? AND human_id = ?", entityType.String(), humanID)
			if found {
				query = query.Where("remote_id <> ?", existing.RemoteID)
			}
			result := query.Limit(1).Find(&holder)
			if result.Error != nil {
				s.logError(opPush, "human_id_select_failed", result.Error, zap.String("entity_type", entityType.String()))
				return newServiceError(opPush, "human_id_select_failed", result.Error)
			}
			if result.RowsAffected > 0 {
				return fmt.Errorf("%w: %s held by %s", ErrHumanIDTaken, humanID, holder.RemoteID)
			}
		}

		if found && request.UpdatedAt.UnixNano() <= existing.UpdatedAtNanos {
			stored = existing
			return nil
		}

		record := existing
		if !found {
			remoteID := strings.TrimSpace(request.RemoteID)
			if remoteID == "" {
				remoteID = uuid.NewString()
			}
			createdAt := request.CreatedAt
			if createdAt.IsZero() {
				createdAt = request.UpdatedAt
			}
			record = StoredRecord{
				RemoteID:       remoteID,
				EntityType:     entityType.String(),
				OriginKey:      strings.TrimSpace(request.LocalKey),
				CreatedAtNanos: createdAt.UTC().UnixNano(),
			}
		}
		record.HumanID = humanID
		record.Status = string(status)
		record.UpdatedAtNanos = request.UpdatedAt.UTC().UnixNano()
		record.PayloadJSON = request.Payload
		record.LastDevice = request.DeviceID
		record.SyncedAtNanos, err = s.nextStamp(tx)
		if err != nil {
			s.logError(opPush, "stamp_select_failed", err, zap.String("entity_type", entityType.String()))
			return newServiceError(opPush, "stamp_select_failed", err)
		}
		if err := tx.Save(&record).Error; err != nil {
			s.logError(opPush, "record_save_failed", err, zap.String("remote_id", record.RemoteID))
			return newServiceError(opPush, "record_save_failed", err)
		}
		stored = record
		return nil
	})
	if txErr != nil {
		return StoredRecord{}, txErr
	}
	return stored, nil
}

// PullSince returns records accepted after since, oldest first.
func (s *Service) PullSince(ctx context.Context, entityType records.EntityType, since time.Time, limit int) ([]StoredRecord, error) {
	if limit <= 0 {
		limit = defaultPullLimit
	}
	limit = min(limit, maxPullLimit)
	sinceNanos := int64(0)
	if !since.IsZero() {
		sinceNanos = since.UTC().UnixNano()
	}
	var rows []StoredRecord
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND synced_at_ns > ?", entityType.String(), sinceNanos).
		Order("synced_at_ns ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		s.logError(opPull, "query_failed", err, zap.String("entity_type", entityType.String()))
		return nil, newServiceError(opPull, "query_failed", err)
	}
	return rows, nil
}

// Delete tombstones a record.
func (s *Service) Delete(ctx context.Context, entityType records.EntityType, remoteID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing StoredRecord
		result := tx.Where("entity_type = ? AND remote_id = ?", entityType.String(), remoteID).
			Limit(1).Find(&existing)
		if result.Error != nil {
			s.logError(opDelete, "record_select_failed", result.Error, zap.String("remote_id", remoteID))
			return newServiceError(opDelete, "record_select_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrRecordNotFound
		}
		existing.Status = string(records.StatusDeleted)
		existing.UpdatedAtNanos = max(s.clock().UTC().UnixNano(), existing.UpdatedAtNanos+1)
		existing.LastDevice = deviceID
		stamp, err := s.nextStamp(tx)
		if err != nil {
			s.logError(opDelete, "stamp_select_failed", err, zap.String("remote_id", remoteID))
			return newServiceError(opDelete, "stamp_select_failed", err)
		}
		existing.SyncedAtNanos = stamp
		if err := tx.Save(&existing).Error; err != nil {
			s.logError(opDelete, "record_save_failed", err, zap.String("remote_id", remoteID))
			return newServiceError(opDelete, "record_save_failed", err)
		}
		return nil
	})
}

// HumanIDs lists the human ids of one entity type and year, tombstones included.
func (s *Service) HumanIDs(ctx context.Context, entityType records.EntityType, year int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&StoredRecord{}).
		Where("entity_type = ? AND human_id LIKE ?", entityType.String(), fmt.Sprintf("%%/%d", year)).
		Pluck("human_id", &ids).Error
	if err != nil {
		s.logError(opHumanIDs, "query_failed", err, zap.String("entity_type", entityType.String()))
		return nil, newServiceError(opHumanIDs, "query_failed", err)
	}
	return ids, nil
}

func (s *Service) lookup(tx *gorm.DB, entityType records.EntityType, remoteID, localKey string) (StoredRecord, bool, error) {
	candidates := []struct {
		column string
		value  string
	}{
		{column: "remote_id", value: strings.TrimSpace(remoteID)},
		{column: "origin_key", value: strings.TrimSpace(localKey)},
	}
	for _, candidate := range candidates {
		if candidate.value == "" {
			continue
		}
		var existing StoredRecord
		result := tx.Where("entity_type = ? AND "+candidate.column+" = ?", entityType.String(), candidate.value).
			Limit(1).Find(&existing)
		if result.Error != nil {
			return StoredRecord{}, false, result.Error
		}
		if result.RowsAffected > 0 {
			return existing, true, nil
		}
	}
	return StoredRecord{}, false, nil
}

// nextStamp returns a synced_at strictly greater than any handed out before. The
// caller holds s.mu.
func (s *Service) nextStamp(tx *gorm.DB) (int64, error) {
	if s.lastSynced == 0 {
		var latest int64
		if err := tx.Model(&StoredRecord{}).Select("COALESCE(MAX(synced_at_ns), 0)").Scan(&latest).Error; err != nil {
			return 0, err
		}
		s.lastSynced = latest
	}
	now := s.clock().UTC().UnixNano()
	if now <= s.lastSynced {
		now = s.lastSynced + 1
	}
	s.lastSynced = now
	return now, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	logFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	logFields = append(logFields, zap.Error(err))
	s.logger.Error("hub service error", logFields...)
}
