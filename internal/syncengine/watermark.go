package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sigerd/fieldsync/internal/records"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WatermarkStore persists the last successful pull point per entity type.
type WatermarkStore interface {
	Get(ctx context.Context, entityType records.EntityType) (time.Time, error)
	Set(ctx context.Context, entityType records.EntityType, watermark time.Time) error
}

// syncWatermark models the persisted pull watermark of one entity type.
type syncWatermark struct {
	EntityType     string `gorm:"column:entity_type;primaryKey;size:32;not null"`
	WatermarkNanos int64  `gorm:"column:watermark_ns;not null"`
}

// TableName provides the explicit table binding for GORM.
func (syncWatermark) TableName() string {
	return "sync_watermarks"
}

// Migrate creates the watermark table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&syncWatermark{})
}

type sqliteWatermarks struct {
	db *gorm.DB
}

// NewSQLiteWatermarks stores watermarks in the table created by Migrate.
func NewSQLiteWatermarks(db *gorm.DB) WatermarkStore {
	return &sqliteWatermarks{db: db}
}

func (w *sqliteWatermarks) Get(ctx context.Context, entityType records.EntityType) (time.Time, error) {
	var row syncWatermark
	result := w.db.WithContext(ctx).Where("entity_type = ?", entityType.String()).Limit(1).Find(&row)
	if result.Error != nil {
		return time.Time{}, newEngineError(opPullRemote, "watermark_select_failed", errors.Join(records.ErrStorageFailure, result.Error))
	}
	if result.RowsAffected == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, row.WatermarkNanos).UTC(), nil
}

func (w *sqliteWatermarks) Set(ctx context.Context, entityType records.EntityType, watermark time.Time) error {
	row := syncWatermark{EntityType: entityType.String(), WatermarkNanos: watermark.UTC().UnixNano()}
	err := w.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"watermark_ns"}),
	}).Create(&row).Error
	if err != nil {
		return newEngineError(opPullRemote, "watermark_save_failed", errors.Join(records.ErrStorageFailure, err))
	}
	return nil
}

// MemoryWatermarks keeps watermarks for the lifetime of the process.
type MemoryWatermarks struct {
	mu    sync.Mutex
	marks map[records.EntityType]time.Time
}

func NewMemoryWatermarks() *MemoryWatermarks {
	return &MemoryWatermarks{marks: make(map[records.EntityType]time.Time)}
}

func (w *MemoryWatermarks) Get(_ context.Context, entityType records.EntityType) (time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.marks[entityType], nil
}

func (w *MemoryWatermarks) Set(_ context.Context, entityType records.EntityType, watermark time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.marks[entityType] = watermark
	return nil
}
