package database

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRepullForOriginKeys = "2025-09-01_repull_for_origin_keys"
	migrationBackfillHubOrigin   = "2025-09-01_backfill_hub_origin_keys"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var deviceMigrations = []migrationDefinition{
	{name: migrationRepullForOriginKeys, apply: resetSyncWatermarks},
}

var hubMigrations = []migrationDefinition{
	{name: migrationBackfillHubOrigin, apply: backfillHubOriginKeys},
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range migrations {
		var applied int64
		if err := db.Model(&migrationRecord{}).Where("name = ?", migration.name).Count(&applied).Error; err != nil {
			return err
		}
		if applied > 0 {
			continue
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Cache rows written before the hub echoed origin keys cannot be matched to
// their local copies; dropping the watermarks makes the next pull rewrite them.
func resetSyncWatermarks(db *gorm.DB) error {
	return db.Exec("DELETE FROM sync_watermarks").Error
}

// Rows created by a remote id alone predate origin tracking; they keep their
// remote id as origin so retried pushes still resolve to a single row.
func backfillHubOriginKeys(db *gorm.DB) error {
	return db.Exec("UPDATE hub_records SET origin_key = remote_id WHERE origin_key = ''").Error
}
