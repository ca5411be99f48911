package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/sigerd/fieldsync/internal/hub"
	"github.com/sigerd/fieldsync/internal/records"
	"github.com/sigerd/fieldsync/internal/syncengine"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsResetsSyncWatermarks(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := syncengine.Migrate(database); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	if err := database.AutoMigrate(&migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	watermarks := syncengine.NewSQLiteWatermarks(database)
	if err := watermarks.Set(context.Background(), records.EntityShelter, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		testContext.Fatalf("failed to seed watermark: %v", err)
	}

	if err := applyMigrations(database, deviceMigrations, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	stored, err := watermarks.Get(context.Background(), records.EntityShelter)
	if err != nil {
		testContext.Fatalf("failed to reload watermark: %v", err)
	}
	if !stored.IsZero() {
		testContext.Fatalf("expected watermark to be reset, got %v", stored)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationRepullForOriginKeys).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := watermarks.Set(context.Background(), records.EntityShelter, time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		testContext.Fatalf("failed to seed watermark: %v", err)
	}
	if err := applyMigrations(database, deviceMigrations, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	again, err := watermarks.Get(context.Background(), records.EntityShelter)
	if err != nil {
		testContext.Fatalf("failed to reload watermark: %v", err)
	}
	if again.IsZero() {
		testContext.Fatalf("expected applied migration to be skipped")
	}
}

func TestApplyMigrationsBackfillsHubOriginKeys(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "hub.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := hub.Migrate(database); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	if err := database.AutoMigrate(&migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := hub.StoredRecord{
		RemoteID:       "remote-1",
		EntityType:     "shelter",
		Status:         "active",
		CreatedAtNanos: 1,
		UpdatedAtNanos: 1,
		SyncedAtNanos:  1,
		PayloadJSON:    `{"name":"A"}`,
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert record: %v", err)
	}

	if err := applyMigrations(database, hubMigrations, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored hub.StoredRecord
	if err := database.Where("remote_id = ?", "remote-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload record: %v", err)
	}
	if stored.OriginKey != "remote-1" {
		testContext.Fatalf("expected origin key backfill, got %q", stored.OriginKey)
	}
}

func TestOpenSQLiteCreatesDeviceAndHubSchemas(testContext *testing.T) {
	tempDir := testContext.TempDir()

	device, err := OpenSQLite(filepath.Join(tempDir, "device.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open device database: %v", err)
	}
	for _, table := range []string{"local_shelters", "cache_inventory_items", "audit_log", "sync_watermarks", "db_migrations"} {
		if !device.Migrator().HasTable(table) {
			testContext.Fatalf("expected device table %s", table)
		}
	}

	hubDB, err := OpenHubSQLite(filepath.Join(tempDir, "hub.db"), nil)
	if err != nil {
		testContext.Fatalf("failed to open hub database: %v", err)
	}
	if !hubDB.Migrator().HasTable("hub_records") {
		testContext.Fatalf("expected hub_records table")
	}

	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
