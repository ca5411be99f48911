package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/sigerd/fieldsync/internal/hub"
	"github.com/sigerd/fieldsync/internal/records"
	"github.com/sigerd/fieldsync/internal/syncengine"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes the device database and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := records.Migrate(db); err != nil {
		return nil, err
	}
	if err := syncengine.Migrate(db); err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, deviceMigrations, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path), zap.String("role", "device"))
	}

	return db, nil
}

// OpenHubSQLite establishes the hub database and performs schema migrations.
func OpenHubSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := hub.Migrate(db); err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, hubMigrations, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path), zap.String("role", "hub"))
	}

	return db, nil
}

func open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
