package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/iggafy/dropaline-sub000/internal/drops"
	"github.com/iggafy/dropaline-sub000/internal/ledger"
	"github.com/iggafy/dropaline-sub000/internal/state"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
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

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate brings the schema up to date: tables first, then one-shot data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&drops.Drop{},
		&drops.Author{},
		&drops.Subscription{},
		&ledger.DeliveryStatus{},
		&state.LocalState{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
