package database

import (
	"errors"
	"time"

	"github.com/iggafy/dropaline-sub000/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCollapseStoredQueuedStatus = "2026-03-01_collapse_stored_queued_status"
	migrationNormalizeEmptyLayouts      = "2026-03-08_normalize_empty_layouts"
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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationCollapseStoredQueuedStatus, apply: collapseStoredQueuedStatus},
		{name: migrationNormalizeEmptyLayouts, apply: normalizeEmptyLayouts},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// collapseStoredQueuedStatus rewrites legacy queued rows to received; queued is only
// ever derived from the active policy.
func collapseStoredQueuedStatus(db *gorm.DB) error {
	return db.Model(&ledger.DeliveryStatus{}).
		Where("status = ?", ledger.StatusQueued).
		Update("status", ledger.StatusReceived).Error
}

func normalizeEmptyLayouts(db *gorm.DB) error {
	return db.Table("drops").
		Where("layout = '' OR layout IS NULL").
		Update("layout", "classic").Error
}
