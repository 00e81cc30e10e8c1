package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LocalState is one persisted scalar.
type LocalState struct {
	Key              string `gorm:"column:state_key;primaryKey;size:190;not null"`
	Value            string `gorm:"column:state_value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LocalState) TableName() string {
	return "local_state"
}

// SQLiteStore keeps local state in the client's own database.
type SQLiteStore struct {
	db    *gorm.DB
	clock func() time.Time
}

func NewSQLiteStore(db *gorm.DB, clock func() time.Time) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("state: database connection required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLiteStore{db: db, clock: clock}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, errEmptyKey
	}
	var row LocalState
	err := s.db.WithContext(ctx).Where("state_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("state: get %s: %w", key, err)
	}
	return row.Value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return errEmptyKey
	}
	if err := upsertState(s.db.WithContext(ctx), key, value, s.clock()); err != nil {
		return fmt.Errorf("state: set %s: %w", key, err)
	}
	return nil
}

// Swap reads and replaces the value inside one transaction.
func (s *SQLiteStore) Swap(ctx context.Context, key, value string) (string, error) {
	if key == "" {
		return "", errEmptyKey
	}
	var previous string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row LocalState
		err := tx.Where("state_key = ?", key).Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			previous = row.Value
		}
		return upsertState(tx, key, value, s.clock())
	})
	if err != nil {
		return "", fmt.Errorf("state: swap %s: %w", key, err)
	}
	return previous, nil
}

func upsertState(db *gorm.DB, key, value string, now time.Time) error {
	row := LocalState{Key: key, Value: value, UpdatedAtSeconds: now.UTC().Unix()}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "state_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"state_value", "updated_at_s"}),
	}).Create(&row).Error
}
