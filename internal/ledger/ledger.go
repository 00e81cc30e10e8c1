package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Status is a delivery status for a (user, drop) pair. Only Received and Printed are ever
// stored; Queued is derived during feed resolution.
type Status string

const (
	StatusReceived Status = "received"
	StatusPrinted  Status = "printed"
	StatusQueued   Status = "queued"
)

const (
	opLedgerNew   = "ledger.new"
	opUpsert      = "ledger.upsert"
	opGet         = "ledger.get"
	opListForUser = "ledger.list_for_user"

	tableDeliveryStatuses = "delivery_statuses"
	fieldUserID           = "user_id"
	fieldDropID           = "drop_id"
	maxIdentifierLength   = 190
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrQueuedNotStorable rejects attempts to persist the derived queued label.
	ErrQueuedNotStorable = errors.New("ledger: queued is derived and cannot be stored")
	// ErrInvalidStatus indicates an unknown status value.
	ErrInvalidStatus = errors.New("ledger: invalid status")
	// ErrInvalidKey indicates an empty or oversized user or drop id.
	ErrInvalidKey = errors.New("ledger: invalid key")
)

// ParseStatus validates a stored or user supplied status.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusReceived:
		return StatusReceived, nil
	case StatusPrinted:
		return StatusPrinted, nil
	case StatusQueued:
		return StatusQueued, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// DeliveryStatus is the ledger row. The composite primary key is the idempotency key.
type DeliveryStatus struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DropID           string `gorm:"column:drop_id;primaryKey;size:190;not null"`
	Status           Status `gorm:"column:status;size:16;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeliveryStatus) TableName() string {
	return tableDeliveryStatuses
}

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
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
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// Notifier receives a hint after every successful ledger write.
type Notifier interface {
	TableChanged(table string, ids ...string)
}

type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Notifier Notifier
	Logger   *zap.Logger
}

// Ledger is the durable per-(user, drop) delivery record backed by the local store.
type Ledger struct {
	db       *gorm.DB
	clock    func() time.Time
	notifier Notifier
	logger   *zap.Logger
}

func New(cfg Config) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opLedgerNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		db:       cfg.Database,
		clock:    clock,
		notifier: cfg.Notifier,
		logger:   logger,
	}, nil
}

// Upsert records status for (userID, dropID). Repeating the call leaves one row with the
// same status, and a printed row is never moved back to received.
func (l *Ledger) Upsert(ctx context.Context, userID, dropID string, status Status) error {
	if err := validateKey(userID, dropID); err != nil {
		return newServiceError(opUpsert, "invalid_key", err)
	}
	switch status {
	case StatusReceived, StatusPrinted:
	case StatusQueued:
		return newServiceError(opUpsert, "queued_not_storable", ErrQueuedNotStorable)
	default:
		return newServiceError(opUpsert, "invalid_status", fmt.Errorf("%w: %q", ErrInvalidStatus, status))
	}

	row := DeliveryStatus{
		UserID:           userID,
		DropID:           dropID,
		Status:           status,
		UpdatedAtSeconds: l.clock().UTC().Unix(),
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "drop_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at_s"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Neq{Column: clause.Column{Table: tableDeliveryStatuses, Name: "status"}, Value: StatusPrinted},
		}},
	}).Create(&row).Error
	if err != nil {
		l.logError(opUpsert, "upsert_failed", err,
			zap.String(fieldUserID, userID),
			zap.String(fieldDropID, dropID),
			zap.String("status", string(status)))
		return newServiceError(opUpsert, "upsert_failed", err)
	}
	if l.notifier != nil {
		l.notifier.TableChanged(tableDeliveryStatuses, dropID)
	}
	return nil
}

// Get returns the stored status. found is false when no row exists, which callers treat
// as received.
func (l *Ledger) Get(ctx context.Context, userID, dropID string) (Status, bool, error) {
	if err := validateKey(userID, dropID); err != nil {
		return "", false, newServiceError(opGet, "invalid_key", err)
	}
	var row DeliveryStatus
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND drop_id = ?", userID, dropID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StatusReceived, false, nil
	}
	if err != nil {
		l.logError(opGet, "query_failed", err, zap.String(fieldUserID, userID), zap.String(fieldDropID, dropID))
		return "", false, newServiceError(opGet, "query_failed", err)
	}
	status, err := ParseStatus(string(row.Status))
	if err != nil {
		l.logError(opGet, "invalid_stored_status", err, zap.String(fieldUserID, userID), zap.String(fieldDropID, dropID))
		return "", false, newServiceError(opGet, "invalid_stored_status", err)
	}
	return status, true, nil
}

// ListForUser returns every stored status for the user keyed by drop id.
func (l *Ledger) ListForUser(ctx context.Context, userID string) (map[string]Status, error) {
	var rows []DeliveryStatus
	if err := l.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		l.logError(opListForUser, "query_failed", err, zap.String(fieldUserID, userID))
		return nil, newServiceError(opListForUser, "query_failed", err)
	}
	statuses := make(map[string]Status, len(rows))
	for _, row := range rows {
		status, err := ParseStatus(string(row.Status))
		if err != nil {
			l.logError(opListForUser, "invalid_stored_status", err, zap.String(fieldUserID, userID), zap.String(fieldDropID, row.DropID))
			continue
		}
		statuses[row.DropID] = status
	}
	return statuses, nil
}

func validateKey(userID, dropID string) error {
	for _, value := range []string{userID, dropID} {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" || trimmed != value || len(value) > maxIdentifierLength {
			return fmt.Errorf("%w: %q", ErrInvalidKey, value)
		}
	}
	return nil
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("ledger error", attrs...)
}
