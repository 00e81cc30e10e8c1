package drops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew     = "drops.service.new"
	opRegisterAuthor = "drops.register_author"
	opPublish        = "drops.publish"
	opSubscribe      = "drops.subscribe"
	opUnsubscribe    = "drops.unsubscribe"
	opSetAutoPrint   = "drops.set_auto_print"
	opVisibleDrops   = "drops.visible_drops"
	opGetDrop        = "drops.get"

	tableDrops         = "drops"
	tableSubscriptions = "subscriptions"
	tableAuthors       = "authors"

	fieldUserID    = "user_id"
	fieldDropID    = "drop_id"
	fieldCreatorID = "creator_id"

	defaultSystemAuthorID = "system"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrDropNotFound indicates the drop does not exist.
	ErrDropNotFound = errors.New("drops: drop not found")
	// ErrSubscriptionNotFound indicates the subscriber does not follow the creator.
	ErrSubscriptionNotFound = errors.New("drops: subscription not found")
	noOpLogger              = zap.NewNop()
)

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

// IDProvider issues drop identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers, which sort by
// creation time.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Notifier receives "table changed" hints after successful writes.
type Notifier interface {
	TableChanged(table string, ids ...string)
}

type ServiceConfig struct {
	Database       *gorm.DB
	Clock          func() time.Time
	IDProvider     IDProvider
	Notifier       Notifier
	Logger         *zap.Logger
	SystemAuthorID string
}

// Service owns drops, authors and subscriptions in the local store.
type Service struct {
	db             *gorm.DB
	clock          func() time.Time
	idProvider     IDProvider
	notifier       Notifier
	logger         *zap.Logger
	systemAuthorID string
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	systemAuthorID := strings.TrimSpace(cfg.SystemAuthorID)
	if systemAuthorID == "" {
		systemAuthorID = defaultSystemAuthorID
	}
	return &Service{
		db:             cfg.Database,
		clock:          clock,
		idProvider:     cfg.IDProvider,
		notifier:       cfg.Notifier,
		logger:         logger,
		systemAuthorID: systemAuthorID,
	}, nil
}

// SystemAuthorID returns the broadcast author every user receives.
func (s *Service) SystemAuthorID() string {
	return s.systemAuthorID
}

// RegisterAuthor records or renames the handle printed for an author.
func (s *Service) RegisterAuthor(ctx context.Context, authorID UserID, handle string) error {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		handle = authorID.String()
	}
	author := Author{AuthorID: authorID.String(), Handle: handle}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "author_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"handle"}),
	}).Create(&author).Error
	if err != nil {
		s.logError(opRegisterAuthor, "upsert_failed", err, zap.String(fieldUserID, authorID.String()))
		return newServiceError(opRegisterAuthor, "upsert_failed", err)
	}
	s.notify(tableAuthors, authorID.String())
	return nil
}

// Publish stores a new immutable drop.
func (s *Service) Publish(ctx context.Context, draft Draft) (Drop, error) {
	layout, err := ParseLayout(string(draft.Layout))
	if err != nil {
		return Drop{}, newServiceError(opPublish, "invalid_layout", err)
	}
	if _, err := NewUserID(draft.AuthorID.String()); err != nil {
		return Drop{}, newServiceError(opPublish, "invalid_author", err)
	}
	body, err := json.Marshal(nonNilBlocks(draft.Body))
	if err != nil {
		return Drop{}, newServiceError(opPublish, "body_encode_failed", err)
	}
	dropID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opPublish, "id_generation_failed", err)
		return Drop{}, newServiceError(opPublish, "id_generation_failed", err)
	}

	drop := Drop{
		DropID:           dropID,
		AuthorID:         draft.AuthorID.String(),
		Title:            strings.TrimSpace(draft.Title),
		Body:             datatypes.JSON(body),
		Layout:           layout,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&drop).Error; err != nil {
		s.logError(opPublish, "insert_failed", err,
			zap.String(fieldUserID, drop.AuthorID),
			zap.String(fieldDropID, drop.DropID))
		return Drop{}, newServiceError(opPublish, "insert_failed", err)
	}
	s.notify(tableDrops, drop.DropID)
	return drop, nil
}

// Subscribe creates the subscriber -> creator edge, or updates its auto-print flag when it
// already exists.
func (s *Service) Subscribe(ctx context.Context, subscriberID, creatorID UserID, autoPrint bool) error {
	if subscriberID == creatorID {
		return newServiceError(opSubscribe, "self_subscription", ErrSelfSubscription)
	}
	subscription := Subscription{
		SubscriberID:     subscriberID.String(),
		CreatorID:        creatorID.String(),
		AutoPrint:        autoPrint,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscriber_id"}, {Name: "creator_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"auto_print"}),
	}).Create(&subscription).Error
	if err != nil {
		s.logError(opSubscribe, "upsert_failed", err,
			zap.String(fieldUserID, subscriberID.String()),
			zap.String(fieldCreatorID, creatorID.String()))
		return newServiceError(opSubscribe, "upsert_failed", err)
	}
	s.notify(tableSubscriptions, creatorID.String())
	return nil
}

func (s *Service) Unsubscribe(ctx context.Context, subscriberID, creatorID UserID) error {
	result := s.db.WithContext(ctx).
		Where("subscriber_id = ? AND creator_id = ?", subscriberID.String(), creatorID.String()).
		Delete(&Subscription{})
	if result.Error != nil {
		s.logError(opUnsubscribe, "delete_failed", result.Error,
			zap.String(fieldUserID, subscriberID.String()),
			zap.String(fieldCreatorID, creatorID.String()))
		return newServiceError(opUnsubscribe, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opUnsubscribe, "not_found", ErrSubscriptionNotFound)
	}
	s.notify(tableSubscriptions, creatorID.String())
	return nil
}

// SetAutoPrint flips the auto-print flag of an existing subscription.
func (s *Service) SetAutoPrint(ctx context.Context, subscriberID, creatorID UserID, autoPrint bool) error {
	result := s.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("subscriber_id = ? AND creator_id = ?", subscriberID.String(), creatorID.String()).
		Update("auto_print", autoPrint)
	if result.Error != nil {
		s.logError(opSetAutoPrint, "update_failed", result.Error,
			zap.String(fieldUserID, subscriberID.String()),
			zap.String(fieldCreatorID, creatorID.String()))
		return newServiceError(opSetAutoPrint, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSetAutoPrint, "not_found", ErrSubscriptionNotFound)
	}
	s.notify(tableSubscriptions, creatorID.String())
	return nil
}

// Get loads a single drop.
func (s *Service) Get(ctx context.Context, dropID DropID) (Drop, error) {
	var drop Drop
	err := s.db.WithContext(ctx).Where("drop_id = ?", dropID.String()).Take(&drop).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Drop{}, newServiceError(opGetDrop, "not_found", ErrDropNotFound)
	}
	if err != nil {
		s.logError(opGetDrop, "query_failed", err, zap.String(fieldDropID, dropID.String()))
		return Drop{}, newServiceError(opGetDrop, "query_failed", err)
	}
	return drop, nil
}

// VisibleDrops returns the viewer's own drops, drops of followed authors and system drops,
// newest first with ties broken by drop id.
func (s *Service) VisibleDrops(ctx context.Context, viewerID UserID) ([]VisibleDrop, error) {
	db := s.db.WithContext(ctx)

	var subscriptions []Subscription
	if err := db.Where("subscriber_id = ?", viewerID.String()).Find(&subscriptions).Error; err != nil {
		s.logError(opVisibleDrops, "subscriptions_query_failed", err, zap.String(fieldUserID, viewerID.String()))
		return nil, newServiceError(opVisibleDrops, "subscriptions_query_failed", err)
	}

	autoPrintByAuthor := make(map[string]bool, len(subscriptions)+2)
	authorIDs := []string{viewerID.String()}
	if s.systemAuthorID != viewerID.String() {
		authorIDs = append(authorIDs, s.systemAuthorID)
	}
	for _, subscription := range subscriptions {
		autoPrintByAuthor[subscription.CreatorID] = subscription.AutoPrint
		if subscription.CreatorID != viewerID.String() && subscription.CreatorID != s.systemAuthorID {
			authorIDs = append(authorIDs, subscription.CreatorID)
		}
	}

	var rows []Drop
	if err := db.Where("author_id IN ?", authorIDs).
		Order("created_at_s DESC").
		Order("drop_id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opVisibleDrops, "drops_query_failed", err, zap.String(fieldUserID, viewerID.String()))
		return nil, newServiceError(opVisibleDrops, "drops_query_failed", err)
	}

	var authors []Author
	if err := db.Where("author_id IN ?", authorIDs).Find(&authors).Error; err != nil {
		s.logError(opVisibleDrops, "authors_query_failed", err, zap.String(fieldUserID, viewerID.String()))
		return nil, newServiceError(opVisibleDrops, "authors_query_failed", err)
	}
	handles := make(map[string]string, len(authors))
	for _, author := range authors {
		handles[author.AuthorID] = author.Handle
	}

	visible := make([]VisibleDrop, 0, len(rows))
	for _, row := range rows {
		handle, ok := handles[row.AuthorID]
		if !ok {
			handle = row.AuthorID
		}
		visible = append(visible, VisibleDrop{
			Drop:         row,
			AuthorHandle: handle,
			AutoPrint:    autoPrintByAuthor[row.AuthorID],
		})
	}
	return visible, nil
}

// Blocks decodes the rich-text body.
func (d Drop) Blocks() ([]Block, error) {
	if len(d.Body) == 0 {
		return nil, nil
	}
	var blocks []Block
	if err := json.Unmarshal(d.Body, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

func nonNilBlocks(blocks []Block) []Block {
	if blocks == nil {
		return []Block{}
	}
	return blocks
}

func (s *Service) notify(table string, ids ...string) {
	if s.notifier != nil {
		s.notifier.TableChanged(table, ids...)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("drops service error", attrs...)
}
