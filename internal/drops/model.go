package drops

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
)

// Layout enumerates the print layouts a drop can be authored in.
type Layout string

const (
	LayoutClassic Layout = "classic"
	LayoutZine    Layout = "zine"
	LayoutMinimal Layout = "minimal"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDropID indicates that a drop identifier is empty or exceeds storage bounds.
	ErrInvalidDropID = errors.New("drops: invalid drop id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("drops: invalid user id")
	// ErrInvalidLayout indicates an unknown layout name.
	ErrInvalidLayout = errors.New("drops: invalid layout")
	// ErrSelfSubscription indicates a subscriber tried to follow themselves.
	ErrSelfSubscription = errors.New("drops: cannot subscribe to yourself")
)

// DropID represents a validated drop identifier.
type DropID string

// NewDropID validates raw input and returns a DropID.
func NewDropID(rawInput string) (DropID, error) {
	trimmed, err := validateIdentifier(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDropID, err)
	}
	return DropID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DropID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed, err := validateIdentifier(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidUserID, err)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ParseLayout normalizes a layout name; an empty value selects classic.
func ParseLayout(raw string) (Layout, error) {
	switch Layout(strings.ToLower(strings.TrimSpace(raw))) {
	case "", LayoutClassic:
		return LayoutClassic, nil
	case LayoutZine:
		return LayoutZine, nil
	case LayoutMinimal:
		return LayoutMinimal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLayout, raw)
	}
}

func validateIdentifier(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", errors.New("empty")
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("exceeds %d characters", maxIdentifierLength)
	}
	return trimmed, nil
}

// Drop is an authored document. Rows are written once on publish and never updated.
type Drop struct {
	DropID           string         `gorm:"column:drop_id;primaryKey;size:190;not null"`
	AuthorID         string         `gorm:"column:author_id;size:190;not null;index:idx_drops_author_created,priority:1"`
	Title            string         `gorm:"column:title;size:512;not null"`
	Body             datatypes.JSON `gorm:"column:body;type:json;not null"`
	Layout           Layout         `gorm:"column:layout;size:16;not null;default:'classic'"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null;index:idx_drops_author_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Drop) TableName() string {
	return "drops"
}

// Author maps an author id to the public handle shown on printed drops.
type Author struct {
	AuthorID string `gorm:"column:author_id;primaryKey;size:190;not null"`
	Handle   string `gorm:"column:handle;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Author) TableName() string {
	return "authors"
}

// Subscription is the subscriber -> creator edge. The composite key keeps one row per pair.
type Subscription struct {
	SubscriberID     string `gorm:"column:subscriber_id;primaryKey;size:190;not null"`
	CreatorID        string `gorm:"column:creator_id;primaryKey;size:190;not null;index"`
	AutoPrint        bool   `gorm:"column:auto_print;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Subscription) TableName() string {
	return "subscriptions"
}

// Draft is the input for publishing a drop.
type Draft struct {
	AuthorID UserID
	Title    string
	Body     []Block
	Layout   Layout
}

// Block is one paragraph of rich text. Emphasis applies to the whole block.
type Block struct {
	Text   string `json:"text"`
	Bold   bool   `json:"bold,omitempty"`
	Italic bool   `json:"italic,omitempty"`
}

// VisibleDrop is a drop in a viewer's feed before any delivery status is applied.
type VisibleDrop struct {
	Drop         Drop
	AuthorHandle string
	AutoPrint    bool
}
