package pages

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidPageID indicates that a page identifier is empty or exceeds storage bounds.
	ErrInvalidPageID = errors.New("pages: invalid page id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("pages: invalid user id")
	// ErrInvalidRoomID indicates that a room identifier is empty or exceeds storage bounds.
	ErrInvalidRoomID = errors.New("pages: invalid room id")
)

// PageID represents a validated page identifier.
type PageID string

// NewPageID validates raw input and returns a PageID.
func NewPageID(rawInput string) (PageID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidPageID)
	return PageID(trimmed), err
}

// String returns the underlying string identifier.
func (id PageID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidUserID)
	return UserID(trimmed), err
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// RoomID represents a validated room identifier.
type RoomID string

// NewRoomID validates raw input and returns a RoomID.
func NewRoomID(rawInput string) (RoomID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidRoomID)
	return RoomID(trimmed), err
}

// String returns the underlying string identifier.
func (id RoomID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Page is the durable page record. Rows are created and deleted by the room
// management surface; this subsystem only rewrites content and timestamps.
type Page struct {
	ID               string    `gorm:"column:id;primaryKey;size:190;not null"`
	RoomID           string    `gorm:"column:room_id;size:190;not null;default:'';index"`
	Title            string    `gorm:"column:title;size:512;not null;default:''"`
	ContentJSON      string    `gorm:"column:content;type:text;not null;default:'{}'"`
	SelectedLanguage string    `gorm:"column:selected_language;size:64;not null;default:''"`
	CreatedBy        string    `gorm:"column:created_by;size:190;not null;default:''"`
	CreatedAt        time.Time `gorm:"column:created_at;not null"`
	UpdatedAt        time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Page) TableName() string {
	return "pages"
}

// Revision is an immutable snapshot appended on every persisted save.
type Revision struct {
	ID          string    `gorm:"column:id;primaryKey;size:64;not null"`
	PageID      string    `gorm:"column:page_id;size:190;not null;index:idx_revisions_page_time,priority:1"`
	ContentJSON string    `gorm:"column:content;type:text;not null"`
	CreatedBy   string    `gorm:"column:created_by;size:190;not null;default:''"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index:idx_revisions_page_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Revision) TableName() string {
	return "page_revisions"
}

// Participant records that a user has been seen in a room.
type Participant struct {
	ID          string    `gorm:"column:id;primaryKey;size:64;not null"`
	RoomID      string    `gorm:"column:room_id;size:190;not null;uniqueIndex:idx_participants_room_user,priority:1"`
	UserID      string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_participants_room_user,priority:2"`
	DisplayName string    `gorm:"column:display_name;size:320;not null;default:''"`
	LastSeen    time.Time `gorm:"column:last_seen;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "room_participants"
}

// IDProvider issues identifiers for revisions and participant rows.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues time-ordered UUIDv7 identifiers,
// so revision ids sort in append order.
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
