package pages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrPageNotFound indicates that no page row exists for the identifier.
	ErrPageNotFound = errors.New("pages: page not found")
	noOpLogger      = zap.NewNop()
)

const (
	defaultRevisionLimit = 50
	maxRevisionLimit     = 500
)

// ServiceError carries an operation-scoped code alongside the underlying cause.
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

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew         = "pages.service.new"
	opLoadPage           = "pages.load_page"
	opSavePage           = "pages.save_page"
	opUpsertParticipant  = "pages.upsert_participant"
	opTouchParticipant   = "pages.touch_participant"
	opListParticipants   = "pages.list_participants"
	opListRevisions      = "pages.list_revisions"
	reasonMissingDB      = "missing_database"
	reasonNotFound       = "not_found"
	reasonQueryFailed    = "query_failed"
	reasonUpdateFailed   = "update_failed"
	reasonInsertFailed   = "insert_failed"
	reasonIDFailed       = "id_generation_failed"
	reasonInvalidRequest = "invalid_request"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the page store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Feed       *Feed
	Logger     *zap.Logger
}

// Service is the durable store collaborator: page records, the revision log,
// and room participants.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	feed       *Feed
	logger     *zap.Logger
}

// NewService validates cfg and builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
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
	feed := cfg.Feed
	if feed == nil {
		feed = NewFeed()
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		feed:       feed,
		logger:     logger,
	}, nil
}

// Feed exposes the change notification feed.
func (s *Service) Feed() *Feed {
	return s.feed
}

// SaveRequest is one write-through of a page's content.
type SaveRequest struct {
	PageID  PageID
	Content Content
	SavedBy UserID
}

// SaveResult describes a persisted save.
type SaveResult struct {
	PageID     PageID
	RevisionID string
	SavedBy    UserID
	SavedAt    time.Time
}

// LoadPage returns the stored page record.
func (s *Service) LoadPage(ctx context.Context, pageID PageID) (Page, error) {
	var page Page
	err := s.db.WithContext(ctx).Where("id = ?", pageID.String()).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Page{}, newServiceError(opLoadPage, reasonNotFound, ErrPageNotFound)
	}
	if err != nil {
		s.logError(opLoadPage, reasonQueryFailed, err, zap.String("page_id", pageID.String()))
		return Page{}, newServiceError(opLoadPage, reasonQueryFailed, err)
	}
	return page, nil
}

// SavePage rewrites the page content and appends a revision in one transaction,
// then publishes a change notification.
func (s *Service) SavePage(ctx context.Context, request SaveRequest) (SaveResult, error) {
	if request.PageID == "" {
		return SaveResult{}, newServiceError(opSavePage, reasonInvalidRequest, ErrInvalidPageID)
	}

	revisionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSavePage, reasonIDFailed, err, zap.String("page_id", request.PageID.String()))
		return SaveResult{}, newServiceError(opSavePage, reasonIDFailed, err)
	}

	savedAt := s.clock().UTC()
	serialized := request.Content.Serialize()

	transactionErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&Page{}).
			Where("id = ?", request.PageID.String()).
			Updates(map[string]interface{}{
				"content":    serialized,
				"updated_at": savedAt,
			})
		if update.Error != nil {
			return newServiceError(opSavePage, reasonUpdateFailed, update.Error)
		}
		if update.RowsAffected == 0 {
			return newServiceError(opSavePage, reasonNotFound, ErrPageNotFound)
		}

		revision := Revision{
			ID:          revisionID,
			PageID:      request.PageID.String(),
			ContentJSON: serialized,
			CreatedBy:   request.SavedBy.String(),
			CreatedAt:   savedAt,
		}
		if err := tx.Create(&revision).Error; err != nil {
			return newServiceError(opSavePage, reasonInsertFailed, err)
		}
		return nil
	})
	if transactionErr != nil {
		s.logError(opSavePage, "transaction_failed", transactionErr,
			zap.String("page_id", request.PageID.String()),
			zap.String("user_id", request.SavedBy.String()))
		return SaveResult{}, transactionErr
	}

	s.feed.Publish(Change{
		PageID:     request.PageID.String(),
		EventType:  ChangeEventSaved,
		Content:    serialized,
		RevisionID: revisionID,
		SavedBy:    request.SavedBy.String(),
		Timestamp:  savedAt,
	})

	return SaveResult{
		PageID:     request.PageID,
		RevisionID: revisionID,
		SavedBy:    request.SavedBy,
		SavedAt:    savedAt,
	}, nil
}

// UpsertParticipant records that userID is present in roomID.
func (s *Service) UpsertParticipant(ctx context.Context, roomID RoomID, userID UserID, displayName string) error {
	participantID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opUpsertParticipant, reasonIDFailed, err)
		return newServiceError(opUpsertParticipant, reasonIDFailed, err)
	}
	participant := Participant{
		ID:          participantID,
		RoomID:      roomID.String(),
		UserID:      userID.String(),
		DisplayName: displayName,
		LastSeen:    s.clock().UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "last_seen"}),
	}).Create(&participant).Error
	if err != nil {
		s.logError(opUpsertParticipant, reasonInsertFailed, err,
			zap.String("room_id", roomID.String()),
			zap.String("user_id", userID.String()))
		return newServiceError(opUpsertParticipant, reasonInsertFailed, err)
	}
	return nil
}

// TouchParticipant refreshes last_seen for an existing participant row.
func (s *Service) TouchParticipant(ctx context.Context, roomID RoomID, userID UserID) error {
	err := s.db.WithContext(ctx).Model(&Participant{}).
		Where("room_id = ? AND user_id = ?", roomID.String(), userID.String()).
		Update("last_seen", s.clock().UTC()).Error
	if err != nil {
		s.logError(opTouchParticipant, reasonUpdateFailed, err,
			zap.String("room_id", roomID.String()),
			zap.String("user_id", userID.String()))
		return newServiceError(opTouchParticipant, reasonUpdateFailed, err)
	}
	return nil
}

// ListParticipants returns the participants recorded for a room, most recent first.
func (s *Service) ListParticipants(ctx context.Context, roomID RoomID) ([]Participant, error) {
	var participants []Participant
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID.String()).
		Order("last_seen DESC").
		Find(&participants).Error; err != nil {
		s.logError(opListParticipants, reasonQueryFailed, err, zap.String("room_id", roomID.String()))
		return nil, newServiceError(opListParticipants, reasonQueryFailed, err)
	}
	return participants, nil
}

// ListRevisions returns up to limit revisions of a page, newest first.
func (s *Service) ListRevisions(ctx context.Context, pageID PageID, limit int) ([]Revision, error) {
	if limit <= 0 {
		limit = defaultRevisionLimit
	}
	if limit > maxRevisionLimit {
		limit = maxRevisionLimit
	}
	var revisions []Revision
	if err := s.db.WithContext(ctx).
		Where("page_id = ?", pageID.String()).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&revisions).Error; err != nil {
		s.logError(opListRevisions, reasonQueryFailed, err, zap.String("page_id", pageID.String()))
		return nil, newServiceError(opListRevisions, reasonQueryFailed, err)
	}
	return revisions, nil
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
	s.logger.Error("pages service error", attrs...)
}
