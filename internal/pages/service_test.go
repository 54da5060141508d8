package pages

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func newTestService(t *testing.T, ids []string) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Page{}, &Revision{}, &Participant{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	clockNow := time.Unix(1700000000, 0).UTC()
	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: &staticIDGenerator{ids: ids},
		Clock: func() time.Time {
			clockNow = clockNow.Add(time.Second)
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func seedPage(t *testing.T, db *gorm.DB, pageID string, content string) {
	t.Helper()
	now := time.Unix(1690000000, 0).UTC()
	page := Page{ID: pageID, RoomID: "R1", Title: "Scratch", ContentJSON: content, SelectedLanguage: "javascript", CreatedAt: now, UpdatedAt: now}
	if err := db.Create(&page).Error; err != nil {
		t.Fatalf("failed to seed page: %v", err)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Fatalf("expected missing database error")
	}
	var serviceErr *ServiceError
	_, err := NewService(ServiceConfig{Database: &gorm.DB{}})
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "pages.service.new.missing_id_provider" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSavePageUpdatesContentAndAppendsRevision(t *testing.T) {
	service, db := newTestService(t, []string{"rev-1", "rev-2"})
	seedPage(t, db, "P1", `{"javascript":"old"}`)
	ctx := context.Background()

	changes, cleanup := service.Feed().Subscribe(ctx, "P1")
	defer cleanup()

	first, err := service.SavePage(ctx, SaveRequest{PageID: "P1", Content: Content{"javascript": "a"}, SavedBy: "user-a"})
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	second, err := service.SavePage(ctx, SaveRequest{PageID: "P1", Content: Content{"javascript": "b"}, SavedBy: "user-b"})
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if first.RevisionID != "rev-1" || second.RevisionID != "rev-2" {
		t.Fatalf("unexpected revision ids: %s %s", first.RevisionID, second.RevisionID)
	}
	if !second.SavedAt.After(first.SavedAt) {
		t.Fatalf("expected monotonic save timestamps")
	}

	page, err := service.LoadPage(ctx, "P1")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if page.ContentJSON != `{"javascript":"b"}` {
		t.Fatalf("unexpected stored content: %s", page.ContentJSON)
	}
	if !page.UpdatedAt.Equal(second.SavedAt) {
		t.Fatalf("expected updated_at %s, got %s", second.SavedAt, page.UpdatedAt)
	}
	if page.Title != "Scratch" {
		t.Fatalf("save must not touch the title, got %q", page.Title)
	}

	revisions, err := service.ListRevisions(ctx, "P1", 10)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(revisions) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(revisions))
	}
	if revisions[0].ID != "rev-2" || revisions[0].CreatedBy != "user-b" || revisions[0].ContentJSON != `{"javascript":"b"}` {
		t.Fatalf("unexpected newest revision: %+v", revisions[0])
	}

	for _, expected := range []string{"rev-1", "rev-2"} {
		select {
		case change := <-changes:
			if change.RevisionID != expected || change.EventType != ChangeEventSaved {
				t.Fatalf("unexpected change: %+v", change)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected change notification for %s", expected)
		}
	}
}

func TestSavePageMissingPage(t *testing.T) {
	service, db := newTestService(t, []string{"rev-1"})

	_, err := service.SavePage(context.Background(), SaveRequest{PageID: "missing", Content: Content{}, SavedBy: "user-a"})
	if !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected page not found, got %v", err)
	}
	var count int64
	if err := db.Model(&Revision{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count revisions: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no revision for a failed save, got %d", count)
	}
}

func TestSavePageIDFailure(t *testing.T) {
	service, db := newTestService(t, nil)
	seedPage(t, db, "P1", "{}")

	_, err := service.SavePage(context.Background(), SaveRequest{PageID: "P1", Content: Content{}, SavedBy: "user-a"})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "pages.save_page.id_generation_failed" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadPageNotFound(t *testing.T) {
	service, _ := newTestService(t, nil)
	if _, err := service.LoadPage(context.Background(), "nope"); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected page not found, got %v", err)
	}
}

func TestUpsertParticipantKeepsOneRowPerRoomUser(t *testing.T) {
	service, db := newTestService(t, []string{"p-1", "p-2", "p-3"})
	ctx := context.Background()

	if err := service.UpsertParticipant(ctx, "R1", "user-a", "Ada"); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if err := service.UpsertParticipant(ctx, "R1", "user-a", "Ada L."); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if err := service.UpsertParticipant(ctx, "R1", "user-b", "Bob"); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	var count int64
	if err := db.Model(&Participant{}).Where("room_id = ?", "R1").Count(&count).Error; err != nil {
		t.Fatalf("failed to count participants: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 participants, got %d", count)
	}

	participants, err := service.ListParticipants(ctx, "R1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	names := map[string]string{}
	for _, participant := range participants {
		names[participant.UserID] = participant.DisplayName
	}
	if names["user-a"] != "Ada L." || names["user-b"] != "Bob" {
		t.Fatalf("unexpected participants: %v", names)
	}

	var before Participant
	if err := db.Where("room_id = ? AND user_id = ?", "R1", "user-b").Take(&before).Error; err != nil {
		t.Fatalf("failed to load participant: %v", err)
	}
	if err := service.TouchParticipant(ctx, "R1", "user-b"); err != nil {
		t.Fatalf("unexpected touch error: %v", err)
	}
	var after Participant
	if err := db.Where("room_id = ? AND user_id = ?", "R1", "user-b").Take(&after).Error; err != nil {
		t.Fatalf("failed to reload participant: %v", err)
	}
	if !after.LastSeen.After(before.LastSeen) {
		t.Fatalf("expected last_seen to advance: %s -> %s", before.LastSeen, after.LastSeen)
	}
}

func TestIdentifierValidation(t *testing.T) {
	if _, err := NewPageID("  "); !errors.Is(err, ErrInvalidPageID) {
		t.Fatalf("expected invalid page id, got %v", err)
	}
	long := make([]byte, maxIdentifierLength+1)
	for index := range long {
		long[index] = 'a'
	}
	if _, err := NewUserID(string(long)); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected invalid user id, got %v", err)
	}
	roomID, err := NewRoomID(" R1 ")
	if err != nil || roomID != "R1" {
		t.Fatalf("unexpected room id %q (%v)", roomID, err)
	}
}

func TestUUIDProviderIssuesDistinctIDs(t *testing.T) {
	provider := NewUUIDProvider()
	first, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected id error: %v", err)
	}
	second, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected id error: %v", err)
	}
	if first == second || first == "" {
		t.Fatalf("expected distinct ids, got %q and %q", first, second)
	}
}
