package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collabroom/internal/auth"
	"github.com/MarcoPoloResearchLab/collabroom/internal/database"
	"github.com/MarcoPoloResearchLab/collabroom/internal/pages"
	"github.com/MarcoPoloResearchLab/collabroom/internal/relay"
	"github.com/gin-gonic/gin"
	githubsqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "collabroom-auth"
	testCookieName    = "app_session"
)

type testEnvironment struct {
	server       *httptest.Server
	db           *gorm.DB
	pagesService *pages.Service
	hub          *relay.Hub
}

func newTestVerifier(t *testing.T) *auth.CredentialVerifier {
	t.Helper()
	verifier, err := auth.NewCredentialVerifier(auth.VerifierConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}
	return verifier
}

func issueTestToken(t *testing.T, userID, displayName string, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	claims := auth.Claims{
		UserID:          userID,
		UserDisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func newTestEnvironment(t *testing.T, allowedOrigins []string) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(githubsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	seedTime := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	seed := pages.Page{
		ID:               "P1",
		RoomID:           "R1",
		Title:            "Scratch",
		ContentJSON:      `{"javascript":"console.log(1)"}`,
		SelectedLanguage: "javascript",
		CreatedBy:        "user-a",
		CreatedAt:        seedTime,
		UpdatedAt:        seedTime,
	}
	if err := db.Create(&seed).Error; err != nil {
		t.Fatalf("failed to seed page: %v", err)
	}

	pagesService, err := pages.NewService(pages.ServiceConfig{
		Database:   db,
		IDProvider: pages.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build pages service: %v", err)
	}
	hub, err := relay.NewHub(relay.Config{Store: pagesService})
	if err != nil {
		t.Fatalf("failed to build relay hub: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		Verifier:        newTestVerifier(t),
		PagesService:    pagesService,
		Relay:           hub,
		AllowedOrigins:  allowedOrigins,
		StreamHeartbeat: time.Hour,
		Logger:          zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		hub.Shutdown()
		server.Close()
	})
	return &testEnvironment{server: server, db: db, pagesService: pagesService, hub: hub}
}
