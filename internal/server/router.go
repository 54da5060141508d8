package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/collabroom/internal/auth"
	"github.com/MarcoPoloResearchLab/collabroom/internal/pages"
	"github.com/MarcoPoloResearchLab/collabroom/internal/relay"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const identityContextKey = "collabroom_identity"

var (
	errMissingVerifier     = errors.New("credential verifier dependency required")
	errMissingPagesService = errors.New("pages service dependency required")
	errMissingRelay        = errors.New("relay hub dependency required")
)

// CredentialVerifier authenticates inbound HTTP and WebSocket requests.
type CredentialVerifier interface {
	VerifyRequest(r *http.Request) (auth.Identity, error)
}

// Dependencies wires the HTTP surface of the relay.
type Dependencies struct {
	Verifier        CredentialVerifier
	PagesService    *pages.Service
	Relay           *relay.Hub
	AllowedOrigins  []string
	StreamHeartbeat time.Duration
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin router serving health, the event channel,
// page reads, and the page change stream.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.PagesService == nil {
		return nil, errMissingPagesService
	}
	if deps.Relay == nil {
		return nil, errMissingRelay
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultStreamHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		verifier:     deps.Verifier,
		pagesService: deps.PagesService,
		relay:        deps.Relay,
		heartbeat:    heartbeat,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(deps.AllowedOrigins),
		},
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/ws", handler.handleWebSocket)
	protected.GET("/pages/:pageId", handler.handleGetPage)
	protected.GET("/pages/:pageId/revisions", handler.handleListRevisions)
	protected.GET("/pages/:pageId/stream", handler.handlePageStream)

	return router, nil
}

type httpHandler struct {
	verifier     CredentialVerifier
	pagesService *pages.Service
	relay        *relay.Hub
	heartbeat    time.Duration
	upgrader     websocket.Upgrader
	logger       *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if allowsAnyOrigin(allowedOrigins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func allowsAnyOrigin(allowedOrigins []string) bool {
	if len(allowedOrigins) == 0 {
		return true
	}
	for _, origin := range allowedOrigins {
		if strings.TrimSpace(origin) == "*" {
			return true
		}
	}
	return false
}

func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	if allowsAnyOrigin(allowedOrigins) {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimRight(strings.TrimSpace(origin), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	identity, err := h.verifier.VerifyRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredCredential) || errors.Is(err, auth.ErrMissingCredential) {
			h.logger.Info("credential verification failed", zap.Error(err))
		} else {
			h.logger.Warn("credential verification failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	h.relay.Serve(conn, identity)
}

type pageResponse struct {
	ID               string    `json:"id"`
	RoomID           string    `json:"room_id"`
	Title            string    `json:"title"`
	Content          string    `json:"content"`
	SelectedLanguage string    `json:"selected_language"`
	CreatedBy        string    `json:"created_by"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (h *httpHandler) handleGetPage(c *gin.Context) {
	pageID, ok := pageIDParam(c)
	if !ok {
		return
	}
	page, err := h.pagesService.LoadPage(c.Request.Context(), pageID)
	if err != nil {
		h.respondPageError(c, err)
		return
	}
	c.JSON(http.StatusOK, pageResponse{
		ID:               page.ID,
		RoomID:           page.RoomID,
		Title:            page.Title,
		Content:          page.ContentJSON,
		SelectedLanguage: page.SelectedLanguage,
		CreatedBy:        page.CreatedBy,
		CreatedAt:        page.CreatedAt,
		UpdatedAt:        page.UpdatedAt,
	})
}

type revisionResponse struct {
	ID        string    `json:"id"`
	PageID    string    `json:"page_id"`
	Content   string    `json:"content"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type revisionsResponse struct {
	Revisions []revisionResponse `json:"revisions"`
}

func (h *httpHandler) handleListRevisions(c *gin.Context) {
	pageID, ok := pageIDParam(c)
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	revisions, err := h.pagesService.ListRevisions(c.Request.Context(), pageID, limit)
	if err != nil {
		h.respondPageError(c, err)
		return
	}
	response := revisionsResponse{Revisions: make([]revisionResponse, 0, len(revisions))}
	for _, revision := range revisions {
		response.Revisions = append(response.Revisions, revisionResponse{
			ID:        revision.ID,
			PageID:    revision.PageID,
			Content:   revision.ContentJSON,
			CreatedBy: revision.CreatedBy,
			CreatedAt: revision.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) respondPageError(c *gin.Context, err error) {
	if errors.Is(err, pages.ErrPageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "page_not_found"})
		return
	}
	h.logger.Error("page request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "page_lookup_failed"})
}

func pageIDParam(c *gin.Context) (pages.PageID, bool) {
	pageID, err := pages.NewPageID(c.Param("pageId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page_id"})
		return "", false
	}
	return pageID, true
}

func identityFromContext(c *gin.Context) (auth.Identity, bool) {
	value, exists := c.Get(identityContextKey)
	if !exists {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	return identity, ok && identity.UserID != ""
}
