package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/collabroom/internal/pages"
	"github.com/gin-gonic/gin"
)

const (
	streamEventHeartbeat   = "heartbeat"
	streamSourceRelay      = "collabroom-relay"
	defaultStreamHeartbeat = 25 * time.Second
)

type streamChangePayload struct {
	PageID     string    `json:"pageId"`
	RevisionID string    `json:"revisionId"`
	SavedBy    string    `json:"savedBy"`
	SavedAt    time.Time `json:"savedAt"`
	Content    string    `json:"content"`
}

// handlePageStream relays store change notifications for one page as
// server-sent events until the client goes away.
func (h *httpHandler) handlePageStream(c *gin.Context) {
	pageID, ok := pageIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.pagesService.LoadPage(ctx, pageID); err != nil {
		h.respondPageError(c, err)
		return
	}

	changes, cleanup := h.pagesService.Feed().Subscribe(ctx, pageID.String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case change, open := <-changes:
			if !open {
				return
			}
			c.SSEvent(change.EventType, streamPayload(change))
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"source": streamSourceRelay})
			c.Writer.Flush()
		}
	}
}

func streamPayload(change pages.Change) streamChangePayload {
	return streamChangePayload{
		PageID:     change.PageID,
		RevisionID: change.RevisionID,
		SavedBy:    change.SavedBy,
		SavedAt:    change.Timestamp,
		Content:    change.Content,
	}
}
