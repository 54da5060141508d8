// Package protocol defines the JSON events exchanged between synchronization
// agents and the relay.
package protocol

import "time"

// Event names carried in Envelope.Event.
const (
	EventJoinPage          = "join-page"
	EventLeavePage         = "leave-page"
	EventContentChange     = "content-change"
	EventCursorUpdate      = "cursor-update"
	EventEditingStarted    = "editing-started"
	EventEditingStopped    = "editing-stopped"
	EventSavePage          = "save-page"
	EventPageSaved         = "page-saved"
	EventSaveError         = "save-error"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventPresenceSync      = "presence-sync"
	EventPresenceJoin      = "presence-join"
	EventPresenceLeave     = "presence-leave"
)

// AnonymousDisplayName is shown for participants without a display name.
const AnonymousDisplayName = "Anonymous"

// Palette lists the cursor colors a participant picks from at session start.
var Palette = []string{
	"#FF6B6B",
	"#4ECDC4",
	"#FFE66D",
	"#95E1D3",
	"#F38181",
	"#AA96DA",
	"#FCBAD3",
	"#A8D8EA",
	"#FF9F43",
	"#6A0572",
}

// JoinPage subscribes the session to a page's fan-out group.
type JoinPage struct {
	PageID string `json:"pageId"`
	RoomID string `json:"roomId,omitempty"`
	Color  string `json:"color,omitempty"`
}

// LeavePage unsubscribes the session from a page.
type LeavePage struct {
	PageID string `json:"pageId"`
}

// ContentChange carries a serialized content map. From is set by the relay.
type ContentChange struct {
	PageID  string `json:"pageId"`
	Content string `json:"content"`
	From    string `json:"from,omitempty"`
}

// Cursor is a caret position inside the editor.
type Cursor struct {
	LineNumber int `json:"lineNumber"`
	Column     int `json:"column"`
}

// CursorUpdate moves a participant's cursor. A nil Cursor hides it.
type CursorUpdate struct {
	PageID string  `json:"pageId"`
	UserID string  `json:"user_id,omitempty"`
	Cursor *Cursor `json:"cursor"`
}

// EditingStarted announces that a participant is typing on a page.
type EditingStarted struct {
	PageID      string `json:"pageId"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// EditingStopped clears the typing indicator of a page.
type EditingStopped struct {
	PageID string `json:"pageId"`
}

// SavePage asks the relay to persist content.
type SavePage struct {
	PageID  string `json:"pageId"`
	Content string `json:"content"`
}

// PageSaved confirms a persisted save to the whole group.
type PageSaved struct {
	PageID     string    `json:"pageId"`
	SavedAt    time.Time `json:"savedAt"`
	SavedBy    string    `json:"savedBy"`
	RevisionID string    `json:"revisionId,omitempty"`
}

// SaveError reports a failed save to its requester.
type SaveError struct {
	PageID  string `json:"pageId,omitempty"`
	Message string `json:"message"`
}

// Participant announces a room participant arriving or leaving.
type Participant struct {
	PageID      string `json:"pageId,omitempty"`
	RoomID      string `json:"roomId,omitempty"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Presence is the ephemeral record of one participant viewing a page.
type Presence struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Color       string    `json:"color"`
	Cursor      *Cursor   `json:"cursor"`
	LastSeen    time.Time `json:"last_seen"`
}

// PresenceSync is the full presence set of a page channel.
type PresenceSync struct {
	PageID    string     `json:"pageId"`
	Presences []Presence `json:"presences"`
}

// PresenceJoin adds or replaces one presence record.
type PresenceJoin struct {
	PageID   string   `json:"pageId"`
	Presence Presence `json:"presence"`
}

// PresenceLeave removes the presence record of a user.
type PresenceLeave struct {
	PageID string `json:"pageId"`
	UserID string `json:"user_id"`
}
