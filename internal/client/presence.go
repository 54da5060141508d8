package client

import (
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/collabroom/internal/protocol"
)

// Tracker mirrors the presence set of one page channel.
type Tracker struct {
	pageID  string
	selfID  string
	emitter Emitter

	mu        sync.Mutex
	presences map[string]protocol.Presence
}

// NewTracker builds a tracker for pageID. selfID names the local participant.
func NewTracker(pageID, selfID string, emitter Emitter) (*Tracker, error) {
	if pageID == "" {
		return nil, errMissingPageID
	}
	if emitter == nil {
		return nil, errMissingEmitter
	}
	return &Tracker{
		pageID:    pageID,
		selfID:    selfID,
		emitter:   emitter,
		presences: make(map[string]protocol.Presence),
	}, nil
}

// ApplySync replaces the presence set wholesale.
func (t *Tracker) ApplySync(snapshot protocol.PresenceSync) bool {
	if snapshot.PageID != t.pageID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.presences = make(map[string]protocol.Presence, len(snapshot.Presences))
	for _, presence := range snapshot.Presences {
		if presence.UserID == "" {
			continue
		}
		t.presences[presence.UserID] = presence
	}
	return true
}

// ApplyJoin adds or replaces one presence.
func (t *Tracker) ApplyJoin(delta protocol.PresenceJoin) bool {
	if delta.PageID != t.pageID || delta.Presence.UserID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.presences[delta.Presence.UserID] = delta.Presence
	return true
}

// ApplyLeave removes one presence.
func (t *Tracker) ApplyLeave(delta protocol.PresenceLeave) bool {
	if delta.PageID != t.pageID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.presences[delta.UserID]; !ok {
		return false
	}
	delete(t.presences, delta.UserID)
	return true
}

// ApplyCursor moves the cursor of a tracked participant.
func (t *Tracker) ApplyCursor(update protocol.CursorUpdate) bool {
	if update.PageID != t.pageID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	presence, ok := t.presences[update.UserID]
	if !ok {
		return false
	}
	presence.Cursor = copyCursor(update.Cursor)
	t.presences[update.UserID] = presence
	return true
}

// UpdateCursor re-tracks the local participant with a new cursor and sends it
// to the channel. A nil cursor hides it.
func (t *Tracker) UpdateCursor(cursor *protocol.Cursor) error {
	t.mu.Lock()
	if presence, ok := t.presences[t.selfID]; ok {
		presence.Cursor = copyCursor(cursor)
		t.presences[t.selfID] = presence
	}
	t.mu.Unlock()

	return t.emitter.Send(protocol.EventCursorUpdate, protocol.CursorUpdate{
		PageID: t.pageID,
		UserID: t.selfID,
		Cursor: copyCursor(cursor),
	})
}

// All returns every tracked presence sorted by user id.
func (t *Tracker) All() []protocol.Presence {
	return t.list(false)
}

// Others returns the tracked presences excluding the local participant.
func (t *Tracker) Others() []protocol.Presence {
	return t.list(true)
}

func (t *Tracker) list(excludeSelf bool) []protocol.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()

	presences := make([]protocol.Presence, 0, len(t.presences))
	for userID, presence := range t.presences {
		if excludeSelf && userID == t.selfID {
			continue
		}
		presence.Cursor = copyCursor(presence.Cursor)
		presences = append(presences, presence)
	}
	sort.Slice(presences, func(i, j int) bool {
		return presences[i].UserID < presences[j].UserID
	})
	return presences
}

func copyCursor(cursor *protocol.Cursor) *protocol.Cursor {
	if cursor == nil {
		return nil
	}
	copied := *cursor
	return &copied
}
