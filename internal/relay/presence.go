package relay

import (
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/collabroom/internal/protocol"
)

// userPresence holds the records of every session a user has on a page. The
// owner's record is the one shown to others.
type userPresence struct {
	sessions map[string]protocol.Presence
	owner    string
}

// presenceSet holds one visible presence record per user of a page channel.
// A user stays present until their last session leaves.
type presenceSet struct {
	users map[string]*userPresence
}

func newPresenceSet() *presenceSet {
	return &presenceSet{users: make(map[string]*userPresence)}
}

// track adds or replaces sessionID's record and makes it the visible one.
func (p *presenceSet) track(sessionID string, presence protocol.Presence) {
	user, ok := p.users[presence.UserID]
	if !ok {
		user = &userPresence{sessions: make(map[string]protocol.Presence)}
		p.users[presence.UserID] = user
	}
	user.sessions[sessionID] = presence
	user.owner = sessionID
}

// untrack drops sessionID's record. It reports whether the user left the page
// entirely; otherwise successor is set when the visible record changed hands.
func (p *presenceSet) untrack(userID, sessionID string) (left bool, successor *protocol.Presence) {
	user, ok := p.users[userID]
	if !ok {
		return false, nil
	}
	if _, ok := user.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(user.sessions, sessionID)
	if len(user.sessions) == 0 {
		delete(p.users, userID)
		return true, nil
	}
	if user.owner != sessionID {
		return false, nil
	}
	user.owner = latestSession(user.sessions)
	next := user.sessions[user.owner]
	return false, &next
}

func (p *presenceSet) moveCursor(userID, sessionID string, cursor *protocol.Cursor, now time.Time) bool {
	user, ok := p.users[userID]
	if !ok {
		return false
	}
	presence, ok := user.sessions[sessionID]
	if !ok {
		return false
	}
	presence.Cursor = cursor
	presence.LastSeen = now
	user.sessions[sessionID] = presence
	user.owner = sessionID
	return true
}

func (p *presenceSet) has(userID string) bool {
	_, ok := p.users[userID]
	return ok
}

func (p *presenceSet) list() []protocol.Presence {
	presences := make([]protocol.Presence, 0, len(p.users))
	for _, user := range p.users {
		presences = append(presences, user.sessions[user.owner])
	}
	sortPresences(presences)
	return presences
}

func latestSession(sessions map[string]protocol.Presence) string {
	var latest string
	var seen time.Time
	for sessionID, presence := range sessions {
		if latest == "" || presence.LastSeen.After(seen) || (presence.LastSeen.Equal(seen) && sessionID < latest) {
			latest, seen = sessionID, presence.LastSeen
		}
	}
	return latest
}

func sortPresences(presences []protocol.Presence) {
	sort.Slice(presences, func(i, j int) bool {
		return presences[i].UserID < presences[j].UserID
	})
}
