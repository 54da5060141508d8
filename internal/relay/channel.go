package relay

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/MarcoPoloResearchLab/collabroom/internal/pages"
	"github.com/MarcoPoloResearchLab/collabroom/internal/protocol"
	"go.uber.org/zap"
)

// ChannelState is the coarse state of a page channel.
type ChannelState string

const (
	// StateIdle means no lock is held and no store write is outstanding.
	StateIdle ChannelState = "idle"
	// StateSyncing means a store write is queued or in flight.
	StateSyncing ChannelState = "syncing"
	// StateLocked means a participant holds the editing lock.
	StateLocked ChannelState = "locked"
)

// ChannelSnapshot describes a page channel at one point of its loop.
type ChannelSnapshot struct {
	PageID    string
	State     ChannelState
	Sessions  []string
	Presences []protocol.Presence
	Lock      LockState
}

type channelMessage interface{}

type joinMessage struct {
	session *Session
	payload protocol.JoinPage
}

type leaveMessage struct {
	session    *Session
	disconnect bool
}

type eventMessage struct {
	session *Session
	event   string
	payload protocol.PageScope
}

type remoteMessage struct {
	frame []byte
}

type lockExpiredMessage struct {
	sessionID string
	expiresAt time.Time
}

type saveDoneMessage struct {
	requester *Session
	result    pages.SaveResult
	err       error
}

type storeDoneMessage struct{}

type inspectMessage struct {
	reply chan ChannelSnapshot
}

// storeJob runs on the page's store worker and reports back to the loop.
type storeJob func(ctx context.Context) channelMessage

// pageChannel serializes everything that happens to one page. Only run and the
// store worker touch its fields; pending is guarded by the hub mutex.
type pageChannel struct {
	hub     *Hub
	pageID  string
	inbox   chan channelMessage
	pending int
	logger  *zap.Logger

	state          ChannelState
	members        map[string]*Session
	rooms          map[string]string
	presence       *presenceSet
	remotePresence map[string]protocol.Presence
	lock           *EditingLock
	lockTimer      *time.Timer

	storeJobs  chan storeJob
	storeQueue []storeJob
	storeBusy  bool
}

func newPageChannel(hub *Hub, pageID string) *pageChannel {
	return &pageChannel{
		hub:            hub,
		pageID:         pageID,
		inbox:          make(chan channelMessage, inboxSize),
		logger:         hub.logger.With(zap.String("page_id", pageID)),
		state:          StateIdle,
		members:        make(map[string]*Session),
		rooms:          make(map[string]string),
		presence:       newPresenceSet(),
		remotePresence: make(map[string]protocol.Presence),
		storeJobs:      make(chan storeJob, 1),
	}
}

func (c *pageChannel) run() {
	go c.storeWorker()
	defer close(c.storeJobs)
	for message := range c.inbox {
		c.handle(message)
		c.transition()
		if c.hub.settle(c) {
			c.stopLockTimer()
			c.logger.Debug("page channel retired")
			return
		}
	}
}

// idle reports whether the channel may be retired. Called with the hub mutex held.
func (c *pageChannel) idle() bool {
	return len(c.members) == 0 && !c.storeBusy && len(c.storeQueue) == 0
}

func (c *pageChannel) handle(message channelMessage) {
	switch typed := message.(type) {
	case joinMessage:
		c.handleJoin(typed.session, typed.payload)
	case leaveMessage:
		c.handleLeave(typed.session, typed.disconnect)
	case eventMessage:
		c.handleEvent(typed)
	case remoteMessage:
		c.handleRemote(typed.frame)
	case lockExpiredMessage:
		c.handleLockExpired(typed)
	case saveDoneMessage:
		c.handleSaveDone(typed)
		c.nextStoreJob()
	case storeDoneMessage:
		c.nextStoreJob()
	case inspectMessage:
		typed.reply <- c.snapshot()
	default:
		c.logger.Warn("page channel ignored message")
	}
}

func (c *pageChannel) transition() {
	next := StateIdle
	switch {
	case c.lock != nil:
		next = StateLocked
	case c.storeBusy || len(c.storeQueue) > 0:
		next = StateSyncing
	}
	if next != c.state {
		c.logger.Debug("page channel state changed",
			zap.String("from", string(c.state)),
			zap.String("to", string(next)))
		c.state = next
	}
}

func (c *pageChannel) handleJoin(session *Session, payload protocol.JoinPage) {
	if _, ok := c.members[session.id]; ok {
		c.syncTo(session)
		c.logger.Debug("repeated join resynced", zap.String("session_id", session.id))
		return
	}
	if !session.addPage(c.pageID) {
		return
	}
	c.members[session.id] = session

	now := c.hub.clock().UTC()
	presence := protocol.Presence{
		UserID:      session.identity.UserID,
		DisplayName: session.displayName(),
		Color:       pickColor(payload.Color),
		LastSeen:    now,
	}
	c.presence.track(session.id, presence)

	c.broadcast(session.id, protocol.EventPresenceJoin, protocol.PresenceJoin{
		PageID:   c.pageID,
		Presence: presence,
	})
	c.syncTo(session)

	if payload.RoomID != "" {
		c.rooms[session.id] = payload.RoomID
		c.broadcast("", protocol.EventParticipantJoined, protocol.Participant{
			PageID:      c.pageID,
			RoomID:      payload.RoomID,
			UserID:      session.identity.UserID,
			DisplayName: session.displayName(),
		})
		roomID, userID, displayName := payload.RoomID, session.identity.UserID, session.displayName()
		c.enqueueStore(func(ctx context.Context) channelMessage {
			if err := c.hub.store.UpsertParticipant(ctx, pages.RoomID(roomID), pages.UserID(userID), displayName); err != nil {
				c.logError("join_page", "participant_upsert_failed", err, zap.String("room_id", roomID))
			}
			return storeDoneMessage{}
		})
	}
	c.logger.Debug("session joined page", zap.String("session_id", session.id))
}

// syncTo sends session the full presence set and the current lock holder.
func (c *pageChannel) syncTo(session *Session) {
	c.sendTo(session, protocol.EventPresenceSync, protocol.PresenceSync{
		PageID:    c.pageID,
		Presences: c.presences(),
	})
	lockState, err := c.hub.arbiter.State(context.Background(), c.pageID)
	if err != nil {
		c.logError("join_page", "lock_lookup_failed", err)
		return
	}
	if holder, locked := lockState.Holder(); locked {
		c.sendTo(session, protocol.EventEditingStarted, protocol.EditingStarted{
			PageID:      c.pageID,
			UserID:      holder.UserID,
			DisplayName: holder.DisplayName,
		})
	}
}

func (c *pageChannel) handleLeave(session *Session, disconnect bool) {
	if _, ok := c.members[session.id]; !ok {
		c.logger.Debug("leave for page not joined",
			zap.String("session_id", session.id),
			zap.Error(ErrNotJoined))
		return
	}
	delete(c.members, session.id)
	session.removePage(c.pageID)
	userID := session.identity.UserID

	released, err := c.hub.arbiter.Stop(context.Background(), c.pageID, session.id)
	if err != nil {
		c.logError("leave_page", "lock_release_failed", err)
	}
	if released || (c.lock != nil && c.lock.SessionID == session.id) {
		c.clearLock()
		c.broadcast("", protocol.EventEditingStopped, protocol.EditingStopped{PageID: c.pageID})
	}

	left, successor := c.presence.untrack(userID, session.id)
	switch {
	case left:
		c.broadcast("", protocol.EventPresenceLeave, protocol.PresenceLeave{PageID: c.pageID, UserID: userID})
	case successor != nil:
		c.broadcast("", protocol.EventPresenceJoin, protocol.PresenceJoin{PageID: c.pageID, Presence: *successor})
	}

	if roomID, ok := c.rooms[session.id]; ok {
		delete(c.rooms, session.id)
		c.broadcast("", protocol.EventParticipantLeft, protocol.Participant{
			PageID:      c.pageID,
			RoomID:      roomID,
			UserID:      userID,
			DisplayName: session.displayName(),
		})
		c.enqueueStore(func(ctx context.Context) channelMessage {
			if err := c.hub.store.TouchParticipant(ctx, pages.RoomID(roomID), pages.UserID(userID)); err != nil {
				c.logError("leave_page", "participant_touch_failed", err, zap.String("room_id", roomID))
			}
			return storeDoneMessage{}
		})
	}
	c.logger.Debug("session left page",
		zap.String("session_id", session.id),
		zap.Bool("disconnect", disconnect))
}

func (c *pageChannel) handleEvent(message eventMessage) {
	session := message.session
	if _, ok := c.members[session.id]; !ok {
		c.logger.Debug("event for page not joined",
			zap.String("event", message.event),
			zap.String("session_id", session.id),
			zap.Error(ErrNotJoined))
		return
	}
	switch payload := message.payload.(type) {
	case *protocol.ContentChange:
		c.broadcast(session.id, protocol.EventContentChange, protocol.ContentChange{
			PageID:  c.pageID,
			Content: payload.Content,
			From:    session.identity.UserID,
		})
	case *protocol.CursorUpdate:
		c.presence.moveCursor(session.identity.UserID, session.id, payload.Cursor, c.hub.clock().UTC())
		c.broadcast(session.id, protocol.EventCursorUpdate, protocol.CursorUpdate{
			PageID: c.pageID,
			UserID: session.identity.UserID,
			Cursor: payload.Cursor,
		})
	case *protocol.EditingStarted:
		c.startEditing(session)
	case *protocol.EditingStopped:
		c.stopEditing(session)
	case *protocol.SavePage:
		c.requestSave(session, payload.Content)
	}
}

func (c *pageChannel) startEditing(session *Session) {
	lock, err := c.hub.arbiter.Start(context.Background(), c.pageID, session.identity.UserID, session.displayName(), session.id)
	if err != nil {
		c.logError("editing_started", "lock_acquire_failed", err)
		return
	}
	refresh := c.lock != nil && c.lock.SessionID == session.id
	c.lock = &lock
	c.armLockTimer(lock)
	if refresh {
		return
	}
	c.broadcast(session.id, protocol.EventEditingStarted, protocol.EditingStarted{
		PageID:      c.pageID,
		UserID:      lock.UserID,
		DisplayName: lock.DisplayName,
	})
}

func (c *pageChannel) stopEditing(session *Session) {
	released, err := c.hub.arbiter.Stop(context.Background(), c.pageID, session.id)
	if err != nil {
		c.logError("editing_stopped", "lock_release_failed", err)
		return
	}
	if !released {
		c.logger.Debug("editing stop from non-holder ignored", zap.String("session_id", session.id))
		return
	}
	c.clearLock()
	c.broadcast(session.id, protocol.EventEditingStopped, protocol.EditingStopped{PageID: c.pageID})
}

func (c *pageChannel) handleLockExpired(message lockExpiredMessage) {
	if c.lock == nil || c.lock.SessionID != message.sessionID || !c.lock.ExpiresAt.Equal(message.expiresAt) {
		return
	}
	if _, err := c.hub.arbiter.Stop(context.Background(), c.pageID, message.sessionID); err != nil {
		c.logError("lock_expired", "lock_release_failed", err)
	}
	c.clearLock()
	c.broadcast("", protocol.EventEditingStopped, protocol.EditingStopped{PageID: c.pageID})
}

func (c *pageChannel) armLockTimer(lock EditingLock) {
	c.stopLockTimer()
	if lock.ExpiresAt.IsZero() {
		return
	}
	delay := lock.ExpiresAt.Sub(c.hub.clock())
	if delay < 0 {
		delay = 0
	}
	pageID := c.pageID
	message := lockExpiredMessage{sessionID: lock.SessionID, expiresAt: lock.ExpiresAt}
	c.lockTimer = time.AfterFunc(delay, func() {
		c.hub.post(pageID, message, false)
	})
}

func (c *pageChannel) stopLockTimer() {
	if c.lockTimer != nil {
		c.lockTimer.Stop()
		c.lockTimer = nil
	}
}

func (c *pageChannel) clearLock() {
	c.stopLockTimer()
	c.lock = nil
}

func (c *pageChannel) requestSave(session *Session, serialized string) {
	content, err := pages.ParseContent(serialized)
	if err != nil {
		c.logger.Warn("save rejected: malformed content",
			zap.String("session_id", session.id),
			zap.Error(err))
		c.sendTo(session, protocol.EventSaveError, protocol.SaveError{
			PageID:  c.pageID,
			Message: "malformed content",
		})
		return
	}
	request := pages.SaveRequest{
		PageID:  pages.PageID(c.pageID),
		Content: content,
		SavedBy: pages.UserID(session.identity.UserID),
	}
	c.enqueueStore(func(ctx context.Context) channelMessage {
		result, err := c.hub.store.SavePage(ctx, request)
		return saveDoneMessage{requester: session, result: result, err: err}
	})
}

func (c *pageChannel) handleSaveDone(message saveDoneMessage) {
	if message.err != nil {
		c.logError("save_page", "store_write_failed", message.err,
			zap.String("session_id", message.requester.id))
		message.requester.deliver(mustEncode(protocol.EventSaveError, protocol.SaveError{
			PageID:  c.pageID,
			Message: saveErrorMessage(message.err),
		}))
		return
	}
	c.broadcast("", protocol.EventPageSaved, protocol.PageSaved{
		PageID:     c.pageID,
		SavedAt:    message.result.SavedAt,
		SavedBy:    message.result.SavedBy.String(),
		RevisionID: message.result.RevisionID,
	})
}

func saveErrorMessage(err error) string {
	switch {
	case errors.Is(err, pages.ErrPageNotFound):
		return "page not found"
	default:
		return "failed to save page"
	}
}

func (c *pageChannel) enqueueStore(job storeJob) {
	c.storeQueue = append(c.storeQueue, job)
	if !c.storeBusy {
		c.nextStoreJob()
	}
}

func (c *pageChannel) nextStoreJob() {
	if len(c.storeQueue) == 0 {
		c.storeBusy = false
		return
	}
	job := c.storeQueue[0]
	c.storeQueue[0] = nil
	c.storeQueue = c.storeQueue[1:]
	c.storeBusy = true
	c.storeJobs <- job
}

// storeWorker runs store writes one at a time, in arrival order, off the loop.
func (c *pageChannel) storeWorker() {
	for job := range c.storeJobs {
		ctx, cancel := context.WithTimeout(context.Background(), c.hub.storeTimeout)
		result := job(ctx)
		cancel()
		c.hub.postTo(c, result)
	}
}

func (c *pageChannel) handleRemote(frame []byte) {
	envelope, err := protocol.Decode(frame)
	if err != nil {
		c.logger.Warn("dropped malformed remote frame", zap.Error(err))
		return
	}
	switch envelope.Event {
	case protocol.EventEditingStarted:
		var started protocol.EditingStarted
		if envelope.DecodeData(&started) == nil {
			c.stopLockTimer()
			c.lock = &EditingLock{PageID: c.pageID, UserID: started.UserID, DisplayName: started.DisplayName}
		}
	case protocol.EventEditingStopped:
		c.clearLock()
	case protocol.EventPresenceJoin:
		var joined protocol.PresenceJoin
		if envelope.DecodeData(&joined) == nil {
			c.remotePresence[joined.Presence.UserID] = joined.Presence
		}
	case protocol.EventPresenceLeave:
		var left protocol.PresenceLeave
		if envelope.DecodeData(&left) == nil {
			delete(c.remotePresence, left.UserID)
		}
	case protocol.EventCursorUpdate:
		var moved protocol.CursorUpdate
		if envelope.DecodeData(&moved) == nil {
			if presence, ok := c.remotePresence[moved.UserID]; ok {
				presence.Cursor = moved.Cursor
				presence.LastSeen = c.hub.clock().UTC()
				c.remotePresence[moved.UserID] = presence
			}
		}
	}
	for _, member := range c.members {
		member.deliver(frame)
	}
}

// presences merges local and remote records; local records win.
func (c *pageChannel) presences() []protocol.Presence {
	merged := c.presence.list()
	for userID, presence := range c.remotePresence {
		if !c.presence.has(userID) {
			merged = append(merged, presence)
		}
	}
	sortPresences(merged)
	return merged
}

// broadcast delivers to every member except exceptSessionID and to other
// relay instances.
func (c *pageChannel) broadcast(exceptSessionID, event string, payload interface{}) {
	frame := mustEncode(event, payload)
	for sessionID, member := range c.members {
		if sessionID == exceptSessionID {
			continue
		}
		member.deliver(frame)
	}
	c.hub.publish(c.pageID, frame)
}

func (c *pageChannel) sendTo(session *Session, event string, payload interface{}) {
	session.deliver(mustEncode(event, payload))
}

func (c *pageChannel) snapshot() ChannelSnapshot {
	sessions := make([]string, 0, len(c.members))
	for sessionID := range c.members {
		sessions = append(sessions, sessionID)
	}
	lockState := Unlocked()
	if c.lock != nil {
		lockState = LockedBy(*c.lock)
	}
	return ChannelSnapshot{
		PageID:    c.pageID,
		State:     c.state,
		Sessions:  sessions,
		Presences: c.presences(),
		Lock:      lockState,
	}
}

func (c *pageChannel) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", "relay."+operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	c.logger.Error("page channel error", append(attrs, fields...)...)
}

func pickColor(requested string) string {
	for _, color := range protocol.Palette {
		if color == requested {
			return color
		}
	}
	return protocol.Palette[rand.Intn(len(protocol.Palette))]
}

// mustEncode encodes payloads whose shapes are fixed at compile time.
func mustEncode(event string, payload interface{}) []byte {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		panic(err)
	}
	return frame
}
