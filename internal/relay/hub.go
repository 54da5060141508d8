// Package relay hosts the page channels that fan collaboration events out
// between sessions, arbitrate the editing lock, and route saves to the store.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabroom/internal/auth"
	"github.com/MarcoPoloResearchLab/collabroom/internal/pages"
	"github.com/MarcoPoloResearchLab/collabroom/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("page store dependency required")
	errUnknownEvent = errors.New("relay: unknown event")
	// ErrNotJoined indicates an event for a page the session has not joined.
	ErrNotJoined = errors.New("relay: page not joined")
)

const (
	defaultSendBuffer   = 64
	defaultPingInterval = 25 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultStoreTimeout = 10 * time.Second
	inboxSize           = 64
)

// PageStore is the durable store the relay writes through.
type PageStore interface {
	SavePage(ctx context.Context, request pages.SaveRequest) (pages.SaveResult, error)
	UpsertParticipant(ctx context.Context, roomID pages.RoomID, userID pages.UserID, displayName string) error
	TouchParticipant(ctx context.Context, roomID pages.RoomID, userID pages.UserID) error
}

// Config describes the dependencies and timings of a Hub. A zero LockTTL keeps
// editing locks until their holder stops or disconnects.
type Config struct {
	Store        PageStore
	Locks        LockStore
	Fanout       Fanout
	LockTTL      time.Duration
	SendBuffer   int
	PingInterval time.Duration
	PongWait     time.Duration
	StoreTimeout time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Hub owns the page channels of one relay instance.
type Hub struct {
	store        PageStore
	arbiter      *Arbiter
	fanout       Fanout
	sendBuffer   int
	pingInterval time.Duration
	pongWait     time.Duration
	storeTimeout time.Duration
	clock        func() time.Time
	logger       *zap.Logger

	mu       sync.Mutex
	channels map[string]*pageChannel
	sessions map[string]*Session
}

// NewHub validates cfg and builds a Hub.
func NewHub(cfg Config) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fanout := cfg.Fanout
	if fanout == nil {
		fanout = localFanout{}
	}
	locks := cfg.Locks
	if locks == nil {
		locks = NewMemoryLockStore(clock)
	}
	lockTTL := cfg.LockTTL
	if lockTTL < 0 {
		lockTTL = 0
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pongWait := cfg.PongWait
	if pongWait <= pingInterval {
		pongWait = pingInterval + defaultPongWait - defaultPingInterval
	}
	storeTimeout := cfg.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}

	return &Hub{
		store:        cfg.Store,
		arbiter:      NewArbiter(locks, lockTTL, clock),
		fanout:       fanout,
		sendBuffer:   sendBuffer,
		pingInterval: pingInterval,
		pongWait:     pongWait,
		storeTimeout: storeTimeout,
		clock:        clock,
		logger:       logger,
		channels:     make(map[string]*pageChannel),
		sessions:     make(map[string]*Session),
	}, nil
}

// Register admits an authenticated identity as a new session.
func (h *Hub) Register(identity auth.Identity) *Session {
	session := newSession(uuid.NewString(), identity, h.sendBuffer)
	h.mu.Lock()
	h.sessions[session.id] = session
	h.mu.Unlock()
	return session
}

// Unregister drops a session: it leaves every joined page, which releases its
// editing locks and presence records.
func (h *Hub) Unregister(session *Session) {
	pageIDs, first := session.detach()
	if !first {
		return
	}
	h.mu.Lock()
	delete(h.sessions, session.id)
	h.mu.Unlock()
	for _, pageID := range pageIDs {
		h.post(pageID, leaveMessage{session: session, disconnect: true}, false)
	}
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown drops every session.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		sessions = append(sessions, session)
	}
	h.mu.Unlock()
	for _, session := range sessions {
		session.close()
	}
}

// Dispatch routes one inbound frame of session to its page channel.
func (h *Hub) Dispatch(session *Session, frame []byte) {
	logger := h.logger.With(zap.String("session_id", session.id))
	envelope, err := protocol.Decode(frame)
	if err != nil {
		logger.Warn("relay dropped malformed frame", zap.Error(err))
		return
	}

	payload, err := decodePayload(envelope)
	if errors.Is(err, errUnknownEvent) {
		logger.Debug("relay ignored unknown event", zap.String("event", envelope.Event))
		return
	}
	if err != nil {
		logger.Warn("relay dropped malformed payload", zap.String("event", envelope.Event), zap.Error(err))
		return
	}
	pageID := payload.Page()
	if pageID == "" {
		logger.Warn("relay dropped event without page", zap.String("event", envelope.Event))
		return
	}

	var message channelMessage
	switch typed := payload.(type) {
	case *protocol.JoinPage:
		message = joinMessage{session: session, payload: *typed}
	case *protocol.LeavePage:
		message = leaveMessage{session: session}
	default:
		message = eventMessage{session: session, event: envelope.Event, payload: payload}
	}
	if !h.post(pageID, message, envelope.Event == protocol.EventJoinPage) {
		logger.Debug("relay ignored event",
			zap.String("event", envelope.Event),
			zap.String("page_id", pageID),
			zap.Error(ErrNotJoined))
	}
}

func decodePayload(envelope protocol.Envelope) (protocol.PageScope, error) {
	var payload protocol.PageScope
	switch envelope.Event {
	case protocol.EventJoinPage:
		payload = &protocol.JoinPage{}
	case protocol.EventLeavePage:
		payload = &protocol.LeavePage{}
	case protocol.EventContentChange:
		payload = &protocol.ContentChange{}
	case protocol.EventCursorUpdate:
		payload = &protocol.CursorUpdate{}
	case protocol.EventEditingStarted:
		payload = &protocol.EditingStarted{}
	case protocol.EventEditingStopped:
		payload = &protocol.EditingStopped{}
	case protocol.EventSavePage:
		payload = &protocol.SavePage{}
	default:
		return nil, errUnknownEvent
	}
	if err := envelope.DecodeData(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// DeliverRemote hands a frame published by another relay instance to the
// local members of pageID.
func (h *Hub) DeliverRemote(pageID string, frame []byte) {
	h.post(pageID, remoteMessage{frame: frame}, false)
}

// Snapshot reports the state of a live page channel.
func (h *Hub) Snapshot(pageID string) (ChannelSnapshot, bool) {
	reply := make(chan ChannelSnapshot, 1)
	if !h.post(pageID, inspectMessage{reply: reply}, false) {
		return ChannelSnapshot{}, false
	}
	return <-reply, true
}

// post enqueues message on the page's channel, starting one when create is set.
func (h *Hub) post(pageID string, message channelMessage, create bool) bool {
	h.mu.Lock()
	channel := h.channels[pageID]
	if channel == nil {
		if !create {
			h.mu.Unlock()
			return false
		}
		channel = newPageChannel(h, pageID)
		h.channels[pageID] = channel
		go channel.run()
	}
	channel.pending++
	h.mu.Unlock()
	channel.inbox <- message
	return true
}

// postTo enqueues message on a channel that is known to be alive.
func (h *Hub) postTo(channel *pageChannel, message channelMessage) {
	h.mu.Lock()
	channel.pending++
	h.mu.Unlock()
	channel.inbox <- message
}

// settle accounts for one handled message and retires an idle channel.
func (h *Hub) settle(channel *pageChannel) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	channel.pending--
	if channel.pending > 0 || !channel.idle() {
		return false
	}
	if h.channels[channel.pageID] == channel {
		delete(h.channels, channel.pageID)
	}
	return true
}

func (h *Hub) publish(pageID string, frame []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), h.storeTimeout)
	defer cancel()
	if err := h.fanout.Publish(ctx, pageID, frame); err != nil {
		h.logger.Warn("relay fanout publish failed", zap.String("page_id", pageID), zap.Error(err))
	}
}
