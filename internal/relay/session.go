package relay

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabroom/internal/auth"
	"github.com/MarcoPoloResearchLab/collabroom/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxFrameBytes  = 1 << 20
	closeReasonBye = "session closed"
)

// Session is one authenticated connection to the relay.
type Session struct {
	id       string
	identity auth.Identity
	send     chan []byte

	mu           sync.Mutex
	pages        map[string]struct{}
	closed       bool
	unregistered bool
}

func newSession(id string, identity auth.Identity, buffer int) *Session {
	return &Session{
		id:       id,
		identity: identity,
		send:     make(chan []byte, buffer),
		pages:    make(map[string]struct{}),
	}
}

// ID returns the relay-assigned session identifier.
func (s *Session) ID() string {
	return s.id
}

// Identity returns the authenticated identity of the session.
func (s *Session) Identity() auth.Identity {
	return s.identity
}

// Outbound yields the frames queued for the peer. It is closed when the
// session is dropped.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Pages returns the page ids the session currently belongs to.
func (s *Session) Pages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	pageIDs := make([]string, 0, len(s.pages))
	for pageID := range s.pages {
		pageIDs = append(pageIDs, pageID)
	}
	sort.Strings(pageIDs)
	return pageIDs
}

func (s *Session) displayName() string {
	if s.identity.DisplayName == "" {
		return protocol.AnonymousDisplayName
	}
	return s.identity.DisplayName
}

// deliver queues frame without blocking. A full queue drops the session.
func (s *Session) deliver(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		s.closeLocked()
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// addPage records membership unless the session is already being torn down.
func (s *Session) addPage(pageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unregistered {
		return false
	}
	s.pages[pageID] = struct{}{}
	return true
}

func (s *Session) removePage(pageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, pageID)
}

// detach marks the session unregistered and returns the pages it still belongs to.
func (s *Session) detach() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unregistered {
		return nil, false
	}
	s.unregistered = true
	s.closeLocked()
	pageIDs := make([]string, 0, len(s.pages))
	for pageID := range s.pages {
		pageIDs = append(pageIDs, pageID)
	}
	sort.Strings(pageIDs)
	return pageIDs, true
}

// Serve runs the read and write pumps of conn for identity and blocks until
// the connection ends. Every page the session joined is left on return.
func (h *Hub) Serve(conn *websocket.Conn, identity auth.Identity) {
	session := h.Register(identity)
	logger := h.logger.With(zap.String("session_id", session.id), zap.String("user_id", identity.UserID))
	logger.Info("relay session connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, session, logger)
	}()

	h.readPump(conn, session, logger)
	h.Unregister(session)
	<-writerDone
	_ = conn.Close()
	logger.Info("relay session disconnected")
}

func (h *Hub) readPump(conn *websocket.Conn, session *Session, logger *zap.Logger) {
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				logger.Debug("relay peer closed", zap.Error(err))
			case errors.As(err, &netErr) && netErr.Timeout():
				logger.Info("relay session timed out", zap.Error(err))
			default:
				logger.Debug("relay read ended", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		h.Dispatch(session, frame)
	}
}

func (h *Hub) writePump(conn *websocket.Conn, session *Session, logger *zap.Logger) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-session.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReasonBye))
				_ = conn.Close()
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("relay write failed", zap.Error(err))
				_ = conn.Close()
				session.close()
				drain(session.send)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug("relay ping failed", zap.Error(err))
				_ = conn.Close()
				session.close()
				drain(session.send)
				return
			}
		}
	}
}

func drain(frames <-chan []byte) {
	for range frames {
	}
}
