package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/collabroom/internal/auth"
	"github.com/MarcoPoloResearchLab/collabroom/internal/protocol"
)

const (
	writeWait       = 10 * time.Second
	maxFrameSize    = 1 << 20
	handshakeWindow = 15 * time.Second
)

var (
	// ErrAuth reports a missing, malformed or expired credential, or a relay
	// that refused it. The caller must obtain a new credential.
	ErrAuth = errors.New("client: authentication required")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("client: session closed")
	// ErrDisconnected is returned by Send while the session is reconnecting.
	ErrDisconnected = errors.New("client: relay not connected")
)

// Emitter sends one event to the relay.
type Emitter interface {
	Send(event string, payload interface{}) error
}

// Handler receives an inbound event.
type Handler func(envelope protocol.Envelope)

// Transport is the event channel a Page runs over.
type Transport interface {
	Emitter
	JoinPage(pageID, roomID string) error
	LeavePage(pageID string) error
	On(event string, handler Handler) (unsubscribe func())
}

// ConnectionState describes the link to the relay.
type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

// Identity is the participant named by the session credential.
type Identity struct {
	UserID      string
	DisplayName string
}

// SessionConfig configures Connect.
type SessionConfig struct {
	URL            string
	Token          string
	Color          string
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Clock          func() time.Time
	Logger         *zap.Logger
	OnStateChange  func(ConnectionState)
}

type handlerEntry struct {
	id      uint64
	handler Handler
}

// Session is one authenticated event channel to the relay.
type Session struct {
	url            string
	token          string
	color          string
	identity       Identity
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	logger         *zap.Logger
	onStateChange  func(ConnectionState)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	writeMu     sync.Mutex
	conn        *websocket.Conn
	closed      bool
	joined      map[string]string
	joinOrder   []string
	handlers    map[string][]handlerEntry
	nextHandler uint64
}

// Connect checks the credential, dials the relay and starts the read loop.
// A missing, malformed or expired credential fails with ErrAuth before any
// dial is attempted.
func Connect(ctx context.Context, cfg SessionConfig) (*Session, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	identity, err := inspectCredential(cfg.Token, clock())
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("client: relay url is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeWindow,
		}
	}
	color := cfg.Color
	if color == "" {
		color = protocol.Palette[rand.Intn(len(protocol.Palette))]
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	session := &Session{
		url:            cfg.URL,
		token:          strings.TrimSpace(cfg.Token),
		color:          color,
		identity:       identity,
		reconnectDelay: reconnectDelay,
		dialer:         dialer,
		logger:         logger.With(zap.String("user_id", identity.UserID)),
		onStateChange:  cfg.OnStateChange,
		ctx:            sessionCtx,
		cancel:         cancel,
		done:           make(chan struct{}),
		joined:         make(map[string]string),
		handlers:       make(map[string][]handlerEntry),
	}

	conn, err := session.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	session.conn = conn
	go session.run(conn)
	return session, nil
}

// Identity returns the participant named by the credential.
func (s *Session) Identity() Identity {
	return s.identity
}

// Color returns the presence color announced on join.
func (s *Session) Color() string {
	return s.color
}

// Connected reports whether the relay link is up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed
}

// Done is closed once the session stops for good.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// JoinPage subscribes to a page. The subscription is remembered and re-issued
// after every reconnect.
func (s *Session) JoinPage(pageID, roomID string) error {
	if strings.TrimSpace(pageID) == "" {
		return errMissingPageID
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.joined[pageID]; !ok {
		s.joinOrder = append(s.joinOrder, pageID)
	}
	s.joined[pageID] = roomID
	s.mu.Unlock()

	err := s.Send(protocol.EventJoinPage, protocol.JoinPage{PageID: pageID, RoomID: roomID, Color: s.color})
	if errors.Is(err, ErrDisconnected) {
		return nil
	}
	return err
}

// LeavePage unsubscribes from a page. Leaving a page that was never joined is
// a no-op.
func (s *Session) LeavePage(pageID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.joined[pageID]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.joined, pageID)
	for index, joined := range s.joinOrder {
		if joined == pageID {
			s.joinOrder = append(s.joinOrder[:index], s.joinOrder[index+1:]...)
			break
		}
	}
	s.mu.Unlock()

	err := s.Send(protocol.EventLeavePage, protocol.LeavePage{PageID: pageID})
	if errors.Is(err, ErrDisconnected) {
		return nil
	}
	return err
}

// Send encodes and writes one event.
func (s *Session) Send(event string, payload interface{}) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	return s.write(conn, frame)
}

// On registers handler for event and returns a function that removes it.
func (s *Session) On(event string, handler Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandler++
	id := s.nextHandler
	s.handlers[event] = append(s.handlers[event], handlerEntry{id: id, handler: handler})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		entries := s.handlers[event]
		for index, entry := range entries {
			if entry.id == id {
				s.handlers[event] = append(entries[:index:index], entries[index+1:]...)
				return
			}
		}
	}
}

// Close leaves every joined page, then closes the connection and waits for
// the read loop to stop.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	conn := s.conn
	pageIDs := append([]string(nil), s.joinOrder...)
	s.joined = make(map[string]string)
	s.joinOrder = nil
	s.mu.Unlock()

	if conn != nil {
		for _, pageID := range pageIDs {
			frame, err := protocol.Encode(protocol.EventLeavePage, protocol.LeavePage{PageID: pageID})
			if err != nil {
				continue
			}
			if err := s.write(conn, frame); err != nil {
				s.logger.Debug("leave-page not delivered on close", zap.String("page_id", pageID), zap.Error(err))
				break
			}
		}
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.writeMu.Unlock()
	}
	s.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-s.done
	return nil
}

func (s *Session) write(conn *websocket.Conn, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)
	conn, response, err := s.dialer.DialContext(ctx, s.url, header)
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		if response != nil && response.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: relay refused credential", ErrAuth)
		}
		return nil, fmt.Errorf("client: dial relay: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

// run reads frames until the connection drops, then redials and re-joins
// every page until the session is closed.
func (s *Session) run(conn *websocket.Conn) {
	defer close(s.done)
	for {
		s.readLoop(conn)

		s.mu.Lock()
		closed := s.closed
		s.conn = nil
		s.mu.Unlock()
		if closed {
			return
		}
		s.logger.Warn("relay connection lost")
		s.notify(StateDisconnected)

		conn = s.reconnect()
		if conn == nil {
			return
		}
		s.notify(StateConnected)
		s.rejoin(conn)
	}
}

func (s *Session) reconnect() *websocket.Conn {
	for {
		timer := time.NewTimer(s.reconnectDelay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		conn, err := s.dial(s.ctx)
		if err == nil {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				_ = conn.Close()
				return nil
			}
			s.conn = conn
			s.mu.Unlock()
			s.logger.Info("relay connection restored")
			return conn
		}
		if errors.Is(err, ErrAuth) {
			s.logger.Error("relay rejected credential on reconnect", zap.Error(err))
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			return nil
		}
		s.logger.Warn("relay reconnect failed", zap.Error(err))
	}
}

func (s *Session) rejoin(conn *websocket.Conn) {
	s.mu.Lock()
	joins := make([]protocol.JoinPage, 0, len(s.joinOrder))
	for _, pageID := range s.joinOrder {
		joins = append(joins, protocol.JoinPage{PageID: pageID, RoomID: s.joined[pageID], Color: s.color})
	}
	s.mu.Unlock()

	for _, join := range joins {
		frame, err := protocol.Encode(protocol.EventJoinPage, join)
		if err != nil {
			continue
		}
		if err := s.write(conn, frame); err != nil {
			s.logger.Warn("rejoin not delivered", zap.String("page_id", join.PageID), zap.Error(err))
			return
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("relay read failed", zap.Error(err))
			}
			_ = conn.Close()
			return
		}
		envelope, err := protocol.Decode(frame)
		if err != nil {
			s.logger.Warn("dropping malformed relay frame", zap.Error(err))
			continue
		}
		s.dispatch(envelope)
	}
}

func (s *Session) dispatch(envelope protocol.Envelope) {
	s.mu.Lock()
	entries := append([]handlerEntry(nil), s.handlers[envelope.Event]...)
	s.mu.Unlock()
	for _, entry := range entries {
		entry.handler(envelope)
	}
}

func (s *Session) notify(state ConnectionState) {
	if s.onStateChange != nil {
		s.onStateChange(state)
	}
}

// inspectCredential reads the token claims without verifying the signature;
// the relay verifies it on the handshake.
func inspectCredential(token string, now time.Time) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: credential missing", ErrAuth)
	}
	claims := &auth.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: credential malformed: %v", ErrAuth, err)
	}
	if claims.ExpiresAt == nil {
		return Identity{}, fmt.Errorf("%w: credential has no expiry", ErrAuth)
	}
	if !now.Before(claims.ExpiresAt.Time) {
		return Identity{}, fmt.Errorf("%w: credential expired", ErrAuth)
	}
	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: credential names no user", ErrAuth)
	}
	displayName := strings.TrimSpace(claims.UserDisplayName)
	if displayName == "" {
		displayName = strings.TrimSpace(claims.UserEmail)
	}
	if displayName == "" {
		displayName = protocol.AnonymousDisplayName
	}
	return Identity{UserID: userID, DisplayName: displayName}, nil
}
