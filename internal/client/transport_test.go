package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/MarcoPoloResearchLab/collabroom/internal/auth"
	"github.com/MarcoPoloResearchLab/collabroom/internal/protocol"
)

const transportTestTimeout = 2 * time.Second

func issueToken(t *testing.T, expiresAt time.Time, userID string) string {
	t.Helper()
	claims := auth.Claims{
		UserID:          userID,
		UserDisplayName: "Test User",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "collabroom-auth",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

type relayConn struct {
	conn   *websocket.Conn
	frames chan protocol.Envelope
}

type testRelay struct {
	server *httptest.Server
	conns  chan *relayConn
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	relay := &testRelay{conns: make(chan *relayConn, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	relay.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted := &relayConn{conn: conn, frames: make(chan protocol.Envelope, 32)}
		relay.conns <- accepted
		defer close(accepted.frames)
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			envelope, err := protocol.Decode(frame)
			if err != nil {
				continue
			}
			accepted.frames <- envelope
		}
	}))
	t.Cleanup(relay.server.Close)
	return relay
}

func (r *testRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws"
}

func (r *testRelay) accept(t *testing.T) *relayConn {
	t.Helper()
	select {
	case accepted := <-r.conns:
		return accepted
	case <-time.After(transportTestTimeout):
		t.Fatalf("timed out waiting for a relay connection")
		return nil
	}
}

func (c *relayConn) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case envelope, ok := <-c.frames:
		if !ok {
			t.Fatalf("relay connection closed")
		}
		return envelope
	case <-time.After(transportTestTimeout):
		t.Fatalf("timed out waiting for a frame")
		return protocol.Envelope{}
	}
}

func (c *relayConn) expectJoin(t *testing.T, pageID string) protocol.JoinPage {
	t.Helper()
	envelope := c.next(t)
	if envelope.Event != protocol.EventJoinPage {
		t.Fatalf("expected join-page, got %s", envelope.Event)
	}
	var join protocol.JoinPage
	if err := envelope.DecodeData(&join); err != nil {
		t.Fatalf("decode join: %v", err)
	}
	if join.PageID != pageID {
		t.Fatalf("expected join for %s, got %s", pageID, join.PageID)
	}
	return join
}

func TestConnectRejectsCredentialsWithoutDialing(t *testing.T) {
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{UserID: "user-a"}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	tests := []struct {
		name  string
		token string
	}{
		{name: "missing", token: ""},
		{name: "malformed", token: "not-a-jwt"},
		{name: "expired", token: issueToken(t, time.Now().Add(-time.Minute), "user-a")},
		{name: "no expiry", token: noExpiry},
		{name: "no user", token: issueToken(t, time.Now().Add(time.Hour), "")},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var dialed atomic.Bool
			dialer := &websocket.Dialer{
				NetDialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
					dialed.Store(true)
					return nil, errors.New("dial not expected")
				},
			}
			_, err := Connect(context.Background(), SessionConfig{
				URL:    "ws://relay.invalid/ws",
				Token:  test.token,
				Dialer: dialer,
			})
			if !errors.Is(err, ErrAuth) {
				t.Fatalf("expected ErrAuth, got %v", err)
			}
			if dialed.Load() {
				t.Fatalf("expected no dial for a rejected credential")
			}
		})
	}
}

func TestConnectMapsUnauthorizedHandshake(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := Connect(context.Background(), SessionConfig{
		URL:   "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		Token: issueToken(t, time.Now().Add(time.Hour), "user-a"),
	})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth for a refused handshake, got %v", err)
	}
}

func TestSessionExchangesEventsAndLeavesOnClose(t *testing.T) {
	relay := newTestRelay(t)
	session, err := Connect(context.Background(), SessionConfig{
		URL:   relay.url(),
		Token: issueToken(t, time.Now().Add(time.Hour), "user-a"),
		Color: "#4ECDC4",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if session.Identity().UserID != "user-a" || session.Identity().DisplayName != "Test User" {
		t.Fatalf("unexpected identity: %+v", session.Identity())
	}
	if session.Color() != "#4ECDC4" || !session.Connected() {
		t.Fatalf("unexpected session state: color=%q connected=%v", session.Color(), session.Connected())
	}
	accepted := relay.accept(t)

	received := make(chan protocol.ContentChange, 1)
	unsubscribe := session.On(protocol.EventContentChange, func(envelope protocol.Envelope) {
		var change protocol.ContentChange
		if err := envelope.DecodeData(&change); err == nil {
			received <- change
		}
	})
	defer unsubscribe()

	if err := session.JoinPage("P1", "R1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	join := accepted.expectJoin(t, "P1")
	if join.RoomID != "R1" || join.Color != "#4ECDC4" {
		t.Fatalf("unexpected join payload: %+v", join)
	}

	frame, err := protocol.Encode(protocol.EventContentChange, protocol.ContentChange{PageID: "P1", Content: `{"go":"x"}`, From: "user-b"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := accepted.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("relay write: %v", err)
	}
	select {
	case change := <-received:
		if change.From != "user-b" || change.Content != `{"go":"x"}` {
			t.Fatalf("unexpected content-change: %+v", change)
		}
	case <-time.After(transportTestTimeout):
		t.Fatalf("timed out waiting for content-change")
	}

	if err := session.LeavePage("never-joined"); err != nil {
		t.Fatalf("leaving an unjoined page should be a no-op: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	leave := accepted.next(t)
	if leave.Event != protocol.EventLeavePage {
		t.Fatalf("expected leave-page on close, got %s", leave.Event)
	}
	if session.Connected() {
		t.Fatalf("expected a closed session to report disconnected")
	}
	if err := session.Send(protocol.EventCursorUpdate, protocol.CursorUpdate{PageID: "P1"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestSessionRejoinsPagesAfterReconnect(t *testing.T) {
	relay := newTestRelay(t)
	states := make(chan ConnectionState, 4)
	session, err := Connect(context.Background(), SessionConfig{
		URL:            relay.url(),
		Token:          issueToken(t, time.Now().Add(time.Hour), "user-a"),
		ReconnectDelay: 10 * time.Millisecond,
		OnStateChange: func(state ConnectionState) {
			states <- state
		},
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer session.Close()

	first := relay.accept(t)
	if err := session.JoinPage("P1", "R1"); err != nil {
		t.Fatalf("join P1: %v", err)
	}
	if err := session.JoinPage("P2", ""); err != nil {
		t.Fatalf("join P2: %v", err)
	}
	first.expectJoin(t, "P1")
	first.expectJoin(t, "P2")

	_ = first.conn.Close()

	second := relay.accept(t)
	second.expectJoin(t, "P1")
	rejoined := second.expectJoin(t, "P2")
	if rejoined.RoomID != "" {
		t.Fatalf("unexpected room on rejoin: %+v", rejoined)
	}

	for _, expected := range []ConnectionState{StateDisconnected, StateConnected} {
		select {
		case state := <-states:
			if state != expected {
				t.Fatalf("expected %s, got %s", expected, state)
			}
		case <-time.After(transportTestTimeout):
			t.Fatalf("timed out waiting for %s", expected)
		}
	}
}
