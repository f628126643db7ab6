package socket

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SARVESHVARADKAR123/chatlink/internal/domain"
)

const testToken = "test-token-123456"

// wsServer is a minimal chat backend for handshake and frame tests.
type wsServer struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	rejectAll bool
	conns     []*websocket.Conn

	connCh chan *websocket.Conn
	frames chan Frame
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{
		t:      t,
		connCh: make(chan *websocket.Conn, 4),
		frames: make(chan Frame, 16),
	}
	upgrader := websocket.Upgrader{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.mu.Lock()
		reject := ws.rejectAll
		ws.mu.Unlock()
		if reject || r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conns = append(ws.conns, conn)
		ws.mu.Unlock()
		ws.connCh <- conn
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame Frame
			if json.Unmarshal(raw, &frame) == nil {
				ws.frames <- frame
			}
		}
	}))
	t.Cleanup(ws.close)
	return ws
}

func (ws *wsServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsServer) setReject(reject bool) {
	ws.mu.Lock()
	ws.rejectAll = reject
	ws.mu.Unlock()
}

func (ws *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ws.connCh:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func (ws *wsServer) close() {
	ws.mu.Lock()
	for _, conn := range ws.conns {
		_ = conn.Close()
	}
	ws.conns = nil
	ws.mu.Unlock()
	ws.srv.Close()
}

func newTestClient(t *testing.T, ws *wsServer) (*Client, chan Status) {
	t.Helper()
	c := New(Config{
		URL:                  ws.url(),
		DialTimeout:          2 * time.Second,
		ReconnectDelay:       20 * time.Millisecond,
		ReconnectDelayMax:    100 * time.Millisecond,
		ReconnectAttemptsMax: 3,
	})
	t.Cleanup(c.Disconnect)

	statuses := make(chan Status, 16)
	c.OnStatusChange(func(s Status) { statuses <- s })
	return c, statuses
}

func waitStatus(t *testing.T, ch <-chan Status, want Status) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q", want)
		}
	}
}

func TestConnectLifecycle(t *testing.T) {
	ws := newWSServer(t)
	c, statuses := newTestClient(t, ws)

	if c.Status() != StatusDisconnected {
		t.Fatalf("fresh client status = %q", c.Status())
	}

	c.Connect(testToken)
	waitStatus(t, statuses, StatusConnecting)
	waitStatus(t, statuses, StatusConnected)
	ws.accept(t)

	if !c.IsConnected() {
		t.Error("IsConnected() = false after connected transition")
	}

	// Connect on a live client is a no-op.
	c.Connect(testToken)
	select {
	case s := <-statuses:
		t.Errorf("idempotent Connect produced transition %q", s)
	case <-time.After(100 * time.Millisecond):
	}

	c.Disconnect()
	waitStatus(t, statuses, StatusDisconnected)
}

func TestSendRequiresConnection(t *testing.T) {
	ws := newWSServer(t)
	c, statuses := newTestClient(t, ws)

	err := c.Send(EventSendMessage, SendMessagePayload{To: "u2", Content: "hi"})
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	c.Connect(testToken)
	waitStatus(t, statuses, StatusConnected)
	ws.accept(t)

	if err := c.Send(EventSendMessage, SendMessagePayload{To: "u2", Content: "hi"}); err != nil {
		t.Fatalf("send while connected failed: %v", err)
	}

	select {
	case frame := <-ws.frames:
		if frame.Event != EventSendMessage {
			t.Errorf("server received event %q", frame.Event)
		}
		var p SendMessagePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.To != "u2" || p.Content != "hi" {
			t.Errorf("server received payload %s (err %v)", frame.Data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestInboundDispatch(t *testing.T) {
	ws := newWSServer(t)
	c, statuses := newTestClient(t, ws)

	received := make(chan NewMessagePayload, 1)
	c.Handle(EventNewMessage, func(data json.RawMessage) {
		var p NewMessagePayload
		if err := json.Unmarshal(data, &p); err == nil {
			received <- p
		}
	})

	c.Connect(testToken)
	waitStatus(t, statuses, StatusConnected)
	conn := ws.accept(t)

	payload, _ := json.Marshal(NewMessagePayload{ID: 42, From: "u2", Content: "hey"})
	frame, _ := json.Marshal(Frame{Event: EventNewMessage, Data: payload})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-received:
		if p.ID != 42 || p.From != "u2" {
			t.Errorf("handler received %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never fired")
	}
}

func TestHandshakeRejectionSuspendsRetry(t *testing.T) {
	ws := newWSServer(t)
	ws.setReject(true)
	c, statuses := newTestClient(t, ws)

	c.Connect(testToken)
	waitStatus(t, statuses, StatusError)

	if !errors.Is(c.LastError(), domain.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", c.LastError())
	}

	// Automatic retry is off: no further transitions arrive.
	select {
	case s := <-statuses:
		t.Fatalf("auth failure still retried, transition %q", s)
	case <-time.After(200 * time.Millisecond):
	}

	// A refreshed credential clears the suspension.
	ws.setReject(false)
	c.UpdateToken(testToken)
	waitStatus(t, statuses, StatusConnected)
	ws.accept(t)
}

func TestAuthCloseCodeSurfacesError(t *testing.T) {
	ws := newWSServer(t)
	c, statuses := newTestClient(t, ws)

	c.Connect(testToken)
	waitStatus(t, statuses, StatusConnected)
	conn := ws.accept(t)

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseAuthFailure, "token expired"), deadline)

	waitStatus(t, statuses, StatusError)
	if !errors.Is(c.LastError(), domain.ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed, got %v", c.LastError())
	}
}

func TestAutoReconnectAfterDrop(t *testing.T) {
	ws := newWSServer(t)
	c, statuses := newTestClient(t, ws)

	c.Connect(testToken)
	waitStatus(t, statuses, StatusConnected)
	conn := ws.accept(t)

	// Abrupt drop, not a clean close: the client backs off and retries.
	_ = conn.Close()
	waitStatus(t, statuses, StatusDisconnected)
	waitStatus(t, statuses, StatusConnecting)
	waitStatus(t, statuses, StatusConnected)
	ws.accept(t)
}

func TestForceReconnectWithoutToken(t *testing.T) {
	ws := newWSServer(t)
	c, statuses := newTestClient(t, ws)

	if err := c.ForceReconnect(); !errors.Is(err, domain.ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	waitStatus(t, statuses, StatusError)
}

func TestDisconnectWhenAlreadyDisconnectedIsSilent(t *testing.T) {
	ws := newWSServer(t)
	c, statuses := newTestClient(t, ws)

	c.Disconnect()
	select {
	case s := <-statuses:
		t.Errorf("no-op disconnect published %q", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ws := newWSServer(t)
	c, _ := newTestClient(t, ws)

	var mu sync.Mutex
	count := 0
	sub := c.OnStatusChange(func(Status) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	sub.Unsubscribe()

	c.Connect(testToken)
	ws.accept(t)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("unsubscribed listener received %d transitions", count)
	}
}
