// Package socket owns the single live WebSocket connection to the chat
// backend: token lifecycle, reconnection policy and the connection-status
// observable. Messages are JSON event frames; inbound events are dispatched
// to registered handlers.
package socket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SARVESHVARADKAR123/chatlink/internal/domain"
	"github.com/SARVESHVARADKAR123/chatlink/internal/observability"
	"github.com/SARVESHVARADKAR123/chatlink/internal/pubsub"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// CloseAuthFailure is the close code the server uses when it drops a session
// over a rejected token.
const CloseAuthFailure = 4401

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type Config struct {
	URL       string // base ws URL, e.g. ws://host:3001
	Namespace string // e.g. /private

	DialTimeout          time.Duration
	ReconnectDelay       time.Duration
	ReconnectDelayMax    time.Duration
	ReconnectAttemptsMax int // 0 = unlimited

	Logger *zap.Logger
}

// Handler consumes the payload of a named inbound event.
type Handler func(data json.RawMessage)

type Client struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	gen       int // connection generation; stale loops check it before acting
	token     string
	status    Status
	lastErr   error
	attempts  int
	suspended bool // auth failure: automatic retry is off
	retry     *time.Timer
	handlers  map[string]Handler

	writeMu   sync.Mutex
	statusHub pubsub.Hub[Status]
}

func New(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 20 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.ReconnectDelayMax <= 0 {
		cfg.ReconnectDelayMax = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = observability.Logger()
	}
	return &Client{
		cfg:      cfg,
		log:      log,
		status:   StatusDisconnected,
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for a named inbound event, replacing any
// previous one.
func (c *Client) Handle(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// Connect starts a connection attempt with the given token. Idempotent: a
// connected client is left untouched. A present but dead connection is torn
// down first. The outcome is reported through status transitions, never as
// a synchronous error.
func (c *Client) Connect(token string) {
	c.mu.Lock()
	if c.status == StatusConnected && c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.teardownLocked(websocket.CloseNormalClosure)
	c.token = token
	c.attempts = 0
	c.suspended = false
	gen := c.gen
	changed := c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	c.publish(changed, StatusConnecting)
	c.log.Info("socket: connecting", zap.String("token", tokenPreview(token)))
	go c.dial(gen)
}

// Disconnect tears down the transport and clears the stored token. Safe to
// call when already disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.teardownLocked(websocket.CloseNormalClosure)
	c.token = ""
	c.suspended = false
	c.attempts = 0
	changed := c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	c.publish(changed, StatusDisconnected)
}

// UpdateToken replaces the credential used for the next handshake. If the
// client is connected the session is left alone; otherwise a fresh attempt
// starts with the new token.
func (c *Client) UpdateToken(token string) {
	c.mu.Lock()
	c.token = token
	c.suspended = false
	if c.status == StatusConnected {
		c.mu.Unlock()
		return
	}
	c.teardownLocked(websocket.CloseNormalClosure)
	c.attempts = 0
	gen := c.gen
	changed := c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	c.publish(changed, StatusConnecting)
	go c.dial(gen)
}

// ForceReconnect tears down and immediately re-establishes with the last
// known token. Fails loudly through the error status when no token is held.
func (c *Client) ForceReconnect() error {
	c.mu.Lock()
	if c.token == "" {
		c.lastErr = domain.ErrNoToken
		changed := c.setStatusLocked(StatusError)
		c.mu.Unlock()
		c.publish(changed, StatusError)
		return domain.ErrNoToken
	}
	c.teardownLocked(websocket.CloseServiceRestart)
	c.attempts = 0
	c.suspended = false
	gen := c.gen
	changed := c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	c.publish(changed, StatusConnecting)
	go c.dial(gen)
	return nil
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastError returns the error behind the most recent error status, if any.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Client) IsConnected() bool {
	return c.Status() == StatusConnected
}

// OnStatusChange subscribes to status transitions. Every subscriber receives
// every transition; no-op transitions are never delivered.
func (c *Client) OnStatusChange(fn func(Status)) pubsub.Subscription {
	return c.statusHub.Subscribe(fn)
}

// Send transmits a named event immediately. There is no queueing: sending
// while not connected fails with ErrNotConnected and the caller owns the
// retry.
func (c *Client) Send(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return domain.ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	observability.MessagesSentTotal.Inc()
	return nil
}

func (c *Client) dial(gen int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	token := c.token
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.Dial(c.cfg.URL+c.cfg.Namespace+"/ws", header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.failAuth(err)
			return
		}
		c.log.Warn("socket: dial failed", zap.Error(err))
		c.failAndRetry(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.attempts = 0
	c.lastErr = nil
	changed := c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	c.publish(changed, StatusConnected)
	c.log.Info("socket: connected")

	go c.readLoop(conn, gen)
	go c.pingLoop(conn, gen)
}

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, gen, err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Warn("socket: bad frame", zap.Error(err))
			continue
		}

		c.mu.Lock()
		h := c.handlers[frame.Event]
		c.mu.Unlock()

		observability.MessagesReceivedTotal.WithLabelValues(frame.Event).Inc()
		if h == nil {
			c.log.Debug("socket: unhandled event", zap.String("event", frame.Event))
			continue
		}
		h(frame.Data)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		stale := gen != c.gen || c.conn != conn
		c.mu.Unlock()
		if stale {
			return
		}

		c.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *Client) handleReadError(conn *websocket.Conn, gen int, err error) {
	c.mu.Lock()
	if gen != c.gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.gen++
	newGen := c.gen
	c.mu.Unlock()
	_ = conn.Close()

	switch {
	case websocket.IsCloseError(err, CloseAuthFailure):
		c.failAuth(err)

	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseServiceRestart):
		// Server-initiated shutdown: reconnect right away instead of
		// waiting out the backoff.
		c.log.Info("socket: server closed connection, reconnecting", zap.Error(err))
		c.mu.Lock()
		changed := c.setStatusLocked(StatusConnecting)
		c.mu.Unlock()
		c.publish(changed, StatusConnecting)
		go c.dial(newGen)

	default:
		c.log.Warn("socket: connection lost", zap.Error(err))
		c.mu.Lock()
		c.lastErr = err
		changed := c.setStatusLocked(StatusDisconnected)
		c.scheduleRetryLocked(newGen)
		c.mu.Unlock()
		c.publish(changed, StatusDisconnected)
	}
}

// failAuth surfaces an authentication failure and suspends automatic retry
// until the caller refreshes credentials via UpdateToken or ForceReconnect.
func (c *Client) failAuth(err error) {
	c.log.Error("socket: authentication rejected", zap.Error(err))
	c.mu.Lock()
	c.lastErr = fmt.Errorf("%w: %v", domain.ErrAuthFailed, err)
	c.suspended = true
	changed := c.setStatusLocked(StatusError)
	c.mu.Unlock()
	c.publish(changed, StatusError)
}

func (c *Client) failAndRetry(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.lastErr = err
	changed := c.setStatusLocked(StatusError)
	c.scheduleRetryLocked(gen)
	c.mu.Unlock()
	c.publish(changed, StatusError)
}

func (c *Client) scheduleRetryLocked(gen int) {
	if c.suspended {
		return
	}
	if c.cfg.ReconnectAttemptsMax > 0 && c.attempts >= c.cfg.ReconnectAttemptsMax {
		c.log.Error("socket: giving up after max reconnect attempts",
			zap.Int("attempts", c.attempts))
		return
	}

	c.attempts++
	delay := c.cfg.ReconnectDelay << (c.attempts - 1)
	if delay > c.cfg.ReconnectDelayMax || delay <= 0 {
		delay = c.cfg.ReconnectDelayMax
	}
	observability.ReconnectAttemptsTotal.Inc()
	c.log.Info("socket: scheduling reconnect",
		zap.Int("attempt", c.attempts), zap.Duration("delay", delay))

	c.retry = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if gen != c.gen || c.suspended {
			c.mu.Unlock()
			return
		}
		changed := c.setStatusLocked(StatusConnecting)
		c.mu.Unlock()
		c.publish(changed, StatusConnecting)
		c.dial(gen)
	})
}

// teardownLocked closes any live connection and invalidates running loops.
// Callers hold c.mu.
func (c *Client) teardownLocked(code int) {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), deadline)
		_ = c.conn.Close()
		c.conn = nil
	}
	c.gen++
}

// setStatusLocked records a transition and reports whether it was a real
// change. Duplicate transitions never notify.
func (c *Client) setStatusLocked(s Status) bool {
	if c.status == s {
		return false
	}
	c.status = s
	observability.SetConnectionStatus(string(s))
	return true
}

func (c *Client) publish(changed bool, s Status) {
	if changed {
		c.statusHub.Publish(s)
	}
}

func tokenPreview(token string) string {
	if len(token) <= 8 {
		return "********"
	}
	return token[:8] + "..."
}
