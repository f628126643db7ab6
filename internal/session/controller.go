// Package session orchestrates one active conversation at a time: history
// hydration (cache first, server authoritative), outbound sends with
// optimistic insertion, and routing of inbound events into the
// reconciliation engine. It is the single surface the UI layer calls into.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SARVESHVARADKAR123/chatlink/internal/domain"
	"github.com/SARVESHVARADKAR123/chatlink/internal/observability"
	"github.com/SARVESHVARADKAR123/chatlink/internal/pubsub"
	"github.com/SARVESHVARADKAR123/chatlink/internal/reconcile"
	"github.com/SARVESHVARADKAR123/chatlink/internal/rest"
	"github.com/SARVESHVARADKAR123/chatlink/internal/socket"
)

type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
)

const (
	historyPageLimit  = 50
	rateLimitCooldown = 15 * time.Second
)

// Transport is the slice of the socket client the controller depends on.
type Transport interface {
	Send(event string, payload any) error
	Handle(event string, h socket.Handler)
	IsConnected() bool
	OnStatusChange(fn func(socket.Status)) pubsub.Subscription
}

// History is the slice of the REST client the controller depends on.
type History interface {
	Messages(ctx context.Context, otherUserID string, page, limit int) ([]domain.Message, *rest.Pagination, error)
	SendMessage(ctx context.Context, to, content string) (*domain.Message, error)
}

// Snapshots is the slice of the cache store the controller depends on.
type Snapshots interface {
	Load(conversationKey string) []domain.Message
	Save(conversationKey string, messages []domain.Message)
}

type TypingEvent struct {
	From   string
	Typing bool
}

type Controller struct {
	userID  string
	sock    Transport
	engine  *reconcile.Engine
	cache   Snapshots
	history History
	log     *zap.Logger

	mu               sync.Mutex
	state            State
	activePeer       string
	activeKey        string
	fetchGen         int // stale-response guard for superseded history fetches
	lastErr          error
	pending          map[string][]string // conversation key -> FIFO of temp ids
	rateLimitedUntil time.Time
	prevSockStatus   socket.Status

	stateHub  pubsub.Hub[State]
	typingHub pubsub.Hub[TypingEvent]

	subs []pubsub.Subscription
}

func New(userID string, sock Transport, engine *reconcile.Engine, cache Snapshots, history History, log *zap.Logger) *Controller {
	if log == nil {
		log = observability.Logger()
	}
	c := &Controller{
		userID:         userID,
		sock:           sock,
		engine:         engine,
		cache:          cache,
		history:        history,
		log:            log,
		state:          StateIdle,
		pending:        make(map[string][]string),
		prevSockStatus: socket.StatusDisconnected,
	}
	c.bind()
	return c
}

// Close releases every subscription the controller registered.
func (c *Controller) Close() {
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent non-fatal error (failed history fetch
// with cache shown, etc). Cleared by the next successful load.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Controller) OnStateChange(fn func(State)) pubsub.Subscription {
	return c.stateHub.Subscribe(fn)
}

// OnConversationChange forwards the engine's change notifications.
func (c *Controller) OnConversationChange(fn func(conversationKey string)) pubsub.Subscription {
	return c.engine.OnChange(fn)
}

func (c *Controller) OnTyping(fn func(TypingEvent)) pubsub.Subscription {
	return c.typingHub.Subscribe(fn)
}

// ActivePeer returns the user id of the active conversation's peer, or
// empty when idle.
func (c *Controller) ActivePeer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activePeer
}

// ActiveMessages returns the ordered snapshot of the active conversation.
func (c *Controller) ActiveMessages() []domain.Message {
	c.mu.Lock()
	peer := c.activePeer
	c.mu.Unlock()
	if peer == "" {
		return nil
	}
	return c.engine.Conversation(peer)
}

// SelectConversation makes a conversation active: a cached snapshot is
// displayed immediately when present, while an authoritative history fetch
// runs concurrently. A fetch superseded by a newer selection is discarded
// when it resolves.
func (c *Controller) SelectConversation(ctx context.Context, otherUserID string) {
	key := domain.ConversationKey(c.userID, otherUserID)

	c.mu.Lock()
	c.activePeer = otherUserID
	c.activeKey = key
	c.fetchGen++
	gen := c.fetchGen
	changed := c.setStateLocked(StateLoading)
	c.mu.Unlock()
	c.publishState(changed, StateLoading)

	cached := c.cache.Load(key)
	if len(cached) > 0 {
		c.engine.Replace(key, cached)
	}

	go c.fetchHistory(ctx, otherUserID, key, gen, len(cached) > 0)
}

func (c *Controller) fetchHistory(ctx context.Context, otherUserID, key string, gen int, hadCache bool) {
	msgs, _, err := c.history.Messages(ctx, otherUserID, 1, historyPageLimit)

	c.mu.Lock()
	if gen != c.fetchGen {
		// Superseded by a newer selection; this response must not touch
		// the now-active conversation's state.
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.lastErr = err
		changed := c.setStateLocked(StateReady)
		c.mu.Unlock()
		if hadCache {
			c.log.Warn("session: history fetch failed, serving cache",
				zap.String("conversation", key), zap.Error(err))
		} else {
			c.log.Warn("session: history fetch failed, no cache",
				zap.String("conversation", key), zap.Error(err))
		}
		c.publishState(changed, StateReady)
		return
	}
	c.lastErr = nil
	changed := c.setStateLocked(StateReady)
	c.mu.Unlock()

	c.engine.Replace(key, msgs)
	c.cache.Save(key, msgs)
	c.publishState(changed, StateReady)
}

// SendMessage sends text to the active conversation. It fails fast without
// touching state when no conversation is active, a rate-limit cooldown is
// open, or the socket is disconnected. The optimistic entry is inserted and
// visible before transmission is attempted; a transport failure after
// insertion falls back to the HTTP send once, and a failure of both marks
// the entry with the error status.
func (c *Controller) SendMessage(ctx context.Context, content string) error {
	c.mu.Lock()
	peer := c.activePeer
	key := c.activeKey
	limited := time.Now().Before(c.rateLimitedUntil)
	c.mu.Unlock()

	if peer == "" {
		return domain.ErrNoConversation
	}
	if limited {
		return domain.ErrRateLimited
	}
	if !c.sock.IsConnected() {
		return domain.ErrNotConnected
	}

	tempID, err := c.engine.CreateOptimistic(peer, content)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pending[key] = append(c.pending[key], tempID)
	c.mu.Unlock()

	sendErr := c.sock.Send(socket.EventSendMessage, socket.SendMessagePayload{To: peer, Content: content})
	if sendErr == nil {
		return nil
	}

	// Socket raced into a disconnect; try the HTTP path once.
	c.log.Warn("session: socket send failed, trying http fallback", zap.Error(sendErr))
	confirmed, restErr := c.history.SendMessage(ctx, peer, content)
	if restErr == nil {
		c.promotePending(key, *confirmed)
		return nil
	}

	c.dropPending(key, tempID)
	c.engine.ApplyStatus(tempID, domain.StatusError)
	if errors.Is(restErr, domain.ErrRateLimited) {
		c.startRateLimitCooldown()
	}
	return restErr
}

// MarkConversationSeen requests a seen acknowledgment for every confirmed
// message from the given peer that is not yet seen.
func (c *Controller) MarkConversationSeen(otherUserID string) {
	for _, m := range c.engine.Conversation(otherUserID) {
		if m.From != otherUserID || m.Status == domain.StatusSeen || m.IsTemp() {
			continue
		}
		id, err := socket.ParseMessageID(m.ID)
		if err != nil {
			continue
		}
		if err := c.sock.Send(socket.EventMarkSeen, socket.MarkSeenPayload{MessageID: id}); err != nil {
			return // not connected; the next resync will catch up
		}
	}
}

// SendTyping and SendStopTyping forward typing indicators for the active
// conversation. Presentation-only; errors are ignored.
func (c *Controller) SendTyping() {
	c.sendTyping(socket.EventTyping)
}

func (c *Controller) SendStopTyping() {
	c.sendTyping(socket.EventStopTyping)
}

func (c *Controller) sendTyping(event string) {
	c.mu.Lock()
	peer := c.activePeer
	c.mu.Unlock()
	if peer == "" {
		return
	}
	_ = c.sock.Send(event, socket.TypingPayload{To: peer})
}

// bind wires the controller into the socket's inbound events, the engine's
// change feed (which drives cache write-through) and the connection status
// (which drives resync after reconnect).
func (c *Controller) bind() {
	c.sock.Handle(socket.EventNewMessage, c.handleNewMessage)
	c.sock.Handle(socket.EventMessageSent, c.handleMessageSent)
	c.sock.Handle(socket.EventMessageDelivered, c.handleMessageDelivered)
	c.sock.Handle(socket.EventMessageSeen, c.handleMessageSeen)
	c.sock.Handle(socket.EventUserTyping, func(data json.RawMessage) { c.handleTyping(data, true) })
	c.sock.Handle(socket.EventUserStopTyping, func(data json.RawMessage) { c.handleTyping(data, false) })
	c.sock.Handle(socket.EventError, c.handleServerError)

	c.subs = append(c.subs, c.engine.OnChange(func(key string) {
		c.cache.Save(key, c.engine.ConversationByKey(key))
	}))

	c.subs = append(c.subs, c.sock.OnStatusChange(func(s socket.Status) {
		c.mu.Lock()
		prev := c.prevSockStatus
		c.prevSockStatus = s
		peer := c.activePeer
		key := c.activeKey
		c.fetchGen++
		gen := c.fetchGen
		c.mu.Unlock()

		if s == socket.StatusConnected && prev != socket.StatusConnected && peer != "" {
			c.log.Info("session: reconnected, resyncing active conversation",
				zap.String("conversation", key))
			go c.fetchHistory(context.Background(), peer, key, gen, true)
		}
	}))
}

func (c *Controller) handleNewMessage(data json.RawMessage) {
	var p socket.NewMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Warn("session: bad new_message payload", zap.Error(err))
		return
	}

	msg := domain.Message{
		ID:        socket.FormatMessageID(p.ID),
		From:      p.From,
		To:        c.userID,
		Content:   p.Content,
		CreatedAt: socket.ParseTimestamp(p.CreatedAt),
		Status:    domain.StatusDelivered,
	}
	c.engine.IngestServerMessage(msg)

	c.mu.Lock()
	active := c.activePeer == p.From
	c.mu.Unlock()

	// Events for non-active conversations are reconciled but trigger no
	// active-view side effects.
	if active {
		_ = c.sock.Send(socket.EventMarkSeen, socket.MarkSeenPayload{MessageID: p.ID})
	}
}

func (c *Controller) handleMessageSent(data json.RawMessage) {
	var p socket.MessageSentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Warn("session: bad message_sent payload", zap.Error(err))
		return
	}

	confirmed := domain.Message{
		ID:        socket.FormatMessageID(p.ID),
		From:      c.userID,
		To:        p.To,
		Content:   p.Content,
		CreatedAt: socket.ParseTimestamp(p.CreatedAt),
		Status:    socket.StatusFromEstado(p.Estado),
	}
	key := domain.ConversationKey(c.userID, p.To)
	c.promotePending(key, confirmed)
}

// promotePending correlates a confirmation with the oldest pending
// optimistic send for the conversation and promotes that exact temp id.
// With nothing pending the confirmation is ingested fresh.
func (c *Controller) promotePending(key string, confirmed domain.Message) {
	c.mu.Lock()
	var tempID string
	if q := c.pending[key]; len(q) > 0 {
		tempID = q[0]
		c.pending[key] = q[1:]
	}
	c.mu.Unlock()

	c.engine.PromoteOptimistic(tempID, confirmed)
}

func (c *Controller) dropPending(key, tempID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.pending[key]
	for i, id := range q {
		if id == tempID {
			c.pending[key] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func (c *Controller) handleMessageDelivered(data json.RawMessage) {
	var p socket.MessageDeliveredPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	c.engine.ApplyStatus(socket.FormatMessageID(p.MessageID), domain.StatusDelivered)
}

func (c *Controller) handleMessageSeen(data json.RawMessage) {
	var p socket.MessageSeenPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	c.engine.ApplyStatus(socket.FormatMessageID(p.MessageID), domain.StatusSeen)
}

func (c *Controller) handleTyping(data json.RawMessage, typing bool) {
	var p socket.UserTypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	c.typingHub.Publish(TypingEvent{From: p.From, Typing: typing})
}

func (c *Controller) handleServerError(data json.RawMessage) {
	var p socket.ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	c.log.Warn("session: server error", zap.String("message", p.Message))

	lower := strings.ToLower(p.Message)
	if strings.Contains(lower, "rate") || strings.Contains(lower, "limit") {
		c.startRateLimitCooldown()
	}
}

func (c *Controller) startRateLimitCooldown() {
	c.mu.Lock()
	c.rateLimitedUntil = time.Now().Add(rateLimitCooldown)
	c.mu.Unlock()
	c.log.Warn("session: rate limited, cooling down",
		zap.Duration("cooldown", rateLimitCooldown))
}

func (c *Controller) setStateLocked(s State) bool {
	if c.state == s {
		return false
	}
	c.state = s
	return true
}

func (c *Controller) publishState(changed bool, s State) {
	if changed {
		c.stateHub.Publish(s)
	}
}
