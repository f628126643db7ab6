// Package reconcile maintains the authoritative, duplicate-free,
// time-ordered message list per conversation. It is the sole writer of
// message state: local sends, server pushes and receipt events all mutate
// through its operations.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SARVESHVARADKAR123/chatlink/internal/domain"
	"github.com/SARVESHVARADKAR123/chatlink/internal/observability"
	"github.com/SARVESHVARADKAR123/chatlink/internal/pubsub"
)

// Engine Invariants:
// 1. Idempotency: a server id is ingested at most once; replays are
//    absorbed without state change or notification.
// 2. Promotion: a temp entry is replaced by its server counterpart exactly
//    once; a confirmation with no matching temp entry inserts fresh.
// 3. Ordering: every conversation sequence stays sorted by CreatedAt ascending,
//    ties in insertion order, regardless of arrival order.
type Engine struct {
	localUserID string
	log         *zap.Logger

	mu            sync.Mutex
	conversations map[string][]*domain.Message
	seenIDs       map[string]map[string]struct{} // conversation key -> ingested ids

	changeHub pubsub.Hub[string]
}

func New(localUserID string, log *zap.Logger) *Engine {
	if log == nil {
		log = observability.Logger()
	}
	return &Engine{
		localUserID:   localUserID,
		log:           log,
		conversations: make(map[string][]*domain.Message),
		seenIDs:       make(map[string]map[string]struct{}),
	}
}

func (e *Engine) LocalUserID() string {
	return e.localUserID
}

// OnChange subscribes to conversation mutations. Each mutating operation
// fires exactly one notification carrying the conversation key; absorbed
// duplicates and no-op transitions fire none.
func (e *Engine) OnChange(fn func(conversationKey string)) pubsub.Subscription {
	return e.changeHub.Subscribe(fn)
}

// IngestServerMessage inserts a server-originated message into its
// conversation. Re-delivery of an already-ingested id is a no-op.
func (e *Engine) IngestServerMessage(msg domain.Message) {
	key := domain.ConversationKey(msg.From, msg.To)

	e.mu.Lock()
	if e.isSeenLocked(key, msg.ID) {
		e.mu.Unlock()
		e.log.Debug("reconcile: duplicate ignored", zap.String("id", msg.ID))
		return
	}
	e.markSeenLocked(key, msg.ID)
	e.insertLocked(key, &msg)
	e.mu.Unlock()

	e.changeHub.Publish(key)
}

// CreateOptimistic validates content, inserts a sending-state entry under a
// fresh temporary identity and returns that identity for later correlation.
func (e *Engine) CreateOptimistic(to, content string) (string, error) {
	if err := domain.ValidateContent(content); err != nil {
		return "", err
	}

	msg := &domain.Message{
		ID:        domain.TempIDPrefix + uuid.NewString(),
		From:      e.localUserID,
		To:        to,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Status:    domain.StatusSending,
	}
	key := domain.ConversationKey(e.localUserID, to)

	e.mu.Lock()
	e.markSeenLocked(key, msg.ID)
	e.insertLocked(key, msg)
	e.mu.Unlock()

	e.changeHub.Publish(key)
	return msg.ID, nil
}

// PromoteOptimistic replaces the entry holding the exact temporary identity
// with the server-confirmed message: identity, timestamp and status are
// overwritten and the entry is re-positioned by its new timestamp. Without
// a matching temp entry the confirmation is inserted fresh, never dropped.
func (e *Engine) PromoteOptimistic(tempID string, confirmed domain.Message) {
	key := domain.ConversationKey(confirmed.From, confirmed.To)

	e.mu.Lock()
	if e.isSeenLocked(key, confirmed.ID) {
		e.mu.Unlock()
		return
	}

	seq := e.conversations[key]
	idx := -1
	for i, m := range seq {
		if m.ID == tempID {
			idx = i
			break
		}
	}

	if idx < 0 {
		// Raced: the confirmation arrived for a temp entry we no longer
		// hold. Insert as a server message.
		e.markSeenLocked(key, confirmed.ID)
		e.insertLocked(key, &confirmed)
		e.mu.Unlock()
		e.changeHub.Publish(key)
		return
	}

	e.conversations[key] = append(seq[:idx], seq[idx+1:]...)
	delete(e.seenIDs[key], tempID)
	e.markSeenLocked(key, confirmed.ID)
	e.insertLocked(key, &confirmed)
	e.mu.Unlock()

	e.changeHub.Publish(key)
}

// ApplyStatus moves a message, looked up by temporary or server identity,
// to a new status. Regressions and equal-status transitions are no-ops.
func (e *Engine) ApplyStatus(messageID string, status domain.Status) {
	e.mu.Lock()
	var changedKey string
	for key, seq := range e.conversations {
		for _, m := range seq {
			if m.ID != messageID {
				continue
			}
			if !domain.CanTransition(m.Status, status) {
				e.mu.Unlock()
				return
			}
			m.Status = status
			changedKey = key
			break
		}
		if changedKey != "" {
			break
		}
	}
	e.mu.Unlock()

	if changedKey == "" {
		// Receipt for an id we never held. Not an error.
		e.log.Debug("reconcile: status for unknown message", zap.String("id", messageID))
		return
	}
	e.changeHub.Publish(changedKey)
}

// Conversation returns an ordered snapshot of the conversation with the
// given peer. Empty if none exists yet.
func (e *Engine) Conversation(otherUserID string) []domain.Message {
	key := domain.ConversationKey(e.localUserID, otherUserID)
	return e.ConversationByKey(key)
}

func (e *Engine) ConversationByKey(key string) []domain.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	seq := e.conversations[key]
	out := make([]domain.Message, len(seq))
	for i, m := range seq {
		out[i] = *m
	}
	return out
}

// Replace swaps in a fresh authoritative sequence for a conversation,
// resetting its identity set so future replays are judged against the new
// truth. This is the only operation that clears dedup state.
func (e *Engine) Replace(key string, msgs []domain.Message) {
	e.mu.Lock()
	e.seenIDs[key] = make(map[string]struct{})
	seq := make([]*domain.Message, 0, len(msgs))
	for i := range msgs {
		m := msgs[i]
		e.markSeenLocked(key, m.ID)
		seq = append(seq, &m)
	}
	sortByCreatedAt(seq)
	e.conversations[key] = seq
	e.mu.Unlock()

	e.changeHub.Publish(key)
}

// ClearConversation drops a conversation's history and its identity set.
func (e *Engine) ClearConversation(otherUserID string) {
	key := domain.ConversationKey(e.localUserID, otherUserID)

	e.mu.Lock()
	_, existed := e.conversations[key]
	delete(e.conversations, key)
	delete(e.seenIDs, key)
	e.mu.Unlock()

	if existed {
		e.changeHub.Publish(key)
	}
}

// ClearAll drops every conversation and identity set.
func (e *Engine) ClearAll() {
	e.mu.Lock()
	keys := make([]string, 0, len(e.conversations))
	for key := range e.conversations {
		keys = append(keys, key)
	}
	e.conversations = make(map[string][]*domain.Message)
	e.seenIDs = make(map[string]map[string]struct{})
	e.mu.Unlock()

	for _, key := range keys {
		e.changeHub.Publish(key)
	}
}

func (e *Engine) isSeenLocked(key, id string) bool {
	ids := e.seenIDs[key]
	if ids == nil {
		return false
	}
	_, ok := ids[id]
	return ok
}

func (e *Engine) markSeenLocked(key, id string) {
	if e.seenIDs[key] == nil {
		e.seenIDs[key] = make(map[string]struct{})
	}
	e.seenIDs[key][id] = struct{}{}
}

// insertLocked places msg at its timestamp-ordered position. Network
// reordering means arrival order cannot be trusted, so insertion is always
// position-corrected rather than append-only.
func (e *Engine) insertLocked(key string, msg *domain.Message) {
	seq := e.conversations[key]
	pos := len(seq)
	for pos > 0 && seq[pos-1].CreatedAt.After(msg.CreatedAt) {
		pos--
	}
	seq = append(seq, nil)
	copy(seq[pos+1:], seq[pos:])
	seq[pos] = msg
	e.conversations[key] = seq
}

func sortByCreatedAt(seq []*domain.Message) {
	sort.SliceStable(seq, func(i, j int) bool {
		return seq[i].CreatedAt.Before(seq[j].CreatedAt)
	})
}
