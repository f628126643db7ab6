// Package cache keeps a best-effort durable snapshot of each conversation,
// bounded per conversation and aged out under storage pressure. Cache
// content papers over load latency and server unavailability; it is never
// more authoritative than a successful server fetch.
package cache

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SARVESHVARADKAR123/chatlink/internal/domain"
	"github.com/SARVESHVARADKAR123/chatlink/internal/observability"
)

const (
	keyPrefix       = "chat_messages_"
	snapshotVersion = "v1"

	// MaxMessagesPerConversation bounds each snapshot so the store cannot
	// grow without limit.
	MaxMessagesPerConversation = 500

	// retention window for quota-pressure eviction
	maxSnapshotAge = 7 * 24 * time.Hour
)

type snapshot struct {
	Messages    []domain.Message `json:"messages"`
	LastUpdated time.Time        `json:"lastUpdated"`
	Version     string           `json:"version"`
}

type Store struct {
	kv  KV
	log *zap.Logger

	mu     sync.Mutex
	memory map[string][]domain.Message
}

func NewStore(kv KV, log *zap.Logger) *Store {
	if log == nil {
		log = observability.Logger()
	}
	return &Store{
		kv:     kv,
		log:    log,
		memory: make(map[string][]domain.Message),
	}
}

// Save persists the newest MaxMessagesPerConversation entries for the
// conversation. Failures are advisory: a quota rejection triggers one
// eviction-and-retry pass, anything still failing is logged and swallowed.
func (s *Store) Save(conversationKey string, messages []domain.Message) {
	if len(messages) > MaxMessagesPerConversation {
		messages = messages[len(messages)-MaxMessagesPerConversation:]
	}
	copied := make([]domain.Message, len(messages))
	copy(copied, messages)

	s.mu.Lock()
	s.memory[conversationKey] = copied
	s.mu.Unlock()

	payload, err := json.Marshal(snapshot{
		Messages:    copied,
		LastUpdated: time.Now().UTC(),
		Version:     snapshotVersion,
	})
	if err != nil {
		s.log.Error("cache: failed to marshal snapshot", zap.Error(err))
		return
	}

	key := keyPrefix + conversationKey
	if err := s.kv.Set(key, payload); err != nil {
		if !errors.Is(err, ErrQuotaExceeded) {
			s.log.Warn("cache: save failed", zap.String("conversation", conversationKey), zap.Error(err))
			return
		}
		s.evictOld()
		if err := s.kv.Set(key, payload); err != nil {
			s.log.Warn("cache: save failed after eviction", zap.String("conversation", conversationKey), zap.Error(err))
		}
	}
}

// Load returns the cached sequence, preferring the in-process copy.
// Version-mismatched or corrupt entries count as absent and are removed.
func (s *Store) Load(conversationKey string) []domain.Message {
	s.mu.Lock()
	if msgs, ok := s.memory[conversationKey]; ok {
		out := make([]domain.Message, len(msgs))
		copy(out, msgs)
		s.mu.Unlock()
		observability.CacheHitsTotal.WithLabelValues("memory").Inc()
		return out
	}
	s.mu.Unlock()

	key := keyPrefix + conversationKey
	payload, err := s.kv.Get(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("cache: load failed", zap.String("conversation", conversationKey), zap.Error(err))
		}
		observability.CacheHitsTotal.WithLabelValues("miss").Inc()
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(payload, &snap); err != nil || snap.Version != snapshotVersion {
		s.log.Warn("cache: dropping stale or corrupt snapshot",
			zap.String("conversation", conversationKey), zap.String("version", snap.Version))
		_ = s.kv.Delete(key)
		observability.CacheHitsTotal.WithLabelValues("miss").Inc()
		return nil
	}

	s.mu.Lock()
	s.memory[conversationKey] = snap.Messages
	s.mu.Unlock()

	observability.CacheHitsTotal.WithLabelValues("store").Inc()
	out := make([]domain.Message, len(snap.Messages))
	copy(out, snap.Messages)
	return out
}

// Clear removes one conversation's snapshot from memory and the store.
func (s *Store) Clear(conversationKey string) {
	s.mu.Lock()
	delete(s.memory, conversationKey)
	s.mu.Unlock()
	_ = s.kv.Delete(keyPrefix + conversationKey)
}

// ClearAll removes every snapshot.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.memory = make(map[string][]domain.Message)
	s.mu.Unlock()

	keys, err := s.kv.Keys(keyPrefix)
	if err != nil {
		s.log.Warn("cache: clear-all listing failed", zap.Error(err))
		return
	}
	for _, key := range keys {
		_ = s.kv.Delete(key)
	}
}

// Size reports the total stored bytes across snapshot entries.
func (s *Store) Size() int {
	keys, err := s.kv.Keys(keyPrefix)
	if err != nil {
		return 0
	}
	total := 0
	for _, key := range keys {
		payload, err := s.kv.Get(key)
		if err != nil {
			continue
		}
		total += len(key) + len(payload)
	}
	return total
}

// evictOld removes snapshots older than the retention window. Unparseable
// entries are removed as well.
func (s *Store) evictOld() {
	keys, err := s.kv.Keys(keyPrefix)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-maxSnapshotAge)
	evicted := 0
	for _, key := range keys {
		payload, err := s.kv.Get(key)
		if err != nil {
			continue
		}
		var snap snapshot
		if err := json.Unmarshal(payload, &snap); err != nil || snap.LastUpdated.Before(cutoff) {
			_ = s.kv.Delete(key)
			evicted++
		}
	}
	s.log.Info("cache: evicted old snapshots", zap.Int("count", evicted))
}
