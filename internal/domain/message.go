package domain

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const MaxMessageSize = 5000

// TempIDPrefix marks client-generated provisional message identities.
const TempIDPrefix = "temp_"

type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
	StatusError     Status = "error"
)

// statusRank orders the forward delivery transitions. Error and sending are
// not part of the forward chain.
var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusSeen:      3,
}

// CanTransition reports whether a message may move from one status to
// another. Transitions never regress; error is reachable from any state
// except seen.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if to == StatusError {
		return from != StatusSeen
	}
	if from == StatusError {
		return false
	}
	return statusRank[to] > statusRank[from]
}

// Message Invariants:
// 1. Identity: ID is either a temp_-prefixed client id or an opaque server id.
//    Within a conversation no two entries share a server id; a temp id is
//    promoted to its server id exactly once.
// 2. Ordering: conversation sequences are sorted by CreatedAt ascending,
//    ties kept in insertion order.
// 3. Status: only moves forward (sending -> sent -> delivered -> seen);
//    error is reachable from any non-terminal state.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Status    Status    `json:"status"`
}

// IsTemp reports whether the message still carries a provisional identity.
func (m *Message) IsTemp() bool {
	return IsTempID(m.ID)
}

// IsMine reports whether the message was sent by the given local user.
func (m *Message) IsMine(userID string) bool {
	return m.From == userID
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// ValidateContent enforces the send-side content rules: non-empty after
// trimming and at most MaxMessageSize Unicode code points.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	return nil
}

// ConversationKey derives the stable conversation identity for a pair of
// users. The pair is unordered: both participants derive the same key.
func ConversationKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "_" + ids[1]
}
