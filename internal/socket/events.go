package socket

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/SARVESHVARADKAR123/chatlink/internal/domain"
)

// Server -> client events.
const (
	EventNewMessage       = "new_message"
	EventMessageSent      = "message_sent"
	EventMessageDelivered = "message_delivered"
	EventMessageSeen      = "message_seen"
	EventUserTyping       = "user_typing"
	EventUserStopTyping   = "user_stop_typing"
	EventError            = "error"
)

// Client -> server events.
const (
	EventSendMessage = "send_message"
	EventMarkSeen    = "mark_seen"
	EventTyping      = "typing"
	EventStopTyping  = "stop_typing"
)

// Frame is the wire envelope: a named event plus its JSON payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type NewMessagePayload struct {
	ID        int64  `json:"id"`
	From      string `json:"from"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type MessageSentPayload struct {
	ID        int64  `json:"id"`
	To        string `json:"to"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	Estado    string `json:"estado"`
}

type MessageDeliveredPayload struct {
	MessageID   int64  `json:"messageId"`
	DeliveredAt string `json:"deliveredAt"`
}

type MessageSeenPayload struct {
	MessageID int64  `json:"messageId"`
	SeenAt    string `json:"seenAt"`
}

type UserTypingPayload struct {
	From string `json:"from"`
}

type SendMessagePayload struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type MarkSeenPayload struct {
	MessageID int64 `json:"messageId"`
}

type TypingPayload struct {
	To string `json:"to"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// StatusFromEstado maps the server's receipt states onto domain statuses.
func StatusFromEstado(estado string) domain.Status {
	switch estado {
	case "entregado":
		return domain.StatusDelivered
	case "visto":
		return domain.StatusSeen
	default:
		return domain.StatusSent
	}
}

// FormatMessageID converts a numeric wire id into the domain's string id.
func FormatMessageID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseMessageID converts a domain string id back to the numeric wire id.
func ParseMessageID(id string) (int64, error) {
	return strconv.ParseInt(id, 10, 64)
}

// ParseTimestamp decodes a server timestamp, falling back to now on
// malformed input so a bad clock field never drops a message.
func ParseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}
