// Package rest consumes the chat backend's HTTP surface: conversation
// listing, paginated message history, and the send/seen fallbacks used when
// the WebSocket channel is unavailable.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/SARVESHVARADKAR123/chatlink/internal/domain"
	"github.com/SARVESHVARADKAR123/chatlink/internal/observability"
)

const defaultPageLimit = 50

type Conversation struct {
	OtherUserID     string `json:"other_user_id"`
	Username        string `json:"username"`
	AvatarURL       string `json:"avatar_url,omitempty"`
	LastMessage     string `json:"last_message"`
	LastMessageTime string `json:"last_message_time"`
	UnreadCount     int    `json:"unread_count"`
}

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// wireMessage is the history endpoint's message shape.
type wireMessage struct {
	ID        json.Number `json:"id"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Content   string      `json:"content"`
	CreatedAt string      `json:"created_at"`
	Estado    string      `json:"estado"`
}

type envelope struct {
	Data       json.RawMessage `json:"data"`
	Pagination *Pagination     `json:"pagination"`
	Message    string          `json:"message"`
}

// Client calls the backend REST API with a bearer token supplied per
// request, so token refreshes take effect without rebuilding the client.
type Client struct {
	baseURL string
	token   func() string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, token func() string, log *zap.Logger) *Client {
	if log == nil {
		log = observability.Logger()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

// Conversations fetches the caller's conversation list.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	env, err := c.do(ctx, http.MethodGet, "/api/chat/conversations", nil)
	if err != nil {
		return nil, err
	}
	var out []Conversation
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &out); err != nil {
			return nil, fmt.Errorf("failed to decode conversations: %w", err)
		}
	}
	return out, nil
}

// Messages fetches one page of history with the given peer, mapped to
// domain messages.
func (c *Client) Messages(ctx context.Context, otherUserID string, page, limit int) ([]domain.Message, *Pagination, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	timer := time.Now()
	path := "/api/chat/messages/" + url.PathEscape(otherUserID) +
		"?page=" + strconv.Itoa(page) + "&limit=" + strconv.Itoa(limit)

	env, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, nil, err
	}
	observability.HistoryFetchDuration.Observe(time.Since(timer).Seconds())

	var wire []wireMessage
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &wire); err != nil {
			return nil, nil, fmt.Errorf("failed to decode messages: %w", err)
		}
	}

	msgs := make([]domain.Message, 0, len(wire))
	for _, w := range wire {
		msgs = append(msgs, w.toDomain())
	}
	return msgs, env.Pagination, nil
}

// SendMessage transmits a message over HTTP, the fallback path when the
// WebSocket channel is down.
func (c *Client) SendMessage(ctx context.Context, to, content string) (*domain.Message, error) {
	if err := domain.ValidateContent(content); err != nil {
		return nil, err
	}
	body, _ := json.Marshal(map[string]string{"to": to, "content": content})

	env, err := c.do(ctx, http.MethodPost, "/api/chat/messages", body)
	if err != nil {
		return nil, err
	}
	var w wireMessage
	if err := json.Unmarshal(env.Data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode sent message: %w", err)
	}
	msg := w.toDomain()
	return &msg, nil
}

// MarkSeen marks every message from the peer as seen over HTTP.
func (c *Client) MarkSeen(ctx context.Context, otherUserID string) error {
	_, err := c.do(ctx, http.MethodPut, "/api/chat/messages/"+url.PathEscape(otherUserID)+"/seen", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*envelope, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && resp.StatusCode < 300 {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, domain.ErrAuthFailed
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.ErrRateLimited
	case resp.StatusCode >= 300:
		if env.Message != "" {
			return nil, fmt.Errorf("%s %s: %s", method, path, env.Message)
		}
		return nil, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return &env, nil
}

func (w wireMessage) toDomain() domain.Message {
	return domain.Message{
		ID:        w.ID.String(),
		From:      w.From,
		To:        w.To,
		Content:   w.Content,
		CreatedAt: parseTime(w.CreatedAt),
		Status:    statusFromEstado(w.Estado),
	}
}

func statusFromEstado(estado string) domain.Status {
	switch estado {
	case "entregado":
		return domain.StatusDelivered
	case "visto":
		return domain.StatusSeen
	default:
		return domain.StatusSent
	}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}
