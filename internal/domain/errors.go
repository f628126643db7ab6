package domain

import "errors"

var (
	ErrEmptyMessage    = errors.New("message content empty")
	ErrMessageTooLarge = errors.New("message too large")
	ErrNotConnected    = errors.New("not connected")
	ErrNoToken         = errors.New("no token available")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrNoConversation  = errors.New("no conversation selected")
	ErrRateLimited     = errors.New("rate limited")
)
