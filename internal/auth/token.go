// Package auth defines the boundary to the external credential issuer. The
// client core never mints tokens itself; it asks a TokenSource, which may be
// slow or transiently unavailable.
package auth

import "context"

// TokenSource supplies an opaque bearer token on demand.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to a TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Static returns a TokenSource that always yields the same token.
func Static(token string) TokenSource {
	return TokenSourceFunc(func(context.Context) (string, error) {
		return token, nil
	})
}
