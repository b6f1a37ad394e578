// Package gateway defines what the HTTP and WebSocket entry points share:
// the server lifecycle contract and API key authentication.
package gateway

import (
	"context"
	"crypto/subtle"
	"strings"
)

// Gateway is a user-facing entry point.
type Gateway interface {
	// Start serves until the gateway exits or ctx is canceled. Returns an
	// error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. ctx carries the deadline for
	// in-flight requests to drain.
	Stop(ctx context.Context) error
}

// APIKeys maps bearer API keys to the user id they authenticate.
type APIKeys map[string]string

// Lookup returns the user for key. Every configured key is compared in
// constant time so the lookup does not leak which prefix matched.
func (k APIKeys) Lookup(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	userID := ""
	for candidate, user := range k {
		if subtle.ConstantTimeCompare([]byte(key), []byte(candidate)) == 1 {
			userID = user
		}
	}
	return userID, userID != ""
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token, token != ""
}
