// Package auth verifies signaling credentials (API key or JWT) for the
// relay's WebSocket endpoint.
package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/grouptalk/signal-relay/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingCredentials = errors.New("missing credentials")
)

type Verifier interface {
	Verify(credential string) error
}

// NewVerifier builds the verifier for the configured auth mode. AuthModeNone
// has no verifier; callers skip verification entirely in that mode.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromQuery extracts the signaling credential from WebSocket
// handshake query parameters (apiKey= or token=, depending on mode).
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}
