package auth

import "errors"

var (
	// ErrInvalidCredential covers malformed, unsigned, or unknown
	// bearer tokens and API keys.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrTokenExpired is returned for structurally valid but expired
	// bearer tokens.
	ErrTokenExpired = errors.New("token expired")

	// ErrRateLimited aborts an authentication attempt that exceeded
	// the auth-action sliding window.
	ErrRateLimited = errors.New("authentication rate limit exceeded")
)
