package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier resolves a credential to a user. It is the identity-provider
// collaborator boundary: the authenticator programs only against this
// interface and tests substitute a fake.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (*User, error)
	VerifyAPIKey(ctx context.Context, key string) (*User, error)
}

// StaticVerifier validates HMAC-signed bearer tokens and a fixed API
// key table loaded from configuration.
type StaticVerifier struct {
	secret  []byte
	apiKeys map[string]User
}

// NewStaticVerifier builds a verifier from the JWT signing secret and
// an api-key -> user table.
func NewStaticVerifier(secret string, apiKeys map[string]User) *StaticVerifier {
	keys := make(map[string]User, len(apiKeys))
	for k, u := range apiKeys {
		keys[k] = u
	}
	return &StaticVerifier{secret: []byte(secret), apiKeys: keys}
}

// VerifyToken parses and validates a bearer JWT. Expected claims:
// sub (user id), username, role.
func (v *StaticVerifier) VerifyToken(_ context.Context, token string) (*User, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidCredential
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidCredential)
	}
	username, _ := claims["username"].(string)
	role, _ := claims["role"].(string)
	if role == "" {
		role = string(RoleViewer)
	}

	return &User{ID: sub, Username: username, Role: Role(role)}, nil
}

// VerifyAPIKey looks the key up in the static table.
func (v *StaticVerifier) VerifyAPIKey(_ context.Context, key string) (*User, error) {
	u, ok := v.apiKeys[key]
	if !ok {
		return nil, fmt.Errorf("%w: unknown api key", ErrInvalidCredential)
	}
	return &User{ID: u.ID, Username: u.Username, Role: u.Role}, nil
}
