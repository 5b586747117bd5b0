package backend

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVault hands out the access token used for backend calls.
type TokenVault interface {
	AccessToken() (string, error)
	Store(token string) error
}

// MemoryVault keeps the token in memory and rejects expired tokens using
// the unverified claims. Signature verification is the server's job; the
// client only needs to know when a refresh is due.
type MemoryVault struct {
	mu    sync.Mutex
	token string
}

// NewMemoryVault creates an empty vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{}
}

// Store replaces the held token.
func (v *MemoryVault) Store(token string) error {
	if token == "" {
		return fmt.Errorf("store token: empty token")
	}
	v.mu.Lock()
	v.token = token
	v.mu.Unlock()
	return nil
}

// AccessToken returns the held token, or an error when none is stored or
// the token's exp claim has passed.
func (v *MemoryVault) AccessToken() (string, error) {
	v.mu.Lock()
	token := v.token
	v.mu.Unlock()
	if token == "" {
		return "", fmt.Errorf("no access token stored")
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil {
		if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
			return "", fmt.Errorf("access token expired at %s", claims.ExpiresAt.Time)
		}
	}
	return token, nil
}
