package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sync"
)

// ErrInvalidToken is returned when a bearer token matches no client
var ErrInvalidToken = errors.New("invalid token")

// TokenSet holds the static bearer tokens accepted by the tool server
type TokenSet struct {
	mu      sync.RWMutex
	clients map[[sha256.Size]byte]*Client
}

// NewTokenSet creates an empty token set
func NewTokenSet() *TokenSet {
	return &TokenSet{clients: make(map[[sha256.Size]byte]*Client)}
}

// Add registers token for a client. Client.ID defaults to a digest prefix
// of the token so logs never carry the secret.
func (s *TokenSet) Add(token string, client Client) {
	sum := sha256.Sum256([]byte(token))
	if client.ID == "" {
		client.ID = "tok_" + hex.EncodeToString(sum[:4])
	}
	if client.Scope == "" {
		client.Scope = ScopeAdmin
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[sum] = &client
}

// Len returns the number of registered tokens
func (s *TokenSet) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Validate returns the client owning token
func (s *TokenSet) Validate(token string) (*Client, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	sum := sha256.Sum256([]byte(token))

	s.mu.RLock()
	defer s.mu.RUnlock()
	// Compare digests in constant time so lookups don't leak prefixes.
	for key, client := range s.clients {
		if subtle.ConstantTimeCompare(key[:], sum[:]) == 1 {
			return client, nil
		}
	}
	return nil, ErrInvalidToken
}
