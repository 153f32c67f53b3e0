// ABOUTME: MCP access token store mapping opaque URL tokens to principals
// ABOUTME: Lets clients that cannot set headers authenticate via /mcp/<token> or ?token=

package mcp

import (
	"sync"

	"github.com/google/uuid"
)

// TokenStore manages MCP access tokens and the principal each one stands for.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]string // token -> principal
}

// NewTokenStore creates a new token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens: make(map[string]string),
	}
}

// CreateToken generates a new token for principal.
// Returns the token string that should be included in MCP URLs.
func (s *TokenStore) CreateToken(principal string) string {
	token := uuid.New().String()
	s.Add(token, principal)
	return token
}

// Add registers a caller-chosen token, such as one loaded from config.
func (s *TokenStore) Add(token, principal string) {
	s.mu.Lock()
	s.tokens[token] = principal
	s.mu.Unlock()
}

// Principal returns the principal for a token.
func (s *TokenStore) Principal(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.tokens[token]
	return p, ok
}

// InvalidateToken removes a token from the store.
func (s *TokenStore) InvalidateToken(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// TokenCount returns the number of active tokens (for monitoring).
func (s *TokenStore) TokenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
