// Package auth provides viewer identity tokens and their on-disk storage
// for feedsync.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var ErrTokenNotFound = errors.New("token not found")

// Token is a bearer token for one feed server.
type Token struct {
	AccessToken string    `json:"access_token"` // #nosec G117 - JSON field for a bearer token, not an exposed secret
	TokenType   string    `json:"token_type"`
	ViewerID    string    `json:"viewer_id"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the token is past its expiry at now. Tokens
// without an expiry never expire.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// TokenStorage keeps tokens as JSON files, one per server profile.
type TokenStorage struct {
	dir string
}

func NewTokenStorage(dir string) *TokenStorage {
	return &TokenStorage{dir: dir}
}

func (s *TokenStorage) path(profile string) string {
	return filepath.Join(s.dir, filepath.Base(profile)+"_token.json")
}

func (s *TokenStorage) Save(profile string, token *Token) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	return os.WriteFile(s.path(profile), data, 0600)
}

func (s *TokenStorage) Load(profile string) (*Token, error) {
	data, err := os.ReadFile(s.path(profile)) // #nosec G304 -- profile is sanitized
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to read token: %w", err)
	}

	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return &token, nil
}

// Delete removes a stored token. Deleting a missing token is not an error.
func (s *TokenStorage) Delete(profile string) error {
	if err := os.Remove(s.path(profile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
