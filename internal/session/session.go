// Package session resolves bearer tokens to user sessions.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"grimoire/collab/internal/store"
)

// Session is an authenticated login. ID is the SHA-256 of the bearer token.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the session is no longer valid at now.
func (s Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Finder looks a session up by its raw bearer token. A nil session with a nil
// error means no session matches.
type Finder interface {
	FindSessionByToken(ctx context.Context, token string) (*Session, error)
}

// HashToken returns the stored session id for token.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

type sessionStore interface {
	FindSession(ctx context.Context, sessionID string) (store.Session, error)
}

// PostgresFinder reads sessions from the sessions table.
type PostgresFinder struct {
	store sessionStore
}

func NewPostgresFinder(s sessionStore) *PostgresFinder {
	return &PostgresFinder{store: s}
}

func (f *PostgresFinder) FindSessionByToken(ctx context.Context, token string) (*Session, error) {
	row, err := f.store.FindSession(ctx, HashToken(token))
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &Session{ID: row.ID, UserID: row.UserID, ExpiresAt: row.ExpiresAt}, nil
}
