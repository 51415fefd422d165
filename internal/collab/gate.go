// Package collab hosts the authoritative replica of each open artifact and the
// websocket transport editors connect through.
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grimoire/collab/internal/session"
)

var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrDocumentUnavailable = errors.New("document unavailable")
)

// Principal is the authenticated user behind a connection.
type Principal struct {
	UserID    string
	SessionID string
}

// Gate authenticates connection attempts against the session store.
type Gate struct {
	sessions session.Finder
	now      func() time.Time
}

func NewGate(sessions session.Finder) *Gate {
	return &Gate{sessions: sessions, now: time.Now}
}

// Authenticate resolves token to a principal. It fails with ErrUnauthenticated
// when no session matches or the session has expired.
func (g *Gate) Authenticate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrUnauthenticated
	}
	sess, err := g.sessions.FindSessionByToken(ctx, token)
	if err != nil {
		return Principal{}, fmt.Errorf("authenticate: %w", err)
	}
	if sess == nil || sess.IsExpired(g.now()) {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{UserID: sess.UserID, SessionID: sess.ID}, nil
}
