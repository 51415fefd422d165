package session

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"grimoire/collab/internal/store"
)

type fakeFinder struct {
	sessions map[string]Session
	calls    int
	err      error
}

func (f *fakeFinder) FindSessionByToken(ctx context.Context, token string) (*Session, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	sess, ok := f.sessions[token]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func setupTestRedis(t *testing.T, fallback Finder) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	rs, err := NewRedisStore("redis://"+s.Addr(), fallback)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return rs, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	rs, err := NewRedisStore("redis://"+s.Addr(), nil)
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer rs.Close()

	if err := rs.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestFindSessionCachesFallback(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	fallback := &fakeFinder{sessions: map[string]Session{
		"tok": {ID: HashToken("tok"), UserID: "user-123", ExpiresAt: expires},
	}}
	rs, s := setupTestRedis(t, fallback)
	defer rs.Close()
	ctx := context.Background()

	sess, err := rs.FindSessionByToken(ctx, "tok")
	if err != nil || sess == nil {
		t.Fatalf("FindSessionByToken = %v, %v", sess, err)
	}
	if sess.UserID != "user-123" {
		t.Errorf("expected user ID user-123, got %s", sess.UserID)
	}
	if !s.Exists("session:" + HashToken("tok")) {
		t.Fatal("session was not cached")
	}

	if _, err := rs.FindSessionByToken(ctx, "tok"); err != nil {
		t.Fatalf("cached lookup failed: %v", err)
	}
	if fallback.calls != 1 {
		t.Errorf("fallback calls = %d, want 1", fallback.calls)
	}
}

func TestFindSessionMissing(t *testing.T) {
	rs, _ := setupTestRedis(t, &fakeFinder{})
	defer rs.Close()

	sess, err := rs.FindSessionByToken(context.Background(), "nope")
	if err != nil || sess != nil {
		t.Fatalf("expected no session, got %v, %v", sess, err)
	}
}

func TestSessionTTLFollowsExpiry(t *testing.T) {
	rs, s := setupTestRedis(t, nil)
	defer rs.Close()

	sess := Session{ID: HashToken("tok"), UserID: "u1", ExpiresAt: time.Now().Add(10 * time.Minute)}
	if err := rs.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	ttl := s.TTL("session:" + sess.ID)
	if ttl <= 0 || ttl > 10*time.Minute {
		t.Errorf("unexpected TTL %s", ttl)
	}

	s.FastForward(11 * time.Minute)
	got, err := rs.FindSessionByToken(context.Background(), "tok")
	if err != nil || got != nil {
		t.Fatalf("expected expired entry to be gone, got %v, %v", got, err)
	}

	expired := Session{ID: HashToken("old"), UserID: "u1", ExpiresAt: time.Now().Add(-time.Minute)}
	if err := rs.SaveSession(context.Background(), expired); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if s.Exists("session:" + expired.ID) {
		t.Error("expired session should not be cached")
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{"future", now.Add(time.Minute), false},
		{"past", now.Add(-time.Minute), true},
		{"exactly now", now, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Session{ExpiresAt: tt.expires}).IsExpired(now); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

type fakeSessionRows struct {
	row store.Session
	err error
}

func (f fakeSessionRows) FindSession(ctx context.Context, id string) (store.Session, error) {
	if f.err != nil {
		return store.Session{}, f.err
	}
	if id != f.row.ID {
		return store.Session{}, sql.ErrNoRows
	}
	return f.row, nil
}

func TestPostgresFinder(t *testing.T) {
	row := store.Session{ID: HashToken("tok"), UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)}
	finder := NewPostgresFinder(fakeSessionRows{row: row})

	sess, err := finder.FindSessionByToken(context.Background(), "tok")
	if err != nil || sess == nil || sess.UserID != "u1" {
		t.Fatalf("FindSessionByToken = %v, %v", sess, err)
	}
	sess, err = finder.FindSessionByToken(context.Background(), "other")
	if err != nil || sess != nil {
		t.Fatalf("unknown token = %v, %v", sess, err)
	}

	failing := NewPostgresFinder(fakeSessionRows{err: errors.New("conn refused")})
	if _, err := failing.FindSessionByToken(context.Background(), "tok"); err == nil {
		t.Fatal("expected error")
	}
}
