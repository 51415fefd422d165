package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore caches sessions in Redis in front of a fallback Finder. Entries
// expire with the session itself.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	fallback Finder
}

// NewRedisStore connects to redisURL.
func NewRedisStore(redisURL string, fallback Finder) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, fallback), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, fallback Finder) *RedisStore {
	return &RedisStore{
		client:   client,
		prefix:   "session:",
		fallback: fallback,
	}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// SaveSession caches sess until it expires.
func (s *RedisStore) SaveSession(ctx context.Context, sess Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// FindSessionByToken checks the cache first and falls back on a miss.
func (s *RedisStore) FindSessionByToken(ctx context.Context, token string) (*Session, error) {
	id := HashToken(token)
	raw, err := s.client.Get(ctx, s.key(id)).Result()
	switch {
	case err == nil:
		var sess Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		return &sess, nil
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("lookup session: %w", err)
	}

	if s.fallback == nil {
		return nil, nil
	}
	sess, err := s.fallback.FindSessionByToken(ctx, token)
	if err != nil || sess == nil {
		return sess, err
	}
	if err := s.SaveSession(ctx, *sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
