package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements the Store interface using Redis. Each session is a
// key with a TTL; a per-user set indexes the session ids.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("tasksync:session:%s", sessionID)
}

func userKey(userID string) string {
	return fmt.Sprintf("tasksync:user:%s:sessions", userID)
}

// Create stores a new session in Redis with a TTL and indexes it under its user.
func (s *RedisStore) Create(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(session.SessionID), data, s.ttl)
		pipe.SAdd(ctx, userKey(session.UserID), session.SessionID)
		return nil
	})
	return err
}

// Get retrieves a session from Redis.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Not found is not an error, just means no session
		}
		return nil, err
	}

	var session Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// ListByUser resolves the user's index. Ids whose key already expired are
// pruned from the set.
func (s *RedisStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := s.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	var out []*Session
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			s.client.SRem(ctx, userKey(userID), id)
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// Delete removes a session and its index entry.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(sessionID))
		pipe.SRem(ctx, userKey(sess.UserID), sessionID)
		return nil
	})
	return err
}

// RefreshTTL updates the expiration time of a session key in Redis.
func (s *RedisStore) RefreshTTL(ctx context.Context, sessionID string) error {
	// Expire on a missing key is a no-op.
	return s.client.Expire(ctx, sessionKey(sessionID), s.ttl).Err()
}
