package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const roleKeyPrefix = "pgveil:role:"

// SessionStore persists vended role sessions in redis with a TTL, so every
// broker replica resolves the same roles and stale sessions expire without a
// reaper.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSessionStore constructs a redis-backed session store.
func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

// Put stores the session under its role name, resetting the TTL.
func (s *SessionStore) Put(ctx context.Context, session RoleSession) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("broker: marshal session: %w", err)
	}
	if err := s.client.Set(ctx, roleKeyPrefix+session.Role, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("broker: store session %s: %w", session.Role, err)
	}
	return nil
}

// Get resolves a role name to its session. Roles never vended, or vended
// longer ago than the TTL, return ErrUnknownRole.
func (s *SessionStore) Get(ctx context.Context, role string) (RoleSession, error) {
	payload, err := s.client.Get(ctx, roleKeyPrefix+role).Bytes()
	if errors.Is(err, redis.Nil) {
		return RoleSession{}, fmt.Errorf("broker: %w: %s", ErrUnknownRole, role)
	}
	if err != nil {
		return RoleSession{}, fmt.Errorf("broker: load session %s: %w", role, err)
	}

	var session RoleSession
	if err := json.Unmarshal(payload, &session); err != nil {
		return RoleSession{}, fmt.Errorf("broker: decode session %s: %w", role, err)
	}
	return session, nil
}
