package admin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionStore maps token digests to expiry times.
type SessionStore interface {
	Create(ctx context.Context, key string, expiresAt time.Time) error
	Lookup(ctx context.Context, key string) (time.Time, error)
	Delete(ctx context.Context, key string) error
}

// MemorySessionStore drops expired sessions whenever a new one is created,
// so abandoned logins do not accumulate.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]time.Time
	now      func() time.Time
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (m *MemorySessionStore) Create(_ context.Context, key string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, exp := range m.sessions {
		if !now.Before(exp) {
			delete(m.sessions, k)
		}
	}
	m.sessions[key] = expiresAt
	return nil
}

func (m *MemorySessionStore) Lookup(_ context.Context, key string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.sessions[key]
	if !ok {
		return time.Time{}, ErrSessionNotFound
	}
	return exp, nil
}

func (m *MemorySessionStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	return nil
}

// RedisSessionStore keeps sessions as plain keys that redis expires itself.
type RedisSessionStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client, now: time.Now}
}

func sessionKey(key string) string {
	return "admin_session:" + key
}

func (r *RedisSessionStore) Create(ctx context.Context, key string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, sessionKey(key), expiresAt.UnixNano(), ttl).Err()
}

func (r *RedisSessionStore) Lookup(ctx context.Context, key string) (time.Time, error) {
	n, err := r.client.Get(ctx, sessionKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, ErrSessionNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get session: %w", err)
	}
	return time.Unix(0, n), nil
}

func (r *RedisSessionStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, sessionKey(key)).Err()
}
