package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jobpostpro/quiz-engine/internal/models"
)

// DefaultTTL is how long a session view stays readable after its last update
const DefaultTTL = 24 * time.Hour

// SnapshotStore keeps the latest view of every session so its outcome is
// readable after the controller has been destroyed. Load returns nil, nil on a miss.
type SnapshotStore interface {
	Save(ctx context.Context, view models.SessionView) error
	Load(ctx context.Context, sessionID string) (*models.SessionView, error)
	Delete(ctx context.Context, sessionID string) error
	Ping(ctx context.Context) error
	Close() error
}

func snapshotKey(sessionID string) string {
	return fmt.Sprintf("quiz_session:%s:snapshot", sessionID)
}

// RedisStore stores views as JSON strings with a TTL
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient connects to Redis and pings it
func NewRedisClient(ctx context.Context, address, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, view models.SessionView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := s.client.Set(ctx, snapshotKey(view.SessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (*models.SessionView, error) {
	data, err := s.client.Get(ctx, snapshotKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var view models.SessionView
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &view, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, snapshotKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type memoryEntry struct {
	view    models.SessionView
	expires time.Time
}

// MemoryStore is the in-process SnapshotStore used when Redis is not configured
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) Save(_ context.Context, view models.SessionView) error {
	view.Answered = append([]string(nil), view.Answered...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[view.SessionID] = memoryEntry{view: view, expires: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (*models.SessionView, error) {
	s.mu.RLock()
	entry, ok := s.entries[sessionID]
	s.mu.RUnlock()

	if !ok || s.now().After(entry.expires) {
		return nil, nil
	}
	view := entry.view
	return &view, nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
	return nil
}

// Prune drops expired entries and returns how many were removed
func (s *MemoryStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, entry := range s.entries {
		if now.After(entry.expires) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
