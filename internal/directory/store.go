package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("call not found")

// Store persists directory entries by call id.
type Store interface {
	Put(ctx context.Context, entry *models.CallDirectoryEntry) error
	Get(ctx context.Context, callID string) (*models.CallDirectoryEntry, error)
	Delete(ctx context.Context, callID string) error
}

// MemoryStore keeps entries in process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*models.CallDirectoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*models.CallDirectoryEntry)}
}

func (s *MemoryStore) Put(_ context.Context, entry *models.CallDirectoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.CallID] = entry.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, callID string) (*models.CallDirectoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, callID)
	return nil
}

// RedisStore keeps entries as JSON values that expire after ttl.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func callKey(callID string) string {
	return "call:" + callID
}

func (s *RedisStore) Put(ctx context.Context, entry *models.CallDirectoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode call %s: %w", entry.CallID, err)
	}
	if err := s.client.Set(ctx, callKey(entry.CallID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store call %s: %w", entry.CallID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, callID string) (*models.CallDirectoryEntry, error) {
	data, err := s.client.Get(ctx, callKey(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load call %s: %w", callID, err)
	}
	var entry models.CallDirectoryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode call %s: %w", callID, err)
	}
	return &entry, nil
}

func (s *RedisStore) Delete(ctx context.Context, callID string) error {
	if err := s.client.Del(ctx, callKey(callID)).Err(); err != nil {
		return fmt.Errorf("delete call %s: %w", callID, err)
	}
	return nil
}
