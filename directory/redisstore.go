package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultEntryTTL bounds how long a persisted directory entry stays valid
// when no TTL is configured.
const DefaultEntryTTL = 24 * time.Hour

// RedisStore is a Store backed by Redis, for server-side deployments of the
// toolkit (bots, gateways) where directory entries outlive the process.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store over an existing client. An empty prefix
// defaults to "directory:"; a zero ttl defaults to DefaultEntryTTL.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "directory:"
	}
	if ttl <= 0 {
		ttl = DefaultEntryTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Get returns the stored entry for id, or nil on a miss.
func (s *RedisStore) Get(ctx context.Context, id string) (*Entry, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode stored entry: %w", err)
	}
	return &entry, nil
}

// Put persists the entry under the configured TTL.
func (s *RedisStore) Put(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	if err := s.client.Set(ctx, s.key(entry.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}
