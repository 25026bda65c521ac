package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the in-process key cache. Gateways rotate keys
// rarely, so this is far above the working set.
const DefaultCacheSize = 4096

// Cache holds resolved keys with no expiry. Only when more than its size are
// in use is the least recently used key evicted, and the next lookup fetches
// it again. A revoked key therefore requires a restart.
type Cache struct {
	entries *lru.Cache[string, *VerificationKey]
}

// NewCache creates a key cache holding up to size entries
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, *VerificationKey](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create key cache: %w", err)
	}
	return &Cache{entries: entries}, nil
}

// Get returns the cached key for authority and keyID
func (c *Cache) Get(authority, keyID string) (*VerificationKey, bool) {
	return c.entries.Get(cacheKey(authority, keyID))
}

// Add stores a key. Stored keys are never mutated, so a racing Add of the
// same key simply replaces an identical value.
func (c *Cache) Add(key *VerificationKey) {
	c.entries.Add(cacheKey(key.Authority, key.KeyID), key)
}

// Len returns the number of cached keys
func (c *Cache) Len() int {
	return c.entries.Len()
}

func cacheKey(authority, keyID string) string {
	return authority + "/" + keyID
}

// SharedStore is a cache shared between gateway instances. It stores raw PEM
// so any replica can parse the key itself.
type SharedStore interface {
	Get(ctx context.Context, authority, keyID string) ([]byte, error)
	Set(ctx context.Context, authority, keyID string, pem []byte) error
}

// ErrNotCached is returned by a SharedStore on a miss
var ErrNotCached = errors.New("key not cached")

// RedisStore keeps PEM-encoded keys in redis without expiry
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a shared key store on an existing client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "takgate:keys:"}
}

// NewRedisClient connects to redis at redisURL
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Get implements SharedStore
func (s *RedisStore) Get(ctx context.Context, authority, keyID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.prefix+cacheKey(authority, keyID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotCached
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return data, nil
}

// Set implements SharedStore
func (s *RedisStore) Set(ctx context.Context, authority, keyID string, pem []byte) error {
	if err := s.client.Set(ctx, s.prefix+cacheKey(authority, keyID), pem, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}
