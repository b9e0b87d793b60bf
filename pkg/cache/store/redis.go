package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
)

// RedisStore backs a distributed cache level with Redis. Entry TTLs map to
// native Redis expiry; tags are materialized as sets under the configured
// prefix so tag invalidation does not require a full keyspace scan.
type RedisStore struct {
	client *redis.Client
	config RedisConfig
}

// RedisConfig holds connection settings for the Redis repository.
type RedisConfig struct {
	Address      string `mapstructure:"address"`
	Password     string `mapstructure:"password"`
	Database     int    `mapstructure:"database"`
	MaxRetries   int    `mapstructure:"max_retries"`
	DialTimeout  int    `mapstructure:"dial_timeout"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`

	// Prefix namespaces every key this store owns. Normalized cache keys
	// already start with it; tag sets live under "<prefix>:tag-index:".
	Prefix string `mapstructure:"prefix"`
}

// NewRedis creates a Redis-backed repository and verifies connectivity,
// retrying the initial ping with exponential backoff.
func NewRedis(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "tiercache"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  time.Duration(cfg.DialTimeout) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ping := func() error { return client.Ping(ctx).Err() }
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(ping, policy); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	return &RedisStore{client: client, config: cfg}, nil
}

// Name identifies the repository
func (s *RedisStore) Name() string {
	return "redis"
}

func (s *RedisStore) tagKey(tag string) string {
	return fmt.Sprintf("%s:tag-index:%s", s.config.Prefix, tag)
}

func (s *RedisStore) isTagKey(key string) bool {
	prefix := s.config.Prefix + ":tag-index:"
	return len(key) >= len(prefix) && key[:len(prefix)] == prefix
}

// Get retrieves an entry; expiry is enforced natively by Redis
func (s *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("failed to decode cache entry %q: %w", key, err)
	}
	return entry, nil
}

// Put stores an entry and indexes its tags
func (s *RedisStore) Put(ctx context.Context, key string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if !entry.ExpiresAt.IsZero() {
		ttl = time.Until(entry.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, ttl)
	for _, tag := range entry.Tags {
		pipe.SAdd(ctx, s.tagKey(tag), key)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Forget removes an entry and its tag index memberships
func (s *RedisStore) Forget(ctx context.Context, key string) error {
	// Best-effort tag index maintenance: stale members are also pruned
	// on the KeysByTag read path.
	if entry, err := s.Get(ctx, key); err == nil && len(entry.Tags) > 0 {
		pipe := s.client.TxPipeline()
		for _, tag := range entry.Tags {
			pipe.SRem(ctx, s.tagKey(tag), key)
		}
		_, _ = pipe.Exec(ctx)
	}

	return s.client.Del(ctx, key).Err()
}

// Has checks whether a key exists
func (s *RedisStore) Has(ctx context.Context, key string) (bool, error) {
	result, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// Flush removes every key under the store's prefix, tag indexes included
func (s *RedisStore) Flush(ctx context.Context) error {
	keys, err := s.scanKeys(ctx, s.config.Prefix+":*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// Scan returns keys matching a glob pattern via SCAN MATCH
func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return nil, err
	}

	matched := make([]string, 0, len(keys))
	for _, key := range keys {
		if !s.isTagKey(key) {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

// KeysByTag returns the members of the tag's index set that still exist
func (s *RedisStore) KeysByTag(ctx context.Context, tag string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.tagKey(tag)).Result()
	if err != nil {
		return nil, err
	}

	live := make([]string, 0, len(members))
	for _, key := range members {
		exists, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if exists > 0 {
			live = append(live, key)
		} else {
			_ = s.client.SRem(ctx, s.tagKey(tag), key).Err()
		}
	}
	return live, nil
}

// Count returns the number of cached entries under the prefix
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	keys, err := s.Scan(ctx, s.config.Prefix+":*")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// SizeBytes estimates memory consumed by cached entries. MEMORY USAGE is
// preferred; STRLEN is the fallback for servers without the command.
func (s *RedisStore) SizeBytes(ctx context.Context) (int64, error) {
	keys, err := s.Scan(ctx, s.config.Prefix+":*")
	if err != nil {
		return 0, err
	}

	var total int64
	for _, key := range keys {
		usage, err := s.client.MemoryUsage(ctx, key).Result()
		if err != nil {
			usage, err = s.client.StrLen(ctx, key).Result()
			if err != nil {
				continue
			}
		}
		total += usage
	}
	return total, nil
}

// Cleanup is a no-op: Redis expires entries natively
func (s *RedisStore) Cleanup(ctx context.Context) (int, error) {
	return 0, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string

	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	return keys, nil
}
