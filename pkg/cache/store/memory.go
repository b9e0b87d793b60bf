package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore is the shared in-process repository for the MEMORY level when
// no Redis is configured. Capacity is bounded by an LRU; per-entry TTLs are
// enforced lazily on read and by Cleanup.
type MemoryStore struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, Entry]
	tagged map[string]map[string]struct{}
	clock  clock.Clock
}

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	// MaxEntries bounds the LRU. Defaults to 10000.
	MaxEntries int
	// Clock overrides the wall clock, for tests.
	Clock clock.Clock
}

// NewMemory creates a shared in-process store with default options.
func NewMemory() (*MemoryStore, error) {
	return NewMemoryWithOptions(MemoryOptions{})
}

// NewMemoryWithOptions creates a shared in-process store.
func NewMemoryWithOptions(opts MemoryOptions) (*MemoryStore, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	s := &MemoryStore{
		tagged: make(map[string]map[string]struct{}),
		clock:  opts.Clock,
	}

	cache, err := lru.NewWithEvict[string, Entry](opts.MaxEntries, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory store: %w", err)
	}
	s.lru = cache

	return s, nil
}

// onEvict keeps the tag index consistent with LRU evictions. The LRU only
// calls it while s.mu is held by the mutating operation.
func (s *MemoryStore) onEvict(key string, entry Entry) {
	for _, tag := range entry.Tags {
		if members := s.tagged[tag]; members != nil {
			delete(members, key)
			if len(members) == 0 {
				delete(s.tagged, tag)
			}
		}
	}
}

// Name identifies the repository
func (s *MemoryStore) Name() string {
	return "memory"
}

// Get retrieves an entry, expiring it lazily
func (s *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lru.Get(key)
	if !ok {
		return Entry{}, ErrNotFound
	}
	if entry.Expired(s.clock.Now()) {
		s.lru.Remove(key)
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// Put stores an entry
func (s *MemoryStore) Put(ctx context.Context, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lru.Remove(key)
	s.lru.Add(key, entry)
	for _, tag := range entry.Tags {
		if s.tagged[tag] == nil {
			s.tagged[tag] = make(map[string]struct{})
		}
		s.tagged[tag][key] = struct{}{}
	}
	return nil
}

// Forget removes an entry
func (s *MemoryStore) Forget(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lru.Remove(key)
	return nil
}

// Has checks whether a live entry exists without refreshing LRU recency
func (s *MemoryStore) Has(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lru.Peek(key)
	if !ok {
		return false, nil
	}
	if entry.Expired(s.clock.Now()) {
		s.lru.Remove(key)
		return false, nil
	}
	return true, nil
}

// Flush clears the store
func (s *MemoryStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lru.Purge()
	s.tagged = make(map[string]map[string]struct{})
	return nil
}

// Scan returns live keys matching a glob pattern
func (s *MemoryStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var keys []string
	for _, key := range s.lru.Keys() {
		entry, ok := s.lru.Peek(key)
		if !ok || entry.Expired(now) {
			continue
		}
		if matched, err := doublestar.Match(pattern, key); err != nil {
			return nil, err
		} else if matched {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// KeysByTag returns live keys carrying the tag
func (s *MemoryStore) KeysByTag(ctx context.Context, tag string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var keys []string
	for key := range s.tagged[tag] {
		if entry, ok := s.lru.Peek(key); ok && !entry.Expired(now) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Count returns the number of live entries
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	count := 0
	for _, key := range s.lru.Keys() {
		if entry, ok := s.lru.Peek(key); ok && !entry.Expired(now) {
			count++
		}
	}
	return count, nil
}

// SizeBytes returns the estimated payload size of live entries
func (s *MemoryStore) SizeBytes(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var size int64
	for _, key := range s.lru.Keys() {
		if entry, ok := s.lru.Peek(key); ok && !entry.Expired(now) {
			size += int64(len(entry.Value))
		}
	}
	return size, nil
}

// Cleanup purges expired entries
func (s *MemoryStore) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	purged := 0
	for _, key := range s.lru.Keys() {
		if entry, ok := s.lru.Peek(key); ok && entry.Expired(now) {
			s.lru.Remove(key)
			purged++
		}
	}
	return purged, nil
}

// Close releases resources
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lru.Purge()
	return nil
}
