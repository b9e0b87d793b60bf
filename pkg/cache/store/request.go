package store

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/bmatcuk/doublestar/v4"
)

// RequestStore is the repository backing the REQUEST level: a plain
// mutex-guarded map intended to live for a single logical request. It must
// not be shared across requests; callers create one per request scope (or
// flush it between requests) and it is never a distributed cache.
type RequestStore struct {
	mu      sync.RWMutex
	items   map[string]Entry
	tagged  map[string]map[string]struct{}
	clock   clock.Clock
}

// RequestOptions configures a RequestStore.
type RequestOptions struct {
	// Clock overrides the wall clock, for tests.
	Clock clock.Clock
}

// NewRequest creates an empty request-scoped store.
func NewRequest() *RequestStore {
	return NewRequestWithOptions(RequestOptions{})
}

// NewRequestWithOptions creates a request-scoped store with explicit options.
func NewRequestWithOptions(opts RequestOptions) *RequestStore {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &RequestStore{
		items:  make(map[string]Entry),
		tagged: make(map[string]map[string]struct{}),
		clock:  clk,
	}
}

// Name identifies the repository
func (s *RequestStore) Name() string {
	return "request"
}

// Get retrieves an entry, expiring it lazily
func (s *RequestStore) Get(ctx context.Context, key string) (Entry, error) {
	s.mu.RLock()
	entry, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		return Entry{}, ErrNotFound
	}
	if entry.Expired(s.clock.Now()) {
		s.mu.Lock()
		s.remove(key)
		s.mu.Unlock()
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// Put stores an entry, replacing any previous value for the key
func (s *RequestStore) Put(ctx context.Context, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(key)
	s.items[key] = entry
	for _, tag := range entry.Tags {
		if s.tagged[tag] == nil {
			s.tagged[tag] = make(map[string]struct{})
		}
		s.tagged[tag][key] = struct{}{}
	}
	return nil
}

// Forget removes an entry
func (s *RequestStore) Forget(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(key)
	return nil
}

// Has checks whether a live entry exists for the key
func (s *RequestStore) Has(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Flush clears the store
func (s *RequestStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]Entry)
	s.tagged = make(map[string]map[string]struct{})
	return nil
}

// Scan returns live keys matching a glob pattern
func (s *RequestStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	var keys []string
	for key, entry := range s.items {
		if entry.Expired(now) {
			continue
		}
		if ok, err := doublestar.Match(pattern, key); err != nil {
			return nil, err
		} else if ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// KeysByTag returns live keys carrying the tag
func (s *RequestStore) KeysByTag(ctx context.Context, tag string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	var keys []string
	for key := range s.tagged[tag] {
		if entry, ok := s.items[key]; ok && !entry.Expired(now) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Count returns the number of live entries
func (s *RequestStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	count := 0
	for _, entry := range s.items {
		if !entry.Expired(now) {
			count++
		}
	}
	return count, nil
}

// SizeBytes returns the estimated payload size of live entries
func (s *RequestStore) SizeBytes(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	var size int64
	for _, entry := range s.items {
		if !entry.Expired(now) {
			size += int64(len(entry.Value))
		}
	}
	return size, nil
}

// Cleanup purges expired entries
func (s *RequestStore) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	purged := 0
	for key, entry := range s.items {
		if entry.Expired(now) {
			s.remove(key)
			purged++
		}
	}
	return purged, nil
}

// Close releases resources; a no-op for the map store
func (s *RequestStore) Close() error {
	return nil
}

// remove deletes a key and its tag index entries. Caller holds the lock.
func (s *RequestStore) remove(key string) {
	entry, ok := s.items[key]
	if !ok {
		return
	}
	delete(s.items, key)
	for _, tag := range entry.Tags {
		if members := s.tagged[tag]; members != nil {
			delete(members, key)
			if len(members) == 0 {
				delete(s.tagged, tag)
			}
		}
	}
}
