// Package store contains the level repositories backing the multi-tier
// cache: a request-scoped map, a shared in-process LRU, a Redis adapter,
// and a SQL adapter. Every repository is safe for concurrent use; the
// orchestration layer in pkg/cache holds no lock of its own.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is not found in a repository
var ErrNotFound = errors.New("key not found in cache")

// Entry is the unit stored at every cache level. Value holds the
// JSON-encoded payload; the orchestration layer marshals once and stores
// the same bytes at each targeted level.
type Entry struct {
	Value     []byte    `json:"value"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
}

// Expired reports whether the entry's TTL has elapsed at the given time.
// A zero ExpiresAt means the entry never expires.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// RemainingTTL returns the time left before the entry expires, zero for
// entries without expiry. Backfill writes use this so a promoted entry
// never outlives the original.
func (e Entry) RemainingTTL(now time.Time) time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

// Repository is the adapter contract a concrete store must satisfy to back
// a cache level. Get returns ErrNotFound for missing or expired keys; any
// other error is treated as a storage failure by the caller. Scan and
// KeysByTag are only invoked for levels whose capability table enables
// pattern matching or tagging.
type Repository interface {
	// Name identifies the repository in logs and reports.
	Name() string

	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, entry Entry) error
	Forget(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	Flush(ctx context.Context) error

	// Scan returns the live keys matching a glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)
	// KeysByTag returns the live keys carrying the given tag.
	KeysByTag(ctx context.Context, tag string) ([]string, error)

	// Count returns the number of live entries.
	Count(ctx context.Context) (int, error)
	// SizeBytes returns the estimated payload size of live entries.
	SizeBytes(ctx context.Context) (int64, error)
	// Cleanup removes expired entries, returning how many were purged.
	Cleanup(ctx context.Context) (int, error)

	Close() error
}
