package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/jmoiron/sqlx"
)

// SQLStore backs the DATABASE level with a single cache_entries table. The
// schema is portable across Postgres (lib/pq) and SQLite (tests); expiry is
// enforced lazily in queries so no database-side scheduler is required.
type SQLStore struct {
	db    *sqlx.DB
	table string
	clock clock.Clock
}

// SQLOptions configures a SQLStore.
type SQLOptions struct {
	// Table overrides the table name. Defaults to "cache_entries".
	Table string
	// Clock overrides the wall clock, for tests.
	Clock clock.Clock
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS %s (
	cache_key  TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '[]',
	stored_at  TIMESTAMP NOT NULL,
	expires_at TIMESTAMP
)`

type sqlRow struct {
	CacheKey  string       `db:"cache_key"`
	Payload   string       `db:"payload"`
	Tags      string       `db:"tags"`
	StoredAt  time.Time    `db:"stored_at"`
	ExpiresAt sql.NullTime `db:"expires_at"`
}

// NewSQL creates a SQL-backed repository on an existing sqlx handle and
// bootstraps the schema.
func NewSQL(db *sqlx.DB) (*SQLStore, error) {
	return NewSQLWithOptions(db, SQLOptions{})
}

// NewSQLWithOptions creates a SQL-backed repository with explicit options.
func NewSQLWithOptions(db *sqlx.DB, opts SQLOptions) (*SQLStore, error) {
	if opts.Table == "" {
		opts.Table = "cache_entries"
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	s := &SQLStore{db: db, table: opts.Table, clock: opts.Clock}
	if _, err := db.Exec(fmt.Sprintf(sqlSchema, opts.Table)); err != nil {
		return nil, fmt.Errorf("failed to create %s table: %w", opts.Table, err)
	}
	return s, nil
}

// Name identifies the repository
func (s *SQLStore) Name() string {
	return "sql"
}

// Get retrieves an entry, deleting it if expired
func (s *SQLStore) Get(ctx context.Context, key string) (Entry, error) {
	var row sqlRow
	query := s.db.Rebind(fmt.Sprintf("SELECT cache_key, payload, tags, stored_at, expires_at FROM %s WHERE cache_key = ?", s.table))
	if err := s.db.GetContext(ctx, &row, query, key); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}

	entry, err := s.entryFromRow(row)
	if err != nil {
		return Entry{}, err
	}
	if entry.Expired(s.clock.Now()) {
		_ = s.Forget(ctx, key)
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// Put stores an entry with an upsert
func (s *SQLStore) Put(ctx context.Context, key string, entry Entry) error {
	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return err
	}

	var expiresAt interface{}
	if !entry.ExpiresAt.IsZero() {
		expiresAt = entry.ExpiresAt
	}

	query := s.db.Rebind(fmt.Sprintf(`
		INSERT INTO %s (cache_key, payload, tags, stored_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			payload = excluded.payload,
			tags = excluded.tags,
			stored_at = excluded.stored_at,
			expires_at = excluded.expires_at`, s.table))

	_, err = s.db.ExecContext(ctx, query, key, string(entry.Value), string(tags), entry.StoredAt, expiresAt)
	return err
}

// Forget removes an entry
func (s *SQLStore) Forget(ctx context.Context, key string) error {
	query := s.db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE cache_key = ?", s.table))
	_, err := s.db.ExecContext(ctx, query, key)
	return err
}

// Has checks whether a live entry exists
func (s *SQLStore) Has(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Flush removes every entry
func (s *SQLStore) Flush(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table))
	return err
}

// Scan returns live keys matching a glob pattern. A LIKE prefilter keeps
// the result set small; the glob is then matched exactly in Go.
func (s *SQLStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	query := s.db.Rebind(fmt.Sprintf(`SELECT cache_key FROM %s WHERE cache_key LIKE ? ESCAPE '\' AND (expires_at IS NULL OR expires_at > ?)`, s.table))

	var candidates []string
	if err := s.db.SelectContext(ctx, &candidates, query, globToLike(pattern), s.clock.Now()); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(candidates))
	for _, key := range candidates {
		if matched, err := doublestar.Match(pattern, key); err != nil {
			return nil, err
		} else if matched {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// KeysByTag returns live keys carrying the tag. The tags column holds a
// JSON array, so a LIKE prefilter is verified by decoding each candidate.
func (s *SQLStore) KeysByTag(ctx context.Context, tag string) ([]string, error) {
	query := s.db.Rebind(fmt.Sprintf("SELECT cache_key, tags FROM %s WHERE tags LIKE ? AND (expires_at IS NULL OR expires_at > ?)", s.table))

	rows := []struct {
		CacheKey string `db:"cache_key"`
		Tags     string `db:"tags"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, query, `%"`+tag+`"%`, s.clock.Now()); err != nil {
		return nil, err
	}

	var keys []string
	for _, row := range rows {
		var tags []string
		if err := json.Unmarshal([]byte(row.Tags), &tags); err != nil {
			continue
		}
		for _, t := range tags {
			if t == tag {
				keys = append(keys, row.CacheKey)
				break
			}
		}
	}
	return keys, nil
}

// Count returns the number of live entries
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	query := s.db.Rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE expires_at IS NULL OR expires_at > ?", s.table))

	var count int
	if err := s.db.GetContext(ctx, &count, query, s.clock.Now()); err != nil {
		return 0, err
	}
	return count, nil
}

// SizeBytes returns the total payload size of live entries
func (s *SQLStore) SizeBytes(ctx context.Context) (int64, error) {
	query := s.db.Rebind(fmt.Sprintf("SELECT COALESCE(SUM(LENGTH(payload)), 0) FROM %s WHERE expires_at IS NULL OR expires_at > ?", s.table))

	var size int64
	if err := s.db.GetContext(ctx, &size, query, s.clock.Now()); err != nil {
		return 0, err
	}
	return size, nil
}

// Cleanup deletes expired rows
func (s *SQLStore) Cleanup(ctx context.Context) (int, error) {
	query := s.db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= ?", s.table))

	result, err := s.db.ExecContext(ctx, query, s.clock.Now())
	if err != nil {
		return 0, err
	}
	purged, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(purged), nil
}

// Close closes the database handle
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) entryFromRow(row sqlRow) (Entry, error) {
	var tags []string
	if row.Tags != "" {
		if err := json.Unmarshal([]byte(row.Tags), &tags); err != nil {
			return Entry{}, fmt.Errorf("failed to decode tags for %q: %w", row.CacheKey, err)
		}
	}

	entry := Entry{
		Value:    []byte(row.Payload),
		StoredAt: row.StoredAt,
		Tags:     tags,
	}
	if row.ExpiresAt.Valid {
		entry.ExpiresAt = row.ExpiresAt.Time
	}
	return entry, nil
}

// globToLike converts a glob pattern to a LIKE prefilter. The conversion is
// conservative: glob metacharacters map to LIKE wildcards, and LIKE
// wildcards occurring literally are escaped with backslash.
func globToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteRune('%')
		case '?':
			b.WriteRune('_')
		case '%', '_':
			b.WriteRune('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
