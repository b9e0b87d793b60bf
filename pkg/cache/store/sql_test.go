package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQL(t *testing.T, clk clock.Clock) *SQLStore {
	t.Helper()

	db, err := sqlx.Connect("sqlite3", ":memory:")
	require.NoError(t, err)

	s, err := NewSQLWithOptions(db, SQLOptions{Clock: clk})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQL(t, nil)

	require.NoError(t, s.Put(ctx, "tiercache:users:1", testEntry(time.Now(), `"alice"`, time.Hour)))

	entry, err := s.Get(ctx, "tiercache:users:1")
	require.NoError(t, err)
	assert.Equal(t, `"alice"`, string(entry.Value))

	_, err = s.Get(ctx, "tiercache:users:2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStoreUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestSQL(t, nil)
	now := time.Now()

	require.NoError(t, s.Put(ctx, "k", testEntry(now, `1`, time.Hour, "old")))
	require.NoError(t, s.Put(ctx, "k", testEntry(now, `2`, time.Hour, "new")))

	entry, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `2`, string(entry.Value))
	assert.Equal(t, []string{"new"}, entry.Tags)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLStoreExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := newTestSQL(t, clk)

	require.NoError(t, s.Put(ctx, "k", testEntry(clk.Now(), `1`, time.Minute)))

	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	clk.Add(2 * time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStoreForeverEntry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := newTestSQL(t, clk)

	require.NoError(t, s.Put(ctx, "k", testEntry(clk.Now(), `1`, 0)))

	clk.Add(1000 * time.Hour)
	_, err := s.Get(ctx, "k")
	assert.NoError(t, err)
}

func TestSQLStoreScan(t *testing.T) {
	ctx := context.Background()
	s := newTestSQL(t, nil)
	now := time.Now()

	require.NoError(t, s.Put(ctx, "tiercache:users:1", testEntry(now, `1`, time.Hour)))
	require.NoError(t, s.Put(ctx, "tiercache:users:2", testEntry(now, `2`, time.Hour)))
	require.NoError(t, s.Put(ctx, "tiercache:posts:1", testEntry(now, `3`, time.Hour)))

	keys, err := s.Scan(ctx, "tiercache:users:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tiercache:users:1", "tiercache:users:2"}, keys)

	keys, err = s.Scan(ctx, "tiercache:*:1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tiercache:users:1", "tiercache:posts:1"}, keys)
}

func TestSQLStoreKeysByTag(t *testing.T) {
	ctx := context.Background()
	s := newTestSQL(t, nil)
	now := time.Now()

	require.NoError(t, s.Put(ctx, "a", testEntry(now, `1`, time.Hour, "users", "admins")))
	require.NoError(t, s.Put(ctx, "b", testEntry(now, `2`, time.Hour, "users")))
	// "user" must not match "users" despite the LIKE prefilter.
	require.NoError(t, s.Put(ctx, "c", testEntry(now, `3`, time.Hour, "user")))

	keys, err := s.KeysByTag(ctx, "users")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	keys, err = s.KeysByTag(ctx, "admins")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)
}

func TestSQLStoreCleanup(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := newTestSQL(t, clk)

	require.NoError(t, s.Put(ctx, "a", testEntry(clk.Now(), `1`, time.Minute)))
	require.NoError(t, s.Put(ctx, "b", testEntry(clk.Now(), `2`, time.Hour)))
	require.NoError(t, s.Put(ctx, "c", testEntry(clk.Now(), `3`, 0)))

	clk.Add(10 * time.Minute)
	purged, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSQLStoreSizeBytes(t *testing.T) {
	ctx := context.Background()
	s := newTestSQL(t, nil)
	now := time.Now()

	require.NoError(t, s.Put(ctx, "a", testEntry(now, `1234`, time.Hour)))
	require.NoError(t, s.Put(ctx, "b", testEntry(now, `12`, time.Hour)))

	size, err := s.SizeBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)
}

func TestSQLStoreGetPropagatesQueryError(t *testing.T) {
	ctx := context.Background()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS cache_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := NewSQL(db)
	require.NoError(t, err)

	queryErr := errors.New("connection reset")
	mock.ExpectQuery("SELECT cache_key, payload, tags, stored_at, expires_at FROM cache_entries").
		WillReturnError(queryErr)

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, queryErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGlobToLike(t *testing.T) {
	assert.Equal(t, "tiercache:users:%", globToLike("tiercache:users:*"))
	assert.Equal(t, "tiercache:users:_", globToLike("tiercache:users:?"))
	assert.Equal(t, `100\%:_\_`, globToLike("100%:?_"))
}
