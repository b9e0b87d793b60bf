package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := NewRedis(RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedis(t)

	require.NoError(t, s.Put(ctx, "tiercache:users:1", testEntry(time.Now(), `"alice"`, time.Minute)))

	entry, err := s.Get(ctx, "tiercache:users:1")
	require.NoError(t, err)
	assert.Equal(t, `"alice"`, string(entry.Value))

	_, err = s.Get(ctx, "tiercache:users:2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreNativeExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)

	require.NoError(t, s.Put(ctx, "tiercache:users:1", testEntry(time.Now(), `1`, time.Minute)))

	mr.FastForward(2 * time.Minute)
	_, err := s.Get(ctx, "tiercache:users:1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreAlreadyExpiredEntryNotStored(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedis(t)

	entry := testEntry(time.Now().Add(-2*time.Minute), `1`, time.Minute)
	require.NoError(t, s.Put(ctx, "tiercache:users:1", entry))

	exists, err := s.Has(ctx, "tiercache:users:1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisStoreTagIndex(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)
	now := time.Now()

	require.NoError(t, s.Put(ctx, "tiercache:users:1", testEntry(now, `1`, time.Minute, "users")))
	require.NoError(t, s.Put(ctx, "tiercache:users:2", testEntry(now, `2`, time.Hour, "users")))

	keys, err := s.KeysByTag(ctx, "users")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tiercache:users:1", "tiercache:users:2"}, keys)

	// Expired members are pruned from the set on read.
	mr.FastForward(2 * time.Minute)
	keys, err = s.KeysByTag(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, []string{"tiercache:users:2"}, keys)

	require.NoError(t, s.Forget(ctx, "tiercache:users:2"))
	keys, err = s.KeysByTag(ctx, "users")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRedisStoreScanExcludesTagSets(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedis(t)
	now := time.Now()

	require.NoError(t, s.Put(ctx, "tiercache:users:1", testEntry(now, `1`, time.Minute, "users")))
	require.NoError(t, s.Put(ctx, "tiercache:posts:1", testEntry(now, `2`, time.Minute)))

	keys, err := s.Scan(ctx, "tiercache:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tiercache:users:1", "tiercache:posts:1"}, keys)

	keys, err = s.Scan(ctx, "tiercache:users:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"tiercache:users:1"}, keys)
}

func TestRedisStoreCountAndFlush(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedis(t)
	now := time.Now()

	require.NoError(t, s.Put(ctx, "tiercache:users:1", testEntry(now, `1`, time.Minute, "users")))
	require.NoError(t, s.Put(ctx, "tiercache:users:2", testEntry(now, `2`, time.Minute)))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	size, err := s.SizeBytes(ctx)
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))

	require.NoError(t, s.Flush(ctx))
	count, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	keys, err := s.KeysByTag(ctx, "users")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
