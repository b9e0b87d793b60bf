package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiercache/tiercache/pkg/cache/store"
	"github.com/tiercache/tiercache/pkg/observability"
)

// newTestService builds an operation service over in-process stores at all
// three levels, sharing one mock clock.
func newTestService(t *testing.T, config *Config) (*OperationService, *clock.Mock) {
	t.Helper()

	clk := clock.NewMock()
	memory, err := store.NewMemoryWithOptions(store.MemoryOptions{Clock: clk})
	require.NoError(t, err)

	repos := map[Level]store.Repository{
		LevelRequest:  store.NewRequestWithOptions(store.RequestOptions{Clock: clk}),
		LevelMemory:   memory,
		LevelDatabase: store.NewRequestWithOptions(store.RequestOptions{Clock: clk}),
	}

	ops := NewOperationService(config, repos, OperationOptions{
		Logger: observability.NewNoopLogger(),
		Clock:  clk,
	})
	return ops, clk
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestService(t, nil)
	key := NewKey("users", "1")

	require.True(t, ops.Put(ctx, key, map[string]interface{}{"name": "alice"}, time.Minute))

	value := ops.Get(ctx, key, nil)
	user, ok := value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "alice", user["name"])
}

func TestGetReturnsDefaultOnMiss(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestService(t, nil)

	assert.Equal(t, "fallback", ops.Get(ctx, NewKey("users", "missing"), "fallback"))
	assert.Nil(t, ops.Get(ctx, NewKey("users", "missing"), nil))
}

func TestGetRejectsInvalidKey(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestService(t, nil)

	assert.Equal(t, "def", ops.Get(ctx, NewKey("", "x"), "def"))
	assert.False(t, ops.Put(ctx, NewKey("", "x"), 1, time.Minute))
}

func TestPutRejectsNegativeTTL(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestService(t, nil)

	assert.False(t, ops.Put(ctx, NewKey("users", "1"), 1, -time.Second))
}

func TestTTLClampPerLevel(t *testing.T) {
	ctx := context.Background()
	ops, clk := newTestService(t, nil)
	key := NewKey("users", "1")

	// 10 minutes exceeds the request level's 5 minute ceiling.
	require.True(t, ops.Put(ctx, key, 1, 10*time.Minute))

	clk.Add(6 * time.Minute)
	assert.Nil(t, ops.Get(ctx, key, nil, LevelRequest))
	assert.NotNil(t, ops.Get(ctx, key, nil, LevelMemory))
}

func TestGetInto(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestService(t, nil)
	key := NewKey("users", "1")

	type user struct {
		Name string `json:"name"`
	}
	require.True(t, ops.Put(ctx, key, user{Name: "alice"}, time.Minute))

	var got user
	found, err := ops.GetInto(ctx, key, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", got.Name)

	found, err = ops.GetInto(ctx, NewKey("users", "2"), &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBackfillPromotesSlowHit(t *testing.T) {
	ctx := context.Background()
	ops, clk := newTestService(t, nil)
	key := NewKey("users", "1")

	// Present only at the memory level.
	require.True(t, ops.Put(ctx, key, "v", 2*time.Minute, LevelMemory))

	value := ops.Get(ctx, key, nil)
	require.Equal(t, "v", value)

	// The faster level was backfilled with the remaining TTL.
	reqRepo, ok := ops.Repository(LevelRequest)
	require.True(t, ok)
	entry, err := reqRepo.Get(ctx, key.Normalize())
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(2*time.Minute), entry.ExpiresAt)

	// A second get hits the request level directly.
	before := ops.Snapshot()[LevelRequest]
	_ = ops.Get(ctx, key, nil)
	after := ops.Snapshot()[LevelRequest]
	assert.Equal(t, before.Hits+1, after.Hits)
}

func TestBackfillNeverExtendsExpiry(t *testing.T) {
	ctx := context.Background()
	ops, clk := newTestService(t, nil)
	key := NewKey("users", "1")

	require.True(t, ops.Put(ctx, key, "v", 10*time.Minute, LevelMemory))
	memRepo, _ := ops.Repository(LevelMemory)
	original, err := memRepo.Get(ctx, key.Normalize())
	require.NoError(t, err)

	_ = ops.Get(ctx, key, nil)

	// The request level clamps to its 5 minute ceiling rather than
	// carrying the full 10 minutes.
	reqRepo, _ := ops.Repository(LevelRequest)
	promoted, err := reqRepo.Get(ctx, key.Normalize())
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(5*time.Minute), promoted.ExpiresAt)
	assert.True(t, promoted.ExpiresAt.Before(original.ExpiresAt))
}

func TestBackfillSkipsDisabledLevels(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestService(t, nil)
	key := NewKey("users", "1")

	require.True(t, ops.ToggleLevel(LevelRequest, false))
	require.True(t, ops.Put(ctx, key, "v", time.Minute, LevelMemory))

	require.Equal(t, "v", ops.Get(ctx, key, nil))

	reqRepo, _ := ops.Repository(LevelRequest)
	_, err := reqRepo.Get(ctx, key.Normalize())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAddOnlyWhenAbsent(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestService(t, nil)
	key := NewKey("users", "1")

	assert.True(t, ops.Add(ctx, key, "first", time.Minute))
	assert.False(t, ops.Add(ctx, key, "second", time.Minute))
	assert.Equal(t, "first", ops.Get(ctx, key, nil))
}

func TestAddAfterForget(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestService(t, nil)
	key := NewKey("users", "1")

	require.True(t, ops.Add(ctx, key, "first", time.Minute))
	require.True(t, ops.Forget(ctx, key))
	assert.True(t, ops.Add(ctx, key, "second", time.Minute))
}

func TestRememberComputesOnMiss(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestService(t, nil)
	key := NewKey("users", "1")

	calls := 0
	producer := func(ctx context.Context) (interface{}, error) {
		calls++
		return "computed", nil
	}

	value, err := ops.Remember(ctx, key, time.Minute, producer)
	require.NoError(t, err)
	assert.Equal(t, "computed", value)
	assert.Equal(t, 1, calls)

	// Cached now: the producer is not invoked again.
	value, err = ops.Remember(ctx, key, time.Minute, producer)
	require.NoError(t, err)
	assert.Equal(t, "computed", value)
	assert.Equal(t, 1, calls)
}

func TestRememberPropagatesProducerError(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestService(t, nil)
	key := NewKey("users", "1")

	boom := errors.New("upstream down")
	_, err := ops.Remember(ctx, key, time.Minute, func(ctx context.Context) (interface{}, error) {
		return nil, boom
	})

	var perr ProducerError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, boom)
	assert.False(t, ops.Has(ctx, key))
}

func TestRememberNilResultNotCached(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestService(t, nil)
	key := NewKey("users", "1")

	calls := 0
	producer := func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, nil
	}

	value, err := ops.Remember(ctx, key, time.Minute, producer)
	require.NoError(t, err)
	assert.Nil(t, value)
	assert.False(t, ops.Has(ctx, key))

	// Absence is not cached: the producer runs again.
	_, err = ops.Remember(ctx, key, time.Minute, producer)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRememberForever(t *testing.T) {
	ctx := context.Background()
	ops, clk := newTestService(t, nil)
	key := NewKey("config", "flags")

	value, err := ops.RememberForever(ctx, key, func(ctx context.Context) (interface{}, error) {
		return "flags", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "flags", value)

	clk.Add(1000 * time.Hour)
	assert.True(t, ops.Has(ctx, key))
}

func TestForgetRemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestService(t, nil)
	key := NewKey("users", "1")

	require.True(t, ops.Put(ctx, key, 1, time.Minute))
	require.True(t, ops.Has(ctx, key))

	require.True(t, ops.Forget(ctx, key))
	assert.False(t, ops.Has(ctx, key))
	for _, level := range AllLevels() {
		assert.False(t, ops.Has(ctx, key, level))
	}
}

func TestFlushTargetsLevels(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestService(t, nil)
	key := NewKey("users", "1")

	require.True(t, ops.Put(ctx, key, 1, time.Minute))
	require.True(t, ops.Flush(ctx, LevelRequest))

	assert.False(t, ops.Has(ctx, key, LevelRequest))
	assert.True(t, ops.Has(ctx, key, LevelMemory))

	require.True(t, ops.Flush(ctx))
	assert.False(t, ops.Has(ctx, key))
}

func TestToggleLevel(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestService(t, nil)
	key := NewKey("users", "1")

	require.True(t, ops.Put(ctx, key, 1, time.Minute))

	require.True(t, ops.ToggleLevel(LevelMemory, false))
	assert.False(t, ops.LevelEnabled(LevelMemory))
	assert.Nil(t, ops.Get(ctx, key, nil, LevelMemory))

	require.True(t, ops.ToggleLevel(LevelMemory, true))
	assert.NotNil(t, ops.Get(ctx, key, nil, LevelMemory))
}

func TestCountersTrackOperations(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestService(t, nil)
	key := NewKey("users", "1")

	_ = ops.Get(ctx, key, nil, LevelRequest)
	require.True(t, ops.Put(ctx, key, 1, time.Minute, LevelRequest))
	_ = ops.Get(ctx, key, nil, LevelRequest)
	require.True(t, ops.Forget(ctx, key, LevelRequest))

	c := ops.Snapshot()[LevelRequest]
	assert.Equal(t, int64(1), c.Hits)
	assert.Equal(t, int64(1), c.Misses)
	assert.Equal(t, int64(1), c.Puts)
	assert.Equal(t, int64(1), c.Deletes)

	ops.ResetStats()
	c = ops.Snapshot()[LevelRequest]
	assert.Zero(t, c.Hits)
	assert.Zero(t, c.Misses)
}

func TestCoalesceRememberSingleProducerRun(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig()
	config.Operations.CoalesceRemember = true
	ops, _ := newTestService(t, config)
	key := NewKey("users", "1")

	started := make(chan struct{})
	release := make(chan struct{})
	calls := 0
	producer := func(ctx context.Context) (interface{}, error) {
		calls++
		close(started)
		<-release
		return "once", nil
	}

	first := make(chan interface{}, 1)
	go func() {
		value, _ := ops.Remember(ctx, key, time.Minute, producer)
		first <- value
	}()

	<-started
	second := make(chan interface{}, 1)
	go func() {
		value, _ := ops.Remember(ctx, key, time.Minute, func(ctx context.Context) (interface{}, error) {
			t.Error("coalesced caller must not run its producer")
			return nil, nil
		})
		second <- value
	}()

	// Give the second caller time to join the in-flight computation.
	time.Sleep(20 * time.Millisecond)
	close(release)

	assert.Equal(t, "once", <-first)
	assert.Equal(t, "once", <-second)
	assert.Equal(t, 1, calls)
}
