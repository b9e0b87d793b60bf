package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiercache/tiercache/pkg/observability"
)

func newTestWarmer(t *testing.T, config *Config) (*WarmingService, *OperationService) {
	t.Helper()
	if config == nil {
		config = DefaultConfig()
		config.Warming.InterBatchDelay = 0
	}
	ops, _ := newTestService(t, config)
	warmer := NewWarmingService(ops, observability.NewNoopLogger(), nil)
	return warmer, ops
}

func staticProducer(value interface{}) Producer {
	return func(ctx context.Context) (interface{}, error) { return value, nil }
}

func TestWarmMixedOutcomes(t *testing.T) {
	ctx := context.Background()
	warmer, ops := newTestWarmer(t, nil)

	boom := errors.New("upstream down")
	jobs := []WarmingJob{
		{Key: NewKey("users", "1"), Producer: staticProducer("alice")},
		{Key: NewKey("users", "2"), Producer: func(ctx context.Context) (interface{}, error) { return nil, nil }},
		{Key: NewKey("users", "3"), Producer: func(ctx context.Context) (interface{}, error) { return nil, boom }},
	}

	result, err := warmer.Warm(ctx, jobs, true)
	require.NoError(t, err)
	require.NotNil(t, result.Report)
	assert.Nil(t, result.Compact)

	summary := result.Report.Summary
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Failed)
	assert.InDelta(t, 33.33, summary.SuccessRate, 0.01)
	assert.NotEmpty(t, summary.RunID)

	assert.Contains(t, result.Report.Errors[NewKey("users", "3").Normalize()], "upstream down")

	// Only the successful item was cached.
	assert.True(t, ops.Has(ctx, NewKey("users", "1")))
	assert.False(t, ops.Has(ctx, NewKey("users", "2")))
	assert.False(t, ops.Has(ctx, NewKey("users", "3")))
}

func TestWarmCompactResult(t *testing.T) {
	ctx := context.Background()
	warmer, _ := newTestWarmer(t, nil)

	jobs := []WarmingJob{
		{Key: NewKey("users", "1"), Producer: staticProducer("alice")},
		{Key: NewKey("users", "2"), Producer: func(ctx context.Context) (interface{}, error) { return nil, errors.New("no") }},
	}

	result, err := warmer.Warm(ctx, jobs, false)
	require.NoError(t, err)
	require.NotNil(t, result.Compact)
	assert.Nil(t, result.Report)

	assert.True(t, result.Compact[NewKey("users", "1").Normalize()].Success)
	assert.False(t, result.Compact[NewKey("users", "2").Normalize()].Success)
}

func TestWarmItemTimeout(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig()
	config.Warming.InterBatchDelay = 0
	config.Warming.ItemTimeout = 50 * time.Millisecond
	warmer, ops := newTestWarmer(t, config)

	key := NewKey("slow", "1")
	result, err := warmer.Warm(ctx, []WarmingJob{
		{Key: key, Producer: func(ctx context.Context) (interface{}, error) {
			time.Sleep(200 * time.Millisecond)
			return "late", nil
		}},
	}, true)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Report.Summary.Failed)
	assert.Contains(t, result.Report.Errors[key.Normalize()], "deadline")
	assert.False(t, ops.Has(ctx, key))
}

func TestWarmRecoversProducerPanic(t *testing.T) {
	ctx := context.Background()
	warmer, _ := newTestWarmer(t, nil)

	key := NewKey("panicky", "1")
	result, err := warmer.Warm(ctx, []WarmingJob{
		{Key: key, Producer: func(ctx context.Context) (interface{}, error) {
			panic("boom")
		}},
	}, true)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Report.Summary.Failed)
	assert.Contains(t, result.Report.Errors[key.Normalize()], "boom")
}

func TestWarmBatching(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig()
	config.Warming.BatchSize = 2
	config.Warming.InterBatchDelay = 0
	warmer, _ := newTestWarmer(t, config)

	jobs := make([]WarmingJob, 0, 5)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		jobs = append(jobs, WarmingJob{Key: NewKey("users", id), Producer: staticProducer(id)})
	}

	result, err := warmer.Warm(ctx, jobs, true)
	require.NoError(t, err)

	require.Len(t, result.Report.Performance, 3)
	assert.Equal(t, 2, result.Report.Performance[0].Items)
	assert.Equal(t, 2, result.Report.Performance[1].Items)
	assert.Equal(t, 1, result.Report.Performance[2].Items)
	assert.Equal(t, 5, result.Report.Summary.Successful)
}

func TestWarmDeduplicatesByNormalizedKey(t *testing.T) {
	ctx := context.Background()
	warmer, ops := newTestWarmer(t, nil)

	// Two jobs for the same logical entry collapse to one; the last
	// submitted wins and the summary counts stay consistent with the
	// details.
	jobs := []WarmingJob{
		{Key: NewKey("users", "1", "a"), Producer: staticProducer("first")},
		{Key: NewKey("users", "1", "b"), Producer: staticProducer("second")},
	}

	result, err := warmer.Warm(ctx, jobs, true)
	require.NoError(t, err)

	summary := result.Report.Summary
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 100.0, summary.SuccessRate)
	assert.Len(t, result.Report.Details, 1)

	assert.Equal(t, "second", ops.Get(ctx, NewKey("users", "1"), nil))
}

func TestWarmTargetsRequestedLevels(t *testing.T) {
	ctx := context.Background()
	warmer, ops := newTestWarmer(t, nil)
	key := NewKey("users", "1")

	_, err := warmer.Warm(ctx, []WarmingJob{{Key: key, Producer: staticProducer("v")}}, false, LevelMemory)
	require.NoError(t, err)

	assert.True(t, ops.Has(ctx, key, LevelMemory))
	assert.False(t, ops.Has(ctx, key, LevelRequest))
	assert.False(t, ops.Has(ctx, key, LevelDatabase))
}

func TestScheduledWarmer(t *testing.T) {
	ctx := context.Background()
	warmer, ops := newTestWarmer(t, nil)
	key := NewKey("users", "1")

	var runs atomic.Int64
	sw := NewScheduledWarmer(warmer, []WarmingJob{
		{Key: key, Producer: func(ctx context.Context) (interface{}, error) {
			runs.Add(1)
			return "v", nil
		}},
	}, time.Hour, observability.NewNoopLogger())

	sw.Start(ctx)
	defer sw.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, ops.Has(ctx, key))

	sw.Stop()
	// Stop is idempotent.
	sw.Stop()
}
