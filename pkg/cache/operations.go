package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/tiercache/tiercache/pkg/cache/store"
	"github.com/tiercache/tiercache/pkg/observability"
)

// Producer computes a value on a cache miss. A nil result with a nil error
// means "no value": nothing is cached and the caller receives the default.
type Producer func(ctx context.Context) (interface{}, error)

// OperationService implements the primary get/put/add/remember/forget/has/
// flush operations with cross-level fallback and backfill. It owns the
// hit/miss/put/delete counters; StatisticsService only reads them.
type OperationService struct {
	mu      sync.RWMutex
	repos   map[Level]store.Repository
	enabled map[Level]bool

	// config is swapped wholesale on runtime reconfiguration; readers take
	// an immutable snapshot, so operations never observe a partial update.
	config atomic.Pointer[Config]

	counters map[Level]*levelCounters
	samples  map[Level]*sampleRing
	started  time.Time

	// addMu serializes Add so set-if-absent is atomic with respect to
	// other Add calls through this service.
	addMu sync.Mutex

	group   singleflight.Group
	logger  observability.Logger
	metrics observability.MetricsClient
	clock   clock.Clock
}

// levelCounters are the per-level operation counters. Incremented
// atomically; merged on read.
type levelCounters struct {
	hits    atomic.Int64
	misses  atomic.Int64
	puts    atomic.Int64
	deletes atomic.Int64
}

// sampleRing is a bounded, thread-safe ring of response-time samples in
// seconds.
type sampleRing struct {
	mu    sync.Mutex
	buf   []float64
	next  int
	count int
	sum   float64
}

func newSampleRing(size int) *sampleRing {
	if size <= 0 {
		size = 1000
	}
	return &sampleRing{buf: make([]float64, size)}
}

func (r *sampleRing) Add(seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.buf) {
		r.sum -= r.buf[r.next]
	} else {
		r.count++
	}
	r.buf[r.next] = seconds
	r.sum += seconds
	r.next = (r.next + 1) % len(r.buf)
}

func (r *sampleRing) Mean() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return 0
	}
	return r.sum / float64(r.count)
}

func (r *sampleRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *sampleRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next = 0
	r.count = 0
	r.sum = 0
}

// OperationOptions configures an OperationService.
type OperationOptions struct {
	Logger  observability.Logger
	Metrics observability.MetricsClient
	Clock   clock.Clock
}

// NewOperationService creates the operation service over the given level
// repositories. Levels without a repository are treated as disabled.
func NewOperationService(config *Config, repos map[Level]store.Repository, opts OperationOptions) *OperationService {
	if config == nil {
		config = DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger("cache.operations")
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetricsClient()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	s := &OperationService{
		repos:    repos,
		enabled:  make(map[Level]bool),
		counters: make(map[Level]*levelCounters),
		samples:  make(map[Level]*sampleRing),
		started:  opts.Clock.Now(),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
	}
	s.config.Store(config)

	for _, level := range AllLevels() {
		s.counters[level] = &levelCounters{}
		s.samples[level] = newSampleRing(config.Operations.ResponseTimeSamples)
		_, hasRepo := repos[level]
		s.enabled[level] = hasRepo && config.LevelConfigFor(level).Enabled
	}

	return s
}

// configSnapshot returns the current configuration. The snapshot is
// immutable: reconfiguration installs a fresh copy via storeConfig.
func (s *OperationService) configSnapshot() *Config {
	return s.config.Load()
}

// storeConfig atomically installs a new configuration. The caller must not
// mutate it afterwards.
func (s *OperationService) storeConfig(config *Config) {
	s.config.Store(config)
}

// ToggleLevel enables or disables a level at runtime. Returns false when
// the level has no repository to enable.
func (s *OperationService) ToggleLevel(level Level, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.repos[level]; !ok {
		return false
	}
	s.enabled[level] = enabled
	return true
}

// LevelEnabled reports whether a level currently serves traffic.
func (s *OperationService) LevelEnabled(level Level) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled[level]
}

// Repository returns the repository backing a level.
func (s *OperationService) Repository(level Level) (store.Repository, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	repo, ok := s.repos[level]
	return repo, ok
}

// targetLevels resolves the requested levels to the enabled ones in probe
// order. An empty request means every enabled level.
func (s *OperationService) targetLevels(levels []Level) []Level {
	s.mu.RLock()
	defer s.mu.RUnlock()

	requested := levels
	if len(requested) == 0 {
		requested = AllLevels()
	}

	targets := make([]Level, 0, len(requested))
	for _, level := range AllLevels() {
		for _, want := range requested {
			if level == want && s.enabled[level] {
				targets = append(targets, level)
				break
			}
		}
	}
	return targets
}

// Get probes the targeted levels fastest-first and returns the decoded
// value, backfilling faster levels on a slow-level hit. Misses and storage
// errors fall through to the default.
func (s *OperationService) Get(ctx context.Context, key Key, def interface{}, levels ...Level) interface{} {
	if err := key.Validate(); err != nil {
		s.logger.Warn("rejected cache get", map[string]interface{}{"key": key.String(), "error": err.Error()})
		return def
	}

	entry, _, found := s.lookup(ctx, key.Normalize(), s.targetLevels(levels))
	if !found {
		return def
	}

	var value interface{}
	if err := json.Unmarshal(entry.Value, &value); err != nil {
		s.logger.Error("failed to decode cache entry", map[string]interface{}{"key": key.String(), "error": err.Error()})
		return def
	}
	return value
}

// GetInto decodes the cached value into dest, returning whether it was
// found. dest must be a non-nil pointer.
func (s *OperationService) GetInto(ctx context.Context, key Key, dest interface{}, levels ...Level) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}

	entry, _, found := s.lookup(ctx, key.Normalize(), s.targetLevels(levels))
	if !found {
		return false, nil
	}

	if err := json.Unmarshal(entry.Value, dest); err != nil {
		return false, err
	}
	return true, nil
}

// lookup probes the target levels in order, recording counters and
// response-time samples, and backfills faster levels on a hit.
func (s *OperationService) lookup(ctx context.Context, normalized string, targets []Level) (store.Entry, Level, bool) {
	for i, level := range targets {
		repo, ok := s.Repository(level)
		if !ok {
			continue
		}

		start := s.clock.Now()
		entry, err := repo.Get(ctx, normalized)
		elapsed := s.clock.Now().Sub(start)
		s.samples[level].Add(elapsed.Seconds())

		if err != nil {
			if err != store.ErrNotFound {
				// Storage failure degrades to a miss at this level.
				s.logger.Warn("cache level read failed", map[string]interface{}{
					"level": level.String(),
					"key":   normalized,
					"error": err.Error(),
				})
			}
			s.counters[level].misses.Add(1)
			s.metrics.RecordCacheOperation("get", false, elapsed.Seconds())
			continue
		}

		s.counters[level].hits.Add(1)
		s.metrics.RecordCacheOperation("get", true, elapsed.Seconds())

		if i > 0 {
			s.backfill(ctx, normalized, entry, targets[:i])
		}
		return entry, level, true
	}

	return store.Entry{}, 0, false
}

// backfill writes a slow-level hit into the faster levels that missed,
// carrying the remaining TTL so promotion never extends an entry's life.
func (s *OperationService) backfill(ctx context.Context, normalized string, entry store.Entry, faster []Level) {
	now := s.clock.Now()
	if !entry.ExpiresAt.IsZero() && entry.RemainingTTL(now) <= 0 {
		return
	}
	config := s.configSnapshot()

	for _, level := range faster {
		repo, ok := s.Repository(level)
		if !ok {
			continue
		}

		promoted := entry
		if !entry.ExpiresAt.IsZero() {
			// Clamp to the faster level's ceiling without extending
			// past the original expiry.
			clamped := config.ClampTTL(level, entry.RemainingTTL(now))
			expiry := now.Add(clamped)
			if expiry.After(entry.ExpiresAt) {
				expiry = entry.ExpiresAt
			}
			promoted.ExpiresAt = expiry
		}

		if err := repo.Put(ctx, normalized, promoted); err != nil {
			s.logger.Warn("cache backfill failed", map[string]interface{}{
				"level": level.String(),
				"key":   normalized,
				"error": err.Error(),
			})
			continue
		}
		s.counters[level].puts.Add(1)
	}
}

// Put stores a value at the targeted levels with the clamped TTL. Returns
// true only when every targeted write succeeded; failures are logged and
// never raised, so callers can treat caching as best-effort.
func (s *OperationService) Put(ctx context.Context, key Key, value interface{}, ttl time.Duration, levels ...Level) bool {
	return s.put(ctx, key, value, ttl, false, levels)
}

func (s *OperationService) put(ctx context.Context, key Key, value interface{}, ttl time.Duration, forever bool, levels []Level) bool {
	if err := key.Validate(); err != nil {
		s.logger.Warn("rejected cache put", map[string]interface{}{"key": key.String(), "error": err.Error()})
		return false
	}
	if ttl < 0 {
		s.logger.Warn("rejected cache put", map[string]interface{}{"key": key.String(), "error": "negative ttl"})
		return false
	}

	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Error("failed to encode cache value", map[string]interface{}{"key": key.String(), "error": err.Error()})
		return false
	}

	normalized := key.Normalize()
	tags := key.NormalizedTags()
	config := s.configSnapshot()
	success := true

	for _, level := range s.targetLevels(levels) {
		repo, ok := s.Repository(level)
		if !ok {
			continue
		}

		now := s.clock.Now()
		entry := store.Entry{
			Value:    data,
			StoredAt: now,
			Tags:     tags,
		}
		if !forever {
			entry.ExpiresAt = now.Add(config.ClampTTL(level, ttl))
		}

		start := s.clock.Now()
		err := repo.Put(ctx, normalized, entry)
		elapsed := s.clock.Now().Sub(start)
		s.samples[level].Add(elapsed.Seconds())
		s.metrics.RecordCacheOperation("put", err == nil, elapsed.Seconds())

		if err != nil {
			s.logger.Warn("cache level write failed", map[string]interface{}{
				"level": level.String(),
				"key":   normalized,
				"error": err.Error(),
			})
			success = false
			continue
		}
		s.counters[level].puts.Add(1)
	}

	return success
}

// Add stores the value only if the key is absent from every targeted
// level. Returns false without writing when it exists anywhere.
func (s *OperationService) Add(ctx context.Context, key Key, value interface{}, ttl time.Duration, levels ...Level) bool {
	if err := key.Validate(); err != nil {
		return false
	}

	s.addMu.Lock()
	defer s.addMu.Unlock()

	normalized := key.Normalize()
	for _, level := range s.targetLevels(levels) {
		repo, ok := s.Repository(level)
		if !ok {
			continue
		}
		exists, err := repo.Has(ctx, normalized)
		if err != nil {
			s.logger.Warn("cache existence check failed", map[string]interface{}{
				"level": level.String(),
				"key":   normalized,
				"error": err.Error(),
			})
			continue
		}
		if exists {
			return false
		}
	}

	return s.put(ctx, key, value, ttl, false, levels)
}

// Remember returns the cached value or invokes the producer on a total
// miss, storing the result at every targeted level. Producer errors
// propagate: they are the caller's computation failing, not the cache.
func (s *OperationService) Remember(ctx context.Context, key Key, ttl time.Duration, producer Producer, levels ...Level) (interface{}, error) {
	return s.remember(ctx, key, ttl, producer, false, levels)
}

// RememberForever behaves like Remember but stores without expiry.
func (s *OperationService) RememberForever(ctx context.Context, key Key, producer Producer, levels ...Level) (interface{}, error) {
	return s.remember(ctx, key, 0, producer, true, levels)
}

func (s *OperationService) remember(ctx context.Context, key Key, ttl time.Duration, producer Producer, forever bool, levels []Level) (interface{}, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if ttl < 0 {
		return nil, ValidationError{Field: "ttl", Message: "must not be negative"}
	}

	normalized := key.Normalize()
	if entry, _, found := s.lookup(ctx, normalized, s.targetLevels(levels)); found {
		var value interface{}
		if err := json.Unmarshal(entry.Value, &value); err == nil {
			return value, nil
		}
		// An undecodable entry falls through to recompute.
	}

	produce := func() (interface{}, error) {
		value, err := producer(ctx)
		if err != nil {
			return nil, ProducerError{Key: normalized, Err: err}
		}
		if value == nil {
			// Explicit absence: do not cache, distinguish from a miss.
			return nil, nil
		}
		s.put(ctx, key, value, ttl, forever, levels)
		return value, nil
	}

	if s.configSnapshot().Operations.CoalesceRemember {
		value, err, _ := s.group.Do(normalized, produce)
		return value, err
	}
	return produce()
}

// Forget removes the key from the targeted levels. Returns true only when
// every targeted delete succeeded.
func (s *OperationService) Forget(ctx context.Context, key Key, levels ...Level) bool {
	if err := key.Validate(); err != nil {
		return false
	}
	return s.forgetNormalized(ctx, key.Normalize(), levels)
}

// forgetNormalized deletes an already-normalized key; the invalidation
// service uses it for keys recovered from store scans.
func (s *OperationService) forgetNormalized(ctx context.Context, normalized string, levels []Level) bool {
	success := true
	for _, level := range s.targetLevels(levels) {
		repo, ok := s.Repository(level)
		if !ok {
			continue
		}

		start := s.clock.Now()
		err := repo.Forget(ctx, normalized)
		elapsed := s.clock.Now().Sub(start)
		s.metrics.RecordCacheOperation("forget", err == nil, elapsed.Seconds())

		if err != nil {
			s.logger.Warn("cache level delete failed", map[string]interface{}{
				"level": level.String(),
				"key":   normalized,
				"error": err.Error(),
			})
			success = false
			continue
		}
		s.counters[level].deletes.Add(1)
	}
	return success
}

// Has reports whether a live entry exists at any targeted level.
func (s *OperationService) Has(ctx context.Context, key Key, levels ...Level) bool {
	if err := key.Validate(); err != nil {
		return false
	}

	normalized := key.Normalize()
	for _, level := range s.targetLevels(levels) {
		repo, ok := s.Repository(level)
		if !ok {
			continue
		}
		exists, err := repo.Has(ctx, normalized)
		if err != nil {
			continue
		}
		if exists {
			return true
		}
	}
	return false
}

// Flush clears the targeted levels. Returns true only when every targeted
// flush succeeded.
func (s *OperationService) Flush(ctx context.Context, levels ...Level) bool {
	success := true
	for _, level := range s.targetLevels(levels) {
		repo, ok := s.Repository(level)
		if !ok {
			continue
		}
		if err := repo.Flush(ctx); err != nil {
			s.logger.Warn("cache level flush failed", map[string]interface{}{
				"level": level.String(),
				"error": err.Error(),
			})
			success = false
		}
	}
	return success
}

// CounterSnapshot is a point-in-time copy of one level's counters.
type CounterSnapshot struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Puts    int64 `json:"puts"`
	Deletes int64 `json:"deletes"`
}

// Snapshot returns per-level counter copies for the statistics service.
func (s *OperationService) Snapshot() map[Level]CounterSnapshot {
	snapshot := make(map[Level]CounterSnapshot, len(s.counters))
	for level, c := range s.counters {
		snapshot[level] = CounterSnapshot{
			Hits:    c.hits.Load(),
			Misses:  c.misses.Load(),
			Puts:    c.puts.Load(),
			Deletes: c.deletes.Load(),
		}
	}
	return snapshot
}

// MeanResponseTime returns the mean response time in seconds for a level,
// zero without samples.
func (s *OperationService) MeanResponseTime(level Level) float64 {
	return s.samples[level].Mean()
}

// SampleCount returns the number of retained samples for a level.
func (s *OperationService) SampleCount(level Level) int {
	return s.samples[level].Len()
}

// StartedAt returns when the counters began accumulating.
func (s *OperationService) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// ResetStats zeroes every counter and sample ring.
func (s *OperationService) ResetStats() {
	for _, c := range s.counters {
		c.hits.Store(0)
		c.misses.Store(0)
		c.puts.Store(0)
		c.deletes.Store(0)
	}
	for _, ring := range s.samples {
		ring.Reset()
	}
	s.mu.Lock()
	s.started = s.clock.Now()
	s.mu.Unlock()
}

// Close closes every repository.
func (s *OperationService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, repo := range s.repos {
		if err := repo.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
