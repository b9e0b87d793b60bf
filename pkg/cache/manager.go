package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"

	"github.com/tiercache/tiercache/pkg/cache/store"
	"github.com/tiercache/tiercache/pkg/observability"
)

// Manager is the single entry point over the level repositories and the
// operation, statistics, invalidation, warming, and validation services.
type Manager struct {
	ops    *OperationService
	stats  *StatisticsService
	inval  *InvalidationService
	warmer *WarmingService
	valid  *ValidationService

	// configMu serializes UpdateConfiguration; readers take lock-free
	// snapshots through the operation service.
	configMu sync.Mutex

	logger observability.Logger
	clock  clock.Clock
}

// ManagerOptions configures a Manager beyond its repositories.
type ManagerOptions struct {
	Config  *Config
	Logger  observability.Logger
	Metrics observability.MetricsClient
	Clock   clock.Clock
}

// NewManager wires a manager over explicit level repositories. Levels
// without a repository are disabled.
func NewManager(repos map[Level]store.Repository, opts ManagerOptions) (*Manager, error) {
	if len(repos) == 0 {
		return nil, fmt.Errorf("at least one level repository is required")
	}

	config := opts.Config
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger("cache")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	ops := NewOperationService(config, repos, OperationOptions{
		Logger:  logger.WithPrefix("operations"),
		Metrics: opts.Metrics,
		Clock:   clk,
	})
	stats := NewStatisticsService(ops, logger.WithPrefix("statistics"), clk)

	m := &Manager{
		ops:    ops,
		stats:  stats,
		inval:  NewInvalidationService(ops, logger.WithPrefix("invalidation")),
		warmer: NewWarmingService(ops, logger.WithPrefix("warmer"), clk),
		valid:  NewValidationService(ops, stats, logger.WithPrefix("validation"), clk),
		logger: logger,
		clock:  clk,
	}
	return m, nil
}

// SQLBackend names the database-level connection for NewDefault.
type SQLBackend struct {
	// Driver is the database/sql driver name, e.g. "postgres".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// Table overrides the cache table name when set.
	Table string `mapstructure:"table"`
}

// ManagerBackends selects the optional slower-level backends for NewDefault.
type ManagerBackends struct {
	// Redis backs the memory level when set; a plain in-process LRU
	// otherwise.
	Redis *store.RedisConfig
	// SQL backs the database level when set; the level is disabled
	// otherwise.
	SQL *SQLBackend
	// Breaker tunes the circuit breakers around the remote stores.
	Breaker store.BreakerConfig

	// MemoryMaxEntries bounds the in-process LRU when Redis is not used.
	MemoryMaxEntries int
}

// NewDefault builds a manager with the standard level wiring: an in-process
// request store, Redis or LRU for the memory level, and SQL for the
// database level when configured. Remote stores are wrapped in circuit
// breakers.
func NewDefault(ctx context.Context, backends ManagerBackends, opts ManagerOptions) (*Manager, error) {
	repos := map[Level]store.Repository{
		LevelRequest: store.NewRequest(),
	}

	if backends.Redis != nil {
		redis, err := store.NewRedis(*backends.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect memory level: %w", err)
		}
		repos[LevelMemory] = store.NewBreaker(redis, backends.Breaker)
	} else {
		memory, err := store.NewMemoryWithOptions(store.MemoryOptions{MaxEntries: backends.MemoryMaxEntries})
		if err != nil {
			return nil, err
		}
		repos[LevelMemory] = memory
	}

	if backends.SQL != nil {
		db, err := sqlx.ConnectContext(ctx, backends.SQL.Driver, backends.SQL.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect database level: %w", err)
		}
		sqlStore, err := store.NewSQLWithOptions(db, store.SQLOptions{Table: backends.SQL.Table})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		repos[LevelDatabase] = store.NewBreaker(sqlStore, backends.Breaker)
	}

	return NewManager(repos, opts)
}

// Get returns the cached value or def on a miss.
func (m *Manager) Get(ctx context.Context, key Key, def interface{}, levels ...Level) interface{} {
	return m.ops.Get(ctx, key, def, levels...)
}

// GetInto decodes the cached value into dest, reporting whether it existed.
func (m *Manager) GetInto(ctx context.Context, key Key, dest interface{}, levels ...Level) (bool, error) {
	return m.ops.GetInto(ctx, key, dest, levels...)
}

// Put stores a value with the given TTL (level defaults when zero).
func (m *Manager) Put(ctx context.Context, key Key, value interface{}, ttl time.Duration, levels ...Level) bool {
	return m.ops.Put(ctx, key, value, ttl, levels...)
}

// Add stores the value only when the key is absent everywhere targeted.
func (m *Manager) Add(ctx context.Context, key Key, value interface{}, ttl time.Duration, levels ...Level) bool {
	return m.ops.Add(ctx, key, value, ttl, levels...)
}

// Remember returns the cached value or computes and caches it.
func (m *Manager) Remember(ctx context.Context, key Key, ttl time.Duration, producer Producer, levels ...Level) (interface{}, error) {
	return m.ops.Remember(ctx, key, ttl, producer, levels...)
}

// RememberForever is Remember without expiry.
func (m *Manager) RememberForever(ctx context.Context, key Key, producer Producer, levels ...Level) (interface{}, error) {
	return m.ops.RememberForever(ctx, key, producer, levels...)
}

// Forget removes the key and its dependents from the targeted levels.
func (m *Manager) Forget(ctx context.Context, key Key, levels ...Level) bool {
	return m.inval.Invalidate(ctx, key, levels...)
}

// Has reports whether a live entry exists at any targeted level.
func (m *Manager) Has(ctx context.Context, key Key, levels ...Level) bool {
	return m.ops.Has(ctx, key, levels...)
}

// Flush clears the targeted levels.
func (m *Manager) Flush(ctx context.Context, levels ...Level) bool {
	return m.ops.Flush(ctx, levels...)
}

// InvalidateByTags removes entries carrying any of the tags from levels
// that support tagging.
func (m *Manager) InvalidateByTags(ctx context.Context, tags []string, levels ...Level) bool {
	return m.inval.InvalidateByTags(ctx, tags, levels...)
}

// InvalidateByPattern removes entries whose normalized key matches the
// glob pattern.
func (m *Manager) InvalidateByPattern(ctx context.Context, pattern string, levels ...Level) bool {
	return m.inval.InvalidateByPattern(ctx, pattern, levels...)
}

// RegisterDependency records that dependent is invalidated whenever parent
// is.
func (m *Manager) RegisterDependency(parent, dependent Key) {
	m.inval.RegisterDependency(parent, dependent)
}

// UnregisterDependency removes a dependency edge.
func (m *Manager) UnregisterDependency(parent, dependent Key) {
	m.inval.UnregisterDependency(parent, dependent)
}

// Warm runs the warmers in batches and returns a compact or verbose result
// per the verbose flag.
func (m *Manager) Warm(ctx context.Context, jobs []WarmingJob, verbose bool, levels ...Level) (*WarmingResult, error) {
	return m.warmer.Warm(ctx, jobs, verbose, levels...)
}

// ScheduleWarming starts a background warmer rerunning the given set on an
// interval. Call Stop on the returned warmer to halt it.
func (m *Manager) ScheduleWarming(ctx context.Context, jobs []WarmingJob, interval time.Duration) *ScheduledWarmer {
	sw := NewScheduledWarmer(m.warmer, jobs, interval, m.logger.WithPrefix("scheduled_warmer"))
	sw.Start(ctx)
	return sw
}

// Stats returns the aggregated statistics snapshot.
func (m *Manager) Stats(levels ...Level) StatisticsSnapshot {
	return m.stats.Stats(levels...)
}

// HitRatio returns the hit ratio percentage across the given levels.
func (m *Manager) HitRatio(levels ...Level) float64 {
	return m.stats.HitRatio(levels...)
}

// AverageResponseTime returns the mean response time in seconds.
func (m *Manager) AverageResponseTime(levels ...Level) float64 {
	return m.stats.AverageResponseTime(levels...)
}

// Size reports per-level entry counts and byte usage.
func (m *Manager) Size(ctx context.Context, levels ...Level) SizeReport {
	return m.stats.Size(ctx, levels...)
}

// ResetStats zeroes every counter and response-time sample.
func (m *Manager) ResetStats() {
	m.stats.Reset()
}

// Validate runs the full SLA self-test.
func (m *Manager) Validate(ctx context.Context) *ValidationReport {
	return m.valid.ValidateAll(ctx)
}

// ManageCapacity runs capacity checks and the cleanup they prescribe.
func (m *Manager) ManageCapacity(ctx context.Context) map[string]string {
	return m.valid.ManageCapacity(ctx)
}

// ToggleLevel enables or disables a level at runtime.
func (m *Manager) ToggleLevel(level Level, enabled bool) bool {
	return m.ops.ToggleLevel(level, enabled)
}

// LevelEnabled reports whether a level currently serves traffic.
func (m *Manager) LevelEnabled(level Level) bool {
	return m.ops.LevelEnabled(level)
}

// Configuration returns the effective per-level settings for inspection.
func (m *Manager) Configuration() map[string]interface{} {
	config := m.ops.configSnapshot()

	levels := make(map[string]interface{}, len(AllLevels()))
	for _, level := range AllLevels() {
		caps := level.Capabilities()
		lc := config.LevelConfigFor(level)

		defaultTTL := caps.DefaultTTL
		if lc.DefaultTTL > 0 {
			defaultTTL = lc.DefaultTTL
		}
		maxTTL := caps.MaxTTL
		if lc.MaxTTL > 0 {
			maxTTL = lc.MaxTTL
		}

		levels[level.String()] = map[string]interface{}{
			"enabled":                   m.ops.LevelEnabled(level),
			"default_ttl":               defaultTTL.String(),
			"max_ttl":                   maxTTL.String(),
			"capacity_budget":           lc.CapacityBudget,
			"expected_latency":          caps.ExpectedLatency.String(),
			"supports_tagging":          caps.SupportsTagging,
			"supports_distribution":     caps.SupportsDistribution,
			"supports_pattern_matching": caps.SupportsPatternMatching,
		}
	}

	return map[string]interface{}{
		"levels": levels,
		"warming": map[string]interface{}{
			"batch_size":        config.Warming.BatchSize,
			"inter_batch_delay": config.Warming.InterBatchDelay.String(),
			"item_timeout":      config.Warming.ItemTimeout.String(),
			"concurrency":       config.Warming.Concurrency,
		},
		"validation": map[string]interface{}{
			"target_rpm":       config.Validation.TargetRPM,
			"target_hit_ratio": config.Validation.TargetHitRatio,
		},
	}
}

// UpdateConfiguration applies runtime-tunable settings. Unknown keys are
// rejected so typos never silently no-op. Supported keys:
// "levels.<name>.enabled", "levels.<name>.default_ttl",
// "levels.<name>.max_ttl", "warming.batch_size",
// "warming.inter_batch_delay", "validation.target_rpm",
// "validation.target_hit_ratio".
//
// Updates are applied to a copy and installed atomically, so a rejected
// key leaves the running configuration untouched and concurrent operations
// never observe a half-applied batch.
func (m *Manager) UpdateConfiguration(updates map[string]interface{}) error {
	m.configMu.Lock()
	defer m.configMu.Unlock()

	config := m.ops.configSnapshot().Clone()
	toggles := make(map[Level]bool)
	for key, raw := range updates {
		if err := applyConfigUpdate(config, toggles, key, raw); err != nil {
			return err
		}
	}

	m.ops.storeConfig(config)
	for level, enabled := range toggles {
		m.ops.ToggleLevel(level, enabled)
	}
	return nil
}

func applyConfigUpdate(config *Config, toggles map[Level]bool, key string, raw interface{}) error {
	switch key {
	case "warming.batch_size":
		n, err := toInt(raw)
		if err != nil || n <= 0 {
			return ValidationError{Field: key, Message: "must be a positive integer"}
		}
		config.Warming.BatchSize = n
		return nil
	case "warming.inter_batch_delay":
		d, err := toDuration(raw)
		if err != nil || d < 0 {
			return ValidationError{Field: key, Message: "must be a non-negative duration"}
		}
		config.Warming.InterBatchDelay = d
		return nil
	case "validation.target_rpm":
		n, err := toInt(raw)
		if err != nil || n <= 0 {
			return ValidationError{Field: key, Message: "must be a positive integer"}
		}
		config.Validation.TargetRPM = n
		return nil
	case "validation.target_hit_ratio":
		f, err := toFloat(raw)
		if err != nil || f <= 0 || f > 100 {
			return ValidationError{Field: key, Message: "must be a percentage in (0, 100]"}
		}
		config.Validation.TargetHitRatio = f
		return nil
	}

	parts := strings.SplitN(key, ".", 3)
	if len(parts) != 3 || parts[0] != "levels" {
		return ValidationError{Field: key, Message: "unknown configuration key"}
	}
	levelName, field := parts[1], parts[2]
	switch field {
	case "enabled", "default_ttl", "max_ttl":
	default:
		return ValidationError{Field: key, Message: "unknown configuration key"}
	}

	level, err := ParseLevel(levelName)
	if err != nil {
		return ValidationError{Field: key, Message: "unknown cache level"}
	}

	lc := config.Levels[level.String()]
	switch field {
	case "enabled":
		enabled, ok := raw.(bool)
		if !ok {
			return ValidationError{Field: key, Message: "must be a boolean"}
		}
		lc.Enabled = enabled
		toggles[level] = enabled
	case "default_ttl":
		d, err := toDuration(raw)
		if err != nil || d <= 0 {
			return ValidationError{Field: key, Message: "must be a positive duration"}
		}
		lc.DefaultTTL = d
	case "max_ttl":
		d, err := toDuration(raw)
		if err != nil || d <= 0 {
			return ValidationError{Field: key, Message: "must be a positive duration"}
		}
		lc.MaxTTL = d
	}

	if config.Levels == nil {
		config.Levels = make(map[string]LevelConfig)
	}
	config.Levels[level.String()] = lc
	return nil
}

// Maintenance runs the named operations ("cleanup" purges expired entries,
// "optimize" runs capacity management) and reports success per operation.
func (m *Manager) Maintenance(ctx context.Context, operations ...string) map[string]bool {
	if len(operations) == 0 {
		operations = []string{"cleanup", "optimize"}
	}

	results := make(map[string]bool, len(operations))
	for _, op := range operations {
		switch op {
		case "cleanup":
			ok := true
			for _, level := range AllLevels() {
				repo, has := m.ops.Repository(level)
				if !has {
					continue
				}
				purged, err := repo.Cleanup(ctx)
				if err != nil {
					m.logger.Warn("maintenance cleanup failed", map[string]interface{}{
						"level": level.String(),
						"error": err.Error(),
					})
					ok = false
					continue
				}
				if purged > 0 {
					m.logger.Info("purged expired cache entries", map[string]interface{}{
						"level": level.String(),
						"count": purged,
					})
				}
			}
			results[op] = ok
		case "optimize":
			actions := m.valid.ManageCapacity(ctx)
			ok := true
			for _, action := range actions {
				if action == "cleanup_failed" || action == "flush_failed" {
					ok = false
				}
			}
			results[op] = ok
		default:
			m.logger.Warn("unknown maintenance operation", map[string]interface{}{"operation": op})
			results[op] = false
		}
	}
	return results
}

// Close releases every repository.
func (m *Manager) Close() error {
	return m.ops.Close()
}

func toInt(raw interface{}) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	}
	return 0, fmt.Errorf("not an integer: %v", raw)
}

func toFloat(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return 0, fmt.Errorf("not a number: %v", raw)
}

func toDuration(raw interface{}) (time.Duration, error) {
	switch v := raw.(type) {
	case time.Duration:
		return v, nil
	case string:
		return time.ParseDuration(v)
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("not a duration: %v", raw)
}
