package cache

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tiercache/tiercache/pkg/observability"
)

// StatisticsService aggregates the operation counters into hit ratios,
// response-time averages, efficiency scoring, and size reporting. It holds
// no state of its own: the OperationService owns every counter it reads.
type StatisticsService struct {
	ops    *OperationService
	logger observability.Logger
	clock  clock.Clock
}

// NewStatisticsService creates the statistics aggregator.
func NewStatisticsService(ops *OperationService, logger observability.Logger, clk clock.Clock) *StatisticsService {
	if logger == nil {
		logger = observability.NewLogger("cache.statistics")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &StatisticsService{ops: ops, logger: logger, clock: clk}
}

// LevelStats are the per-level numbers inside a snapshot.
type LevelStats struct {
	Hits                int64   `json:"hits"`
	Misses              int64   `json:"misses"`
	Puts                int64   `json:"puts"`
	Deletes             int64   `json:"deletes"`
	HitRatio            float64 `json:"hit_ratio"`
	AverageResponseTime float64 `json:"average_response_time"`
	Enabled             bool    `json:"enabled"`
}

// StatisticsSnapshot is the aggregated view returned by Stats.
type StatisticsSnapshot struct {
	Hits                int64                 `json:"hits"`
	Misses              int64                 `json:"misses"`
	Puts                int64                 `json:"puts"`
	Deletes             int64                 `json:"deletes"`
	HitRatio            float64               `json:"hit_ratio"`
	AverageResponseTime float64               `json:"average_response_time"`
	OperationsPerSecond float64               `json:"operations_per_second"`
	CacheEfficiency     float64               `json:"cache_efficiency"`
	UptimeSeconds       float64               `json:"uptime_seconds"`
	Levels              map[string]LevelStats `json:"levels"`
	Timestamp           time.Time             `json:"timestamp"`
}

// HitRatio returns hits/(hits+misses)*100 across the given levels (all
// levels when empty), 0 when nothing has been recorded.
func (s *StatisticsService) HitRatio(levels ...Level) float64 {
	hits, misses := s.hitsAndMisses(levels)
	total := hits + misses
	if total == 0 {
		return 0
	}
	return round2(float64(hits) / float64(total) * 100)
}

// hitsAndMisses sums the hit and miss counters over the target levels.
func (s *StatisticsService) hitsAndMisses(levels []Level) (int64, int64) {
	targets := levels
	if len(targets) == 0 {
		targets = AllLevels()
	}

	counters := s.ops.Snapshot()
	var hits, misses int64
	for _, level := range targets {
		c := counters[level]
		hits += c.Hits
		misses += c.Misses
	}
	return hits, misses
}

// AverageResponseTime returns the mean of the retained response-time
// samples in seconds across the given levels, rounded to 3 decimals.
func (s *StatisticsService) AverageResponseTime(levels ...Level) float64 {
	targets := levels
	if len(targets) == 0 {
		targets = AllLevels()
	}

	var weighted float64
	var count int
	for _, level := range targets {
		n := s.ops.SampleCount(level)
		if n == 0 {
			continue
		}
		weighted += s.ops.MeanResponseTime(level) * float64(n)
		count += n
	}
	if count == 0 {
		return 0
	}
	return round3(weighted / float64(count))
}

// Stats builds the full snapshot: totals, hit ratio, response times,
// operations per second, and the composite efficiency score
// (0.7*hitRatio + 0.3*responseTimeScore).
func (s *StatisticsService) Stats(levels ...Level) StatisticsSnapshot {
	targets := levels
	if len(targets) == 0 {
		targets = AllLevels()
	}

	snapshot := StatisticsSnapshot{
		Levels:    make(map[string]LevelStats, len(targets)),
		Timestamp: s.clock.Now(),
	}

	counters := s.ops.Snapshot()
	for _, level := range targets {
		c := counters[level]
		levelTotal := c.Hits + c.Misses
		levelRatio := 0.0
		if levelTotal > 0 {
			levelRatio = round2(float64(c.Hits) / float64(levelTotal) * 100)
		}
		snapshot.Levels[level.String()] = LevelStats{
			Hits:                c.Hits,
			Misses:              c.Misses,
			Puts:                c.Puts,
			Deletes:             c.Deletes,
			HitRatio:            levelRatio,
			AverageResponseTime: round3(s.ops.MeanResponseTime(level)),
			Enabled:             s.ops.LevelEnabled(level),
		}

		snapshot.Hits += c.Hits
		snapshot.Misses += c.Misses
		snapshot.Puts += c.Puts
		snapshot.Deletes += c.Deletes
	}

	snapshot.HitRatio = s.HitRatio(targets...)
	snapshot.AverageResponseTime = s.AverageResponseTime(targets...)

	uptime := s.clock.Now().Sub(s.ops.StartedAt()).Seconds()
	snapshot.UptimeSeconds = round2(uptime)
	totalOps := snapshot.Hits + snapshot.Misses + snapshot.Puts + snapshot.Deletes
	if uptime > 0 {
		snapshot.OperationsPerSecond = round2(float64(totalOps) / uptime)
	}

	snapshot.CacheEfficiency = round2(efficiencyScore(snapshot.HitRatio, snapshot.AverageResponseTime))

	return snapshot
}

// efficiencyScore combines the hit ratio with a response-time score that
// loses 10 points per millisecond of average latency.
func efficiencyScore(hitRatio, avgResponseSeconds float64) float64 {
	responseScore := math.Max(0, 100-avgResponseSeconds*1000*10)
	return 0.7*hitRatio + 0.3*responseScore
}

// LevelSize reports a level's usage.
type LevelSize struct {
	Entries   int     `json:"entries"`
	SizeBytes int64   `json:"size_bytes"`
	HitRatio  float64 `json:"hit_ratio"`
}

// SizeReport is the per-level size breakdown plus system-wide totals and
// recommendations.
type SizeReport struct {
	Levels          map[string]LevelSize `json:"levels"`
	TotalEntries    int                  `json:"total_entries"`
	TotalSizeBytes  int64                `json:"total_size_bytes"`
	Recommendations []string             `json:"recommendations"`
	Timestamp       time.Time            `json:"timestamp"`
}

// Size gathers per-level entry counts and byte estimates. Store failures
// are logged and surface as zero usage for that level.
func (s *StatisticsService) Size(ctx context.Context, levels ...Level) SizeReport {
	targets := levels
	if len(targets) == 0 {
		targets = AllLevels()
	}

	report := SizeReport{
		Levels:    make(map[string]LevelSize, len(targets)),
		Timestamp: s.clock.Now(),
	}

	counters := s.ops.Snapshot()
	var largestLevel, fullestLevel string
	var largestBytes int64
	var mostEntries int

	for _, level := range targets {
		repo, ok := s.ops.Repository(level)
		if !ok {
			continue
		}

		entries, err := repo.Count(ctx)
		if err != nil {
			s.logger.Warn("failed to count cache level", map[string]interface{}{
				"level": level.String(),
				"error": err.Error(),
			})
		}
		size, err := repo.SizeBytes(ctx)
		if err != nil {
			s.logger.Warn("failed to size cache level", map[string]interface{}{
				"level": level.String(),
				"error": err.Error(),
			})
		}

		c := counters[level]
		ratio := 0.0
		if total := c.Hits + c.Misses; total > 0 {
			ratio = round2(float64(c.Hits) / float64(total) * 100)
		}

		report.Levels[level.String()] = LevelSize{
			Entries:   entries,
			SizeBytes: size,
			HitRatio:  ratio,
		}
		report.TotalEntries += entries
		report.TotalSizeBytes += size

		if size > largestBytes {
			largestBytes = size
			largestLevel = level.String()
		}
		if entries > mostEntries {
			mostEntries = entries
			fullestLevel = level.String()
		}
	}

	if largestLevel != "" {
		report.Recommendations = append(report.Recommendations,
			"largest level by bytes: "+largestLevel)
	}
	if fullestLevel != "" {
		report.Recommendations = append(report.Recommendations,
			"most entries: "+fullestLevel)
	}
	for name, ls := range report.Levels {
		if ls.Entries > 0 && ls.HitRatio < 50 {
			report.Recommendations = append(report.Recommendations,
				"low hit ratio at "+name+"; consider warming or a longer TTL")
		}
	}

	return report
}

// Reset zeroes the underlying counters.
func (s *StatisticsService) Reset() {
	s.ops.ResetStats()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
