package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/tiercache/tiercache/pkg/observability"
)

// WarmItemStatus is the outcome of a single warming item.
type WarmItemStatus string

// Warming item outcomes.
const (
	WarmSuccessful WarmItemStatus = "successful"
	WarmFailed     WarmItemStatus = "failed"
	WarmSkipped    WarmItemStatus = "skipped"
)

// WarmingJob pairs a key with the producer that computes its value. Jobs
// sharing a normalized key collapse to one; the last submitted wins.
type WarmingJob struct {
	Key      Key
	Producer Producer
}

// WarmItemResult records one warmer's outcome.
type WarmItemResult struct {
	Key      string         `json:"key"`
	Status   WarmItemStatus `json:"status"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
	Levels   []string       `json:"levels"`
}

// CompactOutcome is the per-key entry of a non-verbose warming result.
type CompactOutcome struct {
	Success bool     `json:"success"`
	Levels  []string `json:"levels"`
}

// BatchPerformance tracks one batch's pacing.
type BatchPerformance struct {
	Batch           int     `json:"batch"`
	Items           int     `json:"items"`
	DurationSeconds float64 `json:"duration_seconds"`
	ItemsPerSecond  float64 `json:"items_per_second"`
}

// WarmingSummary aggregates a warming run.
type WarmingSummary struct {
	RunID           string  `json:"run_id"`
	Total           int     `json:"total"`
	Successful      int     `json:"successful"`
	Failed          int     `json:"failed"`
	Skipped         int     `json:"skipped"`
	SuccessRate     float64 `json:"success_rate"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// WarmingReport is the verbose warming result.
type WarmingReport struct {
	Summary     WarmingSummary            `json:"summary"`
	Details     map[string]WarmItemResult `json:"details"`
	Errors      map[string]string         `json:"errors"`
	Performance []BatchPerformance        `json:"performance"`
}

// WarmingResult is the caller-chosen result shape: Compact when verbose is
// false, Report when verbose is true. The shape is an explicit parameter,
// never inferred from the warmer set.
type WarmingResult struct {
	Compact map[string]CompactOutcome `json:"compact,omitempty"`
	Report  *WarmingReport            `json:"report,omitempty"`
}

// WarmingService proactively populates cache entries in bounded batches.
// Batches run sequentially with a fixed inter-batch pause for backpressure;
// items inside a batch run concurrently under a semaphore, each guarded by
// a per-item timeout. One failing warmer never aborts the rest.
type WarmingService struct {
	ops    *OperationService
	logger observability.Logger
	clock  clock.Clock
}

// NewWarmingService creates the warming service. Pacing comes from the
// operation service's configuration.
func NewWarmingService(ops *OperationService, logger observability.Logger, clk clock.Clock) *WarmingService {
	if logger == nil {
		logger = observability.NewLogger("cache.warmer")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &WarmingService{ops: ops, logger: logger, clock: clk}
}

// Warm runs every warmer and writes the produced values to the targeted
// levels. A producer returning nil marks its item skipped; an error or
// timeout marks it failed with the error recorded.
func (s *WarmingService) Warm(ctx context.Context, jobs []WarmingJob, verbose bool, levels ...Level) (*WarmingResult, error) {
	start := s.clock.Now()
	runID := uuid.NewString()
	warming := s.ops.configSnapshot().Warming

	targetNames := s.targetNames(levels)

	// Results are keyed by normalized key, so duplicate jobs for the same
	// entry collapse up front (last submitted wins) and the summary counts
	// stay consistent with the details. Batching is deterministic:
	// submission order must not decide which batch an item lands in.
	byKey := make(map[string]WarmingJob, len(jobs))
	for _, job := range jobs {
		byKey[job.Key.Normalize()] = job
	}
	items := make([]WarmingJob, 0, len(byKey))
	for _, job := range byKey {
		items = append(items, job)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Key.Normalize() < items[j].Key.Normalize()
	})

	report := &WarmingReport{
		Details: make(map[string]WarmItemResult, len(items)),
		Errors:  make(map[string]string),
	}
	var resultsMu sync.Mutex

	batchSize := warming.BatchSize
	concurrency := warming.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	batchIndex := 0
	for offset := 0; offset < len(items); offset += batchSize {
		end := offset + batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[offset:end]
		batchIndex++
		batchStart := s.clock.Now()

		var wg sync.WaitGroup
		sem := make(chan struct{}, concurrency)

		for _, item := range batch {
			wg.Add(1)
			go func(item WarmingJob) {
				defer wg.Done()

				sem <- struct{}{}
				defer func() { <-sem }()

				result := s.warmItem(ctx, item.Key, item.Producer, warming.ItemTimeout, targetNames, levels)

				resultsMu.Lock()
				report.Details[result.Key] = result
				if result.Error != "" {
					report.Errors[result.Key] = result.Error
				}
				resultsMu.Unlock()
			}(item)
		}
		wg.Wait()

		batchSeconds := s.clock.Now().Sub(batchStart).Seconds()
		perf := BatchPerformance{
			Batch:           batchIndex,
			Items:           len(batch),
			DurationSeconds: round3(batchSeconds),
		}
		if batchSeconds > 0 {
			perf.ItemsPerSecond = round2(float64(len(batch)) / batchSeconds)
		}
		report.Performance = append(report.Performance, perf)

		if end < len(items) && warming.InterBatchDelay > 0 {
			s.clock.Sleep(warming.InterBatchDelay)
		}
	}

	for _, result := range report.Details {
		switch result.Status {
		case WarmSuccessful:
			report.Summary.Successful++
		case WarmFailed:
			report.Summary.Failed++
		case WarmSkipped:
			report.Summary.Skipped++
		}
	}
	report.Summary.RunID = runID
	report.Summary.Total = len(items)
	report.Summary.DurationSeconds = round3(s.clock.Now().Sub(start).Seconds())
	if report.Summary.Total > 0 {
		report.Summary.SuccessRate = round2(float64(report.Summary.Successful) / float64(report.Summary.Total) * 100)
	}

	s.logger.Info("cache warming completed", map[string]interface{}{
		"run_id":           runID,
		"total":            report.Summary.Total,
		"successful":       report.Summary.Successful,
		"failed":           report.Summary.Failed,
		"skipped":          report.Summary.Skipped,
		"duration_seconds": report.Summary.DurationSeconds,
	})

	if verbose {
		return &WarmingResult{Report: report}, nil
	}

	compact := make(map[string]CompactOutcome, len(report.Details))
	for key, result := range report.Details {
		compact[key] = CompactOutcome{
			Success: result.Status == WarmSuccessful,
			Levels:  result.Levels,
		}
	}
	return &WarmingResult{Compact: compact}, nil
}

// warmItem executes one producer under the item timeout and writes the
// value through the operation service.
func (s *WarmingService) warmItem(ctx context.Context, key Key, producer Producer, timeout time.Duration, targetNames []string, levels []Level) WarmItemResult {
	start := s.clock.Now()
	result := WarmItemResult{
		Key:    key.Normalize(),
		Levels: targetNames,
	}

	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: ProducerError{Key: key.Normalize(), Err: panicError(r)}}
			}
		}()
		value, err := producer(itemCtx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case <-itemCtx.Done():
		result.Status = WarmFailed
		result.Error = itemCtx.Err().Error()
	case o := <-done:
		switch {
		case o.err != nil:
			result.Status = WarmFailed
			result.Error = o.err.Error()
		case o.value == nil:
			result.Status = WarmSkipped
		default:
			if !s.ops.Put(ctx, key, o.value, 0, levels...) {
				// The value was produced; a best-effort cache write
				// failing is logged, not counted against the warmer.
				s.logger.Warn("failed to cache warmed value", map[string]interface{}{
					"key": key.String(),
				})
			}
			result.Status = WarmSuccessful
		}
	}

	result.Duration = s.clock.Now().Sub(start)
	return result
}

func (s *WarmingService) targetNames(levels []Level) []string {
	targets := s.ops.targetLevels(levels)
	names := make([]string, 0, len(targets))
	for _, level := range targets {
		names = append(names, level.String())
	}
	return names
}

func panicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("panic in producer: %v", r)
}

// ScheduledWarmer reruns a fixed warmer set on an interval.
type ScheduledWarmer struct {
	warmer   *WarmingService
	jobs     []WarmingJob
	interval time.Duration
	logger   observability.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduledWarmer creates a scheduled warmer.
func NewScheduledWarmer(warmer *WarmingService, jobs []WarmingJob, interval time.Duration, logger observability.Logger) *ScheduledWarmer {
	if logger == nil {
		logger = observability.NewLogger("cache.scheduled_warmer")
	}
	return &ScheduledWarmer{
		warmer:   warmer,
		jobs:     jobs,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the warming loop. The first run happens immediately.
func (sw *ScheduledWarmer) Start(ctx context.Context) {
	sw.wg.Add(1)
	go func() {
		defer sw.wg.Done()

		sw.run(ctx)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sw.run(ctx)
			case <-ctx.Done():
				return
			case <-sw.stopCh:
				return
			}
		}
	}()
}

// Stop halts the warming loop and waits for it to finish.
func (sw *ScheduledWarmer) Stop() {
	sw.stopOnce.Do(func() { close(sw.stopCh) })
	sw.wg.Wait()
}

func (sw *ScheduledWarmer) run(ctx context.Context) {
	result, err := sw.warmer.Warm(ctx, sw.jobs, true)
	if err != nil {
		sw.logger.Error("scheduled warming failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for key, msg := range result.Report.Errors {
		sw.logger.Warn("failed to warm key", map[string]interface{}{"key": key, "error": msg})
	}
}
