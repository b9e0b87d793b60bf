package cache

import (
	"context"
	"sync"

	"github.com/tiercache/tiercache/pkg/observability"
)

// InvalidationService removes entries by key, tag, or glob pattern across
// the levels that support it, cascading through an explicit dependency
// graph. Invalidation is fire-and-forget per level: one level failing
// never blocks the others.
type InvalidationService struct {
	ops    *OperationService
	logger observability.Logger

	mu         sync.RWMutex
	dependents map[string]map[string]struct{}
}

// NewInvalidationService creates the invalidation service.
func NewInvalidationService(ops *OperationService, logger observability.Logger) *InvalidationService {
	if logger == nil {
		logger = observability.NewLogger("cache.invalidation")
	}
	return &InvalidationService{
		ops:        ops,
		logger:     logger,
		dependents: make(map[string]map[string]struct{}),
	}
}

// RegisterDependency records that dependent must be invalidated whenever
// parent is. The graph is explicit: nothing is inferred from access
// patterns, and cycles are tolerated (traversal is visited-set guarded).
func (s *InvalidationService) RegisterDependency(parent, dependent Key) {
	p, d := parent.Normalize(), dependent.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dependents[p] == nil {
		s.dependents[p] = make(map[string]struct{})
	}
	s.dependents[p][d] = struct{}{}
}

// UnregisterDependency removes a dependency edge.
func (s *InvalidationService) UnregisterDependency(parent, dependent Key) {
	p, d := parent.Normalize(), dependent.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	if deps := s.dependents[p]; deps != nil {
		delete(deps, d)
		if len(deps) == 0 {
			delete(s.dependents, p)
		}
	}
}

// closure expands the given keys through the dependency graph, transitively
// and cycle-safe.
func (s *InvalidationService) closure(normalized []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	visited := make(map[string]struct{}, len(normalized))
	queue := append([]string(nil), normalized...)
	var all []string

	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		if _, seen := visited[key]; seen {
			continue
		}
		visited[key] = struct{}{}
		all = append(all, key)

		for dependent := range s.dependents[key] {
			queue = append(queue, dependent)
		}
	}
	return all
}

// Invalidate removes a key and everything depending on it from the
// targeted levels.
func (s *InvalidationService) Invalidate(ctx context.Context, key Key, levels ...Level) bool {
	if err := key.Validate(); err != nil {
		s.logger.Warn("rejected invalidation", map[string]interface{}{"key": key.String(), "error": err.Error()})
		return false
	}

	success := true
	for _, normalized := range s.closure([]string{key.Normalize()}) {
		if !s.ops.forgetNormalized(ctx, normalized, levels) {
			success = false
		}
	}
	return success
}

// InvalidateByTags removes every entry carrying any of the given tags from
// the levels that support tagging; levels without tagging support are
// silently skipped. Dependents of removed keys are cascaded at the same
// levels.
func (s *InvalidationService) InvalidateByTags(ctx context.Context, tags []string, levels ...Level) bool {
	success := true

	for _, level := range s.ops.targetLevels(levels) {
		if !level.Capabilities().SupportsTagging {
			continue
		}
		repo, ok := s.ops.Repository(level)
		if !ok {
			continue
		}

		for _, tag := range tags {
			keys, err := repo.KeysByTag(ctx, tag)
			if err != nil {
				s.logger.Error("tag scan failed", map[string]interface{}{
					"level": level.String(),
					"tag":   tag,
					"error": err.Error(),
				})
				success = false
				continue
			}
			if !s.removeAtLevel(ctx, level, keys) {
				success = false
			}
		}
	}

	return success
}

// InvalidateByPattern removes every entry whose normalized key matches the
// glob pattern, on the levels that support pattern matching.
func (s *InvalidationService) InvalidateByPattern(ctx context.Context, pattern string, levels ...Level) bool {
	if pattern == "" {
		s.logger.Warn("rejected invalidation", map[string]interface{}{"error": "empty pattern"})
		return false
	}

	success := true
	for _, level := range s.ops.targetLevels(levels) {
		if !level.Capabilities().SupportsPatternMatching {
			continue
		}
		repo, ok := s.ops.Repository(level)
		if !ok {
			continue
		}

		keys, err := repo.Scan(ctx, pattern)
		if err != nil {
			s.logger.Error("pattern scan failed", map[string]interface{}{
				"level":   level.String(),
				"pattern": pattern,
				"error":   err.Error(),
			})
			success = false
			continue
		}
		if !s.removeAtLevel(ctx, level, keys) {
			success = false
		}
	}

	return success
}

// removeAtLevel forgets the keys and their dependency closure at one level.
func (s *InvalidationService) removeAtLevel(ctx context.Context, level Level, keys []string) bool {
	success := true
	for _, normalized := range s.closure(keys) {
		if !s.ops.forgetNormalized(ctx, normalized, []Level{level}) {
			s.logger.Error("invalidation failed", map[string]interface{}{
				"level": level.String(),
				"key":   normalized,
			})
			success = false
		}
	}
	return success
}
