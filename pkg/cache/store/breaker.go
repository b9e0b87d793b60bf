package store

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerStore wraps a Repository with a circuit breaker so a failing
// backing store sheds load quickly instead of timing out every operation.
// An open circuit surfaces as a storage error, which the orchestration
// layer already degrades to a per-level miss.
type BreakerStore struct {
	inner   Repository
	breaker *gobreaker.CircuitBreaker
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open. Defaults to 3.
	MaxRequests uint32 `mapstructure:"max_requests"`
	// Interval over which failure counts are accumulated. Defaults to 60s.
	Interval time.Duration `mapstructure:"interval"`
	// Timeout before an open circuit transitions to half-open. Defaults to 30s.
	Timeout time.Duration `mapstructure:"timeout"`
	// ConsecutiveFailures that trip the breaker. Defaults to 5.
	ConsecutiveFailures uint32 `mapstructure:"consecutive_failures"`
}

// NewBreaker wraps a repository with a circuit breaker.
func NewBreaker(inner Repository, cfg BreakerConfig) *BreakerStore {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 3
	}
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}

	settings := gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// A miss is a normal outcome, not a store failure.
			return err == nil || err == ErrNotFound
		},
	}

	return &BreakerStore{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Name identifies the repository
func (s *BreakerStore) Name() string {
	return s.inner.Name()
}

func (s *BreakerStore) execute(op func() (interface{}, error)) (interface{}, error) {
	return s.breaker.Execute(op)
}

// Get retrieves an entry through the breaker
func (s *BreakerStore) Get(ctx context.Context, key string) (Entry, error) {
	result, err := s.execute(func() (interface{}, error) {
		return s.inner.Get(ctx, key)
	})
	if err != nil {
		return Entry{}, err
	}
	return result.(Entry), nil
}

// Put stores an entry through the breaker
func (s *BreakerStore) Put(ctx context.Context, key string, entry Entry) error {
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.inner.Put(ctx, key, entry)
	})
	return err
}

// Forget removes an entry through the breaker
func (s *BreakerStore) Forget(ctx context.Context, key string) error {
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.inner.Forget(ctx, key)
	})
	return err
}

// Has checks existence through the breaker
func (s *BreakerStore) Has(ctx context.Context, key string) (bool, error) {
	result, err := s.execute(func() (interface{}, error) {
		return s.inner.Has(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// Flush clears the inner store through the breaker
func (s *BreakerStore) Flush(ctx context.Context) error {
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.inner.Flush(ctx)
	})
	return err
}

// Scan lists matching keys through the breaker
func (s *BreakerStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	result, err := s.execute(func() (interface{}, error) {
		return s.inner.Scan(ctx, pattern)
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

// KeysByTag lists tagged keys through the breaker
func (s *BreakerStore) KeysByTag(ctx context.Context, tag string) ([]string, error) {
	result, err := s.execute(func() (interface{}, error) {
		return s.inner.KeysByTag(ctx, tag)
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

// Count reports live entries through the breaker
func (s *BreakerStore) Count(ctx context.Context) (int, error) {
	result, err := s.execute(func() (interface{}, error) {
		return s.inner.Count(ctx)
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

// SizeBytes reports payload size through the breaker
func (s *BreakerStore) SizeBytes(ctx context.Context) (int64, error) {
	result, err := s.execute(func() (interface{}, error) {
		return s.inner.SizeBytes(ctx)
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// Cleanup purges expired entries through the breaker
func (s *BreakerStore) Cleanup(ctx context.Context) (int, error) {
	result, err := s.execute(func() (interface{}, error) {
		return s.inner.Cleanup(ctx)
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

// Close closes the inner store
func (s *BreakerStore) Close() error {
	return s.inner.Close()
}
