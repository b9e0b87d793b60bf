package cache

import (
	"fmt"
	"strings"
	"time"
)

// Level identifies a cache tier. Levels are ordered fastest to slowest;
// lookups always probe in ascending order.
type Level int

// Cache levels, fastest first.
const (
	LevelRequest Level = iota
	LevelMemory
	LevelDatabase
)

// AllLevels returns every level in probe order.
func AllLevels() []Level {
	return []Level{LevelRequest, LevelMemory, LevelDatabase}
}

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case LevelRequest:
		return "request"
	case LevelMemory:
		return "memory"
	case LevelDatabase:
		return "database"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel converts a config string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "request":
		return LevelRequest, nil
	case "memory":
		return LevelMemory, nil
	case "database":
		return LevelDatabase, nil
	default:
		return 0, ValidationError{Field: "level", Message: fmt.Sprintf("unknown level %q", s)}
	}
}

// Capabilities describes what a level's backing store supports and the
// response-time range the validation service holds it to.
type Capabilities struct {
	SupportsTagging         bool
	SupportsDistribution    bool
	SupportsPatternMatching bool
	DefaultTTL              time.Duration
	MaxTTL                  time.Duration
	// ExpectedLatency is the upper bound of the level's normal
	// response-time range, used as its latency SLA target.
	ExpectedLatency time.Duration
}

// capabilityTable is fixed at compile time; levels never change capability
// at runtime (enabling/disabling a level is a manager concern).
var capabilityTable = map[Level]Capabilities{
	LevelRequest: {
		SupportsTagging:         false,
		SupportsDistribution:    false,
		SupportsPatternMatching: true,
		DefaultTTL:              time.Minute,
		MaxTTL:                  5 * time.Minute,
		ExpectedLatency:         time.Millisecond,
	},
	LevelMemory: {
		SupportsTagging:         true,
		SupportsDistribution:    true,
		SupportsPatternMatching: true,
		DefaultTTL:              time.Hour,
		MaxTTL:                  24 * time.Hour,
		ExpectedLatency:         5 * time.Millisecond,
	},
	LevelDatabase: {
		SupportsTagging:         true,
		SupportsDistribution:    false,
		SupportsPatternMatching: true,
		DefaultTTL:              24 * time.Hour,
		MaxTTL:                  7 * 24 * time.Hour,
		ExpectedLatency:         20 * time.Millisecond,
	},
}

// Capabilities returns the level's fixed capability record.
func (l Level) Capabilities() Capabilities {
	return capabilityTable[l]
}

// TTLClamp returns the effective TTL for a requested one: the level default
// for zero, otherwise clamped into [1s, MaxTTL]. Negative TTLs are rejected
// upstream as a ValidationError before any store access.
func (l Level) TTLClamp(requested time.Duration) time.Duration {
	caps := l.Capabilities()
	if requested == 0 {
		return caps.DefaultTTL
	}
	if requested < time.Second {
		return time.Second
	}
	if requested > caps.MaxTTL {
		return caps.MaxTTL
	}
	return requested
}
