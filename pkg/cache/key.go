// Package cache implements a multi-tier cache manager. Operations fan out
// across three levels of increasing latency and durability (request,
// memory, database): lookups probe fastest-first and backfill faster levels
// on a slow-level hit, invalidation cascades through tags, glob patterns,
// and an explicit dependency graph, warming populates entries in batches
// under a timeout guard, and a validation service continuously checks the
// configured latency, throughput, and capacity SLAs.
package cache

import (
	"fmt"
	"sort"
	"strings"
)

// KeyPrefix namespaces every key this cache owns in shared stores.
const KeyPrefix = "tiercache"

// Key identifies a cache entry. Namespace and Key form the identity; Tags
// enable bulk invalidation; Version, when set, becomes part of the identity
// so bumping it retires all previous entries for the logical key.
type Key struct {
	Namespace string   `json:"namespace"`
	Key       string   `json:"key"`
	Tags      []string `json:"tags,omitempty"`
	Version   string   `json:"version,omitempty"`
}

// NewKey creates a key in the given namespace.
func NewKey(namespace, key string, tags ...string) Key {
	return Key{Namespace: namespace, Key: key, Tags: tags}
}

// WithVersion returns a copy of the key carrying a version suffix.
func (k Key) WithVersion(version string) Key {
	k.Version = version
	return k
}

// Normalize renders the deterministic storage key:
// "tiercache:<namespace>:<key>[:v<version>]". Two keys with the same
// normalized form address the same entry at every level, regardless of
// tag order or call site.
func (k Key) Normalize() string {
	var b strings.Builder
	b.WriteString(KeyPrefix)
	b.WriteByte(':')
	b.WriteString(k.Namespace)
	b.WriteByte(':')
	b.WriteString(k.Key)
	if k.Version != "" {
		b.WriteString(":v")
		b.WriteString(k.Version)
	}
	return b.String()
}

// NormalizedTags returns the key's tags deduplicated and sorted.
func (k Key) NormalizedTags() []string {
	if len(k.Tags) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(k.Tags))
	tags := make([]string, 0, len(k.Tags))
	for _, tag := range k.Tags {
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Validate rejects malformed keys before any store access.
func (k Key) Validate() error {
	if k.Namespace == "" {
		return ValidationError{Field: "namespace", Message: "must not be empty"}
	}
	if k.Key == "" {
		return ValidationError{Field: "key", Message: "must not be empty"}
	}
	if strings.ContainsAny(k.Namespace, ": \t\n") {
		return ValidationError{Field: "namespace", Message: fmt.Sprintf("%q contains reserved characters", k.Namespace)}
	}
	return nil
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return k.Normalize()
}
