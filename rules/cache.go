package rules

import (
	"context"
	"time"

	"github.com/liamcoop/policyhub/compiler"
)

// ArtifactCache holds compiled templates keyed by template version.
// This allows swapping the in-process LRU for another implementation.
type ArtifactCache interface {
	// GetOrCompile returns the cached artifact for key, compiling source on
	// a miss. Concurrent misses for the same key compile once and share the
	// outcome. Failed compiles are not cached.
	GetOrCompile(ctx context.Context, key TemplateKey, source string) (*compiler.Artifact, error)

	// Seed stores an artifact that was compiled elsewhere, typically when
	// the template was created.
	Seed(key TemplateKey, art *compiler.Artifact)

	// Len returns the number of cached artifacts.
	Len() int
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// Size is the maximum number of artifacts kept. Least recently used
	// entries are evicted first.
	Size int

	// TTL expires entries after a fixed time. Artifacts never go stale, so
	// 0 (no expiration) is the normal setting.
	TTL time.Duration
}

// DefaultCacheConfig returns sensible defaults for artifact caching
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Size: 1024,
		TTL:  0,
	}
}
