package rules

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/liamcoop/policyhub/compiler"
	"github.com/liamcoop/policyhub/internal/logger"
)

// CompileFunc turns a source into an artifact.
type CompileFunc func(source string) (*compiler.Artifact, error)

// InMemoryArtifactCache is an LRU of compiled artifacts with single-flight
// compilation. Safe for concurrent use.
type InMemoryArtifactCache struct {
	lru     *expirable.LRU[TemplateKey, *compiler.Artifact]
	group   singleflight.Group
	compile CompileFunc
	metrics Metrics
}

// NewInMemoryArtifactCache creates a cache. A nil compile uses
// compiler.Compile and a nil metrics sink disables instrumentation.
func NewInMemoryArtifactCache(config CacheConfig, compile CompileFunc, metrics Metrics) *InMemoryArtifactCache {
	if config.Size <= 0 {
		config.Size = DefaultCacheConfig().Size
	}
	if compile == nil {
		compile = compiler.Compile
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &InMemoryArtifactCache{
		lru:     expirable.NewLRU[TemplateKey, *compiler.Artifact](config.Size, nil, config.TTL),
		compile: compile,
		metrics: metrics,
	}
}

// GetOrCompile returns the artifact for key, compiling it at most once per
// miss regardless of how many callers are waiting.
func (c *InMemoryArtifactCache) GetOrCompile(ctx context.Context, key TemplateKey, source string) (*compiler.Artifact, error) {
	if art, ok := c.lru.Get(key); ok {
		c.metrics.CacheHit()
		return art, nil
	}
	c.metrics.CacheMiss()

	ch := c.group.DoChan(key.String(), func() (any, error) {
		// Another flight may have filled the entry between our Get and now.
		if art, ok := c.lru.Get(key); ok {
			return art, nil
		}
		start := time.Now()
		art, err := c.compile(source)
		if err != nil {
			c.metrics.ObserveCompile(compileFailed, time.Since(start))
			logger.Warn("Template compilation failed", "template", key.String(), "error", err)
			return nil, err
		}
		c.metrics.ObserveCompile(compileOK, time.Since(start))
		c.lru.Add(key, art)
		return art, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*compiler.Artifact), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Seed stores art under key.
func (c *InMemoryArtifactCache) Seed(key TemplateKey, art *compiler.Artifact) {
	if art == nil {
		return
	}
	c.lru.Add(key, art)
}

// Len returns the number of cached artifacts.
func (c *InMemoryArtifactCache) Len() int {
	return c.lru.Len()
}
