// Package config loads server configuration from an optional YAML file,
// fills defaults, applies environment overrides and validates the result.
package config

import (
	"time"

	"github.com/liamcoop/policyhub/rules"
	"github.com/liamcoop/policyhub/sandbox"
)

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Engine  EngineConfig  `yaml:"engine"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// Port the HTTP server listens on.
	// Default: 8080
	Port int `yaml:"port"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RequestTimeout bounds each request through the router middleware.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Driver is one of memory, postgres or sqlite.
	// Default: memory
	Driver string `yaml:"driver"`

	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string `yaml:"database_url"`

	// SQLitePath is the database file for the sqlite driver.
	// Default: data/policyhub.db
	SQLitePath string `yaml:"sqlite_path"`
}

// EngineConfig sizes the artifact cache and sandbox pool.
type EngineConfig struct {
	CacheSize int `yaml:"cache_size"`

	// CacheTTL expires cached artifacts. Zero keeps them until evicted.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	PoolSize         int           `yaml:"pool_size"`
	AcquireTimeout   time.Duration `yaml:"acquire_timeout"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	MaxCallStackSize int           `yaml:"max_call_stack_size"`
	InterruptGrace   time.Duration `yaml:"interrupt_grace"`

	// WarmUp compiles templates referenced by existing policies at startup.
	// Default: true
	WarmUp *bool `yaml:"warm_up"`
}

// WarmUpEnabled reports the effective warm-up setting.
func (e EngineConfig) WarmUpEnabled() bool {
	return e.WarmUp == nil || *e.WarmUp
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   *bool  `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// IsEnabled reports the effective metrics setting.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// LoggingConfig sets the log level and warning/error sampling.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	SampleRate int    `yaml:"sample_rate"`
}

// SandboxConfig returns the sandbox pool limits.
func (e EngineConfig) SandboxConfig() sandbox.Config {
	return sandbox.Config{
		Size:             e.PoolSize,
		AcquireTimeout:   e.AcquireTimeout,
		ExecutionTimeout: e.ExecutionTimeout,
		MaxCallStackSize: e.MaxCallStackSize,
		InterruptGrace:   e.InterruptGrace,
	}
}

// ArtifactCacheConfig returns the compiled-artifact cache settings.
func (e EngineConfig) ArtifactCacheConfig() rules.CacheConfig {
	return rules.CacheConfig{Size: e.CacheSize, TTL: e.CacheTTL}
}
