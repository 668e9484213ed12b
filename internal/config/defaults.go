package config

import "time"

// Default values for configuration fields.
const (
	DefaultPort            = 8080
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultRequestTimeout  = 60 * time.Second
	DefaultMaxBodyBytes    = 1 << 20

	DefaultDriver     = DriverMemory
	DefaultSQLitePath = "data/policyhub.db"

	DefaultCacheSize        = 1024
	DefaultPoolSize         = 8
	DefaultAcquireTimeout   = time.Second
	DefaultExecutionTimeout = 250 * time.Millisecond
	DefaultMaxCallStackSize = 256
	DefaultInterruptGrace   = 100 * time.Millisecond

	DefaultMetricsNamespace = "policyhub"
	DefaultMetricsPath      = "/metrics"

	DefaultLogLevel   = "INFO"
	DefaultSampleRate = 1
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = DefaultRequestTimeout
	}
	if s.MaxBodyBytes == 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DefaultDriver
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = DefaultSQLitePath
	}

	e := &cfg.Engine
	if e.CacheSize == 0 {
		e.CacheSize = DefaultCacheSize
	}
	if e.PoolSize == 0 {
		e.PoolSize = DefaultPoolSize
	}
	if e.AcquireTimeout == 0 {
		e.AcquireTimeout = DefaultAcquireTimeout
	}
	if e.ExecutionTimeout == 0 {
		e.ExecutionTimeout = DefaultExecutionTimeout
	}
	if e.MaxCallStackSize == 0 {
		e.MaxCallStackSize = DefaultMaxCallStackSize
	}
	if e.InterruptGrace == 0 {
		e.InterruptGrace = DefaultInterruptGrace
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.SampleRate == 0 {
		cfg.Logging.SampleRate = DefaultSampleRate
	}
}
