package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path (skipped when path is empty), applies
// defaults, then environment overrides, then validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	ApplyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies POLICYHUB_SECTION_FIELD variables plus the
// conventional PORT, DATABASE_URL, STORAGE_DRIVER, SQLITE_PATH and LOG_LEVEL.
// Environment always wins over the file.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	o := overrider{lookup: lookup}

	o.int(&cfg.Server.Port, "PORT", "POLICYHUB_SERVER_PORT")
	o.duration(&cfg.Server.ReadTimeout, "POLICYHUB_SERVER_READ_TIMEOUT")
	o.duration(&cfg.Server.WriteTimeout, "POLICYHUB_SERVER_WRITE_TIMEOUT")
	o.duration(&cfg.Server.IdleTimeout, "POLICYHUB_SERVER_IDLE_TIMEOUT")
	o.duration(&cfg.Server.ShutdownTimeout, "POLICYHUB_SERVER_SHUTDOWN_TIMEOUT")
	o.duration(&cfg.Server.RequestTimeout, "POLICYHUB_SERVER_REQUEST_TIMEOUT")
	o.int64(&cfg.Server.MaxBodyBytes, "POLICYHUB_SERVER_MAX_BODY_BYTES")

	o.string(&cfg.Storage.Driver, "STORAGE_DRIVER", "POLICYHUB_STORAGE_DRIVER")
	o.string(&cfg.Storage.DatabaseURL, "DATABASE_URL", "POLICYHUB_STORAGE_DATABASE_URL")
	o.string(&cfg.Storage.SQLitePath, "SQLITE_PATH", "POLICYHUB_STORAGE_SQLITE_PATH")

	o.int(&cfg.Engine.CacheSize, "POLICYHUB_ENGINE_CACHE_SIZE")
	o.duration(&cfg.Engine.CacheTTL, "POLICYHUB_ENGINE_CACHE_TTL")
	o.int(&cfg.Engine.PoolSize, "POLICYHUB_ENGINE_POOL_SIZE")
	o.duration(&cfg.Engine.AcquireTimeout, "POLICYHUB_ENGINE_ACQUIRE_TIMEOUT")
	o.duration(&cfg.Engine.ExecutionTimeout, "POLICYHUB_ENGINE_EXECUTION_TIMEOUT")
	o.int(&cfg.Engine.MaxCallStackSize, "POLICYHUB_ENGINE_MAX_CALL_STACK_SIZE")
	o.duration(&cfg.Engine.InterruptGrace, "POLICYHUB_ENGINE_INTERRUPT_GRACE")
	o.bool(&cfg.Engine.WarmUp, "POLICYHUB_ENGINE_WARM_UP")

	o.bool(&cfg.Metrics.Enabled, "POLICYHUB_METRICS_ENABLED")
	o.string(&cfg.Metrics.Namespace, "POLICYHUB_METRICS_NAMESPACE")
	o.string(&cfg.Metrics.Path, "POLICYHUB_METRICS_PATH")

	o.string(&cfg.Logging.Level, "LOG_LEVEL", "POLICYHUB_LOGGING_LEVEL")
	o.int(&cfg.Logging.SampleRate, "ERROR_SAMPLE_RATE", "POLICYHUB_LOGGING_SAMPLE_RATE")

	return o.err
}

// overrider reads variables in order; a later name overrides an earlier one.
// The first malformed value is kept as the error.
type overrider struct {
	lookup func(string) (string, bool)
	err    error
}

func (o *overrider) each(names []string, set func(name, val string) error) {
	for _, name := range names {
		val, ok := o.lookup(name)
		if !ok || val == "" {
			continue
		}
		if err := set(name, val); err != nil && o.err == nil {
			o.err = fmt.Errorf("invalid value for %s: %w", name, err)
		}
	}
}

func (o *overrider) string(dst *string, names ...string) {
	o.each(names, func(_, val string) error {
		*dst = val
		return nil
	})
}

func (o *overrider) int(dst *int, names ...string) {
	o.each(names, func(_, val string) error {
		i, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*dst = i
		return nil
	})
}

func (o *overrider) int64(dst *int64, names ...string) {
	o.each(names, func(_, val string) error {
		i, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		*dst = i
		return nil
	})
}

func (o *overrider) duration(dst *time.Duration, names ...string) {
	o.each(names, func(_, val string) error {
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	})
}

func (o *overrider) bool(dst **bool, names ...string) {
	o.each(names, func(_, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*dst = &b
		return nil
	})
}
