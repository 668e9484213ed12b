package config

import (
	"fmt"
	"strings"

	"github.com/liamcoop/policyhub/internal/logger"
)

// FieldError is a validation failure for one configuration field.
type FieldError struct {
	// Field is the dotted path, e.g. "engine.pool_size".
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every FieldError found.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "configuration validation failed: " + e.Errors[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:", len(e.Errors))
	for _, err := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Validate checks cfg and returns a ValidationError listing every problem.
func Validate(cfg *Config) error {
	var errs []FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		add("server.port", "must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	for _, f := range []struct {
		field string
		n     int64
	}{
		{"server.read_timeout", int64(cfg.Server.ReadTimeout)},
		{"server.write_timeout", int64(cfg.Server.WriteTimeout)},
		{"server.idle_timeout", int64(cfg.Server.IdleTimeout)},
		{"server.shutdown_timeout", int64(cfg.Server.ShutdownTimeout)},
		{"server.request_timeout", int64(cfg.Server.RequestTimeout)},
		{"server.max_body_bytes", cfg.Server.MaxBodyBytes},
	} {
		if f.n < 0 {
			add(f.field, "must not be negative")
		}
	}

	switch cfg.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if cfg.Storage.DatabaseURL == "" {
			add("storage.database_url", "is required for the postgres driver")
		}
	case DriverSQLite:
		if cfg.Storage.SQLitePath == "" {
			add("storage.sqlite_path", "is required for the sqlite driver")
		}
	default:
		add("storage.driver", "must be one of memory, postgres, sqlite; got %q", cfg.Storage.Driver)
	}

	if cfg.Engine.CacheSize < 1 {
		add("engine.cache_size", "must be positive")
	}
	if cfg.Engine.CacheTTL < 0 {
		add("engine.cache_ttl", "must not be negative")
	}
	if cfg.Engine.InterruptGrace <= 0 {
		add("engine.interrupt_grace", "must be positive")
	}
	if cfg.Engine.PoolSize < 1 {
		add("engine.pool_size", "must be positive")
	}
	if cfg.Engine.AcquireTimeout <= 0 {
		add("engine.acquire_timeout", "must be positive")
	}
	if cfg.Engine.ExecutionTimeout <= 0 {
		add("engine.execution_timeout", "must be positive")
	}
	if cfg.Engine.MaxCallStackSize < 16 {
		add("engine.max_call_stack_size", "must be at least 16")
	}

	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		add("metrics.path", "must start with /")
	}

	if _, err := logger.ParseLevel(cfg.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}
	if cfg.Logging.SampleRate < 1 {
		add("logging.sample_rate", "must be positive")
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
