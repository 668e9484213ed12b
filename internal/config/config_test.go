package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
}

// TestLoadWithoutFile verifies an empty path yields the defaults.
func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("POLICYHUB_SERVER_PORT", "")
	t.Setenv("POLICYHUB_ENGINE_POOL_SIZE", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, DefaultPort)
	}
	if cfg.Engine.PoolSize != DefaultPoolSize {
		t.Errorf("Engine.PoolSize = %d, want %d", cfg.Engine.PoolSize, DefaultPoolSize)
	}
	if !cfg.Metrics.IsEnabled() {
		t.Error("metrics should be enabled by default")
	}
	if !cfg.Engine.WarmUpEnabled() {
		t.Error("warm-up should be enabled by default")
	}
}

// TestLoadFile verifies YAML values override defaults and unset fields keep them.
func TestLoadFile(t *testing.T) {
	for _, name := range []string{"PORT", "STORAGE_DRIVER", "SQLITE_PATH", "LOG_LEVEL", "POLICYHUB_LOGGING_LEVEL"} {
		t.Setenv(name, "")
	}
	path := writeConfig(t, `
server:
  port: 9090
  shutdown_timeout: 5s
storage:
  driver: sqlite
  sqlite_path: /tmp/hub.db
engine:
  pool_size: 2
  execution_timeout: 50ms
  cache_ttl: 10m
  warm_up: false
metrics:
  enabled: false
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"server.port", cfg.Server.Port, 9090},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeout, 5 * time.Second},
		{"server.read_timeout", cfg.Server.ReadTimeout, DefaultReadTimeout},
		{"storage.driver", cfg.Storage.Driver, DriverSQLite},
		{"storage.sqlite_path", cfg.Storage.SQLitePath, "/tmp/hub.db"},
		{"engine.pool_size", cfg.Engine.PoolSize, 2},
		{"engine.execution_timeout", cfg.Engine.ExecutionTimeout, 50 * time.Millisecond},
		{"engine.cache_ttl", cfg.Engine.CacheTTL, 10 * time.Minute},
		{"engine.cache_size", cfg.Engine.CacheSize, DefaultCacheSize},
		{"engine.warm_up", cfg.Engine.WarmUpEnabled(), false},
		{"metrics.enabled", cfg.Metrics.IsEnabled(), false},
		{"metrics.path", cfg.Metrics.Path, DefaultMetricsPath},
		{"logging.level", cfg.Logging.Level, "debug"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

// TestLoadErrors verifies missing and malformed files are reported.
func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "server: [unclosed")); err == nil {
		t.Error("expected error for malformed YAML")
	}

	t.Setenv("STORAGE_DRIVER", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POLICYHUB_STORAGE_DATABASE_URL", "")
	_, err := Load(writeConfig(t, "storage:\n  driver: postgres\n"))
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

// TestEnvOverrides verifies environment variables win over file values.
func TestEnvOverrides(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 9000

	err := applyEnvOverrides(cfg, mapLookup(map[string]string{
		"PORT":                               "7000",
		"STORAGE_DRIVER":                     "postgres",
		"DATABASE_URL":                       "postgres://a",
		"POLICYHUB_STORAGE_DATABASE_URL":     "postgres://b",
		"POLICYHUB_ENGINE_POOL_SIZE":         "16",
		"POLICYHUB_ENGINE_EXECUTION_TIMEOUT": "1s",
		"POLICYHUB_METRICS_ENABLED":          "false",
		"LOG_LEVEL":                          "",
	}))
	if err != nil {
		t.Fatalf("applyEnvOverrides() failed: %v", err)
	}

	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Storage.Driver != DriverPostgres {
		t.Errorf("Storage.Driver = %q, want postgres", cfg.Storage.Driver)
	}
	if cfg.Storage.DatabaseURL != "postgres://b" {
		t.Errorf("Storage.DatabaseURL = %q, want the prefixed variable to win", cfg.Storage.DatabaseURL)
	}
	if cfg.Engine.PoolSize != 16 {
		t.Errorf("Engine.PoolSize = %d, want 16", cfg.Engine.PoolSize)
	}
	if cfg.Engine.ExecutionTimeout != time.Second {
		t.Errorf("Engine.ExecutionTimeout = %v, want 1s", cfg.Engine.ExecutionTimeout)
	}
	if cfg.Metrics.IsEnabled() {
		t.Error("metrics should be disabled")
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Errorf("empty LOG_LEVEL changed the level to %q", cfg.Logging.Level)
	}
}

// TestEnvOverridesInvalid verifies malformed values are rejected by name.
func TestEnvOverridesInvalid(t *testing.T) {
	tests := map[string]string{
		"PORT":                             "eighty",
		"POLICYHUB_ENGINE_ACQUIRE_TIMEOUT": "soon",
		"POLICYHUB_ENGINE_WARM_UP":         "maybe",
	}
	for name, val := range tests {
		t.Run(name, func(t *testing.T) {
			err := applyEnvOverrides(Default(), mapLookup(map[string]string{name: val}))
			if err == nil || !strings.Contains(err.Error(), name) {
				t.Errorf("expected error naming %s, got %v", name, err)
			}
		})
	}
}

// TestValidate verifies each rule and that all failures are aggregated.
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		fields []string
	}{
		{"defaults", func(*Config) {}, nil},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, []string{"server.port"}},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, []string{"storage.driver"}},
		{"postgres without url", func(c *Config) { c.Storage.Driver = DriverPostgres }, []string{"storage.database_url"}},
		{"zero pool", func(c *Config) { c.Engine.PoolSize = 0 }, []string{"engine.pool_size"}},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, []string{"logging.level"}},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, []string{"metrics.path"}},
		{
			"multiple",
			func(c *Config) {
				c.Engine.CacheSize = -1
				c.Engine.ExecutionTimeout = -time.Second
				c.Engine.MaxCallStackSize = 4
			},
			[]string{"engine.cache_size", "engine.execution_timeout", "engine.max_call_stack_size"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if len(tt.fields) == 0 {
				if err != nil {
					t.Fatalf("Validate() failed: %v", err)
				}
				return
			}

			var verr ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if len(verr.Errors) != len(tt.fields) {
				t.Fatalf("got %d errors, want %d: %v", len(verr.Errors), len(tt.fields), err)
			}
			for i, field := range tt.fields {
				if verr.Errors[i].Field != field {
					t.Errorf("Errors[%d].Field = %q, want %q", i, verr.Errors[i].Field, field)
				}
			}
		})
	}
}

// TestEngineConversions verifies the engine section maps onto the pool and cache configs.
func TestEngineConversions(t *testing.T) {
	e := Default().Engine
	sc := e.SandboxConfig()
	if sc.Size != DefaultPoolSize || sc.ExecutionTimeout != DefaultExecutionTimeout || sc.InterruptGrace != DefaultInterruptGrace {
		t.Errorf("SandboxConfig() = %+v", sc)
	}
	cc := e.ArtifactCacheConfig()
	if cc.Size != DefaultCacheSize || cc.TTL != 0 {
		t.Errorf("ArtifactCacheConfig() = %+v", cc)
	}
}
