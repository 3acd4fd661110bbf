package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracesweep-io/tracesweep/pkg/shared/errors"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv("TRACESWEEP_HOME", t.TempDir())
	t.Setenv("TRACESWEEP_DB", "")
	t.Setenv("TRACESWEEP_PLUGINS_FOLDER", "")
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

func TestValidateConfigDefaults(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, ValidateConfig(cfg))

	home := os.Getenv("TRACESWEEP_HOME")
	assert.Equal(t, home, cfg.Tracesweep.HomeFolder)
	assert.Equal(t, filepath.Join(home, "plugins"), cfg.Tracesweep.PluginsFolder)
	assert.Equal(t, filepath.Join(home, "evidence.db"), cfg.Storage.DSN)
}

func TestValidateConfigDatabaseFromEnv(t *testing.T) {
	cfg := validConfig(t)
	t.Setenv("TRACESWEEP_DB", "/var/lib/tracesweep/evidence.db")
	require.NoError(t, ValidateConfig(cfg))
	assert.Equal(t, "/var/lib/tracesweep/evidence.db", cfg.Storage.DSN)
}

func TestValidateConfigRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage directive"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }, "dsn must be set"},
		{"backoff inverted", func(c *Config) { c.Storage.RetryMaxWaitTime = time.Millisecond }, "retry_max_wait_time"},
		{"zero workers", func(c *Config) { c.Sweep.MaxWorkers = -1 }, "max_workers"},
		{"hash algorithm", func(c *Config) { c.Sweep.HashAlgorithm = "crc32" }, "hash_algorithm"},
		{"port range", func(c *Config) { c.Sweep.SuspiciousPorts = []int{4444, 70000} }, "suspicious_ports"},
		{"unknown layer", func(c *Config) { c.Sweep.Layers = []string{"surface", "kernel"} }, "layers"},
		{"duplicate layer", func(c *Config) { c.Sweep.Layers = []string{"surface", "SurfaceLayer"} }, "listed twice"},
		{"negative timeout", func(c *Config) { c.Sweep.LayerTimeout = -time.Second }, "layer_timeout"},
		{"dependency cycle", func(c *Config) {
			c.Sweep.Dependencies = map[string][]string{"deletion": {"surface"}, "surface": {"deletion"}}
		}, "cycle"},
		{"self dependency", func(c *Config) {
			c.Sweep.Dependencies = map[string][]string{"deletion": {"deletion"}}
		}, "depends on itself"},
		{"dependency on disabled layer", func(c *Config) {
			c.Sweep.Layers = []string{"deletion"}
			c.Sweep.Dependencies = map[string][]string{"deletion": {"surface"}}
		}, "disabled layer"},
		{"provider path", func(c *Config) {
			c.Plugins.Providers = map[string]string{"registry": "../persistence"}
		}, "plugins directive"},
		{"provider layer", func(c *Config) {
			c.Plugins.Providers = map[string]string{"kernel": "persistence"}
		}, "providers"},
		{"missing catalog", func(c *Config) { c.Sweep.IndicatorCatalog = "/nonexistent/catalog.yml" }, "indicator_catalog"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.ErrorIs(t, err, errors.ErrConfigInvalid)
		})
	}
}

func TestValidateConfigAcceptsPartialOrder(t *testing.T) {
	cfg := validConfig(t)
	cfg.Sweep.Dependencies = map[string][]string{"deletion": {"surface"}, "memory": {"process", "network"}}
	assert.NoError(t, ValidateConfig(cfg))
}

func TestNewConfigStrictDecode(t *testing.T) {
	t.Setenv("TRACESWEEP_HOME", t.TempDir())
	t.Setenv("TRACESWEEP_DB", "")
	dir := t.TempDir()

	good := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(good, []byte(strings.Join([]string{
		"sweep:",
		"  max_workers: 2",
		"  suspicious_ports: [4444, 31337]",
		"  layer_timeout: 30s",
		"  dependencies:",
		"    deletion: [surface]",
	}, "\n")), 0o644))

	cfg, err := NewConfig(good)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Sweep.MaxWorkers)
	assert.Equal(t, []int{4444, 31337}, cfg.Sweep.SuspiciousPorts)
	assert.Equal(t, 30*time.Second, cfg.Sweep.LayerTimeout)
	assert.Equal(t, DefaultSweep().MaxResults, cfg.Sweep.MaxResults)

	unknown := filepath.Join(dir, "unknown.yml")
	require.NoError(t, os.WriteFile(unknown, []byte("sweep:\n  max_wrokers: 2\n"), 0o644))
	_, err = NewConfig(unknown)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)

	mistyped := filepath.Join(dir, "mistyped.yml")
	require.NoError(t, os.WriteFile(mistyped, []byte("sweep:\n  max_workers: four\n"), 0o644))
	_, err = NewConfig(mistyped)
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)
}

func TestNewConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("TRACESWEEP_HOME", t.TempDir())
	t.Setenv("TRACESWEEP_DB", "")
	cfg, err := NewConfig(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Len(t, cfg.Sweep.Layers, 6)
}
