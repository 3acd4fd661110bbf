package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tracesweep-io/tracesweep/internal/findings"
	"github.com/tracesweep-io/tracesweep/pkg/shared/errors"
	"github.com/tracesweep-io/tracesweep/pkg/shared/files"
)

// ValidateConfig checks if the global configurations have valid values.
// Every failure is reported as ConfigInvalid.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return invalid(fmt.Errorf("YAML global config: configuration object is nil"))
	}
	if err := ValidateTracesweepConfig(cfg); err != nil {
		return invalid(fmt.Errorf("YAML global config: tracesweep directive is invalid: %w", err))
	}
	if err := ValidateStorageConfig(&cfg.Storage); err != nil {
		return invalid(fmt.Errorf("YAML global config: storage directive is invalid: %w", err))
	}
	if err := ValidateSweepConfig(&cfg.Sweep); err != nil {
		return invalid(fmt.Errorf("YAML global config: sweep directive is invalid: %w", err))
	}
	if err := ValidatePluginsConfig(&cfg.Plugins); err != nil {
		return invalid(fmt.Errorf("YAML global config: plugins directive is invalid: %w", err))
	}
	if err := validateDuration(cfg.Notify.Timeout, "notify.timeout", 1*time.Minute); err != nil {
		return invalid(fmt.Errorf("YAML global config: notify directive is invalid: %w", err))
	}
	return nil
}

func invalid(err error) error {
	return errors.New(errors.KindConfigInvalid, "validate config", err)
}

// ValidateTracesweepConfig resolves the home and plugins folders from the environment or defaults.
func ValidateTracesweepConfig(cfg *Config) error {
	if err := updateHome(cfg); err != nil {
		return fmt.Errorf("failed to update home folder: %w", err)
	}
	if env := os.Getenv("TRACESWEEP_PLUGINS_FOLDER"); env != "" {
		cfg.Tracesweep.PluginsFolder = env
	} else if cfg.Tracesweep.PluginsFolder == "" {
		cfg.Tracesweep.PluginsFolder = filepath.Join(cfg.Tracesweep.HomeFolder, "plugins")
	}
	expanded, err := files.ExpandPath(cfg.Tracesweep.PluginsFolder)
	if err != nil {
		return fmt.Errorf("failed to expand plugins folder %q: %w", cfg.Tracesweep.PluginsFolder, err)
	}
	cfg.Tracesweep.PluginsFolder = expanded

	if env := os.Getenv("TRACESWEEP_DB"); env != "" {
		cfg.Storage.DSN = env
	} else if cfg.Storage.DSN == "" && cfg.Storage.Driver == DriverSQLite {
		cfg.Storage.DSN = filepath.Join(cfg.Tracesweep.HomeFolder, "evidence.db")
	}
	return nil
}

// ValidateStorageConfig checks the evidence store directive.
func ValidateStorageConfig(s *Storage) error {
	if s == nil {
		return fmt.Errorf("storage configuration is nil")
	}
	switch s.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, s.Driver)
	}
	if s.DSN == "" {
		return fmt.Errorf("dsn must be set for driver %q", s.Driver)
	}
	if s.RetryCount < 0 || s.RetryCount > 20 {
		return fmt.Errorf("retry_count must be between 0 and 20: %d", s.RetryCount)
	}

	durations := map[string]time.Duration{
		"retry_wait_time":     s.RetryWaitTime,
		"retry_max_wait_time": s.RetryMaxWaitTime,
		"busy_timeout":        s.BusyTimeout,
	}
	for name, d := range durations {
		if err := validateDuration(d, name, 1*time.Minute); err != nil {
			return err
		}
	}
	if s.RetryMaxWaitTime < s.RetryWaitTime {
		return fmt.Errorf("retry_max_wait_time %v is shorter than retry_wait_time %v", s.RetryMaxWaitTime, s.RetryWaitTime)
	}
	return nil
}

// ValidateSweepConfig checks the inputs a session consumes.
func ValidateSweepConfig(s *Sweep) error {
	if s == nil {
		return fmt.Errorf("sweep configuration is nil")
	}
	if s.MaxWorkers < 1 || s.MaxWorkers > 64 {
		return fmt.Errorf("max_workers must be between 1 and 64: %d", s.MaxWorkers)
	}
	if s.MaxResults < 1 {
		return fmt.Errorf("max_results must be positive: %d", s.MaxResults)
	}
	if s.MaxFileSize < 0 {
		return fmt.Errorf("max_file_size cannot be negative: %d", s.MaxFileSize)
	}
	if s.RecentThresholdHours < 1 {
		return fmt.Errorf("recent_threshold_hours must be positive: %d", s.RecentThresholdHours)
	}
	if s.MaxDepthAnalysis < 1 || s.MaxDepthAnalysis > 64 {
		return fmt.Errorf("max_depth_analysis must be between 1 and 64: %d", s.MaxDepthAnalysis)
	}
	if s.DigestCacheSize < 1 {
		return fmt.Errorf("digest_cache_size must be positive: %d", s.DigestCacheSize)
	}
	if err := validateHashAlgorithm(s.HashAlgorithm); err != nil {
		return err
	}
	for _, port := range s.SuspiciousPorts {
		if err := validatePort(port); err != nil {
			return fmt.Errorf("suspicious_ports: %w", err)
		}
	}

	durations := map[string]time.Duration{
		"layer_timeout": s.LayerTimeout,
		"grace_timeout": s.GraceTimeout,
		"ioc_half_life": s.IOCHalfLife,
	}
	for name, d := range durations {
		if err := validateDuration(d, name, 30*24*time.Hour); err != nil {
			return err
		}
		if d == 0 {
			return fmt.Errorf("%q must be positive", name)
		}
	}

	enabled := make(map[findings.Layer]bool, len(s.Layers))
	for _, name := range s.Layers {
		l, err := findings.ParseLayer(name)
		if err != nil {
			return fmt.Errorf("layers: %w", err)
		}
		if enabled[l] {
			return fmt.Errorf("layers: %q listed twice", name)
		}
		enabled[l] = true
	}
	if err := validateDependencies(s.Dependencies, enabled); err != nil {
		return fmt.Errorf("dependencies: %w", err)
	}

	for name, dir := range map[string]string{"proc_root": s.ProcRoot, "root_fs": s.RootFS} {
		if !filepath.IsAbs(dir) && !strings.HasPrefix(dir, "/") {
			return fmt.Errorf("%s must be an absolute path: %q", name, dir)
		}
	}

	if s.IndicatorCatalog != "" {
		if err := files.ValidatePath(s.IndicatorCatalog); err != nil {
			return fmt.Errorf("indicator_catalog: %w", err)
		}
	}
	return nil
}

// ValidatePluginsConfig checks that providers name known layers.
func ValidatePluginsConfig(p *Plugins) error {
	if p == nil {
		return fmt.Errorf("plugins configuration is nil")
	}
	for layer, binary := range p.Providers {
		if _, err := findings.ParseLayer(layer); err != nil {
			return fmt.Errorf("providers: %w", err)
		}
		if binary == "" || filepath.Base(binary) != binary {
			return fmt.Errorf("providers: %q must name a binary in the plugins folder, got %q", layer, binary)
		}
	}
	for _, layer := range p.Elevated {
		if _, err := findings.ParseLayer(layer); err != nil {
			return fmt.Errorf("elevated: %w", err)
		}
	}
	return nil
}

// validateDependencies rejects unknown layers and cycles in the layer partial order.
func validateDependencies(deps map[string][]string, enabled map[findings.Layer]bool) error {
	graph := make(map[findings.Layer][]findings.Layer, len(deps))
	for name, before := range deps {
		l, err := findings.ParseLayer(name)
		if err != nil {
			return err
		}
		for _, b := range before {
			bl, err := findings.ParseLayer(b)
			if err != nil {
				return err
			}
			if bl == l {
				return fmt.Errorf("layer %q depends on itself", name)
			}
			if enabled[l] && !enabled[bl] {
				return fmt.Errorf("layer %q depends on disabled layer %q", name, b)
			}
			graph[l] = append(graph[l], bl)
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[findings.Layer]int)
	var visit func(findings.Layer) error
	visit = func(l findings.Layer) error {
		switch state[l] {
		case visiting:
			return fmt.Errorf("cycle through layer %q", l)
		case done:
			return nil
		}
		state[l] = visiting
		for _, next := range graph[l] {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[l] = done
		return nil
	}
	for _, l := range findings.Layers {
		if err := visit(l); err != nil {
			return err
		}
	}
	return nil
}

func validateHashAlgorithm(alg string) error {
	for _, a := range HashAlgorithms {
		if a == alg {
			return nil
		}
	}
	return fmt.Errorf("hash_algorithm must be one of %v, got %q", HashAlgorithms, alg)
}

// validateDuration checks that a time.Duration is valid and within a specified maximum duration.
func validateDuration(d time.Duration, name string, max time.Duration) error {
	if d < 0 {
		return fmt.Errorf("invalid duration for %q: %v cannot be negative", name, d)
	}
	if d > max {
		return fmt.Errorf("%q duration is too long: %v exceeds maximum of %v", name, d, max)
	}
	return nil
}

// validatePort checks if the port is in the TCP/UDP range.
func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// updateHome updates the home folder from environment variables or sets a default value.
func updateHome(cfg *Config) error {
	if home := os.Getenv("TRACESWEEP_HOME"); home != "" {
		cfg.Tracesweep.HomeFolder = home
	} else if cfg.Tracesweep.HomeFolder == "" {
		homeFolder, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("unable to get user home folder: %w", err)
		}
		cfg.Tracesweep.HomeFolder = filepath.Join(homeFolder, ".tracesweep")
	}

	expandedHomePath, err := files.ExpandPath(cfg.Tracesweep.HomeFolder)
	if err != nil {
		return fmt.Errorf("failed to expand new home path %q: %w", cfg.Tracesweep.HomeFolder, err)
	}
	cfg.Tracesweep.HomeFolder = expandedHomePath

	if err := files.CreateFolderIfNotExists(expandedHomePath); err != nil {
		return fmt.Errorf("failed to create home folder %q: %w", cfg.Tracesweep.HomeFolder, err)
	}
	return nil
}
