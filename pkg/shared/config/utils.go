package config

import (
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"
)

// GetBoolValue retrieves a boolean value from a nested struct based on a dot-separated path.
// It returns the provided defaultValue if the specified field is not explicitly set or is nil.
func GetBoolValue(config interface{}, fieldPath string, defaultValue bool) bool {
	if config == nil {
		return defaultValue
	}
	val := reflect.ValueOf(config)
	if val.Kind() == reflect.Ptr && val.IsNil() {
		return defaultValue
	}

	fields := strings.Split(fieldPath, ".")

	for _, field := range fields {
		if val.Kind() == reflect.Ptr {
			val = val.Elem()
		}

		val = val.FieldByName(field)
		if !val.IsValid() {
			return defaultValue
		}
	}

	if val.Kind() == reflect.Ptr && !val.IsNil() {
		return val.Elem().Bool()
	} else if val.Kind() == reflect.Bool {
		return val.Bool()
	}

	return defaultValue
}

// SetThen provides a utility to select the first value if set, otherwise defaults.
func SetThen[T any](value T, defaultValue T) T {
	if reflect.ValueOf(value).IsZero() {
		return defaultValue
	}
	return value
}

// GetTracesweepHome returns the home folder of the tool.
func GetTracesweepHome(cfg *Config) string {
	return cfg.Tracesweep.HomeFolder
}

// GetPluginsHome returns the folder external probe providers are resolved in.
func GetPluginsHome(cfg *Config) string {
	return cfg.Tracesweep.PluginsFolder
}

// GetPlatformPaths returns the entries of a per-platform path map for the running OS,
// with environment variables expanded and empty results dropped.
func GetPlatformPaths(paths map[string][]string) []string {
	return platformPaths(paths, runtime.GOOS)
}

func platformPaths(paths map[string][]string, goos string) []string {
	var out []string
	for _, p := range paths[goos] {
		expanded := os.ExpandEnv(windowsEnv(p))
		if expanded == "" {
			continue
		}
		out = append(out, filepath.Clean(expanded))
	}
	return out
}

// windowsEnv rewrites %VAR% references to the $VAR form understood by os.ExpandEnv.
func windowsEnv(p string) string {
	for {
		start := strings.Index(p, "%")
		if start < 0 {
			return p
		}
		end := strings.Index(p[start+1:], "%")
		if end < 0 {
			return p
		}
		name := p[start+1 : start+1+end]
		p = p[:start] + "${" + name + "}" + p[start+2+end:]
	}
}

// RecentThreshold returns the recency window as a duration.
func RecentThreshold(cfg *Config) time.Duration {
	return time.Duration(cfg.Sweep.RecentThresholdHours) * time.Hour
}

// GetArtifactsHome returns the folder command artifacts are written to.
func GetArtifactsHome(cfg *Config) string {
	return filepath.Join(cfg.Tracesweep.HomeFolder, "artifacts")
}
