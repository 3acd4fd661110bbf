package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetThen(t *testing.T) {
	assert.Equal(t, 4, SetThen(0, 4))
	assert.Equal(t, 2, SetThen(2, 4))
	assert.Equal(t, "sha256", SetThen("", "sha256"))
}

func TestGetBoolValue(t *testing.T) {
	on := true
	cfg := &Config{Logger: Logger{JSONFormat: &on}}
	assert.True(t, GetBoolValue(cfg, "Logger.JSONFormat", false))
	assert.True(t, GetBoolValue(cfg, "Logger.DisableTime", true))
	assert.False(t, GetBoolValue((*Config)(nil), "Logger.JSONFormat", false))
	assert.False(t, GetBoolValue(cfg, "Logger.Missing", false))
}

func TestPlatformPaths(t *testing.T) {
	t.Setenv("TEMP", "/scratch/tmp")
	paths := map[string][]string{
		"windows": {`%TEMP%`, "%UNSET_TRACESWEEP_VAR%"},
		"linux":   {"/tmp/", "/var/tmp"},
	}
	assert.Equal(t, []string{filepath.Clean("/scratch/tmp")}, platformPaths(paths, "windows"))
	assert.Equal(t, []string{filepath.Clean("/tmp"), filepath.Clean("/var/tmp")}, platformPaths(paths, "linux"))
	assert.Empty(t, platformPaths(paths, "plan9"))
}
