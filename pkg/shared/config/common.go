package config

import (
	"time"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Supported evidence hash algorithms.
var HashAlgorithms = []string{"sha256", "sha1", "md5", "blake2b"}

// DefaultSuspiciousPorts are ports commonly bound by shells, implants and C2 listeners.
var DefaultSuspiciousPorts = []int{1337, 4444, 5555, 6666, 6667, 9001, 12345, 31337, 54321}

// DefaultStorage returns the storage settings used when the config omits them.
func DefaultStorage() Storage {
	return Storage{
		Driver:           DriverSQLite,
		RetryCount:       5,
		RetryWaitTime:    25 * time.Millisecond,
		RetryMaxWaitTime: 1 * time.Second,
		BusyTimeout:      5 * time.Second,
	}
}

// DefaultSweep returns the sweep settings used when the config omits them.
func DefaultSweep() Sweep {
	return Sweep{
		Layers:               []string{"surface", "deletion", "process", "network", "memory", "registry"},
		MaxWorkers:           4,
		MaxResults:           5000,
		LayerTimeout:         2 * time.Minute,
		GraceTimeout:         10 * time.Second,
		MaxFileSize:          50 << 20,
		RecentThresholdHours: 24,
		HashAlgorithm:        "sha256",
		MaxDepthAnalysis:     8,
		SuspiciousPorts:      DefaultSuspiciousPorts,
		TempPaths: map[string][]string{
			"linux":   {"/tmp", "/var/tmp", "/dev/shm"},
			"darwin":  {"/tmp", "/private/var/tmp"},
			"windows": {`C:\Windows\Temp`, `%TEMP%`},
		},
		LogPaths: map[string][]string{
			"linux":  {"/var/log"},
			"darwin": {"/var/log"},
		},
		HistoryPaths: map[string][]string{
			"linux":  {"/root/.bash_history", "/root/.zsh_history", "/home/*/.bash_history", "/home/*/.zsh_history"},
			"darwin": {"/Users/*/.bash_history", "/Users/*/.zsh_history"},
		},
		ProcRoot:        "/proc",
		RootFS:          "/",
		IOCHalfLife:     24 * time.Hour,
		DigestCacheSize: 4096,
	}
}

// DefaultNotify returns the notification settings used when the config omits them.
func DefaultNotify() Notify {
	return Notify{
		Subject: "tracesweep.sessions",
		Timeout: 5 * time.Second,
	}
}

// ApplyDefaults fills every unset directive with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	storage := DefaultStorage()
	cfg.Storage.Driver = SetThen(cfg.Storage.Driver, storage.Driver)
	if cfg.Storage.RetryCount == 0 {
		cfg.Storage.RetryCount = storage.RetryCount
	}
	cfg.Storage.RetryWaitTime = SetThen(cfg.Storage.RetryWaitTime, storage.RetryWaitTime)
	cfg.Storage.RetryMaxWaitTime = SetThen(cfg.Storage.RetryMaxWaitTime, storage.RetryMaxWaitTime)
	cfg.Storage.BusyTimeout = SetThen(cfg.Storage.BusyTimeout, storage.BusyTimeout)

	sweep := DefaultSweep()
	s := &cfg.Sweep
	if len(s.Layers) == 0 {
		s.Layers = sweep.Layers
	}
	s.MaxWorkers = SetThen(s.MaxWorkers, sweep.MaxWorkers)
	s.MaxResults = SetThen(s.MaxResults, sweep.MaxResults)
	s.LayerTimeout = SetThen(s.LayerTimeout, sweep.LayerTimeout)
	s.GraceTimeout = SetThen(s.GraceTimeout, sweep.GraceTimeout)
	s.MaxFileSize = SetThen(s.MaxFileSize, sweep.MaxFileSize)
	s.RecentThresholdHours = SetThen(s.RecentThresholdHours, sweep.RecentThresholdHours)
	s.HashAlgorithm = SetThen(s.HashAlgorithm, sweep.HashAlgorithm)
	s.MaxDepthAnalysis = SetThen(s.MaxDepthAnalysis, sweep.MaxDepthAnalysis)
	if s.SuspiciousPorts == nil {
		s.SuspiciousPorts = sweep.SuspiciousPorts
	}
	if s.TempPaths == nil {
		s.TempPaths = sweep.TempPaths
	}
	if s.LogPaths == nil {
		s.LogPaths = sweep.LogPaths
	}
	if s.HistoryPaths == nil {
		s.HistoryPaths = sweep.HistoryPaths
	}
	s.ProcRoot = SetThen(s.ProcRoot, sweep.ProcRoot)
	s.RootFS = SetThen(s.RootFS, sweep.RootFS)
	s.IOCHalfLife = SetThen(s.IOCHalfLife, sweep.IOCHalfLife)
	s.DigestCacheSize = SetThen(s.DigestCacheSize, sweep.DigestCacheSize)

	notify := DefaultNotify()
	cfg.Notify.Subject = SetThen(cfg.Notify.Subject, notify.Subject)
	cfg.Notify.Timeout = SetThen(cfg.Notify.Timeout, notify.Timeout)
}
