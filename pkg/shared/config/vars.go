package config

import (
	"time"
)

type Config struct {
	Tracesweep Tracesweep `yaml:"tracesweep"`
	Logger     Logger     `yaml:"logger"`
	Storage    Storage    `yaml:"storage"`
	Sweep      Sweep      `yaml:"sweep"`
	Plugins    Plugins    `yaml:"plugins"`
	Metrics    Metrics    `yaml:"metrics"`
	Notify     Notify     `yaml:"notify"`
}

type Tracesweep struct {
	HomeFolder    string `yaml:"home_folder"`
	PluginsFolder string `yaml:"plugins_folder"`
}

type Logger struct {
	Level           string `yaml:"level"`
	DisableTime     *bool  `yaml:"disable_time"`
	JSONFormat      *bool  `yaml:"json_format"`
	IncludeLocation *bool  `yaml:"include_location"`
}

// Storage describes the evidence store backend and its contention policy.
type Storage struct {
	Driver           string        `yaml:"driver"` // sqlite or postgres
	DSN              string        `yaml:"dsn"`
	RetryCount       int           `yaml:"retry_count"`
	RetryWaitTime    time.Duration `yaml:"retry_wait_time"`
	RetryMaxWaitTime time.Duration `yaml:"retry_max_wait_time"`
	BusyTimeout      time.Duration `yaml:"busy_timeout"`
}

// Sweep holds the inputs a session reads once and never modifies.
type Sweep struct {
	Layers               []string            `yaml:"layers"`
	MaxWorkers           int                 `yaml:"max_workers"`
	MaxResults           int                 `yaml:"max_results"`
	LayerTimeout         time.Duration       `yaml:"layer_timeout"`
	GraceTimeout         time.Duration       `yaml:"grace_timeout"`
	MaxFileSize          int64               `yaml:"max_file_size"`
	RecentThresholdHours int                 `yaml:"recent_threshold_hours"`
	HashAlgorithm        string              `yaml:"hash_algorithm"`
	MaxDepthAnalysis     int                 `yaml:"max_depth_analysis"`
	SuspiciousPorts      []int               `yaml:"suspicious_ports"`
	TempPaths            map[string][]string `yaml:"temp_paths"`
	LogPaths             map[string][]string `yaml:"log_paths"`
	HistoryPaths         map[string][]string `yaml:"history_paths"`
	ProcRoot             string              `yaml:"proc_root"`
	RootFS               string              `yaml:"root_fs"`
	Dependencies         map[string][]string `yaml:"dependencies"`
	IndicatorCatalog     string              `yaml:"indicator_catalog"`
	IOCHalfLife          time.Duration       `yaml:"ioc_half_life"`
	DigestCacheSize      int                 `yaml:"digest_cache_size"`
}

// Plugins maps layers to external provider binaries served over go-plugin.
type Plugins struct {
	Providers map[string]string `yaml:"providers"`
	Elevated  []string          `yaml:"elevated"`
}

type Metrics struct {
	Textfile string `yaml:"textfile"`
}

type Notify struct {
	NATSURL string        `yaml:"nats_url"`
	Subject string        `yaml:"subject"`
	Timeout time.Duration `yaml:"timeout"`
}
