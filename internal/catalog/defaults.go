package catalog

import (
	"github.com/tracesweep-io/tracesweep/internal/findings"
)

const (
	surface   = findings.LayerSurface
	deletion  = findings.LayerDeletion
	process   = findings.LayerProcess
	network   = findings.LayerNetwork
	memory    = findings.LayerMemory
	registry  = findings.LayerRegistry
	filePath  = findings.IOCFilePath
	endpoint  = findings.IOCNetworkEndpoint
	regKey    = findings.IOCRegistryKey
	procMark  = findings.IOCProcessMarker
	secsInDay = 24 * 60 * 60
)

var defaultIndicators = []Indicator{
	// Surface
	{Name: "hidden_filename_prefix", Weight: 0.4, Reliability: 0.7, Layers: []findings.Layer{surface},
		Description: "dot-prefixed file in a temp root"},
	{Name: "recent_modification", Weight: 0.3, Reliability: 0.6, Layers: []findings.Layer{surface},
		Description: "modified within the recency window"},
	{Name: "executable_in_temp", Weight: 0.8, Reliability: 0.8, Layers: []findings.Layer{surface}, IOCType: filePath,
		Description: "executable bit set on a file in a temp root"},
	{Name: "suspicious_extension", Weight: 0.5, Reliability: 0.7, Layers: []findings.Layer{surface},
		Description: "script or binary extension in a temp root"},
	{Name: "timestomp_anomaly", Weight: 1.0, Reliability: 0.7, Threshold: 30 * secsInDay, Layers: []findings.Layer{surface}, IOCType: filePath,
		Description: "mtime in the future, or whole-second mtime far older than ctime (seconds)"},
	{Name: "oversized_temp_file", Weight: 0.3, Reliability: 0.5, Threshold: 100 << 20, Layers: []findings.Layer{surface},
		Description: "temp file larger than the threshold (bytes)"},

	// Deletion
	{Name: "truncated_log", Weight: 1.0, Reliability: 0.8, Layers: []findings.Layer{deletion}, IOCType: filePath,
		Description: "zero-byte log with a recent mtime and a non-empty rotated remnant"},
	{Name: "rotated_remnant", Weight: 0.6, Reliability: 0.8, Layers: []findings.Layer{deletion},
		Description: "rotated copy shows the log previously held data"},
	{Name: "history_cleared", Weight: 1.0, Reliability: 0.9, Layers: []findings.Layer{deletion},
		Description: "shell history emptied or linked to /dev/null"},
	{Name: "deleted_open_file", Weight: 1.2, Reliability: 0.85, Layers: []findings.Layer{deletion}, IOCType: filePath,
		Description: "a process holds a descriptor to an unlinked file"},

	// Process
	{Name: "deleted_executable", Weight: 1.5, Reliability: 0.9, Layers: []findings.Layer{process}, IOCType: procMark,
		Description: "process image was unlinked after start"},
	{Name: "preload_injection", Weight: 1.5, Reliability: 0.9, Layers: []findings.Layer{process}, IOCType: procMark,
		Description: "LD_PRELOAD in the environment or /etc/ld.so.preload populated"},
	{Name: "temp_executable_path", Weight: 1.0, Reliability: 0.85, Layers: []findings.Layer{process}, IOCType: procMark,
		Description: "process image lives under a temp root"},
	{Name: "suspicious_cmdline", Weight: 0.8, Reliability: 0.7, Layers: []findings.Layer{process},
		Description: "command line matches a download cradle or reverse shell pattern"},
	{Name: "orphaned_process", Weight: 0.3, Reliability: 0.4, Layers: []findings.Layer{process},
		Description: "non-kernel process reparented to init"},

	// Network
	{Name: "suspicious_port", Weight: 0.5, Reliability: 0.9, Layers: []findings.Layer{network}, IOCType: endpoint,
		Description: "socket bound to or connected to a configured suspicious port"},
	{Name: "loopback_nonstandard", Weight: 0.3, Reliability: 0.9, Layers: []findings.Layer{network}, IOCType: endpoint,
		Description: "loopback listener on a non-standard port"},
	{Name: "listening_high_port", Weight: 0.4, Reliability: 0.6, Threshold: 30000, Layers: []findings.Layer{network},
		Description: "non-loopback listener at or above the threshold port"},
	{Name: "external_established", Weight: 0.2, Reliability: 0.5, Layers: []findings.Layer{network},
		Description: "established connection to a non-private address"},

	// Memory
	{Name: "memfd_descriptor", Weight: 1.0, Reliability: 0.85, Layers: []findings.Layer{memory},
		Description: "open memfd descriptor"},
	{Name: "executable_memfd", Weight: 1.5, Reliability: 0.95, Layers: []findings.Layer{memory}, IOCType: procMark,
		Description: "executable memfd mapping"},
	{Name: "anonymous_rwx", Weight: 0.8, Reliability: 0.7, Layers: []findings.Layer{memory},
		Description: "anonymous read-write-execute mapping"},
	{Name: "shm_executable", Weight: 1.0, Reliability: 0.85, Layers: []findings.Layer{memory}, IOCType: filePath,
		Description: "executable object in /dev/shm"},
	{Name: "shm_object", Weight: 0.2, Reliability: 0.4, Layers: []findings.Layer{memory},
		Description: "shared memory object present"},

	// Registry
	{Name: "run_key_temp_path", Weight: 1.0, Reliability: 0.85, Layers: []findings.Layer{registry}, IOCType: regKey,
		Description: "autorun value pointing into a temp root"},
	{Name: "run_key_script_host", Weight: 0.8, Reliability: 0.8, Layers: []findings.Layer{registry}, IOCType: regKey,
		Description: "autorun value launching a script host or encoded command"},
	{Name: "ifeo_debugger", Weight: 1.5, Reliability: 0.9, Layers: []findings.Layer{registry}, IOCType: regKey,
		Description: "Image File Execution Options debugger set"},
	{Name: "appinit_dlls", Weight: 1.2, Reliability: 0.85, Layers: []findings.Layer{registry}, IOCType: regKey,
		Description: "AppInit_DLLs populated"},
	{Name: "autostart_temp_path", Weight: 1.0, Reliability: 0.8, Layers: []findings.Layer{registry}, IOCType: regKey,
		Description: "cron, systemd or rc entry executing from a temp root"},
	{Name: "autostart_download_cradle", Weight: 1.2, Reliability: 0.85, Layers: []findings.Layer{registry}, IOCType: regKey,
		Description: "autostart entry fetching and executing remote content"},
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New(defaultIndicators)
	if err != nil {
		panic("catalog: built-in indicators are invalid: " + err.Error())
	}
	return c
}

// DefaultIndicators returns a copy of the built-in indicator table.
func DefaultIndicators() []Indicator {
	out := make([]Indicator, len(defaultIndicators))
	for i, ind := range defaultIndicators {
		ind.Layers = append([]findings.Layer(nil), ind.Layers...)
		out[i] = ind
	}
	return out
}
