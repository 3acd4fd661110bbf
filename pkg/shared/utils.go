package shared

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
)

// Versions describes a core build.
type Versions struct {
	Version       string `json:"version"`
	GolangVersion string `json:"golang_version"`
	BuildTime     string `json:"build_time"`
}

// PluginMeta is read from the VERSION file shipped next to a plugin binary.
type PluginMeta struct {
	Version    string `json:"version"`
	PluginType string `json:"plugin_type"`
}

// HasFlags reports whether any flag was set explicitly.
func HasFlags(flags *pflag.FlagSet) bool {
	set := false
	flags.Visit(func(*pflag.Flag) { set = true })
	return set
}

// GetPluginVersions reads the VERSION file of every plugin folder under dir.
// An empty pluginType returns plugins of every type.
func GetPluginVersions(dir, pluginType string) map[string]PluginMeta {
	out := make(map[string]PluginMeta)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta := PluginMeta{Version: "unknown", PluginType: "unknown"}
		if data, err := os.ReadFile(filepath.Join(dir, entry.Name(), "VERSION")); err == nil {
			if err := json.Unmarshal(data, &meta); err != nil {
				meta = PluginMeta{Version: "unknown", PluginType: "unknown"}
			}
		}
		if pluginType == "" || meta.PluginType == pluginType {
			out[entry.Name()] = meta
		}
	}
	return out
}

// PrintResultAsJSON writes v to stdout as indented JSON.
func PrintResultAsJSON(v interface{}) error {
	return WriteResultAsJSON(os.Stdout, v)
}

// WriteResultAsJSON writes v to w as indented JSON followed by a newline.
func WriteResultAsJSON(w io.Writer, v interface{}) error {
	resultJson, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("error marshaling the result data: %w", err)
	}
	if _, err := fmt.Fprintln(w, string(resultJson)); err != nil {
		return fmt.Errorf("error writing the result data: %w", err)
	}
	return nil
}
