package version

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tracesweep-io/tracesweep/pkg/shared"
	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
)

var (
	AppConfig     *config.Config
	CoreVersion   = "unknown"
	GolangVersion = "unknown"
	BuildTime     = "unknown"
)

// CoreVersions holds version information for the core application and plugins.
type CoreVersions struct {
	Versions    shared.Versions              `json:"versions"`
	PluginsMeta map[string]shared.PluginMeta `json:"plugins_meta"`
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config) {
	AppConfig = cfg
}

// NewVersionCmd creates a new cobra.Command for the version command.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:                   "version",
		SilenceUsage:          true,
		DisableFlagsInUseLine: true,
		Short:                 "Print the version number of the application and plugins",
		Run: func(cmd *cobra.Command, args []string) {
			version := CoreVersions{
				Versions: shared.Versions{
					Version:       CoreVersion,
					GolangVersion: GolangVersion,
					BuildTime:     BuildTime,
				},
				PluginsMeta: shared.GetPluginVersions(config.GetPluginsHome(AppConfig), ""),
			}
			printVersionInfo(&version)
		},
	}
}

// printVersionInfo prints the version information for the core application and plugins.
func printVersionInfo(versions *CoreVersions) {
	fmt.Printf("Core Version: v%s\n", versions.Versions.Version)
	fmt.Println("Plugin Versions:")
	names := make([]string, 0, len(versions.PluginsMeta))
	for name := range versions.PluginsMeta {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		meta := versions.PluginsMeta[name]
		fmt.Printf("  %s: v%s (Type: %s)\n", name, meta.Version, meta.PluginType)
	}
	fmt.Printf("Go Version: %s\n", versions.Versions.GolangVersion)
	fmt.Printf("Build Time: %s\n", versions.Versions.BuildTime)
}
