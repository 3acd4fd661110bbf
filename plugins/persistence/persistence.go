package main

import (
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/tracesweep-io/tracesweep/internal/catalog"
	"github.com/tracesweep-io/tracesweep/internal/probe"
	"github.com/tracesweep-io/tracesweep/pkg/shared"
	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
)

// newPersistence builds the autostart probe from the configuration sent by the host.
func newPersistence(logger hclog.Logger) func(cfg config.Config) (probe.Probe, error) {
	return func(cfg config.Config) (probe.Probe, error) {
		c, err := catalog.Load(cfg.Sweep.IndicatorCatalog)
		if err != nil {
			return nil, err
		}
		env, err := probe.NewEnv(cfg.Sweep, c, logger.Named("registry"))
		if err != nil {
			return nil, err
		}
		return probe.NewPersistence(env), nil
	}
}

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Level:      hclog.Trace,
		Output:     os.Stderr,
		JSONFormat: true,
	})

	provider := &probe.Provider{
		New:    newPersistence(logger),
		Logger: logger,
	}
	// pluginMap is the map of plugins we can dispense.
	var pluginMap = map[string]plugin.Plugin{
		shared.PluginTypeProbe: &shared.ProbePlugin{Impl: provider},
	}

	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: shared.HandshakeConfig,
		Plugins:         pluginMap,
	})
}
