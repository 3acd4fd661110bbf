package shared

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
)

const (
	PluginTypeProbe string = "probe"
)

var HandshakeConfig = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "TRACESWEEP",
	MagicCookieValue: "5f0c2d8e4b7a91c3e6d2f08a1b4c7e9d3a6f2b18",
}

var PluginMap = map[string]plugin.Plugin{
	PluginTypeProbe: &ProbePlugin{},
}

// WithPlugin starts the provider binary <plugins>/<pluginName>/<pluginName>, dispenses
// pluginType and hands it to f. The plugin process is killed when f returns.
func WithPlugin(cfg *config.Config, logger hclog.Logger, pluginType string, pluginName string, f func(interface{}) error) error {
	pluginPath := filepath.Join(config.GetPluginsHome(cfg), pluginName, pluginName)
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins:         PluginMap,
		Cmd:             exec.Command(pluginPath),
		Logger:          logger,
		Managed:         true,
	})
	defer client.Kill()

	rpcClient, err := client.Client()
	if err != nil {
		return fmt.Errorf("failed to start plugin %q: %w", pluginPath, err)
	}

	// Request the plugin
	raw, err := rpcClient.Dispense(pluginType)
	if err != nil {
		return fmt.Errorf("failed to dispense %q from plugin %q: %w", pluginType, pluginName, err)
	}

	return f(raw)
}

// ForEveryWithBoundedGoroutines runs f for every value with at most limit calls in flight.
// Values are launched in order; once ctx is done no further values are launched.
// It returns the number of values launched after all of them have finished.
func ForEveryWithBoundedGoroutines[T any](ctx context.Context, limit int, values []T, f func(i int, value T)) int {
	if limit < 1 {
		limit = 1
	}
	guard := make(chan struct{}, limit)
	var wg sync.WaitGroup
	launched := 0
	for i, value := range values {
		select {
		case guard <- struct{}{}: // would block if guard channel is already filled
		case <-ctx.Done():
			wg.Wait()
			return launched
		}
		if ctx.Err() != nil {
			<-guard
			break
		}
		launched++
		wg.Add(1)
		go func(i int, value T) {
			defer wg.Done()
			defer func() { <-guard }()
			f(i, value)
		}(i, value)
	}
	wg.Wait()
	return launched
}
