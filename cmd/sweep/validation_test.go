package sweep

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
)

func TestValidateSweepArgs(t *testing.T) {
	t.Run("positional arguments are rejected", func(t *testing.T) {
		err := validateSweepArgs(&RunOptionsSweep{}, []string{"extra"})
		assert.EqualError(t, err, "the sweep command takes no positional arguments")
	})

	t.Run("unknown layer", func(t *testing.T) {
		err := validateSweepArgs(&RunOptionsSweep{Layers: []string{"network", "kernel"}}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown layer "kernel"`)
	})

	t.Run("negative workers", func(t *testing.T) {
		err := validateSweepArgs(&RunOptionsSweep{Workers: -1}, nil)
		assert.EqualError(t, err, "the 'workers' flag must be a positive integer")
	})

	t.Run("output folder is created", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "reports", "report.json")
		require.NoError(t, validateSweepArgs(&RunOptionsSweep{OutputPath: out}, nil))
		assert.DirExists(t, filepath.Dir(out))
	})
}

func TestApplyOptions(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	out, err := applyOptions(cfg, &RunOptionsSweep{
		Layers:       []string{"network"},
		Workers:      2,
		LayerTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"network"}, out.Sweep.Layers)
	assert.Equal(t, 2, out.Sweep.MaxWorkers)
	assert.Equal(t, 30*time.Second, out.Sweep.LayerTimeout)
	assert.Equal(t, cfg.Sweep.MaxResults, out.Sweep.MaxResults)
	assert.Equal(t, config.DefaultSweep().Layers, cfg.Sweep.Layers, "the loaded config is not modified")

	_, err = applyOptions(cfg, &RunOptionsSweep{Workers: 100})
	assert.Error(t, err)
}
