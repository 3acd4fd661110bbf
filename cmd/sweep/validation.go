package sweep

import (
	"fmt"
	"path/filepath"

	"github.com/tracesweep-io/tracesweep/internal/findings"
	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
	"github.com/tracesweep-io/tracesweep/pkg/shared/errors"
	"github.com/tracesweep-io/tracesweep/pkg/shared/files"
)

// validateSweepArgs validates the arguments provided to the sweep command.
func validateSweepArgs(options *RunOptionsSweep, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("the sweep command takes no positional arguments")
	}
	for _, l := range options.Layers {
		if _, err := findings.ParseLayer(l); err != nil {
			return fmt.Errorf("the 'layers' flag is invalid: %w", err)
		}
	}
	if options.Workers < 0 {
		return fmt.Errorf("the 'workers' flag must be a positive integer")
	}
	if options.MaxResults < 0 {
		return fmt.Errorf("the 'max-results' flag must be a positive integer")
	}
	if options.LayerTimeout < 0 {
		return fmt.Errorf("the 'layer-timeout' flag cannot be negative")
	}
	if options.Catalog != "" {
		if err := files.ValidatePath(options.Catalog); err != nil {
			return fmt.Errorf("the 'catalog' flag is invalid: %w", err)
		}
	}
	if options.OutputPath != "" {
		if err := files.CreateFolderIfNotExists(filepath.Dir(options.OutputPath)); err != nil {
			return fmt.Errorf("the 'output' folder cannot be created: %w", err)
		}
	}
	return nil
}

// applyOptions returns a copy of cfg with the command line overrides applied and
// re-validates the sweep directive.
func applyOptions(cfg *config.Config, options *RunOptionsSweep) (*config.Config, error) {
	out := *cfg
	if len(options.Layers) > 0 {
		out.Sweep.Layers = options.Layers
	}
	out.Sweep.MaxWorkers = config.SetThen(options.Workers, out.Sweep.MaxWorkers)
	out.Sweep.MaxResults = config.SetThen(options.MaxResults, out.Sweep.MaxResults)
	out.Sweep.LayerTimeout = config.SetThen(options.LayerTimeout, out.Sweep.LayerTimeout)
	out.Sweep.IndicatorCatalog = config.SetThen(options.Catalog, out.Sweep.IndicatorCatalog)

	if err := config.ValidateSweepConfig(&out.Sweep); err != nil {
		return nil, errors.New(errors.KindConfigInvalid, "apply sweep flags", err)
	}
	return &out, nil
}
