package catalog

import (
	"fmt"
	"os"

	"github.com/tracesweep-io/tracesweep/internal/findings"
	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
)

type fileIndicator struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Weight      *float64 `yaml:"weight"`
	Reliability *float64 `yaml:"reliability"`
	Threshold   *float64 `yaml:"threshold"`
	Layers      []string `yaml:"layers"`
	IOCType     *string  `yaml:"ioc_type"`
	Disabled    bool     `yaml:"disabled"`
}

type file struct {
	Indicators []fileIndicator `yaml:"indicators"`
}

// Load reads a catalog override file and merges it over the built-in table.
// Entries are matched by name: set fields replace the default, unknown names are added
// and `disabled: true` removes an indicator. An empty path returns the defaults.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open indicator catalog: %w", err)
	}
	defer f.Close()

	var overrides file
	if err := config.DecodeYAML(f, &overrides); err != nil {
		return nil, fmt.Errorf("failed to decode indicator catalog %q: %w", path, err)
	}
	return merge(DefaultIndicators(), overrides.Indicators)
}

// merge applies overrides to base and builds the resulting catalog.
func merge(base []Indicator, overrides []fileIndicator) (*Catalog, error) {
	index := make(map[string]int, len(base))
	for i, ind := range base {
		index[ind.Name] = i
	}
	removed := make(map[string]bool)

	for _, o := range overrides {
		if o.Name == "" {
			return nil, fmt.Errorf("indicator override without a name")
		}
		if o.Disabled {
			removed[o.Name] = true
			continue
		}
		i, exists := index[o.Name]
		if !exists {
			if o.Weight == nil || o.Reliability == nil || len(o.Layers) == 0 {
				return nil, fmt.Errorf("new indicator %q needs weight, reliability and layers", o.Name)
			}
			base = append(base, Indicator{Name: o.Name})
			i = len(base) - 1
			index[o.Name] = i
		}
		ind := &base[i]
		if o.Description != "" {
			ind.Description = o.Description
		}
		if o.Weight != nil {
			ind.Weight = *o.Weight
		}
		if o.Reliability != nil {
			ind.Reliability = *o.Reliability
		}
		if o.Threshold != nil {
			ind.Threshold = *o.Threshold
		}
		if o.IOCType != nil {
			ind.IOCType = findings.IOCType(*o.IOCType)
		}
		if len(o.Layers) > 0 {
			layers := make([]findings.Layer, 0, len(o.Layers))
			for _, name := range o.Layers {
				l, err := findings.ParseLayer(name)
				if err != nil {
					return nil, fmt.Errorf("indicator %q: %w", o.Name, err)
				}
				layers = append(layers, l)
			}
			ind.Layers = layers
		}
	}

	out := make([]Indicator, 0, len(base))
	for _, ind := range base {
		if !removed[ind.Name] {
			out = append(out, ind)
		}
	}
	return New(out)
}
