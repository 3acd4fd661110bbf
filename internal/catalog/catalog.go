package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/tracesweep-io/tracesweep/internal/findings"
)

// Indicator is one named signal a probe can match on an observation.
type Indicator struct {
	Name        string
	Description string
	Weight      float64
	Reliability float64
	// Threshold is a probe-side trigger parameter; its unit depends on the indicator.
	Threshold float64
	Layers    []findings.Layer
	// IOCType marks the indicator as IOC-worthy when set.
	IOCType findings.IOCType
}

// AppliesTo reports whether the indicator is defined for the layer.
func (i Indicator) AppliesTo(layer findings.Layer) bool {
	for _, l := range i.Layers {
		if l == layer {
			return true
		}
	}
	return false
}

func (i Indicator) validate() error {
	if i.Name == "" || strings.ContainsAny(i.Name, ", \t\n") {
		return fmt.Errorf("indicator name %q is invalid", i.Name)
	}
	if math.IsNaN(i.Weight) || math.IsInf(i.Weight, 0) || i.Weight < 0 {
		return fmt.Errorf("indicator %q: weight must be a non-negative number, got %v", i.Name, i.Weight)
	}
	if math.IsNaN(i.Reliability) || i.Reliability < 0 || i.Reliability > 1 {
		return fmt.Errorf("indicator %q: reliability must be within [0,1], got %v", i.Name, i.Reliability)
	}
	if math.IsNaN(i.Threshold) || i.Threshold < 0 {
		return fmt.Errorf("indicator %q: threshold cannot be negative, got %v", i.Name, i.Threshold)
	}
	if len(i.Layers) == 0 {
		return fmt.Errorf("indicator %q: no layers", i.Name)
	}
	for _, l := range i.Layers {
		if !l.Valid() {
			return fmt.Errorf("indicator %q: invalid layer %d", i.Name, int(l))
		}
	}
	if i.IOCType != "" && !i.IOCType.Valid() {
		return fmt.Errorf("indicator %q: unknown ioc_type %q", i.Name, i.IOCType)
	}
	return nil
}

// Catalog is an immutable indicator table. It is safe for concurrent use.
type Catalog struct {
	byName map[string]Indicator
	names  []string
	digest string
}

// New builds a catalog from indicators. Names must be unique.
func New(indicators []Indicator) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Indicator, len(indicators))}
	for _, ind := range indicators {
		if err := ind.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byName[ind.Name]; dup {
			return nil, fmt.Errorf("indicator %q defined twice", ind.Name)
		}
		ind.Layers = append([]findings.Layer(nil), ind.Layers...)
		sort.Slice(ind.Layers, func(a, b int) bool { return ind.Layers[a] < ind.Layers[b] })
		c.byName[ind.Name] = ind
		c.names = append(c.names, ind.Name)
	}
	sort.Strings(c.names)
	c.digest = c.computeDigest()
	return c, nil
}

// Lookup returns the indicator with the given name.
func (c *Catalog) Lookup(name string) (Indicator, bool) {
	ind, ok := c.byName[name]
	return ind, ok
}

// Names lists all indicator names in sorted order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Len returns the number of indicators.
func (c *Catalog) Len() int {
	return len(c.names)
}

// ForLayer returns the indicators applicable to a layer, sorted by name.
func (c *Catalog) ForLayer(layer findings.Layer) []Indicator {
	var out []Indicator
	for _, n := range c.names {
		if ind := c.byName[n]; ind.AppliesTo(layer) {
			out = append(out, ind)
		}
	}
	return out
}

// Has reports whether name is defined and applies to layer. Probes use it to
// skip checks the catalog has disabled.
func (c *Catalog) Has(name string, layer findings.Layer) bool {
	ind, ok := c.byName[name]
	return ok && ind.AppliesTo(layer)
}

// Threshold returns the indicator's threshold, or fallback when unset.
func (c *Catalog) Threshold(name string, fallback float64) float64 {
	if ind, ok := c.byName[name]; ok && ind.Threshold > 0 {
		return ind.Threshold
	}
	return fallback
}

// IOCType returns the IOC type of an IOC-worthy indicator.
func (c *Catalog) IOCType(name string) (findings.IOCType, bool) {
	ind, ok := c.byName[name]
	if !ok || ind.IOCType == "" {
		return "", false
	}
	return ind.IOCType, true
}

// Digest identifies the catalog content. Two catalogs with equal digests score identically.
func (c *Catalog) Digest() string {
	return c.digest
}

func (c *Catalog) computeDigest() string {
	h := sha256.New()
	for _, n := range c.names {
		ind := c.byName[n]
		fmt.Fprintf(h, "%s|%g|%g|%g|%v|%s\n", ind.Name, ind.Weight, ind.Reliability, ind.Threshold, ind.Layers, ind.IOCType)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
