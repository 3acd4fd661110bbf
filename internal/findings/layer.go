package findings

import (
	"fmt"
	"strings"
)

// Layer is one detection domain. The set is closed; values are persisted as integers.
type Layer int

const (
	LayerSurface Layer = iota + 1
	LayerDeletion
	LayerProcess
	LayerNetwork
	LayerMemory
	LayerRegistry
)

// Layers lists every layer in dispatch order.
var Layers = []Layer{LayerSurface, LayerDeletion, LayerProcess, LayerNetwork, LayerMemory, LayerRegistry}

var layerNames = map[Layer]string{
	LayerSurface:  "surface",
	LayerDeletion: "deletion",
	LayerProcess:  "process",
	LayerNetwork:  "network",
	LayerMemory:   "memory",
	LayerRegistry: "registry",
}

func (l Layer) String() string {
	if name, ok := layerNames[l]; ok {
		return name
	}
	return fmt.Sprintf("layer(%d)", int(l))
}

// Valid reports whether l is one of the six known layers.
func (l Layer) Valid() bool {
	_, ok := layerNames[l]
	return ok
}

// ParseLayer accepts either the layer name ("network", "NetworkLayer") or its number.
func ParseLayer(s string) (Layer, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimSuffix(name, "layer")
	for l, n := range layerNames {
		if n == name || fmt.Sprint(int(l)) == name {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown layer %q", s)
}

// MarshalText encodes the layer by name.
func (l Layer) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a layer name.
func (l *Layer) UnmarshalText(b []byte) error {
	parsed, err := ParseLayer(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
