package session

import (
	"fmt"

	"github.com/tracesweep-io/tracesweep/internal/findings"
	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
	"github.com/tracesweep-io/tracesweep/pkg/shared/errors"
)

// plan is the dispatch order of the enabled layers and what each waits for.
type plan struct {
	layers []findings.Layer
	after  map[findings.Layer][]findings.Layer
}

// newPlan orders the enabled layers so every layer comes after the layers it depends on.
// Ties keep the canonical layer order. Dependencies on disabled layers are dropped.
func newPlan(sweep config.Sweep) (plan, error) {
	enabled := make(map[findings.Layer]bool, len(sweep.Layers))
	for _, name := range sweep.Layers {
		l, err := findings.ParseLayer(name)
		if err != nil {
			return plan{}, errors.New(errors.KindConfigInvalid, "plan layers", err)
		}
		enabled[l] = true
	}

	after := make(map[findings.Layer][]findings.Layer)
	indegree := make(map[findings.Layer]int, len(enabled))
	dependents := make(map[findings.Layer][]findings.Layer)
	for name, deps := range sweep.Dependencies {
		l, err := findings.ParseLayer(name)
		if err != nil {
			return plan{}, errors.New(errors.KindConfigInvalid, "plan layers", err)
		}
		if !enabled[l] {
			continue
		}
		for _, d := range deps {
			dl, err := findings.ParseLayer(d)
			if err != nil {
				return plan{}, errors.New(errors.KindConfigInvalid, "plan layers", err)
			}
			if !enabled[dl] || dl == l || contains(after[l], dl) {
				continue
			}
			after[l] = append(after[l], dl)
			dependents[dl] = append(dependents[dl], l)
			indegree[l]++
		}
	}

	p := plan{layers: make([]findings.Layer, 0, len(enabled)), after: after}
	placed := make(map[findings.Layer]bool, len(enabled))
	for len(p.layers) < len(enabled) {
		progressed := false
		for _, l := range findings.Layers {
			if !enabled[l] || placed[l] || indegree[l] > 0 {
				continue
			}
			placed[l] = true
			p.layers = append(p.layers, l)
			for _, next := range dependents[l] {
				indegree[next]--
			}
			progressed = true
			break
		}
		if !progressed {
			return plan{}, errors.Newf(errors.KindConfigInvalid, "plan layers", "layer dependencies form a cycle")
		}
	}
	return p, nil
}

func contains(ls []findings.Layer, l findings.Layer) bool {
	for _, x := range ls {
		if x == l {
			return true
		}
	}
	return false
}

func (p plan) String() string {
	return fmt.Sprint(p.layers)
}
