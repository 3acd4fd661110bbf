// Package scorer maps matched indicators to a depth score, a confidence and a threat level.
// Scoring is pure: the same layer, indicator set and catalog always produce the same result.
package scorer

import (
	"math"
	"sort"

	"github.com/tracesweep-io/tracesweep/internal/catalog"
	"github.com/tracesweep-io/tracesweep/internal/findings"
)

// Normalization divides the reliability-weighted sum before clamping to [0,1].
const Normalization = 1.0

// confidencePrecision bounds float noise so equal inputs persist equal values.
const confidencePrecision = 1e6

// BaseDepth is the starting depth of each layer before indicator weights are added.
var BaseDepth = map[findings.Layer]float64{
	findings.LayerSurface:  1,
	findings.LayerDeletion: 3,
	findings.LayerProcess:  3,
	findings.LayerNetwork:  4,
	findings.LayerMemory:   4,
	findings.LayerRegistry: 3,
}

// Threat level thresholds.
const (
	CriticalDepth      = 6
	CriticalConfidence = 0.9
	HighDepth          = 5
	HighConfidence     = 0.8
	MediumDepth        = 3
	MediumConfidence   = 0.5
)

// Result is the scored form of one observation.
type Result struct {
	Depth      int
	Confidence float64
	Threat     findings.ThreatLevel
	// Indicators holds the names that contributed, sorted and deduplicated.
	Indicators []string
}

// Score computes the depth, confidence and threat level of an observation on layer
// that matched the given indicators. Names absent from the catalog or not applicable to
// the layer are ignored and a repeated name fires once.
func Score(layer findings.Layer, matched []string, c *catalog.Catalog) Result {
	names := applicable(layer, matched, c)

	var weights, reliable float64
	for _, n := range names {
		ind, _ := c.Lookup(n)
		weights += ind.Weight
		reliable += ind.Weight * ind.Reliability
	}

	depth := clampInt(int(math.Round(BaseDepth[layer]+weights)), findings.MinDepth, findings.MaxDepth)
	confidence := clampFloat(reliable/Normalization, 0, 1)
	confidence = math.Round(confidence*confidencePrecision) / confidencePrecision

	return Result{
		Depth:      depth,
		Confidence: confidence,
		Threat:     Classify(depth, confidence),
		Indicators: names,
	}
}

// Classify derives the threat level from a depth score and a confidence.
func Classify(depth int, confidence float64) findings.ThreatLevel {
	switch {
	case depth >= CriticalDepth && confidence >= CriticalConfidence:
		return findings.ThreatCritical
	case depth >= HighDepth || confidence >= HighConfidence:
		return findings.ThreatHigh
	case depth >= MediumDepth || confidence >= MediumConfidence:
		return findings.ThreatMedium
	default:
		return findings.ThreatLow
	}
}

func applicable(layer findings.Layer, matched []string, c *catalog.Catalog) []string {
	seen := make(map[string]bool, len(matched))
	names := make([]string, 0, len(matched))
	for _, n := range matched {
		if seen[n] || !c.Has(n, layer) {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
