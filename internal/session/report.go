package session

import (
	"sort"
	"time"

	"github.com/tracesweep-io/tracesweep/internal/findings"
)

// LayerReport describes what happened to one layer.
type LayerReport struct {
	Layer  findings.Layer `json:"layer"`
	Status LayerStatus    `json:"status"`
	// Observations is what the probe reported; Findings is what was persisted.
	Observations int           `json:"observations"`
	Findings     int           `json:"findings"`
	Duration     time.Duration `json:"duration_ns"`
	Source       string        `json:"source"`
	Reason       string        `json:"reason,omitempty"`
}

// Report is the result of one session run.
type Report struct {
	Session findings.Session `json:"session"`
	State   State            `json:"state"`
	Layers  []LayerReport    `json:"layers"`
	// Degraded lists the layers that failed, timed out or could not be stored.
	Degraded  []findings.Layer `json:"degraded,omitempty"`
	Findings  int              `json:"findings"`
	IOCs      []findings.IOC   `json:"iocs"`
	IOCFailed int              `json:"ioc_failed,omitempty"`
	Cancelled bool             `json:"cancelled"`
	Error     string           `json:"error,omitempty"`
}

// finish orders layers canonically and derives the summary fields.
func (r *Report) finish() {
	sort.Slice(r.Layers, func(i, j int) bool { return r.Layers[i].Layer < r.Layers[j].Layer })
	r.Degraded = nil
	r.Findings = 0
	for _, l := range r.Layers {
		r.Findings += l.Findings
		if l.Status == StatusDegraded {
			r.Degraded = append(r.Degraded, l.Layer)
		}
	}
	if r.IOCs == nil {
		r.IOCs = []findings.IOC{}
	}
}

// Layer returns the report of layer l.
func (r Report) Layer(l findings.Layer) (LayerReport, bool) {
	for _, lr := range r.Layers {
		if lr.Layer == l {
			return lr, true
		}
	}
	return LayerReport{}, false
}
