// Package probe defines the layer probe contract and the built-in probe variants.
package probe

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/tracesweep-io/tracesweep/internal/catalog"
	"github.com/tracesweep-io/tracesweep/internal/findings"
	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
	"github.com/tracesweep-io/tracesweep/pkg/shared/files"
)

// ErrUnsupported is returned by probes that cannot run on this platform.
var ErrUnsupported = stderrors.New("probe is not supported on this platform")

// Observation is one raw artifact a probe found, with the indicators it matched.
type Observation struct {
	ArtifactType string
	Location     string
	Description  string
	EvidenceHash string
	Indicators   []string
	Attributes   map[string]string
	FileSize     *int64
	Permissions  string
	// ObservedAt is taken when the artifact is seen, not when it is persisted.
	ObservedAt time.Time
}

// Probe scans one layer. Probes only report observations through the collector and
// never write evidence themselves. Scan must check ctx at every entry it visits and
// return promptly once ctx is done or the collector is full.
type Probe interface {
	Layer() findings.Layer
	Scan(ctx context.Context, c *Collector) error
}

// Elevated is implemented by probes that need root or administrator rights.
type Elevated interface {
	RequiresElevation() bool
}

// RequiresElevation reports whether p declares it needs elevated rights.
func RequiresElevation(p Probe) bool {
	e, ok := p.(Elevated)
	return ok && e.RequiresElevation()
}

// Env carries the read-only inputs shared by the built-in probes of a session.
type Env struct {
	Sweep   config.Sweep
	Catalog *catalog.Catalog
	Digests *Digester
	Logger  hclog.Logger
	Now     func() time.Time
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Env) logger() hclog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return hclog.NewNullLogger()
}

// path resolves an absolute host path under the configured root filesystem.
// A path that climbs out of the root is rejected.
func (e Env) path(p string) (string, error) {
	root := e.Sweep.RootFS
	if root == "" || root == "/" {
		return p, nil
	}
	vol := filepath.VolumeName(p)
	return files.EnsureWithinRoot(root, filepath.Join(root, strings.TrimPrefix(p, vol)))
}

// procPath joins elements under the proc root.
func (e Env) procPath(elem ...string) string {
	root := e.Sweep.ProcRoot
	if root == "" {
		root = "/proc"
	}
	return filepath.Join(append([]string{root}, elem...)...)
}

// has reports whether the catalog enables indicator name for layer.
func (e Env) has(name string, layer findings.Layer) bool {
	return e.Catalog == nil || e.Catalog.Has(name, layer)
}

func (e Env) threshold(name string, fallback float64) float64 {
	if e.Catalog == nil {
		return fallback
	}
	return e.Catalog.Threshold(name, fallback)
}

// Collector accumulates observations for one layer up to a result bound.
type Collector struct {
	layer     findings.Layer
	max       int
	now       func() time.Time
	mu        sync.Mutex
	obs       []Observation
	truncated bool
}

// NewCollector returns a collector accepting at most max observations; max < 1 means unbounded.
func NewCollector(layer findings.Layer, max int) *Collector {
	return &Collector{layer: layer, max: max, now: time.Now, obs: []Observation{}}
}

// Layer returns the layer observations are collected for.
func (c *Collector) Layer() findings.Layer {
	return c.layer
}

// Add records an observation. Observations without indicators are ignored.
// It returns false when the observation was dropped because the bound was already
// reached; the probe should stop scanning.
func (c *Collector) Add(o Observation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.max > 0 && len(c.obs) >= c.max {
		c.truncated = true
		return false
	}
	if len(o.Indicators) == 0 {
		return true
	}
	if joined := findings.JoinIndicators(o.Indicators); joined != "" {
		o.Indicators = strings.Split(joined, ",")
	}
	if o.ObservedAt.IsZero() {
		o.ObservedAt = c.now()
	}
	c.obs = append(c.obs, o)
	return true
}

// Full reports whether the result bound has been reached.
func (c *Collector) Full() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max > 0 && len(c.obs) >= c.max
}

// MarkTruncated records that results were cut short.
func (c *Collector) MarkTruncated() {
	c.mu.Lock()
	c.truncated = true
	c.mu.Unlock()
}

// Truncated reports whether results were cut by the bound or a deadline.
func (c *Collector) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

// Observations returns a copy of what was collected. It is never nil.
func (c *Collector) Observations() []Observation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Observation, len(c.obs))
	copy(out, c.obs)
	return out
}

// Outcome is the result of running one probe.
type Outcome struct {
	Layer        findings.Layer
	Observations []Observation
	Truncated    bool
	// Unsupported is set when the probe cannot run here; it is not a failure.
	Unsupported bool
	Err         error
	Duration    time.Duration
}

// Run executes p with a result bound. A deadline or cancellation keeps the
// partial results and marks them truncated. Any other error or a panic discards
// the layer's observations and is returned in Outcome.Err.
func Run(ctx context.Context, p Probe, maxResults int) (out Outcome) {
	start := time.Now()
	c := NewCollector(p.Layer(), maxResults)
	out.Layer = p.Layer()

	defer func() {
		if r := recover(); r != nil {
			out.Observations = []Observation{}
			out.Truncated = false
			out.Err = fmt.Errorf("probe panicked: %v\n%s", r, debug.Stack())
		}
		out.Duration = time.Since(start)
	}()

	err := p.Scan(ctx, c)
	switch {
	case err == nil:
	case stderrors.Is(err, ErrUnsupported):
		out.Unsupported = true
		out.Observations = []Observation{}
		return out
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, context.Canceled):
		if ctx.Err() == nil {
			// the probe's own timeout, not ours
			out.Err = err
			out.Observations = []Observation{}
			return out
		}
		c.MarkTruncated()
	default:
		out.Err = err
		out.Observations = []Observation{}
		return out
	}
	if ctx.Err() != nil {
		c.MarkTruncated()
	}

	out.Observations = c.Observations()
	out.Truncated = c.Truncated()
	return out
}
