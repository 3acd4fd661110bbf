package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/tracesweep-io/tracesweep/internal/catalog"
	"github.com/tracesweep-io/tracesweep/internal/evidence"
	"github.com/tracesweep-io/tracesweep/internal/findings"
	"github.com/tracesweep-io/tracesweep/internal/ioc"
	"github.com/tracesweep-io/tracesweep/internal/metrics"
	"github.com/tracesweep-io/tracesweep/internal/probe"
	"github.com/tracesweep-io/tracesweep/internal/scorer"
	"github.com/tracesweep-io/tracesweep/internal/sysinfo"
	"github.com/tracesweep-io/tracesweep/pkg/shared"
	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
	"github.com/tracesweep-io/tracesweep/pkg/shared/errors"
)

// Metadata keys the orchestrator adds to every finding.
const (
	MetaSource        = "source"
	MetaCatalogDigest = "catalog_digest"
)

// Options configures an Orchestrator. Config and Store are required.
type Options struct {
	Config *config.Config
	Store  evidence.Store
	// Catalog defaults to the catalog file named in the sweep directive, or the built-in table.
	Catalog *catalog.Catalog
	// Probes replaces the configured probes when set.
	Probes map[findings.Layer]probe.Probe
	// Privilege defaults to the privilege of the running process.
	Privilege sysinfo.Privilege
	Metrics   *metrics.Session
	Logger    hclog.Logger
	Now       func() time.Time
}

// Orchestrator drives one session from Created to Closed or Aborted. It is the only
// writer of the session's findings; probes only report observations.
type Orchestrator struct {
	cfg       *config.Config
	store     evidence.Store
	catalog   *catalog.Catalog
	probes    map[findings.Layer]probe.Probe
	elevated  map[findings.Layer]bool
	privilege sysinfo.Privilege
	extractor *ioc.Extractor
	metrics   *metrics.Session
	logger    hclog.Logger
	now       func() time.Time

	mu    sync.Mutex
	state State
}

// layerResult travels from a layer task to the orchestrator loop.
type layerResult struct {
	layer   findings.Layer
	status  LayerStatus
	reason  string
	source  string
	outcome probe.Outcome
}

// New validates the options and prepares a session in the Created state.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, errors.Newf(errors.KindConfigInvalid, "new session", "configuration is nil")
	}
	if opts.Store == nil {
		return nil, errors.Newf(errors.KindConfigInvalid, "new session", "evidence store is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := opts.Catalog
	if c == nil {
		var err error
		if c, err = catalog.Load(opts.Config.Sweep.IndicatorCatalog); err != nil {
			return nil, errors.New(errors.KindConfigInvalid, "load catalog", err)
		}
	}

	probes := opts.Probes
	if probes == nil {
		env, err := probe.NewEnv(opts.Config.Sweep, c, logger.Named("probe"))
		if err != nil {
			return nil, errors.New(errors.KindConfigInvalid, "prepare probes", err)
		}
		if probes, err = probe.Configured(opts.Config, env, logger.Named("plugin")); err != nil {
			return nil, errors.New(errors.KindConfigInvalid, "prepare probes", err)
		}
	}

	elevated := make(map[findings.Layer]bool, len(opts.Config.Plugins.Elevated))
	for _, name := range opts.Config.Plugins.Elevated {
		l, err := findings.ParseLayer(name)
		if err != nil {
			return nil, errors.New(errors.KindConfigInvalid, "new session", err)
		}
		elevated[l] = true
	}

	privilege := opts.Privilege
	if privilege == "" {
		privilege = sysinfo.DetectPrivilege()
	}

	return &Orchestrator{
		cfg:       opts.Config,
		store:     opts.Store,
		catalog:   c,
		probes:    probes,
		elevated:  elevated,
		privilege: privilege,
		extractor: ioc.New(opts.Store, c, opts.Config.Sweep.IOCHalfLife, logger.Named("ioc")),
		metrics:   opts.Metrics,
		logger:    logger,
		now:       now,
		state:     StateCreated,
	}, nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev != s {
		o.logger.Debug("session state changed", "from", prev, "to", s)
	}
}

// Run executes the session. Layer failures are recorded as degraded and never stop the
// other layers. Cancelling ctx stops dispatch, waits up to the grace timeout for layers
// in flight, persists what they returned and still closes the session. An integrity
// violation aborts the session and is returned.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	o.mu.Lock()
	if o.state != StateCreated {
		state := o.state
		o.mu.Unlock()
		return Report{State: state}, fmt.Errorf("session cannot run from state %q", state)
	}
	o.mu.Unlock()

	report := Report{State: StateCreated}
	p, err := newPlan(o.cfg.Sweep)
	if err != nil {
		return o.fail(report, err)
	}

	sess, err := o.store.CreateSession(ctx, findings.Session{
		StartTime:      o.now(),
		PrivilegeLevel: string(o.privilege),
		SystemInfo: sysinfo.Snapshot(map[string]string{
			sysinfo.KeyCatalogDigest: o.catalog.Digest(),
			"layers":                 p.String(),
		}),
	})
	if err != nil {
		return o.fail(report, fmt.Errorf("failed to create session: %w", err))
	}
	report.Session = sess
	logger := o.logger.With("session_id", sess.ID)
	o.setState(StateRunning)
	logger.Info("session started", "layers", p.String(), "privilege", o.privilege,
		"max_workers", o.cfg.Sweep.MaxWorkers)

	// evidence already observed is written even after ctx is cancelled
	writeCtx := context.WithoutCancel(ctx)
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	results := make(chan layerResult, len(p.layers))
	go o.dispatch(runCtx, p, results)

	pending := make(map[findings.Layer]bool, len(p.layers))
	for _, l := range p.layers {
		pending[l] = true
	}
	done := ctx.Done()
	var grace <-chan time.Time
	var fatal error

	for len(pending) > 0 && fatal == nil {
		select {
		case r := <-results:
			delete(pending, r.layer)
			lr, err := o.persist(writeCtx, logger, sess.ID, r)
			report.Layers = append(report.Layers, lr)
			if err != nil {
				fatal = err
			}
		case <-done:
			done = nil
			report.Cancelled = true
			o.setState(StateFinalizing)
			logger.Warn("session cancelled, waiting for running layers", "pending", len(pending),
				"grace_timeout", o.cfg.Sweep.GraceTimeout)
			timer := time.NewTimer(o.cfg.Sweep.GraceTimeout)
			defer timer.Stop()
			grace = timer.C
		case <-grace:
			for _, l := range p.layers {
				if !pending[l] {
					continue
				}
				logger.Warn("layer abandoned after grace timeout", "layer", l)
				report.Layers = append(report.Layers, LayerReport{
					Layer:  l,
					Status: StatusCancelled,
					Source: sourceOf(o.probes[l]),
					Reason: "abandoned after grace timeout",
				})
				o.metrics.ObserveLayer(l.String(), string(StatusCancelled), 0, 0)
			}
			pending = nil
		}
	}
	stop()

	if fatal != nil {
		return o.abort(writeCtx, logger, report, fatal)
	}

	o.setState(StateFinalizing)
	extracted, err := o.extractor.Extract(writeCtx, sess.ID)
	if err != nil {
		if errors.IsFatal(err) {
			return o.abort(writeCtx, logger, report, err)
		}
		logger.Error("failed to extract iocs", "error", err)
	}
	report.IOCs = extracted.IOCs
	report.IOCFailed = extracted.Failed

	closed, err := o.store.FinalizeSession(writeCtx, sess.ID, o.now())
	if err != nil {
		return o.abort(writeCtx, logger, report, fmt.Errorf("failed to finalize session: %w", err))
	}
	report.Session = closed
	report.State = StateClosed
	o.setState(StateClosed)
	report.finish()
	o.metrics.Finish(len(report.IOCs), *closed.EndTime)

	logger.Info("session closed", "findings", report.Findings, "iocs", len(report.IOCs),
		"degraded", len(report.Degraded), "deepest_layer", closed.DeepestLayer, "cancelled", report.Cancelled)
	return report, nil
}

// fail ends a session that never started.
func (o *Orchestrator) fail(report Report, err error) (Report, error) {
	o.setState(StateAborted)
	report.State = StateAborted
	report.Error = err.Error()
	report.finish()
	o.logger.Error("session aborted before start", "error", err)
	return report, err
}

// abort ends a running session on an unrecoverable error. The end time is still
// written when the store accepts it, so the session is never left open.
func (o *Orchestrator) abort(ctx context.Context, logger hclog.Logger, report Report, cause error) (Report, error) {
	o.setState(StateAborted)
	report.State = StateAborted
	report.Error = cause.Error()
	if !report.Session.Closed() {
		if closed, err := o.store.FinalizeSession(ctx, report.Session.ID, o.now()); err != nil {
			logger.Error("failed to write end time of aborted session", "error", err)
		} else {
			report.Session = closed
		}
	}
	report.finish()
	logger.Error("session aborted", "error", cause, "kind", errors.KindOf(cause).String())
	return report, cause
}

// dispatch runs the plan under the bounded pool. Every layer sends exactly one result.
func (o *Orchestrator) dispatch(ctx context.Context, p plan, results chan<- layerResult) {
	finished := make(map[findings.Layer]chan struct{}, len(p.layers))
	for _, l := range p.layers {
		finished[l] = make(chan struct{})
	}
	started := make([]atomic.Bool, len(p.layers))

	shared.ForEveryWithBoundedGoroutines(ctx, o.cfg.Sweep.MaxWorkers, p.layers, func(i int, l findings.Layer) {
		started[i].Store(true)
		defer close(finished[l])
		results <- o.runLayer(ctx, l, p.after[l], finished)
	})

	for i, l := range p.layers {
		if started[i].Load() {
			continue
		}
		close(finished[l])
		results <- layerResult{
			layer:  l,
			status: StatusCancelled,
			source: sourceOf(o.probes[l]),
			reason: "not started before cancellation",
		}
	}
}

// runLayer waits for the layer's dependencies and runs its probe under the layer timeout.
func (o *Orchestrator) runLayer(ctx context.Context, l findings.Layer, after []findings.Layer, finished map[findings.Layer]chan struct{}) layerResult {
	p := o.probes[l]
	r := layerResult{layer: l, source: sourceOf(p)}
	if p == nil {
		r.status, r.reason = StatusSkipped, "no probe for layer"
		return r
	}

	for _, dep := range after {
		select {
		case <-finished[dep]:
		case <-ctx.Done():
			r.status, r.reason = StatusCancelled, fmt.Sprintf("cancelled while waiting for %s", dep)
			return r
		}
	}
	if ctx.Err() != nil {
		r.status, r.reason = StatusCancelled, "not started before cancellation"
		return r
	}
	if (o.elevated[l] || probe.RequiresElevation(p)) && !o.privilege.Elevated() {
		r.status, r.reason = StatusSkipped, "requires elevated privileges"
		return r
	}

	layerCtx, cancel := context.WithTimeout(ctx, o.cfg.Sweep.LayerTimeout)
	defer cancel()
	out := probe.Run(layerCtx, p, o.cfg.Sweep.MaxResults)
	r.outcome = out

	switch {
	case out.Err != nil:
		r.status, r.reason = StatusDegraded, out.Err.Error()
	case out.Unsupported:
		r.status, r.reason = StatusSkipped, "unsupported on this platform"
	case ctx.Err() != nil:
		r.status, r.reason = StatusCancelled, "cancelled while running"
	case layerCtx.Err() != nil:
		r.status, r.reason = StatusDegraded, fmt.Sprintf("timed out after %s", o.cfg.Sweep.LayerTimeout)
	case out.Truncated:
		r.status, r.reason = StatusTruncated, fmt.Sprintf("result bound of %d reached", o.cfg.Sweep.MaxResults)
	default:
		r.status = StatusCompleted
	}
	return r
}

// persist scores a layer's observations and writes them as one batch. A storage
// failure degrades the layer; only fatal errors are returned.
func (o *Orchestrator) persist(ctx context.Context, logger hclog.Logger, sessionID int64, r layerResult) (LayerReport, error) {
	lr := LayerReport{
		Layer:        r.layer,
		Status:       r.status,
		Observations: len(r.outcome.Observations),
		Duration:     r.outcome.Duration,
		Source:       r.source,
		Reason:       r.reason,
	}
	defer func() {
		o.metrics.ObserveLayer(lr.Layer.String(), string(lr.Status), lr.Findings, lr.Duration)
	}()

	if r.outcome.Err != nil {
		logger.Warn("layer degraded", "layer", r.layer, "error",
			errors.New(errors.KindProbeDegraded, "scan", r.outcome.Err).WithLayer(r.layer.String()))
	}

	batch := o.score(r.layer, r.source, r.outcome.Observations)
	if len(batch) == 0 {
		logger.Debug("layer finished", "layer", r.layer, "status", lr.Status, "findings", 0)
		return lr, nil
	}

	ids, err := o.store.InsertFindings(ctx, sessionID, batch)
	if err != nil {
		if errors.IsFatal(err) {
			return lr, err
		}
		lr.Status = StatusDegraded
		lr.Reason = fmt.Sprintf("failed to store findings: %v", err)
		logger.Error("failed to store layer findings", "layer", r.layer, "findings", len(batch), "error", err)
		return lr, nil
	}
	lr.Findings = len(ids)
	for _, f := range batch {
		o.metrics.ObserveThreat(string(f.ThreatLevel))
	}
	logger.Debug("layer finished", "layer", r.layer, "status", lr.Status, "findings", lr.Findings,
		"duration", lr.Duration)
	return lr, nil
}

// score turns observations into findings. Observations left without an applicable
// indicator are dropped.
func (o *Orchestrator) score(l findings.Layer, source string, obs []probe.Observation) []findings.Finding {
	digest := o.catalog.Digest()
	batch := make([]findings.Finding, 0, len(obs))
	for _, ob := range obs {
		res := scorer.Score(l, ob.Indicators, o.catalog)
		if len(res.Indicators) == 0 {
			continue
		}
		meta := make(map[string]string, len(ob.Attributes)+3)
		for k, v := range ob.Attributes {
			meta[k] = v
		}
		meta[findings.MetaIndicators] = findings.JoinIndicators(res.Indicators)
		meta[MetaSource] = source
		meta[MetaCatalogDigest] = digest

		artifact := ob.ArtifactType
		if artifact == "" {
			artifact = l.String()
		}
		description := ob.Description
		if description == "" {
			description = fmt.Sprintf("%s artifact at %s", artifact, ob.Location)
		}
		batch = append(batch, findings.Finding{
			Timestamp:     ob.ObservedAt,
			Layer:         l,
			ArtifactType:  artifact,
			Location:      ob.Location,
			Description:   description,
			EvidenceHash:  ob.EvidenceHash,
			DepthScore:    res.Depth,
			Metadata:      meta,
			FileSize:      ob.FileSize,
			Permissions:   ob.Permissions,
			IOCConfidence: res.Confidence,
			ThreatLevel:   res.Threat,
		})
	}
	return batch
}

func sourceOf(p probe.Probe) string {
	switch t := p.(type) {
	case nil:
		return "none"
	case *probe.External:
		return "plugin:" + t.Binary()
	default:
		return "builtin"
	}
}
