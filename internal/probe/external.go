package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/tracesweep-io/tracesweep/internal/findings"
	"github.com/tracesweep-io/tracesweep/pkg/shared"
	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
)

// drainTimeout bounds how long a cancelled scan waits for the provider's partial response.
const drainTimeout = 500 * time.Millisecond

// External serves a layer from a provider binary over go-plugin.
type External struct {
	layer    findings.Layer
	binary   string
	elevated bool
	cfg      *config.Config
	logger   hclog.Logger
	// dispense is swapped in tests to avoid spawning a process.
	dispense func(f func(interface{}) error) error
}

// NewExternal returns a probe for layer backed by the provider binary in the plugins folder.
func NewExternal(cfg *config.Config, logger hclog.Logger, layer findings.Layer, binary string, elevated bool) *External {
	e := &External{layer: layer, binary: binary, elevated: elevated, cfg: cfg, logger: logger}
	e.dispense = func(f func(interface{}) error) error {
		return shared.WithPlugin(e.cfg, e.logger, shared.PluginTypeProbe, e.binary, f)
	}
	return e
}

func (e *External) Layer() findings.Layer {
	return e.layer
}

// Binary is the provider binary name in the plugins folder.
func (e *External) Binary() string {
	return e.binary
}

func (e *External) RequiresElevation() bool {
	return e.elevated
}

func (e *External) Scan(ctx context.Context, c *Collector) error {
	return e.dispense(func(raw interface{}) error {
		provider, ok := raw.(shared.Provider)
		if !ok {
			return fmt.Errorf("plugin %q does not implement the probe provider interface", e.binary)
		}

		done := make(chan providerResult, 1)
		go func() {
			if _, err := provider.Setup(*e.cfg); err != nil {
				done <- providerResult{err: fmt.Errorf("provider setup failed: %w", err)}
				return
			}
			req := shared.ProviderScanRequest{Layer: e.layer.String(), MaxResults: c.max}
			if deadline, ok := ctx.Deadline(); ok {
				req.Deadline = providerDeadline(deadline, time.Now())
			}
			resp, err := provider.Scan(req)
			done <- providerResult{resp: resp, err: err}
		}()

		select {
		case <-ctx.Done():
			timer := time.NewTimer(drainTimeout)
			defer timer.Stop()
			select {
			case r := <-done:
				if r.err == nil {
					e.collect(c, r.resp)
				}
			case <-timer.C:
			}
			// returning kills the plugin process, which unblocks a pending call
			return ctx.Err()
		case r := <-done:
			if r.err != nil {
				return fmt.Errorf("provider %q scan failed: %w", e.binary, r.err)
			}
			if r.resp.Unsupported {
				return ErrUnsupported
			}
			e.collect(c, r.resp)
			return nil
		}
	})
}

type providerResult struct {
	resp shared.ProviderScanResponse
	err  error
}

func (e *External) collect(c *Collector, resp shared.ProviderScanResponse) {
	for _, wire := range resp.Observations {
		if !c.Add(fromWire(wire)) {
			break
		}
	}
	if resp.Truncated {
		c.MarkTruncated()
	}
}

// providerDeadline moves deadline earlier by a tenth of the remaining time, at most a
// second, so the provider's truncated response arrives before the host gives up.
func providerDeadline(deadline, now time.Time) time.Time {
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return deadline
	}
	return deadline.Add(-min(time.Second, remaining/10))
}

func fromWire(w shared.ProviderObservation) Observation {
	o := Observation{
		ArtifactType: w.ArtifactType,
		Location:     w.Location,
		Description:  w.Description,
		EvidenceHash: w.EvidenceHash,
		Indicators:   w.Indicators,
		Attributes:   w.Attributes,
		Permissions:  w.Permissions,
		ObservedAt:   w.ObservedAt,
	}
	if w.HasFileSize {
		size := w.FileSize
		o.FileSize = &size
	}
	return o
}

// ToWire converts an observation for the provider protocol.
func ToWire(o Observation) shared.ProviderObservation {
	w := shared.ProviderObservation{
		ArtifactType: o.ArtifactType,
		Location:     o.Location,
		Description:  o.Description,
		EvidenceHash: o.EvidenceHash,
		Indicators:   o.Indicators,
		Attributes:   o.Attributes,
		Permissions:  o.Permissions,
		ObservedAt:   o.ObservedAt,
	}
	if o.FileSize != nil {
		w.FileSize = *o.FileSize
		w.HasFileSize = true
	}
	return w
}

// Provider adapts a built-in probe into a provider that a plugin binary can serve.
type Provider struct {
	New    func(cfg config.Config) (Probe, error)
	Logger hclog.Logger
	probe  Probe
}

func (s *Provider) Setup(cfg config.Config) (bool, error) {
	p, err := s.New(cfg)
	if err != nil {
		return false, err
	}
	s.probe = p
	return true, nil
}

func (s *Provider) Scan(req shared.ProviderScanRequest) (shared.ProviderScanResponse, error) {
	if s.probe == nil {
		return shared.ProviderScanResponse{}, fmt.Errorf("provider is not set up")
	}
	if req.Layer != s.probe.Layer().String() {
		return shared.ProviderScanResponse{}, fmt.Errorf("provider serves layer %q, not %q", s.probe.Layer(), req.Layer)
	}
	ctx := context.Background()
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	start := time.Now()
	out := Run(ctx, s.probe, req.MaxResults)
	if s.Logger != nil {
		s.Logger.Debug("provider scan finished", "layer", req.Layer, "observations", len(out.Observations), "duration", time.Since(start))
	}
	if out.Err != nil {
		return shared.ProviderScanResponse{}, out.Err
	}
	if out.Unsupported {
		return shared.ProviderScanResponse{Unsupported: true}, nil
	}
	resp := shared.ProviderScanResponse{Truncated: out.Truncated}
	for _, o := range out.Observations {
		resp.Observations = append(resp.Observations, ToWire(o))
	}
	return resp, nil
}
