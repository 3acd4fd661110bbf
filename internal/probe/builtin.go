package probe

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/tracesweep-io/tracesweep/internal/catalog"
	"github.com/tracesweep-io/tracesweep/internal/findings"
	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
)

// NewEnv prepares the shared probe inputs for one session.
func NewEnv(sweep config.Sweep, c *catalog.Catalog, logger hclog.Logger) (Env, error) {
	digests, err := NewDigester(sweep.HashAlgorithm, sweep.MaxFileSize, sweep.DigestCacheSize)
	if err != nil {
		return Env{}, err
	}
	return Env{Sweep: sweep, Catalog: c, Digests: digests, Logger: logger, Now: time.Now}, nil
}

// Builtin returns the built-in probe for every layer.
func Builtin(env Env) map[findings.Layer]Probe {
	with := func(l findings.Layer) Env {
		e := env
		e.Logger = env.logger().Named(l.String())
		return e
	}
	return map[findings.Layer]Probe{
		findings.LayerSurface:  NewSurface(with(findings.LayerSurface)),
		findings.LayerDeletion: NewDeletion(with(findings.LayerDeletion)),
		findings.LayerProcess:  NewProcess(with(findings.LayerProcess)),
		findings.LayerNetwork:  NewNetwork(with(findings.LayerNetwork)),
		findings.LayerMemory:   NewMemory(with(findings.LayerMemory)),
		findings.LayerRegistry: NewRegistry(with(findings.LayerRegistry)),
	}
}

// Configured returns the probe of every layer: the built-in one unless the plugins
// directive names a provider binary for it.
func Configured(cfg *config.Config, env Env, logger hclog.Logger) (map[findings.Layer]Probe, error) {
	probes := Builtin(env)
	elevated := make(map[findings.Layer]bool, len(cfg.Plugins.Elevated))
	for _, name := range cfg.Plugins.Elevated {
		l, err := findings.ParseLayer(name)
		if err != nil {
			return nil, err
		}
		elevated[l] = true
	}
	for name, binary := range cfg.Plugins.Providers {
		l, err := findings.ParseLayer(name)
		if err != nil {
			return nil, err
		}
		probes[l] = NewExternal(cfg, logger.Named(l.String()), l, binary, elevated[l])
	}
	return probes, nil
}
