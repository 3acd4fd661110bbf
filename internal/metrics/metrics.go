// Package metrics holds the Prometheus collectors of one sweep session.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tracesweep"

// Session groups the collectors of a session in a private registry. A nil *Session
// records nothing.
type Session struct {
	registry *prometheus.Registry
	findings *prometheus.CounterVec
	threats  *prometheus.CounterVec
	layers   *prometheus.CounterVec
	duration *prometheus.GaugeVec
	retries  *prometheus.CounterVec
	iocs     prometheus.Gauge
	finished prometheus.Gauge
}

// NewSession creates and registers the session collectors.
func NewSession() *Session {
	m := &Session{
		registry: prometheus.NewRegistry(),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Findings persisted, by layer.",
		}, []string{"layer"}),
		threats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_by_threat_total",
			Help:      "Findings persisted, by threat level.",
		}, []string{"threat_level"}),
		layers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layers_total",
			Help:      "Layers finished, by status.",
		}, []string{"layer", "status"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "layer_duration_seconds",
			Help:      "Wall time of the last run of each layer.",
		}, []string{"layer"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_retries_total",
			Help:      "Evidence store writes retried after contention, by operation.",
		}, []string{"op"}),
		iocs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_iocs",
			Help:      "IOCs derived or updated by the session.",
		}),
		finished: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_finished_timestamp_seconds",
			Help:      "Unix time the session was finalized.",
		}),
	}
	m.registry.MustRegister(m.findings, m.threats, m.layers, m.duration, m.retries, m.iocs, m.finished)
	return m
}

// Registry exposes the collectors for custom gathering.
func (m *Session) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveLayer records how a layer finished.
func (m *Session) ObserveLayer(layer, status string, findings int, d time.Duration) {
	if m == nil {
		return
	}
	m.layers.WithLabelValues(layer, status).Inc()
	m.findings.WithLabelValues(layer).Add(float64(findings))
	m.duration.WithLabelValues(layer).Set(d.Seconds())
}

// ObserveThreat counts one persisted finding of the given level.
func (m *Session) ObserveThreat(level string) {
	if m == nil {
		return
	}
	m.threats.WithLabelValues(level).Inc()
}

// StorageRetry counts one contention retry of op.
func (m *Session) StorageRetry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

// Finish records the IOC count and the finalization time.
func (m *Session) Finish(iocs int, at time.Time) {
	if m == nil {
		return
	}
	m.iocs.Set(float64(iocs))
	m.finished.Set(float64(at.Unix()))
}

// WriteTextfile writes the collectors in the node exporter textfile format.
func (m *Session) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %q: %w", path, err)
	}
	return nil
}
