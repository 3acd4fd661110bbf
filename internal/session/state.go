// Package session runs one forensic sweep: it dispatches the layer probes under a
// bounded pool, scores and persists what they report, extracts IOCs and closes the
// session record.
package session

// State is the lifecycle position of an orchestrator.
type State string

const (
	StateCreated    State = "created"
	StateRunning    State = "running"
	StateFinalizing State = "finalizing"
	StateClosed     State = "closed"
	StateAborted    State = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateAborted
}

// LayerStatus is the outcome of one layer within a session.
type LayerStatus string

const (
	// StatusCompleted: the probe finished and every observation was considered.
	StatusCompleted LayerStatus = "completed"
	// StatusTruncated: the result bound was reached.
	StatusTruncated LayerStatus = "truncated"
	// StatusDegraded: the probe failed, timed out or its findings could not be stored.
	StatusDegraded LayerStatus = "degraded"
	// StatusSkipped: unsupported here, no probe, or elevation required.
	StatusSkipped LayerStatus = "skipped"
	// StatusCancelled: the session was cancelled before the layer finished.
	StatusCancelled LayerStatus = "cancelled"
)
