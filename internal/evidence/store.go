// Package evidence is the durable record of sessions, findings and IOCs.
//
// Findings are append-only. Every write runs in one transaction that is retried with
// bounded exponential backoff while the backend reports lock contention; once the
// retries are spent the write fails with StorageFailure. References that would dangle
// fail with IntegrityViolation and are never retried.
package evidence

import (
	"context"
	"time"

	"github.com/tracesweep-io/tracesweep/internal/findings"
)

// Store is the evidence store contract shared by the orchestrator, the IOC extractor
// and the read-only CLI surface.
type Store interface {
	CreateSession(ctx context.Context, s findings.Session) (findings.Session, error)
	GetSession(ctx context.Context, id int64) (findings.Session, error)
	FinalizeSession(ctx context.Context, id int64, end time.Time) (findings.Session, error)

	InsertFinding(ctx context.Context, sessionID int64, f findings.Finding) (int64, error)
	InsertFindings(ctx context.Context, sessionID int64, batch []findings.Finding) ([]int64, error)
	QueryFindings(ctx context.Context, filter FindingFilter) ([]findings.Finding, error)

	InsertIOC(ctx context.Context, ioc findings.IOC, contributors []int64) (findings.IOC, error)
	MergeIOC(ctx context.Context, key findings.IOCKey, contributors []int64, merge MergeFunc) (findings.IOC, error)
	QueryIOCs(ctx context.Context, filter IOCFilter) ([]findings.IOC, error)
	Contributions(ctx context.Context, iocID int64) ([]findings.Contribution, error)

	Purge(ctx context.Context, cutoff time.Time) (PurgeResult, error)
	Close() error
}

// MergeFunc computes the stored state of an IOC from its previous state (nil when the
// key is new) and the full contributor set, new contributors included. It runs inside
// the write transaction and may be called again when the transaction is retried.
type MergeFunc func(prev *findings.IOC, contributions []findings.Contribution) (findings.IOC, error)

// FindingFilter narrows QueryFindings. Zero values do not filter.
type FindingFilter struct {
	SessionID int64
	Layer     findings.Layer
	MinThreat findings.ThreatLevel
	Since     time.Time
	Limit     int
}

// IOCFilter narrows QueryIOCs. Zero values do not filter.
type IOCFilter struct {
	Type          findings.IOCType
	SessionID     int64
	MinConfidence float64
	Limit         int
}

// PurgeResult counts what a retention purge removed.
type PurgeResult struct {
	Findings      int64 `json:"findings"`
	IOCsDeleted   int64 `json:"iocs_deleted"`
	IOCsRepointed int64 `json:"iocs_repointed"`
}
