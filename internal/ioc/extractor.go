// Package ioc derives indicators of compromise from a session's findings and folds
// them into the aggregates already on record.
package ioc

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/tracesweep-io/tracesweep/internal/catalog"
	"github.com/tracesweep-io/tracesweep/internal/evidence"
	"github.com/tracesweep-io/tracesweep/internal/findings"
	"github.com/tracesweep-io/tracesweep/pkg/shared/errors"
)

// DefaultHalfLife is the age at which a contributor counts half as much as the newest one.
const DefaultHalfLife = 24 * time.Hour

// Store is the part of the evidence store the extractor needs.
type Store interface {
	QueryFindings(ctx context.Context, filter evidence.FindingFilter) ([]findings.Finding, error)
	MergeIOC(ctx context.Context, key findings.IOCKey, contributors []int64, merge evidence.MergeFunc) (findings.IOC, error)
}

// Extractor turns findings with IOC-worthy indicators into IOCs. It never modifies findings.
type Extractor struct {
	store    Store
	catalog  *catalog.Catalog
	halfLife time.Duration
	logger   hclog.Logger
}

// Result summarizes one extraction.
type Result struct {
	IOCs []findings.IOC `json:"iocs"`
	// Failed counts candidates whose write failed; they are logged and skipped.
	Failed int `json:"failed"`
}

func New(store Store, c *catalog.Catalog, halfLife time.Duration, logger hclog.Logger) *Extractor {
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Extractor{store: store, catalog: c, halfLife: halfLife, logger: logger}
}

// Candidates groups the finding ids of each IOC key derivable from fs.
func (e *Extractor) Candidates(fs []findings.Finding) map[findings.IOCKey][]int64 {
	out := make(map[findings.IOCKey][]int64)
	for _, f := range fs {
		if f.Location == "" {
			continue
		}
		seen := make(map[findings.IOCType]bool)
		for _, name := range f.Indicators() {
			typ, ok := e.catalog.IOCType(name)
			if !ok || seen[typ] || !e.catalog.Has(name, f.Layer) {
				continue
			}
			seen[typ] = true
			key := findings.IOCKey{Type: typ, Value: f.Location}
			out[key] = append(out[key], f.ID)
		}
	}
	return out
}

// Extract derives the IOCs of a session and merges them into the store. An
// IntegrityViolation stops extraction and is returned as is. Other write failures
// skip the candidate; the first one is returned after every candidate was tried.
func (e *Extractor) Extract(ctx context.Context, sessionID int64) (Result, error) {
	fs, err := e.store.QueryFindings(ctx, evidence.FindingFilter{SessionID: sessionID})
	if err != nil {
		return Result{}, fmt.Errorf("failed to read session findings: %w", err)
	}
	candidates := e.Candidates(fs)

	keys := make([]findings.IOCKey, 0, len(candidates))
	for k := range candidates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Value < keys[j].Value
	})

	res := Result{IOCs: make([]findings.IOC, 0, len(keys))}
	var firstErr error
	for _, key := range keys {
		ioc, err := e.store.MergeIOC(ctx, key, candidates[key], e.Merge)
		if err != nil {
			if errors.IsFatal(err) {
				return res, err
			}
			e.logger.Error("failed to store ioc", "ioc", key.String(), "error", err)
			res.Failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.IOCs = append(res.IOCs, ioc)
	}
	e.logger.Debug("ioc extraction finished", "session_id", sessionID, "findings", len(fs),
		"iocs", len(res.IOCs), "failed", res.Failed)
	return res, firstErr
}

// Merge computes an IOC aggregate: first_seen and last_seen span every contributor
// and the previous record, confidence is the recency-weighted mean of the contributors'
// ioc_confidence. The source finding is chosen once and kept thereafter.
func (e *Extractor) Merge(prev *findings.IOC, cs []findings.Contribution) (findings.IOC, error) {
	if len(cs) == 0 {
		return findings.IOC{}, stderrors.New("ioc has no contributors")
	}
	next := findings.IOC{
		FirstSeen: cs[0].Timestamp,
		LastSeen:  cs[0].Timestamp,
	}
	for _, c := range cs[1:] {
		if c.Timestamp.Before(next.FirstSeen) {
			next.FirstSeen = c.Timestamp
		}
		if c.Timestamp.After(next.LastSeen) {
			next.LastSeen = c.Timestamp
		}
	}
	if prev != nil {
		next.ID = prev.ID
		next.SourceFindingID = prev.SourceFindingID
		if !prev.FirstSeen.IsZero() && prev.FirstSeen.Before(next.FirstSeen) {
			next.FirstSeen = prev.FirstSeen
		}
		if prev.LastSeen.After(next.LastSeen) {
			next.LastSeen = prev.LastSeen
		}
	} else {
		next.SourceFindingID = representative(cs)
	}
	next.Confidence = WeightedConfidence(cs, e.halfLife)
	return next, nil
}

// WeightedConfidence averages contributor confidences, each weighted by
// 2^(-age/halfLife) where age is measured from the newest contributor.
func WeightedConfidence(cs []findings.Contribution, halfLife time.Duration) float64 {
	if len(cs) == 0 {
		return 0
	}
	newest := cs[0].Timestamp
	for _, c := range cs[1:] {
		if c.Timestamp.After(newest) {
			newest = c.Timestamp
		}
	}
	var sum, weights float64
	for _, c := range cs {
		age := newest.Sub(c.Timestamp).Seconds()
		w := math.Exp(-math.Ln2 * age / halfLife.Seconds())
		sum += w * c.Confidence
		weights += w
	}
	if weights == 0 {
		return 0
	}
	v := sum / weights
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return math.Round(v*1e6) / 1e6
}

// representative picks the most confident contributor, the newest one on ties.
func representative(cs []findings.Contribution) int64 {
	best := cs[0]
	for _, c := range cs[1:] {
		if c.Confidence > best.Confidence ||
			(c.Confidence == best.Confidence && !c.Timestamp.Before(best.Timestamp)) {
			best = c
		}
	}
	return best.FindingID
}
