package findings

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// MetaIndicators is the metadata key holding the comma-separated, sorted set of matched indicators.
const MetaIndicators = "indicators"

const (
	MinDepth = 1
	MaxDepth = 6
)

// Finding is one scored artifact. It is never mutated after insertion.
type Finding struct {
	ID            int64             `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	Layer         Layer             `json:"layer"`
	ArtifactType  string            `json:"artifact_type"`
	Location      string            `json:"location"`
	Description   string            `json:"description"`
	EvidenceHash  string            `json:"evidence_hash,omitempty"`
	DepthScore    int               `json:"depth_score"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	FileSize      *int64            `json:"file_size,omitempty"`
	Permissions   string            `json:"permissions,omitempty"`
	IOCConfidence float64           `json:"ioc_confidence"`
	ThreatLevel   ThreatLevel       `json:"threat_level"`
}

// Indicators returns the matched indicator names recorded in the metadata.
func (f Finding) Indicators() []string {
	raw := f.Metadata[MetaIndicators]
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// Validate checks the range invariants every persisted finding must satisfy.
func (f Finding) Validate() error {
	if !f.Layer.Valid() {
		return fmt.Errorf("finding has invalid layer %d", int(f.Layer))
	}
	if f.DepthScore < MinDepth || f.DepthScore > MaxDepth {
		return fmt.Errorf("depth_score %d outside [%d,%d]", f.DepthScore, MinDepth, MaxDepth)
	}
	if math.IsNaN(f.IOCConfidence) || f.IOCConfidence < 0 || f.IOCConfidence > 1 {
		return fmt.Errorf("ioc_confidence %v outside [0,1]", f.IOCConfidence)
	}
	if !f.ThreatLevel.Valid() {
		return fmt.Errorf("invalid threat_level %q", f.ThreatLevel)
	}
	if f.Timestamp.IsZero() {
		return fmt.Errorf("finding has no timestamp")
	}
	return nil
}

// JoinIndicators produces the canonical metadata form of an indicator set.
func JoinIndicators(names []string) string {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n != "" {
			set[n] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// Session is one orchestration run.
type Session struct {
	ID             int64             `json:"id"`
	StartTime      time.Time         `json:"start_time"`
	EndTime        *time.Time        `json:"end_time,omitempty"`
	TotalLayers    int               `json:"total_layers"`
	DeepestLayer   int               `json:"deepest_layer"`
	PrivilegeLevel string            `json:"privilege_level"`
	SystemInfo     map[string]string `json:"system_info,omitempty"`
}

// Closed reports whether the session has been finalized.
func (s Session) Closed() bool {
	return s.EndTime != nil
}

// IOC is an indicator of compromise aggregated from one or more findings.
type IOC struct {
	ID              int64     `json:"id"`
	Type            IOCType   `json:"ioc_type"`
	Value           string    `json:"value"`
	Confidence      float64   `json:"confidence"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	SourceFindingID int64     `json:"source_finding_id"`
}

// Key identifies an IOC independently of its row id.
func (i IOC) Key() IOCKey {
	return IOCKey{Type: i.Type, Value: i.Value}
}

// IOCKey is the dedup key of an IOC.
type IOCKey struct {
	Type  IOCType
	Value string
}

func (k IOCKey) String() string {
	return string(k.Type) + ":" + k.Value
}

// Contribution is one finding's share in an IOC aggregate.
type Contribution struct {
	FindingID  int64     `json:"finding_id"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}
