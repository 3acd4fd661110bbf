package evidence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tracesweep-io/tracesweep/internal/findings"
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func encodeMap(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode map: %w", err)
	}
	return string(b), nil
}

func decodeMap(s string) (map[string]string, error) {
	m := map[string]string{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("malformed stored map: %w", err)
	}
	return m, nil
}

// findingRow is a finding in column form.
type findingRow struct {
	timestamp     string
	layer         int
	artifactType  string
	location      string
	description   string
	evidenceHash  sql.NullString
	depthScore    int
	metadata      string
	fileSize      sql.NullInt64
	permissions   sql.NullString
	iocConfidence float64
	threatLevel   string
}

func newFindingRow(f findings.Finding) (findingRow, error) {
	meta, err := encodeMap(f.Metadata)
	if err != nil {
		return findingRow{}, err
	}
	r := findingRow{
		timestamp:     formatTime(f.Timestamp),
		layer:         int(f.Layer),
		artifactType:  f.ArtifactType,
		location:      f.Location,
		description:   f.Description,
		evidenceHash:  sql.NullString{String: f.EvidenceHash, Valid: f.EvidenceHash != ""},
		depthScore:    f.DepthScore,
		metadata:      meta,
		permissions:   sql.NullString{String: f.Permissions, Valid: f.Permissions != ""},
		iocConfidence: f.IOCConfidence,
		threatLevel:   string(f.ThreatLevel),
	}
	if f.FileSize != nil {
		r.fileSize = sql.NullInt64{Int64: *f.FileSize, Valid: true}
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFinding(row scanner) (findings.Finding, error) {
	var (
		f     findings.Finding
		r     findingRow
		layer int
	)
	err := row.Scan(&f.ID, &r.timestamp, &layer, &f.ArtifactType, &f.Location, &f.Description, &r.evidenceHash,
		&f.DepthScore, &r.metadata, &r.fileSize, &r.permissions, &f.IOCConfidence, &r.threatLevel)
	if err != nil {
		return findings.Finding{}, err
	}
	if f.Timestamp, err = parseTime(r.timestamp); err != nil {
		return findings.Finding{}, err
	}
	if f.Metadata, err = decodeMap(r.metadata); err != nil {
		return findings.Finding{}, err
	}
	f.Layer = findings.Layer(layer)
	f.EvidenceHash = r.evidenceHash.String
	f.Permissions = r.permissions.String
	f.ThreatLevel = findings.ThreatLevel(r.threatLevel)
	if r.fileSize.Valid {
		size := r.fileSize.Int64
		f.FileSize = &size
	}
	return f, nil
}

func scanIOC(row scanner) (findings.IOC, error) {
	var (
		i           findings.IOC
		typ         string
		first, last string
	)
	if err := row.Scan(&i.ID, &typ, &i.Value, &i.Confidence, &first, &last, &i.SourceFindingID); err != nil {
		return findings.IOC{}, err
	}
	i.Type = findings.IOCType(typ)
	var err error
	if i.FirstSeen, err = parseTime(first); err != nil {
		return findings.IOC{}, err
	}
	if i.LastSeen, err = parseTime(last); err != nil {
		return findings.IOC{}, err
	}
	return i, nil
}
