package ioc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracesweep-io/tracesweep/internal/catalog"
	"github.com/tracesweep-io/tracesweep/internal/evidence"
	"github.com/tracesweep-io/tracesweep/internal/findings"
	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
	"github.com/tracesweep-io/tracesweep/pkg/shared/errors"
)

func openStore(t *testing.T) *evidence.SQLStore {
	t.Helper()
	cfg := config.DefaultStorage()
	cfg.DSN = filepath.Join(t.TempDir(), "evidence.db")
	s, err := evidence.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func endpointFinding(location string, conf float64, ts time.Time, indicators string) findings.Finding {
	return findings.Finding{
		Timestamp:     ts,
		Layer:         findings.LayerNetwork,
		ArtifactType:  "tcp_listener",
		Location:      location,
		Description:   "listener",
		DepthScore:    5,
		Metadata:      map[string]string{findings.MetaIndicators: indicators},
		IOCConfidence: conf,
		ThreatLevel:   findings.ThreatHigh,
	}
}

func TestExtractMergesSameEndpoint(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	sess, err := s.CreateSession(ctx, findings.Session{PrivilegeLevel: "root"})
	require.NoError(t, err)

	t0 := time.Now().Add(-2 * time.Hour).UTC().Truncate(time.Microsecond)
	t1 := t0.Add(time.Hour)
	ids, err := s.InsertFindings(ctx, sess.ID, []findings.Finding{
		endpointFinding("127.0.0.1:31337", 0.72, t0, "loopback_nonstandard,suspicious_port"),
		endpointFinding("127.0.0.1:31337", 0.72, t1, "loopback_nonstandard,suspicious_port"),
		endpointFinding("198.51.100.7:443", 0.1, t1, "external_established"),
	})
	require.NoError(t, err)

	x := New(s, catalog.Default(), time.Hour, nil)
	res, err := x.Extract(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, res.IOCs, 1)

	got := res.IOCs[0]
	assert.Equal(t, findings.IOCNetworkEndpoint, got.Type)
	assert.Equal(t, "127.0.0.1:31337", got.Value)
	assert.True(t, got.FirstSeen.Equal(t0))
	assert.True(t, got.LastSeen.Equal(t1))
	assert.InDelta(t, 0.72, got.Confidence, 1e-9)
	assert.Equal(t, ids[1], got.SourceFindingID)

	contribs, err := s.Contributions(ctx, got.ID)
	require.NoError(t, err)
	assert.Len(t, contribs, 2)

	stored, err := s.QueryFindings(ctx, evidence.FindingFilter{SessionID: sess.ID})
	require.NoError(t, err)
	for _, f := range stored {
		assert.Equal(t, 5, f.DepthScore)
	}
}

func TestExtractFoldsIntoHistoricalIOC(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	x := New(s, catalog.Default(), time.Hour, nil)
	base := time.Now().Add(-3 * time.Hour).UTC().Truncate(time.Microsecond)

	first, err := s.CreateSession(ctx, findings.Session{PrivilegeLevel: "root"})
	require.NoError(t, err)
	_, err = s.InsertFindings(ctx, first.ID, []findings.Finding{endpointFinding("127.0.0.1:31337", 0.9, base, "suspicious_port")})
	require.NoError(t, err)
	r1, err := x.Extract(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, r1.IOCs, 1)

	second, err := s.CreateSession(ctx, findings.Session{PrivilegeLevel: "root"})
	require.NoError(t, err)
	later := base.Add(time.Hour)
	_, err = s.InsertFindings(ctx, second.ID, []findings.Finding{endpointFinding("127.0.0.1:31337", 0.3, later, "suspicious_port")})
	require.NoError(t, err)
	r2, err := x.Extract(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, r2.IOCs, 1)

	merged := r2.IOCs[0]
	assert.Equal(t, r1.IOCs[0].ID, merged.ID)
	assert.Equal(t, r1.IOCs[0].SourceFindingID, merged.SourceFindingID)
	assert.True(t, merged.FirstSeen.Equal(base))
	assert.True(t, merged.LastSeen.Equal(later))
	// the newer 0.3 weighs 1, the older 0.9 weighs 0.5
	assert.InDelta(t, 0.5, merged.Confidence, 1e-6)
}

func TestWeightedConfidence(t *testing.T) {
	now := time.Now()
	assert.Zero(t, WeightedConfidence(nil, time.Hour))
	assert.InDelta(t, 0.5, WeightedConfidence([]findings.Contribution{
		{Confidence: 0.2, Timestamp: now}, {Confidence: 0.8, Timestamp: now},
	}, time.Hour), 1e-9)
	assert.InDelta(t, 0.666667, WeightedConfidence([]findings.Contribution{
		{Confidence: 1, Timestamp: now}, {Confidence: 0, Timestamp: now.Add(-time.Hour)},
	}, time.Hour), 1e-9)
}

func TestCandidatesUseCatalogTypes(t *testing.T) {
	x := New(nil, catalog.Default(), 0, nil)
	fs := []findings.Finding{
		{ID: 1, Layer: findings.LayerProcess, Location: "/tmp/.x/implant",
			Metadata: map[string]string{findings.MetaIndicators: "deleted_executable,temp_executable_path"}},
		{ID: 2, Layer: findings.LayerSurface, Location: "/tmp/.x/implant",
			Metadata: map[string]string{findings.MetaIndicators: "executable_in_temp"}},
		{ID: 3, Layer: findings.LayerSurface, Location: "",
			Metadata: map[string]string{findings.MetaIndicators: "executable_in_temp"}},
		{ID: 4, Layer: findings.LayerSurface, Location: "/tmp/a",
			Metadata: map[string]string{findings.MetaIndicators: "suspicious_port"}},
	}
	got := x.Candidates(fs)
	assert.Equal(t, map[findings.IOCKey][]int64{
		{Type: findings.IOCProcessMarker, Value: "/tmp/.x/implant"}: {1},
		{Type: findings.IOCFilePath, Value: "/tmp/.x/implant"}:      {2},
	}, got)
}

// failingStore fails MergeIOC for selected values.
type failingStore struct {
	fs    []findings.Finding
	fail  map[string]error
	calls []string
}

func (f *failingStore) QueryFindings(context.Context, evidence.FindingFilter) ([]findings.Finding, error) {
	return f.fs, nil
}

func (f *failingStore) MergeIOC(_ context.Context, key findings.IOCKey, ids []int64, merge evidence.MergeFunc) (findings.IOC, error) {
	f.calls = append(f.calls, key.Value)
	if err := f.fail[key.Value]; err != nil {
		return findings.IOC{}, err
	}
	ioc, err := merge(nil, []findings.Contribution{{FindingID: ids[0], Confidence: 0.5, Timestamp: time.Now()}})
	ioc.Type, ioc.Value = key.Type, key.Value
	return ioc, err
}

func TestExtractSkipsFailedWrites(t *testing.T) {
	store := &failingStore{
		fs: []findings.Finding{
			endpointFinding("10.0.0.1:4444", 0.5, time.Now(), "suspicious_port"),
			endpointFinding("10.0.0.2:4444", 0.5, time.Now(), "suspicious_port"),
		},
		fail: map[string]error{"10.0.0.1:4444": errors.Newf(errors.KindStorageFailure, "insert ioc", "disk full")},
	}
	store.fs[0].ID, store.fs[1].ID = 1, 2

	res, err := New(store, catalog.Default(), 0, nil).Extract(context.Background(), 1)
	assert.ErrorIs(t, err, errors.ErrStorageFailure)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.IOCs, 1)
	assert.Equal(t, "10.0.0.2:4444", res.IOCs[0].Value)
}

func TestExtractStopsOnIntegrityViolation(t *testing.T) {
	store := &failingStore{
		fs: []findings.Finding{
			endpointFinding("10.0.0.1:4444", 0.5, time.Now(), "suspicious_port"),
			endpointFinding("10.0.0.2:4444", 0.5, time.Now(), "suspicious_port"),
		},
		fail: map[string]error{"10.0.0.1:4444": errors.Newf(errors.KindIntegrityViolation, "insert ioc", "finding 1 does not exist")},
	}
	_, err := New(store, catalog.Default(), 0, nil).Extract(context.Background(), 1)
	assert.ErrorIs(t, err, errors.ErrIntegrityViolation)
	assert.Equal(t, []string{"10.0.0.1:4444"}, store.calls)
}
