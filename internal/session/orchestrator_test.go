package session

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracesweep-io/tracesweep/internal/catalog"
	"github.com/tracesweep-io/tracesweep/internal/evidence"
	"github.com/tracesweep-io/tracesweep/internal/findings"
	"github.com/tracesweep-io/tracesweep/internal/metrics"
	"github.com/tracesweep-io/tracesweep/internal/probe"
	"github.com/tracesweep-io/tracesweep/internal/sysinfo"
	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
	"github.com/tracesweep-io/tracesweep/pkg/shared/errors"
)

var observedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type stubProbe struct {
	layer    findings.Layer
	elevated bool
	scan     func(ctx context.Context, c *probe.Collector) error
}

func (s stubProbe) Layer() findings.Layer   { return s.layer }
func (s stubProbe) RequiresElevation() bool { return s.elevated }
func (s stubProbe) Scan(ctx context.Context, c *probe.Collector) error {
	return s.scan(ctx, c)
}

func emits(layer findings.Layer, obs ...probe.Observation) stubProbe {
	return stubProbe{layer: layer, scan: func(_ context.Context, c *probe.Collector) error {
		for _, o := range obs {
			c.Add(o)
		}
		return nil
	}}
}

func endpoint(location string, indicators ...string) probe.Observation {
	return probe.Observation{
		ArtifactType: "tcp_listener",
		Location:     location,
		Description:  "listener on " + location,
		Indicators:   indicators,
		Attributes:   map[string]string{"state": "LISTEN"},
		ObservedAt:   observedAt,
	}
}

func openStore(t *testing.T) *evidence.SQLStore {
	t.Helper()
	cfg := config.DefaultStorage()
	cfg.DSN = filepath.Join(t.TempDir(), "evidence.db")
	cfg.RetryWaitTime = time.Millisecond
	cfg.RetryMaxWaitTime = 10 * time.Millisecond
	s, err := evidence.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig(layers ...string) *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	if len(layers) > 0 {
		cfg.Sweep.Layers = layers
	}
	cfg.Sweep.LayerTimeout = 5 * time.Second
	cfg.Sweep.GraceTimeout = 2 * time.Second
	return cfg
}

func newOrchestrator(t *testing.T, cfg *config.Config, store evidence.Store, probes ...probe.Probe) *Orchestrator {
	t.Helper()
	m := make(map[findings.Layer]probe.Probe, len(probes))
	for _, p := range probes {
		m[p.Layer()] = p
	}
	o, err := New(Options{
		Config:    cfg,
		Store:     store,
		Catalog:   catalog.Default(),
		Probes:    m,
		Privilege: sysinfo.PrivilegeRoot,
	})
	require.NoError(t, err)
	return o
}

func sessionFindings(t *testing.T, s evidence.Store, id int64) []findings.Finding {
	t.Helper()
	fs, err := s.QueryFindings(context.Background(), evidence.FindingFilter{SessionID: id})
	require.NoError(t, err)
	return fs
}

func TestRunScoresPersistsAndCloses(t *testing.T) {
	store := openStore(t)
	m := metrics.NewSession()
	o, err := New(Options{
		Config:  testConfig("network", "memory"),
		Store:   store,
		Catalog: catalog.Default(),
		Probes: map[findings.Layer]probe.Probe{
			findings.LayerNetwork: emits(findings.LayerNetwork,
				endpoint("127.0.0.1:31337", "suspicious_port", "loopback_nonstandard")),
			findings.LayerMemory: emits(findings.LayerMemory),
		},
		Privilege: sysinfo.PrivilegeUser,
		Metrics:   m,
	})
	require.NoError(t, err)
	assert.Equal(t, StateCreated, o.State())

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateClosed, report.State)
	assert.Equal(t, StateClosed, o.State())
	require.True(t, report.Session.Closed())
	assert.False(t, report.Cancelled)
	assert.Empty(t, report.Degraded)
	assert.Equal(t, 1, report.Findings)
	assert.Equal(t, "user", report.Session.PrivilegeLevel)
	assert.Equal(t, catalog.Default().Digest(), report.Session.SystemInfo[sysinfo.KeyCatalogDigest])

	network, ok := report.Layer(findings.LayerNetwork)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, network.Status)
	assert.Equal(t, "builtin", network.Source)
	memory, ok := report.Layer(findings.LayerMemory)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, memory.Status)
	assert.Zero(t, memory.Findings)

	fs := sessionFindings(t, store, report.Session.ID)
	require.Len(t, fs, 1)
	f := fs[0]
	assert.Equal(t, 5, f.DepthScore)
	assert.InDelta(t, 0.72, f.IOCConfidence, 1e-9)
	assert.Equal(t, findings.ThreatHigh, f.ThreatLevel)
	assert.Equal(t, "loopback_nonstandard,suspicious_port", f.Metadata[findings.MetaIndicators])
	assert.Equal(t, "LISTEN", f.Metadata["state"])
	assert.True(t, f.Timestamp.Equal(observedAt))

	assert.Equal(t, 1, report.Session.TotalLayers)
	assert.Equal(t, 5, report.Session.DeepestLayer)

	require.Len(t, report.IOCs, 1)
	assert.Equal(t, findings.IOCNetworkEndpoint, report.IOCs[0].Type)
	assert.Equal(t, "127.0.0.1:31337", report.IOCs[0].Value)
	assert.InDelta(t, 0.72, report.IOCs[0].Confidence, 1e-9)
	assert.Equal(t, f.ID, report.IOCs[0].SourceFindingID)

	n, err := testutil.GatherAndCount(m.Registry(), "tracesweep_layers_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = testutil.GatherAndCount(m.Registry(), "tracesweep_findings_by_threat_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLayerFailureDoesNotAffectOtherLayers(t *testing.T) {
	store := openStore(t)
	failing := stubProbe{layer: findings.LayerProcess, scan: func(context.Context, *probe.Collector) error {
		return stderrors.New("permission denied")
	}}
	panicking := stubProbe{layer: findings.LayerMemory, scan: func(_ context.Context, c *probe.Collector) error {
		c.Add(endpoint("memfd:x", "memfd_descriptor"))
		panic("boom")
	}}
	o := newOrchestrator(t, testConfig("process", "network", "memory"), store, failing, panicking,
		emits(findings.LayerNetwork, endpoint("127.0.0.1:31337", "suspicious_port", "loopback_nonstandard")))

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateClosed, report.State)
	assert.Equal(t, []findings.Layer{findings.LayerProcess, findings.LayerMemory}, report.Degraded)

	process, _ := report.Layer(findings.LayerProcess)
	assert.Equal(t, StatusDegraded, process.Status)
	assert.Contains(t, process.Reason, "permission denied")
	memory, _ := report.Layer(findings.LayerMemory)
	assert.Equal(t, StatusDegraded, memory.Status)
	assert.Zero(t, memory.Findings)

	network, _ := report.Layer(findings.LayerNetwork)
	assert.Equal(t, StatusCompleted, network.Status)
	assert.Equal(t, 1, network.Findings)
	assert.Len(t, sessionFindings(t, store, report.Session.ID), 1)
}

type scored struct {
	Layer      findings.Layer
	Location   string
	Depth      int
	Confidence float64
	Threat     findings.ThreatLevel
}

func project(fs []findings.Finding) []scored {
	out := make([]scored, 0, len(fs))
	for _, f := range fs {
		out = append(out, scored{f.Layer, f.Location, f.DepthScore, f.IOCConfidence, f.ThreatLevel})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Layer != out[j].Layer {
			return out[i].Layer < out[j].Layer
		}
		return out[i].Location < out[j].Location
	})
	return out
}

func allLayerProbes() []probe.Probe {
	return []probe.Probe{
		emits(findings.LayerSurface, endpoint("/tmp/.x", "hidden_filename_prefix", "executable_in_temp")),
		emits(findings.LayerDeletion, endpoint("/var/log/auth.log", "truncated_log")),
		emits(findings.LayerProcess, endpoint("pid:100", "deleted_executable", "preload_injection")),
		emits(findings.LayerNetwork,
			endpoint("127.0.0.1:31337", "suspicious_port", "loopback_nonstandard"),
			endpoint("0.0.0.0:40000", "listening_high_port")),
		emits(findings.LayerMemory, endpoint("memfd:payload", "memfd_descriptor", "executable_memfd")),
		emits(findings.LayerRegistry, endpoint(`HKLM\Run\x`, "run_key_temp_path")),
	}
}

func TestConcurrentRunMatchesSequentialRun(t *testing.T) {
	var projections [][]scored
	for _, workers := range []int{1, 6} {
		store := openStore(t)
		cfg := testConfig()
		cfg.Sweep.MaxWorkers = workers
		o := newOrchestrator(t, cfg, store, allLayerProbes()...)

		report, err := o.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 7, report.Findings)
		projections = append(projections, project(sessionFindings(t, store, report.Session.ID)))
	}
	assert.Equal(t, projections[0], projections[1])
}

func TestRerunCreatesFreshSessionWithSameScores(t *testing.T) {
	store := openStore(t)
	first, err := newOrchestrator(t, testConfig(), store, allLayerProbes()...).Run(context.Background())
	require.NoError(t, err)
	second, err := newOrchestrator(t, testConfig(), store, allLayerProbes()...).Run(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.Session.ID, second.Session.ID)
	assert.NotEqual(t, first.Session.SystemInfo[sysinfo.KeyRunID], second.Session.SystemInfo[sysinfo.KeyRunID])

	a := sessionFindings(t, store, first.Session.ID)
	b := sessionFindings(t, store, second.Session.ID)
	assert.Equal(t, project(a), project(b))
	seen := make(map[int64]bool)
	for _, f := range append(a, b...) {
		assert.False(t, seen[f.ID], "finding id %d reused", f.ID)
		seen[f.ID] = true
	}

	iocs, err := store.QueryIOCs(context.Background(), evidence.IOCFilter{})
	require.NoError(t, err)
	assert.Len(t, iocs, len(first.IOCs), "iocs are deduplicated across sessions")
}

func TestCancellationKeepsObservedEvidence(t *testing.T) {
	store := openStore(t)
	cfg := testConfig("surface", "network", "memory")
	cfg.Sweep.MaxWorkers = 1

	running := make(chan struct{})
	blocking := stubProbe{layer: findings.LayerNetwork, scan: func(ctx context.Context, c *probe.Collector) error {
		c.Add(endpoint("127.0.0.1:31337", "suspicious_port", "loopback_nonstandard"))
		close(running)
		<-ctx.Done()
		return ctx.Err()
	}}
	o := newOrchestrator(t, cfg, store, blocking,
		emits(findings.LayerSurface, endpoint("/tmp/.x", "hidden_filename_prefix")),
		emits(findings.LayerMemory, endpoint("memfd:x", "memfd_descriptor")))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-running
		cancel()
	}()
	report, err := o.Run(ctx)
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	assert.Equal(t, StateClosed, report.State)
	require.True(t, report.Session.Closed())

	network, _ := report.Layer(findings.LayerNetwork)
	assert.Equal(t, StatusCancelled, network.Status)
	assert.Equal(t, 1, network.Findings)
	memory, _ := report.Layer(findings.LayerMemory)
	assert.Equal(t, StatusCancelled, memory.Status)
	assert.Zero(t, memory.Observations)

	stored, err := store.GetSession(context.Background(), report.Session.ID)
	require.NoError(t, err)
	assert.True(t, stored.Closed())
	assert.Len(t, sessionFindings(t, store, report.Session.ID), 2)
}

func TestGraceTimeoutAbandonsStuckLayer(t *testing.T) {
	store := openStore(t)
	cfg := testConfig("network")
	cfg.Sweep.GraceTimeout = 50 * time.Millisecond

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	running := make(chan struct{})
	stuck := stubProbe{layer: findings.LayerNetwork, scan: func(context.Context, *probe.Collector) error {
		close(running)
		<-release
		return nil
	}}
	o := newOrchestrator(t, cfg, store, stuck)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-running
		cancel()
	}()
	start := time.Now()
	report, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	network, _ := report.Layer(findings.LayerNetwork)
	assert.Equal(t, StatusCancelled, network.Status)
	assert.Equal(t, "abandoned after grace timeout", network.Reason)
	assert.Equal(t, StateClosed, report.State)
	assert.True(t, report.Session.Closed())
}

func TestLayerTimeoutKeepsPartialResults(t *testing.T) {
	store := openStore(t)
	cfg := testConfig("network")
	cfg.Sweep.LayerTimeout = 50 * time.Millisecond
	slow := stubProbe{layer: findings.LayerNetwork, scan: func(ctx context.Context, c *probe.Collector) error {
		c.Add(endpoint("127.0.0.1:31337", "suspicious_port"))
		<-ctx.Done()
		return ctx.Err()
	}}
	report, err := newOrchestrator(t, cfg, store, slow).Run(context.Background())
	require.NoError(t, err)

	network, _ := report.Layer(findings.LayerNetwork)
	assert.Equal(t, StatusDegraded, network.Status)
	assert.Contains(t, network.Reason, "timed out")
	assert.Equal(t, 1, network.Findings)
	assert.Equal(t, []findings.Layer{findings.LayerNetwork}, report.Degraded)
}

func TestResultBoundTruncatesLayer(t *testing.T) {
	store := openStore(t)
	cfg := testConfig("network")
	cfg.Sweep.MaxResults = 1
	report, err := newOrchestrator(t, cfg, store, emits(findings.LayerNetwork,
		endpoint("127.0.0.1:31337", "suspicious_port"),
		endpoint("127.0.0.1:4444", "suspicious_port"))).Run(context.Background())
	require.NoError(t, err)

	network, _ := report.Layer(findings.LayerNetwork)
	assert.Equal(t, StatusTruncated, network.Status)
	assert.Equal(t, 1, network.Findings)
}

// faultyStore fails writes with a chosen error.
type faultyStore struct {
	evidence.Store
	insertErr error
}

func (s *faultyStore) InsertFindings(ctx context.Context, sessionID int64, batch []findings.Finding) ([]int64, error) {
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	return s.Store.InsertFindings(ctx, sessionID, batch)
}

func TestIntegrityViolationAbortsSession(t *testing.T) {
	store := &faultyStore{
		Store:     openStore(t),
		insertErr: errors.Newf(errors.KindIntegrityViolation, "insert findings", "dangling session"),
	}
	o := newOrchestrator(t, testConfig("network"), store,
		emits(findings.LayerNetwork, endpoint("127.0.0.1:31337", "suspicious_port")))

	report, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrIntegrityViolation))
	assert.Equal(t, StateAborted, report.State)
	assert.Equal(t, StateAborted, o.State())
	assert.NotEmpty(t, report.Error)

	stored, err := store.GetSession(context.Background(), report.Session.ID)
	require.NoError(t, err)
	assert.True(t, stored.Closed(), "end time is written for aborted sessions")
}

func TestStorageFailureDegradesLayer(t *testing.T) {
	store := &faultyStore{
		Store:     openStore(t),
		insertErr: errors.Newf(errors.KindStorageFailure, "insert findings", "disk full"),
	}
	o := newOrchestrator(t, testConfig("network"), store,
		emits(findings.LayerNetwork, endpoint("127.0.0.1:31337", "suspicious_port")))

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateClosed, report.State)
	network, _ := report.Layer(findings.LayerNetwork)
	assert.Equal(t, StatusDegraded, network.Status)
	assert.Contains(t, network.Reason, "disk full")
	assert.Zero(t, network.Findings)
}

func TestDependenciesRunFirst(t *testing.T) {
	store := openStore(t)
	cfg := testConfig("process", "network")
	cfg.Sweep.MaxWorkers = 6
	cfg.Sweep.Dependencies = map[string][]string{"network": {"process"}}

	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	process := stubProbe{layer: findings.LayerProcess, scan: func(context.Context, *probe.Collector) error {
		time.Sleep(30 * time.Millisecond)
		record("process done")
		return nil
	}}
	network := stubProbe{layer: findings.LayerNetwork, scan: func(context.Context, *probe.Collector) error {
		record("network start")
		return nil
	}}
	_, err := newOrchestrator(t, cfg, store, process, network).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"process done", "network start"}, events)
}

func TestElevatedLayerSkippedWithoutPrivilege(t *testing.T) {
	p := stubProbe{layer: findings.LayerMemory, elevated: true, scan: func(_ context.Context, c *probe.Collector) error {
		c.Add(endpoint("memfd:x", "memfd_descriptor"))
		return nil
	}}

	for _, tt := range []struct {
		privilege sysinfo.Privilege
		want      LayerStatus
	}{
		{sysinfo.PrivilegeUser, StatusSkipped},
		{sysinfo.PrivilegeRoot, StatusCompleted},
	} {
		o, err := New(Options{
			Config:    testConfig("memory"),
			Store:     openStore(t),
			Catalog:   catalog.Default(),
			Probes:    map[findings.Layer]probe.Probe{findings.LayerMemory: p},
			Privilege: tt.privilege,
		})
		require.NoError(t, err)
		report, err := o.Run(context.Background())
		require.NoError(t, err)
		memory, _ := report.Layer(findings.LayerMemory)
		assert.Equal(t, tt.want, memory.Status, tt.privilege)
	}
}

func TestUnsupportedAndMissingProbesAreSkipped(t *testing.T) {
	unsupported := stubProbe{layer: findings.LayerRegistry, scan: func(context.Context, *probe.Collector) error {
		return probe.ErrUnsupported
	}}
	report, err := newOrchestrator(t, testConfig("memory", "registry"), openStore(t), unsupported).Run(context.Background())
	require.NoError(t, err)

	registry, _ := report.Layer(findings.LayerRegistry)
	assert.Equal(t, StatusSkipped, registry.Status)
	memory, _ := report.Layer(findings.LayerMemory)
	assert.Equal(t, StatusSkipped, memory.Status)
	assert.Equal(t, "none", memory.Source)
	assert.Empty(t, report.Degraded)
}

func TestRunOnlyOnce(t *testing.T) {
	o := newOrchestrator(t, testConfig("network"), openStore(t), emits(findings.LayerNetwork))
	_, err := o.Run(context.Background())
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	assert.Error(t, err)
}

func TestNewRequiresConfigAndStore(t *testing.T) {
	_, err := New(Options{Store: openStore(t)})
	assert.True(t, stderrors.Is(err, errors.ErrConfigInvalid))
	_, err = New(Options{Config: testConfig()})
	assert.True(t, stderrors.Is(err, errors.ErrConfigInvalid))
}
