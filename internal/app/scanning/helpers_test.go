package scanning

import (
	"context"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/qark-armada/internal/app/report"
	"github.com/ahrav/qark-armada/internal/domain/events"
	"github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/internal/infra/artifact"
	membus "github.com/ahrav/qark-armada/internal/infra/eventbus/memory"
	memstore "github.com/ahrav/qark-armada/internal/infra/storage/scanning/memory"
	"github.com/ahrav/qark-armada/pkg/common/logger"
	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

func testTracer() trace.Tracer { return noop.NewTracerProvider().Tracer("test") }

type decompileFunc func(ctx context.Context, job scanning.JobSnapshot, progress scanning.ProgressSink) (scanning.SourceTree, error)

func (f decompileFunc) Run(ctx context.Context, job scanning.JobSnapshot, progress scanning.ProgressSink) (scanning.SourceTree, error) {
	return f(ctx, job, progress)
}

type scanFunc func(ctx context.Context, job scanning.JobSnapshot, tree scanning.SourceTree, progress scanning.ProgressSink) ([]scanning.Finding, error)

func (f scanFunc) Run(ctx context.Context, job scanning.JobSnapshot, tree scanning.SourceTree, progress scanning.ProgressSink) ([]scanning.Finding, error) {
	return f(ctx, job, tree, progress)
}

type reportFunc func(ctx context.Context, job scanning.JobSnapshot, set *scanning.FindingSet, progress scanning.ProgressSink) error

func (f reportFunc) Run(ctx context.Context, job scanning.JobSnapshot, set *scanning.FindingSet, progress scanning.ProgressSink) error {
	return f(ctx, job, set, progress)
}

func okDecompile(_ context.Context, _ scanning.JobSnapshot, progress scanning.ProgressSink) (scanning.SourceTree, error) {
	progress(50)
	progress(100)
	return scanning.SourceTree{Root: "/src"}, nil
}

func testFindings(t *testing.T) []scanning.Finding {
	t.Helper()
	f1, err := scanning.NewFinding("Exported activity", "Activity is exported without a permission", "manifest", scanning.SeverityVulnerability,
		scanning.WithLocation("AndroidManifest.xml", 12))
	require.NoError(t, err)
	f2, err := scanning.NewFinding("Logging", "Sensitive data logged", "code", scanning.SeverityInfo)
	require.NoError(t, err)
	return []scanning.Finding{f1, f2}
}

// progressRecorder wraps a job repository and records every persisted
// progress value per job.
type progressRecorder struct {
	*memstore.JobStore

	// beforeUpdate, when set, runs ahead of every write.
	beforeUpdate func(*scanning.Job)

	mu       sync.Mutex
	progress map[uuid.UUID][]int
}

func (r *progressRecorder) UpdateJob(ctx context.Context, job *scanning.Job) error {
	if r.beforeUpdate != nil {
		r.beforeUpdate(job)
	}
	r.mu.Lock()
	if r.progress == nil {
		r.progress = make(map[uuid.UUID][]int)
	}
	r.progress[job.ID()] = append(r.progress[job.ID()], job.Progress())
	r.mu.Unlock()
	return r.JobStore.UpdateJob(ctx, job)
}

func (r *progressRecorder) values(id uuid.UUID) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.progress[id])
}

// eventRecorder subscribes to the bus and keeps the type of every event.
type eventRecorder struct {
	mu   sync.Mutex
	seen map[uuid.UUID][]events.EventType
}

func (r *eventRecorder) handle(_ context.Context, evt events.EventEnvelope) error {
	id, err := uuid.Parse(evt.Key)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[uuid.UUID][]events.EventType)
	}
	r.seen[id] = append(r.seen[id], evt.Type)
	return nil
}

func (r *eventRecorder) types(id uuid.UUID) []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.seen[id])
}

type harness struct {
	t    *testing.T
	root string

	orchestrator *Orchestrator
	registry     *Registry
	jobs         *progressRecorder
	findings     *memstore.FindingStore
	artifacts    *artifact.Store
	reports      *report.Service
	events       *eventRecorder

	cancel context.CancelFunc
	done   chan error
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	workers  int
	timeouts StageTimeouts
	pipeline Pipeline
	jobs     *memstore.JobStore
	noStart  bool
}

func withWorkers(n int) harnessOption { return func(c *harnessConfig) { c.workers = n } }

func withTimeouts(t StageTimeouts) harnessOption { return func(c *harnessConfig) { c.timeouts = t } }

func withDecompile(f decompileFunc) harnessOption {
	return func(c *harnessConfig) { c.pipeline.Decompile = f }
}

func withScan(f scanFunc) harnessOption { return func(c *harnessConfig) { c.pipeline.Scan = f } }

func withReport(f reportFunc) harnessOption { return func(c *harnessConfig) { c.pipeline.Report = f } }

func withJobStore(s *memstore.JobStore) harnessOption { return func(c *harnessConfig) { c.jobs = s } }

// withoutStart leaves the workers stopped until start is called.
func withoutStart() harnessOption { return func(c *harnessConfig) { c.noStart = true } }

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{workers: 1, jobs: memstore.NewJobStore()}
	for _, opt := range opts {
		opt(&cfg)
	}

	root := t.TempDir()
	store, err := artifact.NewStore(
		artifact.Config{Root: root, MaxSize: 1 << 20},
		artifact.NewFSBackend(root),
		logger.Noop(),
		testTracer(),
	)
	require.NoError(t, err)

	metrics, err := NewScanMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	reports, err := report.NewService([]report.Format{report.FormatJSON}, logger.Noop(), testTracer(),
		report.WithWorkdirs(store), report.WithMetrics(metrics))
	require.NoError(t, err)

	pipeline := cfg.pipeline
	if pipeline.Decompile == nil {
		pipeline.Decompile = decompileFunc(okDecompile)
	}
	if pipeline.Scan == nil {
		findings := testFindings(t)
		pipeline.Scan = scanFunc(func(_ context.Context, _ scanning.JobSnapshot, _ scanning.SourceTree, progress scanning.ProgressSink) ([]scanning.Finding, error) {
			progress(50)
			return findings, nil
		})
	}
	if pipeline.Report == nil {
		pipeline.Report = reports
	}

	bus := membus.NewBus()
	recorder := new(eventRecorder)
	require.NoError(t, bus.Subscribe(context.Background(), []events.EventType{
		scanning.EventTypeJobCreated,
		scanning.EventTypeJobStatusChanged,
		scanning.EventTypeJobCompleted,
		scanning.EventTypeJobFailed,
		scanning.EventTypeJobDeleted,
	}, recorder.handle))

	jobs := &progressRecorder{JobStore: cfg.jobs}
	findingStore := memstore.NewFindingStore()
	orch := NewOrchestrator(
		OrchestratorConfig{Workers: cfg.workers, Timeouts: cfg.timeouts},
		pipeline,
		jobs,
		findingStore,
		bus,
		logger.Noop(),
		metrics,
		testTracer(),
	)

	h := &harness{
		t:            t,
		root:         root,
		orchestrator: orch,
		registry:     NewRegistry(orch, store, reports, logger.Noop(), metrics, testTracer()),
		jobs:         jobs,
		findings:     findingStore,
		artifacts:    store,
		reports:      reports,
		events:       recorder,
	}
	if !cfg.noStart {
		h.start()
	}
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.orchestrator.Run(ctx) }()

	h.t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			h.t.Error("orchestrator did not stop")
		}
	})
}

func (h *harness) create(filename, content string) scanning.JobSnapshot {
	h.t.Helper()
	snap, err := h.registry.Create(context.Background(), strings.NewReader(content), filename)
	require.NoError(h.t, err)
	return snap
}

func (h *harness) waitForStatus(id uuid.UUID, want scanning.JobStatus) scanning.JobSnapshot {
	h.t.Helper()
	var last scanning.JobSnapshot
	require.Eventually(h.t, func() bool {
		snap, err := h.registry.Status(context.Background(), id)
		if err != nil {
			return false
		}
		last = snap
		return snap.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s (last %s)", id, want, last.Status)
	return last
}

func (h *harness) workdir(id uuid.UUID) string {
	return filepath.Join(h.root, "work", id.String())
}

// gate blocks runners until it is opened. It is always opened at test end.
type gate struct {
	ch   chan struct{}
	once sync.Once
}

func newGate(t *testing.T) *gate {
	g := &gate{ch: make(chan struct{})}
	t.Cleanup(g.open)
	return g
}

func (g *gate) open() { g.once.Do(func() { close(g.ch) }) }

func testNow() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
