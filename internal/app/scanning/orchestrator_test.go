package scanning

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/qark-armada/internal/domain/events"
	"github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

func TestOrchestratorCompletesJob(t *testing.T) {
	h := newHarness(t)

	snap := h.create("app.apk", "apk bytes")
	assert.Equal(t, scanning.JobStatusPending, snap.Status)
	assert.Zero(t, snap.Progress)

	done := h.waitForStatus(snap.ID, scanning.JobStatusCompleted)
	assert.Equal(t, 100, done.Progress)
	assert.NotEqual(t, uuid.Nil, done.ResultRef)
	assert.False(t, done.StartedAt.IsZero())
	assert.False(t, done.CompletedAt.IsZero())
	assert.Nil(t, done.Error)

	progress := h.jobs.values(snap.ID)
	assert.True(t, slices.IsSorted(progress), "progress must never decrease: %v", progress)
	for _, boundary := range []int{0, 33, 90, 100} {
		assert.Contains(t, progress, boundary)
	}

	_, set, err := h.registry.Result(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Total())
	assert.Equal(t, done.ResultRef, set.ID())
	assert.True(t, h.reports.Cached(snap.ID, "json"), "default format is rendered by the report stage")

	require.Eventually(t, func() bool {
		return len(h.events.types(snap.ID)) == 6
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []events.EventType{
		scanning.EventTypeJobCreated,
		scanning.EventTypeJobStatusChanged,
		scanning.EventTypeJobStatusChanged,
		scanning.EventTypeJobStatusChanged,
		scanning.EventTypeJobStatusChanged,
		scanning.EventTypeJobCompleted,
	}, h.events.types(snap.ID))
}

func TestOrchestratorZeroFindingsCompletes(t *testing.T) {
	h := newHarness(t, withScan(func(context.Context, scanning.JobSnapshot, scanning.SourceTree, scanning.ProgressSink) ([]scanning.Finding, error) {
		return nil, nil
	}))

	snap := h.create("Main.java", "class Main {}")
	h.waitForStatus(snap.ID, scanning.JobStatusCompleted)

	_, set, err := h.registry.Result(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Zero(t, set.Total())
}

func TestOrchestratorStageFailures(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name         string
		opts         func(calls *atomic.Int32) []harnessOption
		wantStage    scanning.Stage
		wantKind     scanning.StageErrorKind
		wantProgress int
		wantSetsLeft int
	}{
		{
			name: "decompile error freezes progress",
			opts: func(calls *atomic.Int32) []harnessOption {
				return []harnessOption{withDecompile(func(_ context.Context, _ scanning.JobSnapshot, progress scanning.ProgressSink) (scanning.SourceTree, error) {
					calls.Add(1)
					progress(50)
					return scanning.SourceTree{}, errBoom
				})}
			},
			wantStage:    scanning.StageDecompile,
			wantKind:     scanning.KindDecompileError,
			wantProgress: 16,
		},
		{
			name: "scan panic is a scan error",
			opts: func(calls *atomic.Int32) []harnessOption {
				return []harnessOption{withScan(func(context.Context, scanning.JobSnapshot, scanning.SourceTree, scanning.ProgressSink) ([]scanning.Finding, error) {
					calls.Add(1)
					panic("rule engine exploded")
				})}
			},
			wantStage:    scanning.StageScan,
			wantKind:     scanning.KindScanError,
			wantProgress: 33,
		},
		{
			name: "report failure discards the finding set",
			opts: func(calls *atomic.Int32) []harnessOption {
				return []harnessOption{withReport(func(context.Context, scanning.JobSnapshot, *scanning.FindingSet, scanning.ProgressSink) error {
					calls.Add(1)
					return errBoom
				})}
			},
			wantStage:    scanning.StageReport,
			wantKind:     scanning.KindReportRenderError,
			wantProgress: 90,
		},
		{
			name: "cooperative runner times out",
			opts: func(calls *atomic.Int32) []harnessOption {
				return []harnessOption{
					withTimeouts(StageTimeouts{Scan: 50 * time.Millisecond}),
					withScan(func(ctx context.Context, _ scanning.JobSnapshot, _ scanning.SourceTree, _ scanning.ProgressSink) ([]scanning.Finding, error) {
						calls.Add(1)
						<-ctx.Done()
						return nil, ctx.Err()
					}),
				}
			},
			wantStage:    scanning.StageScan,
			wantKind:     scanning.KindStageTimeout,
			wantProgress: 33,
		},
		{
			name: "runner ignoring cancellation is abandoned at the deadline",
			opts: func(calls *atomic.Int32) []harnessOption {
				g := newGate(t)
				return []harnessOption{
					withTimeouts(StageTimeouts{Decompile: 50 * time.Millisecond}),
					withDecompile(func(_ context.Context, _ scanning.JobSnapshot, progress scanning.ProgressSink) (scanning.SourceTree, error) {
						calls.Add(1)
						<-g.ch
						progress(90)
						return scanning.SourceTree{}, nil
					}),
				}
			},
			wantStage:    scanning.StageDecompile,
			wantKind:     scanning.KindStageTimeout,
			wantProgress: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			h := newHarness(t, tt.opts(&calls)...)

			snap := h.create("app.apk", "apk bytes")
			failed := h.waitForStatus(snap.ID, scanning.JobStatusFailed)

			require.NotNil(t, failed.Error)
			assert.Equal(t, tt.wantStage, failed.Error.Stage)
			assert.Equal(t, tt.wantKind, failed.Error.Kind)
			assert.Equal(t, tt.wantProgress, failed.Progress)
			assert.NotEmpty(t, failed.Message)
			assert.Equal(t, uuid.Nil, failed.ResultRef)
			assert.Equal(t, tt.wantSetsLeft, h.findings.Len())

			// Failures are final; give a retrying worker time to show itself.
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, int32(1), calls.Load(), "failed stages are not retried")

			_, _, err := h.registry.Result(context.Background(), snap.ID)
			assert.ErrorIs(t, err, scanning.ErrResultNotReady)
			assert.Contains(t, h.events.types(snap.ID), scanning.EventTypeJobFailed)
		})
	}
}

func TestOrchestratorRunsJobsInFIFOOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	h := newHarness(t, withWorkers(1), withoutStart(), withDecompile(func(_ context.Context, job scanning.JobSnapshot, _ scanning.ProgressSink) (scanning.SourceTree, error) {
		mu.Lock()
		order = append(order, job.Filename)
		mu.Unlock()
		return scanning.SourceTree{}, nil
	}))

	var ids []uuid.UUID
	for _, name := range []string{"a.apk", "b.jar", "c.java"} {
		ids = append(ids, h.create(name, name).ID)
	}
	assert.Equal(t, 3, h.orchestrator.QueueLen())

	h.start()
	for _, id := range ids {
		h.waitForStatus(id, scanning.JobStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a.apk", "b.jar", "c.java"}, order)
}

func TestOrchestratorBoundsConcurrency(t *testing.T) {
	const workers = 2
	g := newGate(t)

	var running, peak atomic.Int32
	h := newHarness(t, withWorkers(workers), withDecompile(func(_ context.Context, _ scanning.JobSnapshot, _ scanning.ProgressSink) (scanning.SourceTree, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-g.ch
		running.Add(-1)
		return scanning.SourceTree{}, nil
	}))

	var ids []uuid.UUID
	for i := range 5 {
		ids = append(ids, h.create("app.apk", string(rune('a'+i))).ID)
	}

	require.Eventually(t, func() bool { return running.Load() == workers }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, h.orchestrator.QueueLen())

	pending := 0
	for _, snap := range h.registry.List(context.Background()) {
		if snap.Status == scanning.JobStatusPending {
			pending++
		}
	}
	assert.Equal(t, 3, pending)

	g.open()
	for _, id := range ids {
		h.waitForStatus(id, scanning.JobStatusCompleted)
	}
	assert.Equal(t, int32(workers), peak.Load())
}

func TestOrchestratorEnqueueAfterStop(t *testing.T) {
	h := newHarness(t)
	h.cancel()
	require.Eventually(t, func() bool {
		return errors.Is(h.orchestrator.Enqueue(context.Background(), uuid.New()), ErrOrchestratorStopped)
	}, time.Second, 5*time.Millisecond)
}

func TestOrchestratorClosesWhenWorkerStops(t *testing.T) {
	h := newHarness(t, withoutStart())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, ok := h.orchestrator.next(ctx)
	require.False(t, ok)
	assert.ErrorIs(t, h.orchestrator.Enqueue(context.Background(), uuid.New()), ErrOrchestratorStopped)
}

func TestOrchestratorTimeoutFailureIsNotOverwrittenByLateProgress(t *testing.T) {
	blocked := make(chan struct{})
	release := newGate(t)
	var once sync.Once

	h := newHarness(t,
		withTimeouts(StageTimeouts{Decompile: 30 * time.Millisecond}),
		withDecompile(func(ctx context.Context, _ scanning.JobSnapshot, progress scanning.ProgressSink) (scanning.SourceTree, error) {
			progress(50)
			<-ctx.Done()
			return scanning.SourceTree{}, ctx.Err()
		}),
	)
	// Hold the progress write until the timeout has failed the job.
	h.jobs.beforeUpdate = func(job *scanning.Job) {
		if job.Status() == scanning.JobStatusDecompiling && job.Progress() > 0 {
			once.Do(func() {
				close(blocked)
				<-release.ch
			})
		}
	}

	snap := h.create("app.apk", "apk bytes")
	<-blocked
	failed := h.waitForStatus(snap.ID, scanning.JobStatusFailed)
	require.NotNil(t, failed.Error)
	assert.Equal(t, scanning.KindStageTimeout, failed.Error.Kind)
	release.open()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		stored, err := h.jobs.GetJob(ctx, snap.ID)
		return err == nil && stored.Status() == scanning.JobStatusFailed
	}, 5*time.Second, 5*time.Millisecond)

	// The late write never lands after the failure.
	time.Sleep(20 * time.Millisecond)
	stored, err := h.jobs.GetJob(ctx, snap.ID)
	require.NoError(t, err)
	persisted := stored.Snapshot()
	assert.Equal(t, scanning.JobStatusFailed, persisted.Status)
	require.NotNil(t, persisted.Error)
	assert.Equal(t, scanning.KindStageTimeout, persisted.Error.Kind)
}

func TestStageTimeoutsFor(t *testing.T) {
	timeouts := StageTimeouts{Decompile: time.Minute, Scan: 2 * time.Minute, Report: 3 * time.Minute}
	assert.Equal(t, time.Minute, timeouts.For(scanning.StageDecompile))
	assert.Equal(t, 2*time.Minute, timeouts.For(scanning.StageScan))
	assert.Equal(t, 3*time.Minute, timeouts.For(scanning.StageReport))
	assert.Zero(t, timeouts.For(scanning.Stage("unknown")))
}
