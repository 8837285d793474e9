package scanning

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
	memstore "github.com/ahrav/qark-armada/internal/infra/storage/scanning/memory"
	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

func TestRegistryCreateRejectsUnsupportedFiles(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name     string
		filename string
	}{
		{name: "text file", filename: "notes.txt"},
		{name: "no extension", filename: "Makefile"},
		{name: "archive", filename: "app.zip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.registry.Create(context.Background(), strings.NewReader("data"), tt.filename)
			assert.ErrorIs(t, err, scanning.ErrUnsupportedArtifactType)
		})
	}
	assert.Empty(t, h.registry.List(context.Background()))
}

func TestRegistryCreateClassifiesInput(t *testing.T) {
	h := newHarness(t, withoutStart())

	apk := h.create("App.APK", "apk")
	jar := h.create("lib.jar", "jar")
	src := h.create("Main.java", "java")

	assert.Equal(t, scanning.InputTypeAPK, apk.InputType)
	assert.Equal(t, scanning.InputTypeJava, jar.InputType)
	assert.Equal(t, scanning.InputTypeJava, src.InputType)

	stored, err := h.jobs.GetJob(context.Background(), apk.ID)
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusPending, stored.Status())
}

func TestRegistryListNewestFirst(t *testing.T) {
	h := newHarness(t, withoutStart())

	first := h.create("a.apk", "a")
	second := h.create("b.apk", "b")
	third := h.create("c.apk", "c")

	var got []uuid.UUID
	for _, snap := range h.registry.List(context.Background()) {
		got = append(got, snap.ID)
	}
	assert.Equal(t, []uuid.UUID{third.ID, second.ID, first.ID}, got)
}

func TestRegistryUnknownJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := h.registry.Status(ctx, id)
	assert.ErrorIs(t, err, scanning.ErrJobNotFound)

	_, _, err = h.registry.Result(ctx, id)
	assert.ErrorIs(t, err, scanning.ErrJobNotFound)

	_, err = h.registry.Report(ctx, id, "json")
	assert.ErrorIs(t, err, scanning.ErrJobNotFound)

	assert.ErrorIs(t, h.registry.Delete(ctx, id), scanning.ErrJobNotFound)
}

func TestRegistryReportValidatesFormatFirst(t *testing.T) {
	h := newHarness(t)

	_, err := h.registry.Report(context.Background(), uuid.New(), "pdf")
	assert.ErrorIs(t, err, scanning.ErrUnknownReportFormat)
}

func TestRegistryResultNotReadyWhileRunning(t *testing.T) {
	g := newGate(t)
	h := newHarness(t, withDecompile(func(ctx context.Context, _ scanning.JobSnapshot, _ scanning.ProgressSink) (scanning.SourceTree, error) {
		select {
		case <-g.ch:
		case <-ctx.Done():
			return scanning.SourceTree{}, ctx.Err()
		}
		return scanning.SourceTree{}, nil
	}))

	snap := h.create("app.apk", "apk")
	h.waitForStatus(snap.ID, scanning.JobStatusDecompiling)

	_, _, err := h.registry.Result(context.Background(), snap.ID)
	assert.ErrorIs(t, err, scanning.ErrResultNotReady)
	_, err = h.registry.Report(context.Background(), snap.ID, "html")
	assert.ErrorIs(t, err, scanning.ErrResultNotReady)

	g.open()
	h.waitForStatus(snap.ID, scanning.JobStatusCompleted)
}

func TestRegistryReport(t *testing.T) {
	h := newHarness(t)
	snap := h.create("app.apk", "apk")
	h.waitForStatus(snap.ID, scanning.JobStatusCompleted)

	tests := []struct {
		format      string
		contentType string
		filename    string
	}{
		{format: "json", contentType: "application/json", filename: "qark_report_" + snap.ID.String() + ".json"},
		{format: "HTML", contentType: "text/html; charset=utf-8", filename: "qark_report_" + snap.ID.String() + ".html"},
		{format: "sarif", contentType: "application/sarif+json", filename: "qark_report_" + snap.ID.String() + ".sarif"},
		{format: "csv", contentType: "text/csv; charset=utf-8", filename: "qark_report_" + snap.ID.String() + ".csv"},
		{format: "xml", contentType: "application/xml", filename: "qark_report_" + snap.ID.String() + ".xml"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			rendered, err := h.registry.Report(context.Background(), snap.ID, tt.format)
			require.NoError(t, err)
			assert.Equal(t, tt.contentType, rendered.ContentType)
			assert.Equal(t, tt.filename, rendered.Filename)
			assert.NotEmpty(t, rendered.Body)

			again, err := h.registry.Report(context.Background(), snap.ID, tt.format)
			require.NoError(t, err)
			assert.Equal(t, rendered.Body, again.Body, "cached report must be identical")
		})
	}

	rendered, err := h.registry.Report(context.Background(), snap.ID, "json")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rendered.Body, &doc))
	assert.Equal(t, snap.ID.String(), doc["scan_id"])
	assert.EqualValues(t, 2, doc["total_vulnerabilities"])
}

func TestRegistryDeleteCompletedJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snap := h.create("app.apk", "apk")
	done := h.waitForStatus(snap.ID, scanning.JobStatusCompleted)
	_, err := h.registry.Report(ctx, snap.ID, "xml")
	require.NoError(t, err)

	require.NoError(t, h.registry.Delete(ctx, snap.ID))

	_, err = h.registry.Status(ctx, snap.ID)
	assert.ErrorIs(t, err, scanning.ErrJobNotFound)
	_, err = h.jobs.GetJob(ctx, snap.ID)
	assert.ErrorIs(t, err, scanning.ErrJobNotFound)
	_, err = h.findings.GetFindingSet(ctx, done.ResultRef)
	assert.ErrorIs(t, err, scanning.ErrResultNotReady)
	_, err = h.artifacts.Open(ctx, snap.ArtifactRef)
	assert.ErrorIs(t, err, scanning.ErrArtifactNotFound)
	assert.NoDirExists(t, h.workdir(snap.ID))
	assert.False(t, h.reports.Cached(snap.ID, "json"))
	assert.False(t, h.reports.Cached(snap.ID, "xml"))

	assert.ErrorIs(t, h.registry.Delete(ctx, snap.ID), scanning.ErrJobNotFound)
	assert.Contains(t, h.events.types(snap.ID), scanning.EventTypeJobDeleted)
}

func TestRegistryDeleteRunningJob(t *testing.T) {
	started := make(chan uuid.UUID, 4)
	h := newHarness(t, withDecompile(func(ctx context.Context, job scanning.JobSnapshot, progress scanning.ProgressSink) (scanning.SourceTree, error) {
		started <- job.ID
		if job.Filename == "slow.apk" {
			progress(10)
			<-ctx.Done()
			return scanning.SourceTree{}, ctx.Err()
		}
		return scanning.SourceTree{}, nil
	}))
	ctx := context.Background()

	slow := h.create("slow.apk", "slow")
	next := h.create("next.apk", "next")
	require.Equal(t, slow.ID, <-started)

	require.NoError(t, h.registry.Delete(ctx, slow.ID))

	_, err := h.registry.Status(ctx, slow.ID)
	assert.ErrorIs(t, err, scanning.ErrJobNotFound)
	_, err = h.jobs.GetJob(ctx, slow.ID)
	assert.ErrorIs(t, err, scanning.ErrJobNotFound)
	assert.NoDirExists(t, h.workdir(slow.ID))
	_, err = h.artifacts.Open(ctx, slow.ArtifactRef)
	assert.ErrorIs(t, err, scanning.ErrArtifactNotFound)
	assert.NotContains(t, h.events.types(slow.ID), scanning.EventTypeJobFailed)

	// The freed worker moves on to the next job.
	h.waitForStatus(next.ID, scanning.JobStatusCompleted)
	assert.Equal(t, 1, h.findings.Len())
}

func TestRegistryDeleteWaitsForRunnerCheckpoint(t *testing.T) {
	tests := []struct {
		name     string
		timeouts StageTimeouts
		ready    scanning.JobStatus
	}{
		{name: "running job", ready: scanning.JobStatusDecompiling},
		{name: "runner left behind by a timeout", timeouts: StageTimeouts{Decompile: 20 * time.Millisecond}, ready: scanning.JobStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				h        *harness
				finished atomic.Bool
			)
			started := make(chan struct{})
			h = newHarness(t, withTimeouts(tt.timeouts), withDecompile(func(ctx context.Context, job scanning.JobSnapshot, _ scanning.ProgressSink) (scanning.SourceTree, error) {
				close(started)
				<-ctx.Done()
				// Finish the current sub-step before stopping.
				time.Sleep(50 * time.Millisecond)
				defer finished.Store(true)
				wd, err := h.artifacts.WorkdirFor(job.ID)
				if err != nil {
					return scanning.SourceTree{}, err
				}
				dir := filepath.Join(wd.Source, "pkg")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return scanning.SourceTree{}, err
				}
				if err := os.WriteFile(filepath.Join(dir, "A.java"), []byte("class A {}"), 0o644); err != nil {
					return scanning.SourceTree{}, err
				}
				return scanning.SourceTree{}, ctx.Err()
			}))

			snap := h.create("app.apk", "apk bytes")
			<-started
			h.waitForStatus(snap.ID, tt.ready)

			require.NoError(t, h.registry.Delete(context.Background(), snap.ID))
			assert.True(t, finished.Load(), "runner reached its checkpoint before storage was reclaimed")
			assert.NoDirExists(t, h.workdir(snap.ID))
		})
	}
}

func TestRegistryDeleteQueuedJob(t *testing.T) {
	g := newGate(t)
	var ran []string
	h := newHarness(t, withWorkers(1), withDecompile(func(_ context.Context, job scanning.JobSnapshot, _ scanning.ProgressSink) (scanning.SourceTree, error) {
		ran = append(ran, job.Filename)
		<-g.ch
		return scanning.SourceTree{}, nil
	}))
	ctx := context.Background()

	first := h.create("first.apk", "first")
	queued := h.create("queued.apk", "queued")
	h.waitForStatus(first.ID, scanning.JobStatusDecompiling)
	require.Equal(t, 1, h.orchestrator.QueueLen())

	require.NoError(t, h.registry.Delete(ctx, queued.ID))
	assert.Zero(t, h.orchestrator.QueueLen())

	g.open()
	h.waitForStatus(first.ID, scanning.JobStatusCompleted)
	assert.Equal(t, []string{"first.apk"}, ran)
}

func TestRegistrySharedArtifactOutlivesOneJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.create("app.apk", "identical bytes")
	b := h.create("copy.apk", "identical bytes")
	require.Equal(t, a.ArtifactRef, b.ArtifactRef)
	h.waitForStatus(a.ID, scanning.JobStatusCompleted)
	h.waitForStatus(b.ID, scanning.JobStatusCompleted)

	require.NoError(t, h.registry.Delete(ctx, a.ID))
	rc, err := h.artifacts.Open(ctx, b.ArtifactRef)
	require.NoError(t, err, "artifact is still referenced by the second job")
	require.NoError(t, rc.Close())

	require.NoError(t, h.registry.Delete(ctx, b.ID))
	_, err = h.artifacts.Open(ctx, b.ArtifactRef)
	assert.ErrorIs(t, err, scanning.ErrArtifactNotFound)
}

func TestRegistryLoadRecoversPersistedJobs(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewJobStore()
	created := time.Now().Add(-time.Hour)

	pending := scanning.NewJob(uuid.New(), "queued.apk", scanning.ArtifactRef("sha256-"+strings.Repeat("a", 64)), scanning.InputTypeAPK, created)
	scanningJob := scanning.ReconstructJob(
		uuid.New(), "midway.apk", scanning.ArtifactRef("sha256-"+strings.Repeat("b", 64)), scanning.InputTypeAPK,
		scanning.JobStatusScanning, 45, "Scanning decompiled sources",
		created.Add(time.Minute), created.Add(time.Minute), time.Time{}, uuid.Nil, nil,
	)
	failed := scanning.ReconstructJob(
		uuid.New(), "broken.apk", scanning.ArtifactRef("sha256-"+strings.Repeat("c", 64)), scanning.InputTypeAPK,
		scanning.JobStatusFailed, 12, "decompile failed",
		created.Add(2*time.Minute), created.Add(2*time.Minute), created.Add(3*time.Minute), uuid.Nil,
		&scanning.JobError{Stage: scanning.StageDecompile, Kind: scanning.KindDecompileError, Detail: "bad dex"},
	)
	for _, job := range []*scanning.Job{pending, scanningJob, failed} {
		require.NoError(t, store.CreateJob(ctx, job))
	}

	h := newHarness(t, withJobStore(store), withoutStart())
	require.NoError(t, h.registry.Load(ctx))

	interrupted, err := h.registry.Status(ctx, scanningJob.ID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusFailed, interrupted.Status)
	assert.Equal(t, 45, interrupted.Progress)
	require.NotNil(t, interrupted.Error)
	assert.Equal(t, scanning.KindInterrupted, interrupted.Error.Kind)
	assert.Equal(t, scanning.StageScan, interrupted.Error.Stage)
	assert.Contains(t, interrupted.Error.Detail, "interrupted by service restart")

	stored, err := store.GetJob(ctx, scanningJob.ID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusFailed, stored.Status())

	untouched, err := h.registry.Status(ctx, failed.ID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusFailed, untouched.Status)
	assert.Equal(t, scanning.KindDecompileError, untouched.Error.Kind)

	assert.Equal(t, 1, h.orchestrator.QueueLen())
	assert.Len(t, h.registry.List(ctx), 3)
	assert.Equal(t, failed.ID(), h.registry.List(ctx)[0].ID)
}

func TestRegistryDeleteReclaimsWorkdirFiles(t *testing.T) {
	h := newHarness(t)
	snap := h.create("app.apk", "apk")
	h.waitForStatus(snap.ID, scanning.JobStatusCompleted)

	wd, err := h.artifacts.WorkdirFor(snap.ID)
	require.NoError(t, err)
	entries, err := os.ReadDir(wd.Reports)
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "default report is persisted in the workdir")

	require.NoError(t, h.registry.Delete(context.Background(), snap.ID))
	assert.NoDirExists(t, wd.Root)
}
