package scanning

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

type fakeDecompiler struct {
	got     scanning.DecompileSource
	staged  string
	outDir  string
	failure error
}

func (d *fakeDecompiler) Decompile(_ context.Context, src scanning.DecompileSource, outDir string, progress scanning.ProgressSink) error {
	d.got = src
	d.outDir = outDir
	b, err := os.ReadFile(src.Path)
	if err != nil {
		return err
	}
	d.staged = string(b)
	if d.failure != nil {
		return d.failure
	}
	progress(100)
	return os.WriteFile(filepath.Join(outDir, "Main.java"), []byte("class Main {}"), 0o644)
}

type fakeEngine struct {
	root     string
	findings []scanning.Finding
	failure  error
}

func (e *fakeEngine) Scan(_ context.Context, root string, progress scanning.ProgressSink) ([]scanning.Finding, error) {
	e.root = root
	progress(100)
	return e.findings, e.failure
}

func TestDecompileStageStagesArtifact(t *testing.T) {
	h := newHarness(t, withoutStart())
	ctx := context.Background()

	ref, err := h.artifacts.Put(ctx, strings.NewReader("dex bytes"), "App.apk")
	require.NoError(t, err)
	job := scanning.NewJob(uuid.New(), "App.apk", ref, scanning.InputTypeAPK, testNow()).Snapshot()

	dec := new(fakeDecompiler)
	stage := NewDecompileStage(h.artifacts, dec, testTracer())

	var reported []int
	tree, err := stage.Run(ctx, job, func(p int) { reported = append(reported, p) })
	require.NoError(t, err)

	assert.Equal(t, "dex bytes", dec.staged)
	assert.Equal(t, ".apk", filepath.Ext(dec.got.Path))
	assert.Equal(t, scanning.InputTypeAPK, dec.got.InputType)
	assert.Equal(t, dec.outDir, tree.Root)
	assert.FileExists(t, filepath.Join(tree.Root, "Main.java"))
	assert.Equal(t, []int{100}, reported)
	assert.True(t, strings.HasPrefix(tree.Root, h.workdir(job.ID)))
}

func TestDecompileStageErrors(t *testing.T) {
	h := newHarness(t, withoutStart())
	ctx := context.Background()

	t.Run("missing artifact", func(t *testing.T) {
		job := scanning.NewJob(uuid.New(), "gone.apk", scanning.ArtifactRef("sha256-"+strings.Repeat("0", 64)), scanning.InputTypeAPK, testNow()).Snapshot()
		_, err := NewDecompileStage(h.artifacts, new(fakeDecompiler), testTracer()).Run(ctx, job, func(int) {})
		assert.ErrorIs(t, err, scanning.ErrArtifactNotFound)
	})

	t.Run("decompiler failure", func(t *testing.T) {
		ref, err := h.artifacts.Put(ctx, strings.NewReader("corrupt"), "bad.apk")
		require.NoError(t, err)
		job := scanning.NewJob(uuid.New(), "bad.apk", ref, scanning.InputTypeAPK, testNow()).Snapshot()

		errCorrupt := errors.New("corrupt dex")
		_, err = NewDecompileStage(h.artifacts, &fakeDecompiler{failure: errCorrupt}, testTracer()).Run(ctx, job, func(int) {})
		assert.ErrorIs(t, err, errCorrupt)
	})
}

func TestScanStage(t *testing.T) {
	findings := testFindings(t)
	errRules := errors.New("rules unavailable")

	tests := []struct {
		name    string
		engine  *fakeEngine
		want    []scanning.Finding
		wantErr error
	}{
		{name: "findings", engine: &fakeEngine{findings: findings}, want: findings},
		{name: "no findings", engine: &fakeEngine{}},
		{name: "engine error", engine: &fakeEngine{failure: errRules}, wantErr: errRules},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage := NewScanStage(tt.engine, testTracer())
			job := scanning.NewJob(uuid.New(), "a.jar", "sha256-x", scanning.InputTypeJava, testNow()).Snapshot()

			got, err := stage.Run(context.Background(), job, scanning.SourceTree{Root: "/tmp/src"}, func(int) {})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "/tmp/src", tt.engine.root)
			assert.Equal(t, tt.want, got)
		})
	}
}
