package scanning

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
)

// DecompileStage stages the job's artifact in its workdir and hands it to
// the decompiler.
type DecompileStage struct {
	artifacts  scanning.ArtifactStore
	decompiler scanning.Decompiler
	tracer     trace.Tracer
}

// NewDecompileStage creates the Decompile stage runner.
func NewDecompileStage(artifacts scanning.ArtifactStore, decompiler scanning.Decompiler, tracer trace.Tracer) *DecompileStage {
	return &DecompileStage{artifacts: artifacts, decompiler: decompiler, tracer: tracer}
}

var _ scanning.DecompileRunner = (*DecompileStage)(nil)

func (s *DecompileStage) Run(ctx context.Context, job scanning.JobSnapshot, progress scanning.ProgressSink) (scanning.SourceTree, error) {
	ctx, span := s.tracer.Start(ctx, "decompile_stage.run",
		trace.WithAttributes(
			attribute.String("job_id", job.ID.String()),
			attribute.String("artifact_ref", job.ArtifactRef.String()),
		))
	defer span.End()

	wd, err := s.artifacts.WorkdirFor(job.ID)
	if err != nil {
		return scanning.SourceTree{}, fmt.Errorf("failed to prepare workdir: %w", err)
	}

	input := filepath.Join(wd.Root, "artifact"+filepath.Ext(job.Filename))
	if err := s.stage(ctx, job.ArtifactRef, input); err != nil {
		return scanning.SourceTree{}, err
	}

	src := scanning.DecompileSource{Filename: job.Filename, InputType: job.InputType, Path: input}
	if err := s.decompiler.Decompile(ctx, src, wd.Source, progress); err != nil {
		return scanning.SourceTree{}, err
	}
	return scanning.SourceTree{Root: wd.Source}, nil
}

// stage copies the stored artifact to a local file.
func (s *DecompileStage) stage(ctx context.Context, ref scanning.ArtifactRef, dst string) error {
	rc, err := s.artifacts.Open(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer rc.Close()

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create staged artifact: %w", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("failed to copy artifact: %w", err)
	}
	return f.Close()
}

// ScanStage applies the rule engine to a decompiled tree.
type ScanStage struct {
	engine scanning.RuleEngine
	tracer trace.Tracer
}

// NewScanStage creates the Scan stage runner.
func NewScanStage(engine scanning.RuleEngine, tracer trace.Tracer) *ScanStage {
	return &ScanStage{engine: engine, tracer: tracer}
}

var _ scanning.ScanRunner = (*ScanStage)(nil)

func (s *ScanStage) Run(
	ctx context.Context,
	job scanning.JobSnapshot,
	tree scanning.SourceTree,
	progress scanning.ProgressSink,
) ([]scanning.Finding, error) {
	ctx, span := s.tracer.Start(ctx, "scan_stage.run",
		trace.WithAttributes(attribute.String("job_id", job.ID.String())))
	defer span.End()

	findings, err := s.engine.Scan(ctx, tree.Root, progress)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("finding_count", len(findings)))
	return findings, nil
}
