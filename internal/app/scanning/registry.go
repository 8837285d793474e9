package scanning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/qark-armada/internal/app/report"
	"github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/pkg/common/logger"
	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

var errInterruptedByRestart = errors.New("interrupted by service restart")

// RenderedReport is a report ready to be served.
type RenderedReport struct {
	Format      report.Format
	Filename    string
	ContentType string
	Body        []byte
}

// Registry is the public surface over scan jobs: it creates jobs from
// uploads, serves consistent snapshots, and deletes jobs together with every
// piece of storage they own.
type Registry struct {
	orchestrator *Orchestrator
	table        *jobTable
	artifacts    scanning.ArtifactStore
	reports      *report.Service
	now          func() time.Time

	// artifactMu orders artifact writes against blob deletion so a blob
	// shared by identical uploads is only removed when nothing uses it.
	artifactMu sync.RWMutex

	logger  *logger.Logger
	metrics ScanMetrics
	tracer  trace.Tracer
}

// NewRegistry creates a registry over the orchestrator's job table.
func NewRegistry(
	orchestrator *Orchestrator,
	artifacts scanning.ArtifactStore,
	reports *report.Service,
	logger *logger.Logger,
	metrics ScanMetrics,
	tracer trace.Tracer,
) *Registry {
	return &Registry{
		orchestrator: orchestrator,
		table:        orchestrator.table,
		artifacts:    artifacts,
		reports:      reports,
		now:          time.Now,
		logger:       logger.With("component", "job_registry"),
		metrics:      metrics,
		tracer:       tracer,
	}
}

// Load restores persisted jobs. Pending jobs are queued again in creation
// order; jobs caught mid-stage are failed rather than retried.
func (r *Registry) Load(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "registry.load")
	defer span.End()

	jobs, err := r.orchestrator.jobRepo.ListJobs(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs")
		return fmt.Errorf("failed to load jobs: %w", err)
	}

	var requeued, interrupted int
	for i := len(jobs) - 1; i >= 0; i-- {
		job := jobs[i]
		entry := r.table.add(job)

		status := job.Status()
		switch {
		case status == scanning.JobStatusPending:
			if err := r.orchestrator.Enqueue(ctx, job.ID()); err != nil {
				return fmt.Errorf("failed to requeue job %s: %w", job.ID(), err)
			}
			requeued++
		case status.IsRunning():
			stage, _ := status.Stage()
			cause := &scanning.StageError{Stage: stage, Kind: scanning.KindInterrupted, Err: errInterruptedByRestart}
			r.orchestrator.fail(ctx, entry, nil, cause)
			interrupted++
		}
	}

	span.SetAttributes(
		attribute.Int("jobs_loaded", len(jobs)),
		attribute.Int("jobs_requeued", requeued),
		attribute.Int("jobs_interrupted", interrupted),
	)
	r.logger.Info(ctx, "Loaded persisted jobs",
		"jobs_loaded", len(jobs),
		"jobs_requeued", requeued,
		"jobs_interrupted", interrupted,
	)
	return nil
}

// Create stores the upload and queues a new pending job for it.
func (r *Registry) Create(ctx context.Context, body io.Reader, filename string) (scanning.JobSnapshot, error) {
	ctx, span := r.tracer.Start(ctx, "registry.create_job",
		trace.WithAttributes(attribute.String("filename", filename)))
	defer span.End()

	inputType, err := scanning.InputTypeFor(filename)
	if err != nil {
		span.RecordError(err)
		return scanning.JobSnapshot{}, err
	}

	r.artifactMu.RLock()
	ref, err := r.artifacts.Put(ctx, body, filename)
	if err != nil {
		r.artifactMu.RUnlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to store artifact")
		return scanning.JobSnapshot{}, err
	}

	job := scanning.NewJob(uuid.New(), filename, ref, inputType, r.now())
	if err := r.orchestrator.jobRepo.CreateJob(ctx, job); err != nil {
		r.artifactMu.RUnlock()
		r.releaseArtifact(ctx, ref)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist job")
		return scanning.JobSnapshot{}, fmt.Errorf("failed to create job: %w", err)
	}
	entry := r.table.add(job)
	r.artifactMu.RUnlock()

	snap := entry.snapshot()
	span.SetAttributes(attribute.String("job_id", snap.ID.String()))
	r.orchestrator.publish(ctx, snap.ID, scanning.NewJobCreatedEvent(snap))
	r.metrics.IncJobsCreated(ctx)

	if err := r.orchestrator.Enqueue(ctx, snap.ID); err != nil {
		r.logger.Warn(ctx, "job created but not queued", "job_id", snap.ID, "error", err)
	}

	r.logger.Info(ctx, "Job created", "job_id", snap.ID, "filename", filename, "input_type", inputType)
	return snap, nil
}

// List returns every job, most recently created first.
func (r *Registry) List(ctx context.Context) []scanning.JobSnapshot {
	_, span := r.tracer.Start(ctx, "registry.list_jobs")
	defer span.End()
	return r.table.snapshots()
}

// Status returns a consistent snapshot of the job.
func (r *Registry) Status(ctx context.Context, id uuid.UUID) (scanning.JobSnapshot, error) {
	_, span := r.tracer.Start(ctx, "registry.get_status",
		trace.WithAttributes(attribute.String("job_id", id.String())))
	defer span.End()

	entry, ok := r.table.get(id)
	if !ok {
		return scanning.JobSnapshot{}, scanning.ErrJobNotFound
	}
	return entry.snapshot(), nil
}

// Result returns the finding set of a completed job.
func (r *Registry) Result(ctx context.Context, id uuid.UUID) (scanning.JobSnapshot, *scanning.FindingSet, error) {
	ctx, span := r.tracer.Start(ctx, "registry.get_result",
		trace.WithAttributes(attribute.String("job_id", id.String())))
	defer span.End()

	entry, ok := r.lease(id)
	if !ok {
		return scanning.JobSnapshot{}, nil, scanning.ErrJobNotFound
	}
	defer entry.release()

	return r.result(ctx, entry)
}

func (r *Registry) result(ctx context.Context, entry *jobEntry) (scanning.JobSnapshot, *scanning.FindingSet, error) {
	snap := entry.snapshot()
	if snap.Status != scanning.JobStatusCompleted {
		return snap, nil, scanning.ErrResultNotReady
	}

	set, err := r.orchestrator.findingRepo.GetFindingSet(ctx, snap.ResultRef)
	if err != nil {
		return snap, nil, fmt.Errorf("failed to load finding set: %w", err)
	}
	return snap, set, nil
}

// Report returns the rendered report for a completed job, rendering it on
// first request. The format is validated before the job is looked up.
func (r *Registry) Report(ctx context.Context, id uuid.UUID, format string) (RenderedReport, error) {
	ctx, span := r.tracer.Start(ctx, "registry.get_report",
		trace.WithAttributes(
			attribute.String("job_id", id.String()),
			attribute.String("format", format),
		))
	defer span.End()

	f, err := report.ParseFormat(format)
	if err != nil {
		return RenderedReport{}, err
	}

	entry, ok := r.lease(id)
	if !ok {
		return RenderedReport{}, scanning.ErrJobNotFound
	}
	defer entry.release()

	snap, set, err := r.result(ctx, entry)
	if err != nil {
		return RenderedReport{}, err
	}

	body, err := r.reports.Generate(ctx, report.SourceFor(snap), set, f)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to render report")
		return RenderedReport{}, fmt.Errorf("failed to render report: %w", err)
	}

	return RenderedReport{
		Format:      f,
		Filename:    report.Filename(id.String(), f),
		ContentType: f.ContentType(),
		Body:        body,
	}, nil
}

// Delete removes the job and reclaims its artifact, workdir, finding set and
// cached reports. A running job is aborted first.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer.Start(ctx, "registry.delete_job",
		trace.WithAttributes(attribute.String("job_id", id.String())))
	defer span.End()

	entry, ok := r.table.remove(id)
	if !ok {
		return scanning.ErrJobNotFound
	}
	entry.markDeleted()
	r.orchestrator.Cancel(ctx, id)
	entry.runners.Wait()
	entry.readers.Wait()

	snap := entry.snapshot()
	r.reports.Invalidate(id)

	var errs []error
	if err := r.artifacts.RemoveWorkdir(id); err != nil {
		errs = append(errs, fmt.Errorf("remove workdir: %w", err))
	}
	if snap.ResultRef != uuid.Nil {
		if err := r.orchestrator.findingRepo.DeleteFindingSet(ctx, snap.ResultRef); err != nil {
			errs = append(errs, fmt.Errorf("delete finding set: %w", err))
		}
	}
	if err := r.orchestrator.jobRepo.DeleteJob(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("delete job record: %w", err))
	}
	if err := r.releaseArtifact(ctx, snap.ArtifactRef); err != nil {
		errs = append(errs, fmt.Errorf("delete artifact: %w", err))
	}

	r.orchestrator.publish(ctx, id, scanning.NewJobDeletedEvent(id))
	r.metrics.IncJobsDeleted(ctx)

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "incomplete storage cleanup")
		r.logger.Error(ctx, "job deleted with incomplete storage cleanup", "job_id", id, "error", err)
		return fmt.Errorf("job %s deleted but storage cleanup failed: %w", id, err)
	}

	r.logger.Info(ctx, "Job deleted", "job_id", id)
	return nil
}

// lease pins a job against deletion for the duration of a read.
func (r *Registry) lease(id uuid.UUID) (*jobEntry, bool) {
	entry, ok := r.table.get(id)
	if !ok || !entry.acquire() {
		return nil, false
	}
	return entry, true
}

// releaseArtifact deletes the blob unless another job still references it.
func (r *Registry) releaseArtifact(ctx context.Context, ref scanning.ArtifactRef) error {
	r.artifactMu.Lock()
	defer r.artifactMu.Unlock()

	if r.table.referencesArtifact(ref) {
		r.logger.Debug(ctx, "artifact still referenced", "artifact_ref", ref)
		return nil
	}
	return r.artifacts.Delete(ctx, ref)
}
