// Package scanning runs scan jobs through the Decompile, Scan and Report
// stages on a bounded worker pool and exposes the job registry served by the API.
package scanning

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/qark-armada/internal/domain/events"
	"github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/pkg/common/logger"
	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

// ErrOrchestratorStopped is returned when enqueueing after shutdown.
var ErrOrchestratorStopped = errors.New("orchestrator stopped")

var errProgressUnchanged = errors.New("progress unchanged")

// Pipeline bundles the stage runners executed for every job.
type Pipeline struct {
	Decompile scanning.DecompileRunner
	Scan      scanning.ScanRunner
	Report    scanning.ReportRunner
}

// StageTimeouts bounds how long each stage may run. Zero means no limit.
type StageTimeouts struct {
	Decompile time.Duration
	Scan      time.Duration
	Report    time.Duration
}

// For returns the limit configured for stage.
func (t StageTimeouts) For(stage scanning.Stage) time.Duration {
	switch stage {
	case scanning.StageDecompile:
		return t.Decompile
	case scanning.StageScan:
		return t.Scan
	case scanning.StageReport:
		return t.Report
	default:
		return 0
	}
}

// OrchestratorConfig configures the worker pool.
type OrchestratorConfig struct {
	Workers  int
	Timeouts StageTimeouts
}

// execution is the lease a worker holds on the job it is running.
type execution struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator owns job execution. Pending jobs wait in a FIFO queue until
// one of the configured workers picks them up; each job then runs its stages
// strictly in order on that worker. The orchestrator is the only writer of
// job status, progress, message, result and error once a job is created.
type Orchestrator struct {
	workers  int
	timeouts StageTimeouts
	pipeline Pipeline

	table       *jobTable
	jobRepo     scanning.JobRepository
	findingRepo scanning.FindingRepository
	publisher   events.DomainEventPublisher
	now         func() time.Time

	mu      sync.Mutex
	queue   []uuid.UUID
	running map[uuid.UUID]*execution
	closed  bool
	wake    chan struct{}

	logger  *logger.Logger
	metrics ScanMetrics
	tracer  trace.Tracer
}

// NewOrchestrator creates an orchestrator. Call Run to start the workers.
func NewOrchestrator(
	cfg OrchestratorConfig,
	pipeline Pipeline,
	jobRepo scanning.JobRepository,
	findingRepo scanning.FindingRepository,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	metrics ScanMetrics,
	tracer trace.Tracer,
) *Orchestrator {
	workers := max(cfg.Workers, 1)
	return &Orchestrator{
		workers:     workers,
		timeouts:    cfg.Timeouts,
		pipeline:    pipeline,
		table:       newJobTable(),
		jobRepo:     jobRepo,
		findingRepo: findingRepo,
		publisher:   publisher,
		now:         time.Now,
		running:     make(map[uuid.UUID]*execution),
		wake:        make(chan struct{}, 1),
		logger:      logger.With("component", "orchestrator", "num_workers", workers),
		metrics:     metrics,
		tracer:      tracer,
	}
}

// Run starts the worker pool and blocks until ctx is cancelled. Jobs still
// running at shutdown are abandoned without a state change.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info(ctx, "Starting orchestrator workers")

	g, gctx := errgroup.WithContext(ctx)
	for i := range o.workers {
		g.Go(func() error {
			o.workerLoop(gctx, i)
			return nil
		})
	}
	err := g.Wait()

	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.logger.Info(ctx, "Orchestrator workers stopped")
	if err != nil {
		return err
	}
	return ctx.Err()
}

// Enqueue appends a pending job to the FIFO queue.
func (o *Orchestrator) Enqueue(ctx context.Context, id uuid.UUID) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrOrchestratorStopped
	}
	o.queue = append(o.queue, id)
	o.mu.Unlock()

	o.metrics.AddQueueDepth(ctx, 1)
	o.signal()
	return nil
}

// Cancel removes a queued job or aborts a running one and waits for its
// worker to let go of it.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) {
	o.mu.Lock()
	if i := slices.Index(o.queue, id); i >= 0 {
		o.queue = slices.Delete(o.queue, i, i+1)
		o.mu.Unlock()
		o.metrics.AddQueueDepth(ctx, -1)
		return
	}
	exec, ok := o.running[id]
	o.mu.Unlock()

	if !ok {
		return
	}
	exec.cancel()
	<-exec.done
}

// QueueLen returns the number of jobs waiting for a worker.
func (o *Orchestrator) QueueLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) workerLoop(ctx context.Context, workerID int) {
	for {
		id, exec, ok := o.next(ctx)
		if !ok {
			return
		}
		o.logger.Debug(ctx, "Worker picked up job", "worker_id", workerID, "job_id", id)
		o.execute(exec, id)
	}
}

// next blocks until a job is queued or ctx is done.
func (o *Orchestrator) next(ctx context.Context) (uuid.UUID, *execution, bool) {
	for {
		o.mu.Lock()
		if ctx.Err() != nil {
			// No job is accepted once any worker has stopped.
			o.closed = true
			o.mu.Unlock()
			return uuid.Nil, nil, false
		}
		if len(o.queue) > 0 {
			id := o.queue[0]
			o.queue = o.queue[1:]

			execCtx, cancel := context.WithCancel(ctx)
			exec := &execution{ctx: execCtx, cancel: cancel, done: make(chan struct{})}
			o.running[id] = exec
			more := len(o.queue) > 0
			o.mu.Unlock()

			o.metrics.AddQueueDepth(ctx, -1)
			if more {
				o.signal()
			}
			return id, exec, true
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
		case <-o.wake:
		}
	}
}

func (o *Orchestrator) execute(exec *execution, id uuid.UUID) {
	defer func() {
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
		exec.cancel()
		close(exec.done)
	}()

	entry, ok := o.table.get(id)
	if !ok {
		return
	}

	ctx, span := o.tracer.Start(exec.ctx, "orchestrator.execute_job",
		trace.WithAttributes(attribute.String("job_id", id.String())))
	defer span.End()

	o.metrics.AddBusyWorkers(ctx, 1)
	defer o.metrics.AddBusyWorkers(context.WithoutCancel(ctx), -1)

	var (
		tree scanning.SourceTree
		set  *scanning.FindingSet
	)
	for _, stage := range scanning.Stages {
		snap, err := o.transition(ctx, entry, func(j *scanning.Job) error { return j.StartStage(stage, o.now()) })
		if err != nil {
			o.abandon(ctx, id, set, err)
			return
		}

		out, err := o.runStage(ctx, entry, stage, func(stageCtx context.Context, progress scanning.ProgressSink) (stageOutput, error) {
			switch stage {
			case scanning.StageDecompile:
				tree, err := o.pipeline.Decompile.Run(stageCtx, snap, progress)
				return stageOutput{tree: tree}, err
			case scanning.StageScan:
				findings, err := o.pipeline.Scan.Run(stageCtx, snap, tree, progress)
				return stageOutput{findings: findings}, err
			case scanning.StageReport:
				return stageOutput{}, o.pipeline.Report.Run(stageCtx, snap, set, progress)
			default:
				return stageOutput{}, fmt.Errorf("unknown stage %q", stage)
			}
		})
		if err == nil && stage == scanning.StageScan {
			fs := scanning.NewFindingSet(id, out.findings, o.now())
			if err = o.findingRepo.SaveFindingSet(ctx, fs); err != nil {
				err = fmt.Errorf("failed to save finding set: %w", err)
			} else {
				set = fs
			}
		}
		if err != nil {
			if exec.ctx.Err() != nil {
				o.abandon(ctx, id, set, err)
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "stage failed")
			o.fail(ctx, entry, set, scanning.NewStageError(stage, err))
			return
		}
		if stage == scanning.StageDecompile {
			tree = out.tree
		}
	}

	if _, err := o.transition(ctx, entry, func(j *scanning.Job) error { return j.Complete(set.ID(), o.now()) }); err != nil {
		o.abandon(ctx, id, set, err)
		return
	}
	o.publish(ctx, id, scanning.NewJobCompletedEvent(id, set))
	o.metrics.IncJobsCompleted(ctx)
	o.logger.Info(ctx, "Job completed", "job_id", id, "total_vulnerabilities", set.Total())
	span.AddEvent("job_completed")
}

// stageOutput carries whatever a stage produced for the next one.
type stageOutput struct {
	tree     scanning.SourceTree
	findings []scanning.Finding
}

type stageResult struct {
	out stageOutput
	err error
}

// runStage runs one stage under its timeout. A runner that ignores
// cancellation is left behind once the deadline passes so the worker slot is
// released; its later progress updates are dropped. When the job itself is
// cancelled the runner is always awaited.
func (o *Orchestrator) runStage(
	ctx context.Context,
	entry *jobEntry,
	stage scanning.Stage,
	run func(context.Context, scanning.ProgressSink) (stageOutput, error),
) (stageOutput, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run_stage",
		trace.WithAttributes(attribute.String("stage", stage.String())))
	defer span.End()

	stageCtx, cancel := ctx, context.CancelFunc(func() {})
	if d := o.timeouts.For(stage); d > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, d)
	}
	defer cancel()

	var live atomic.Bool
	live.Store(true)
	progress := func(pct int) {
		if live.Load() {
			o.advance(stageCtx, entry, stage, pct)
		}
	}

	start := time.Now()
	resc := make(chan stageResult, 1)
	entry.runners.Add(1)
	go func() {
		defer entry.runners.Done()
		defer func() {
			if r := recover(); r != nil {
				resc <- stageResult{err: fmt.Errorf("%s stage panicked: %v", stage, r)}
			}
		}()
		out, err := run(stageCtx, progress)
		resc <- stageResult{out: out, err: err}
	}()

	var res stageResult
	select {
	case res = <-resc:
	case <-stageCtx.Done():
		if ctx.Err() == nil {
			res = stageResult{err: stageCtx.Err()}
			break
		}
		res = <-resc
		if res.err == nil {
			res.err = ctx.Err()
		}
	}
	live.Store(false)
	o.metrics.ObserveStageDuration(ctx, stage.String(), time.Since(start))

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, "stage failed")
		return stageOutput{}, res.err
	}
	span.AddEvent("stage_completed")
	return res.out, nil
}

func (o *Orchestrator) advance(ctx context.Context, entry *jobEntry, stage scanning.Stage, pct int) {
	global := stage.GlobalProgress(pct)
	_, after, rev, err := entry.mutate(func(j *scanning.Job) error {
		if !j.AdvanceProgress(global) {
			return errProgressUnchanged
		}
		return nil
	})
	if err != nil {
		return
	}
	o.persist(ctx, entry, rev, after)
}

// transition applies a status change, persists it and announces it.
func (o *Orchestrator) transition(ctx context.Context, entry *jobEntry, fn func(*scanning.Job) error) (scanning.JobSnapshot, error) {
	before, after, rev, err := entry.mutate(fn)
	if err != nil {
		return before, err
	}
	o.persist(ctx, entry, rev, after)
	o.publish(ctx, after.ID, scanning.NewJobStatusChangedEvent(after.ID, before.Status, after.Status, after.Progress, after.Message))
	return after, nil
}

func (o *Orchestrator) fail(ctx context.Context, entry *jobEntry, set *scanning.FindingSet, cause *scanning.StageError) {
	snap, err := o.transition(ctx, entry, func(j *scanning.Job) error { return j.Fail(cause, o.now()) })
	if err != nil {
		o.abandon(ctx, entry.snapshot().ID, set, err)
		return
	}
	o.discardFindings(ctx, set)

	o.publish(ctx, snap.ID, scanning.NewJobFailedEvent(snap.ID, cause))
	o.metrics.IncJobsFailed(ctx, cause.Stage.String(), string(cause.Kind))
	o.logger.Warn(ctx, "Job failed",
		"job_id", snap.ID,
		"stage", cause.Stage,
		"kind", cause.Kind,
		"error", cause.Err,
	)
}

// abandon stops work on a job that was deleted or whose worker is shutting
// down. No state is written.
func (o *Orchestrator) abandon(ctx context.Context, id uuid.UUID, set *scanning.FindingSet, cause error) {
	o.discardFindings(ctx, set)
	o.logger.Info(ctx, "Job execution abandoned", "job_id", id, "reason", cause)
}

// discardFindings removes a finding set that will never be linked to a
// completed job.
func (o *Orchestrator) discardFindings(ctx context.Context, set *scanning.FindingSet) {
	if set == nil {
		return
	}
	if err := o.findingRepo.DeleteFindingSet(context.WithoutCancel(ctx), set.ID()); err != nil {
		o.logger.Warn(ctx, "failed to delete orphaned finding set", "finding_set_id", set.ID(), "error", err)
	}
}

// persist stores snap, the job state at rev. A write that lost the race to a
// later state is skipped.
func (o *Orchestrator) persist(ctx context.Context, entry *jobEntry, rev uint64, snap scanning.JobSnapshot) {
	err := entry.write(rev, func() error {
		return o.jobRepo.UpdateJob(context.WithoutCancel(ctx), jobFromSnapshot(snap))
	})
	if err != nil {
		o.logger.Warn(ctx, "failed to persist job state", "job_id", snap.ID, "status", snap.Status, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, id uuid.UUID, evt events.DomainEvent) {
	if err := o.publisher.PublishDomainEvent(context.WithoutCancel(ctx), evt, events.WithKey(id.String())); err != nil {
		o.logger.Warn(ctx, "failed to publish domain event", "job_id", id, "event_type", evt.EventType(), "error", err)
	}
}

func jobFromSnapshot(s scanning.JobSnapshot) *scanning.Job {
	return scanning.ReconstructJob(
		s.ID,
		s.Filename,
		s.ArtifactRef,
		s.InputType,
		s.Status,
		s.Progress,
		s.Message,
		s.CreatedAt,
		s.StartedAt,
		s.CompletedAt,
		s.ResultRef,
		s.Error,
	)
}
