package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/qark-armada/internal/db"
	"github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/internal/infra/storage"
	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

var _ scanning.JobRepository = (*jobStore)(nil)

// jobStore implements scanning.JobRepository using PostgreSQL as the backing store.
type jobStore struct {
	q      *db.Queries
	tracer trace.Tracer
}

// NewJobStore creates a new PostgreSQL-backed job repository with tracing capabilities.
func NewJobStore(pool *pgxpool.Pool, tracer trace.Tracer) *jobStore {
	return &jobStore{q: db.New(pool), tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

func dbAttributes(extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(defaultDBAttributes)+len(extra))
	attrs = append(attrs, defaultDBAttributes...)
	return append(attrs, extra...)
}

// CreateJob persists a new scan job.
func (r *jobStore) CreateJob(ctx context.Context, job *scanning.Job) error {
	dbAttrs := dbAttributes(
		attribute.String("job_id", job.ID().String()),
		attribute.String("status", job.Status().String()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_job", dbAttrs, func(ctx context.Context) error {
		err := r.q.CreateJob(ctx, db.CreateJobParams{
			JobID:       pgtype.UUID{Bytes: job.ID(), Valid: true},
			Filename:    job.Filename(),
			ArtifactRef: job.ArtifactRef().String(),
			InputType:   string(job.InputType()),
			Status:      db.ScanJobStatus(job.Status()),
			Progress:    int16(job.Progress()),
			Message:     job.Message(),
			CreatedAt:   pgtype.Timestamptz{Time: job.CreatedAt(), Valid: true},
		})
		if err != nil {
			return fmt.Errorf("CreateJob insert error: %w", err)
		}
		return nil
	})
}

// UpdateJob writes the job's mutable fields.
func (r *jobStore) UpdateJob(ctx context.Context, job *scanning.Job) error {
	dbAttrs := dbAttributes(
		attribute.String("job_id", job.ID().String()),
		attribute.String("status", job.Status().String()),
		attribute.Int("progress", job.Progress()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_job", dbAttrs, func(ctx context.Context) error {
		span := trace.SpanFromContext(ctx)

		params := db.UpdateJobParams{
			JobID:       pgtype.UUID{Bytes: job.ID(), Valid: true},
			Status:      db.ScanJobStatus(job.Status()),
			Progress:    int16(job.Progress()),
			Message:     job.Message(),
			StartedAt:   optionalTime(job.StartedAt()),
			CompletedAt: optionalTime(job.CompletedAt()),
		}
		if ref, ok := job.ResultRef(); ok {
			params.ResultRef = pgtype.UUID{Bytes: ref, Valid: true}
		}
		if failure, ok := job.Failure(); ok {
			params.ErrorStage = pgtype.Text{String: failure.Stage.String(), Valid: true}
			params.ErrorKind = pgtype.Text{String: string(failure.Kind), Valid: true}
			params.ErrorDetail = pgtype.Text{String: failure.Detail, Valid: true}
		}

		rowsAffected, err := r.q.UpdateJob(ctx, params)
		if err != nil {
			return fmt.Errorf("UpdateJob query error: %w", err)
		}
		if rowsAffected == 0 {
			span.SetAttributes(attribute.Bool("job_not_found", true))
			return scanning.ErrJobNotFound
		}
		return nil
	})
}

// GetJob retrieves a scan job by id.
func (r *jobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*scanning.Job, error) {
	dbAttrs := dbAttributes(attribute.String("job_id", jobID.String()))

	var job *scanning.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_job", dbAttrs, func(ctx context.Context) error {
		row, err := r.q.GetJob(ctx, pgtype.UUID{Bytes: jobID, Valid: true})
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrJobNotFound
			}
			return fmt.Errorf("get job query error: %w", err)
		}
		job = toDomainJob(row)
		return nil
	})
	return job, err
}

// ListJobs returns every job, most recently created first.
func (r *jobStore) ListJobs(ctx context.Context) ([]*scanning.Job, error) {
	var jobs []*scanning.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_jobs", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := r.q.ListJobs(ctx)
		if err != nil {
			return fmt.Errorf("list jobs query error: %w", err)
		}

		jobs = make([]*scanning.Job, 0, len(rows))
		for _, row := range rows {
			jobs = append(jobs, toDomainJob(row))
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("num_jobs", len(jobs)))
		return nil
	})
	return jobs, err
}

// DeleteJob removes the job row; its finding sets cascade.
func (r *jobStore) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	dbAttrs := dbAttributes(attribute.String("job_id", jobID.String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.delete_job", dbAttrs, func(ctx context.Context) error {
		if err := r.q.DeleteJob(ctx, pgtype.UUID{Bytes: jobID, Valid: true}); err != nil {
			return fmt.Errorf("delete job query error: %w", err)
		}
		return nil
	})
}

func toDomainJob(row db.ScanJob) *scanning.Job {
	var resultRef uuid.UUID
	if row.ResultRef.Valid {
		resultRef = row.ResultRef.Bytes
	}

	var failure *scanning.JobError
	if row.ErrorKind.Valid {
		failure = &scanning.JobError{
			Stage:  scanning.Stage(row.ErrorStage.String),
			Kind:   scanning.StageErrorKind(row.ErrorKind.String),
			Detail: row.ErrorDetail.String,
		}
	}

	return scanning.ReconstructJob(
		row.JobID.Bytes,
		row.Filename,
		scanning.ArtifactRef(row.ArtifactRef),
		scanning.InputType(row.InputType),
		scanning.JobStatus(row.Status),
		int(row.Progress),
		row.Message,
		row.CreatedAt.Time.UTC(),
		timeOrZero(row.StartedAt),
		timeOrZero(row.CompletedAt),
		resultRef,
		failure,
	)
}

func optionalTime(t time.Time, ok bool) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: ok}
}

func timeOrZero(ts pgtype.Timestamptz) time.Time {
	if !ts.Valid {
		return time.Time{}
	}
	return ts.Time.UTC()
}
