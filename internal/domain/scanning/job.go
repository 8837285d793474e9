package scanning

import (
	"fmt"
	"time"

	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

const (
	msgQueued    = "Queued for scanning"
	msgCompleted = "Scan completed"
)

// JobError is the failure cause recorded on a failed job.
type JobError struct {
	Stage  Stage
	Kind   StageErrorKind
	Detail string
}

// Job is one end-to-end scan request from upload to completion or failure.
// A job is not safe for concurrent use; the orchestrator serializes access.
type Job struct {
	id          uuid.UUID
	filename    string
	artifactRef ArtifactRef
	inputType   InputType
	status      JobStatus
	progress    int
	message     string
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	resultRef   uuid.UUID
	failure     *JobError
}

// NewJob creates a pending job for an uploaded artifact.
func NewJob(id uuid.UUID, filename string, ref ArtifactRef, inputType InputType, now time.Time) *Job {
	return &Job{
		id:          id,
		filename:    filename,
		artifactRef: ref,
		inputType:   inputType,
		status:      JobStatusPending,
		message:     msgQueued,
		createdAt:   now.UTC(),
	}
}

// ReconstructJob creates a Job instance from stored fields, bypassing creation invariants.
// This should only be used by repositories when loading from the DB.
func ReconstructJob(
	id uuid.UUID,
	filename string,
	ref ArtifactRef,
	inputType InputType,
	status JobStatus,
	progress int,
	message string,
	createdAt, startedAt, completedAt time.Time,
	resultRef uuid.UUID,
	failure *JobError,
) *Job {
	return &Job{
		id:          id,
		filename:    filename,
		artifactRef: ref,
		inputType:   inputType,
		status:      status,
		progress:    progress,
		message:     message,
		createdAt:   createdAt,
		startedAt:   startedAt,
		completedAt: completedAt,
		resultRef:   resultRef,
		failure:     failure,
	}
}

func (j *Job) ID() uuid.UUID            { return j.id }
func (j *Job) Filename() string         { return j.filename }
func (j *Job) ArtifactRef() ArtifactRef { return j.artifactRef }
func (j *Job) InputType() InputType     { return j.inputType }
func (j *Job) Status() JobStatus        { return j.status }
func (j *Job) Progress() int            { return j.progress }
func (j *Job) Message() string          { return j.message }
func (j *Job) CreatedAt() time.Time     { return j.createdAt }

// StartedAt returns when the first stage began, if it has.
func (j *Job) StartedAt() (time.Time, bool) { return j.startedAt, !j.startedAt.IsZero() }

// CompletedAt returns when the job reached a terminal status, if it has.
func (j *Job) CompletedAt() (time.Time, bool) { return j.completedAt, !j.completedAt.IsZero() }

// ResultRef returns the finding set id. It is only set when completed.
func (j *Job) ResultRef() (uuid.UUID, bool) { return j.resultRef, j.resultRef != uuid.Nil }

// Failure returns the recorded failure cause. It is only set when failed.
func (j *Job) Failure() (JobError, bool) {
	if j.failure == nil {
		return JobError{}, false
	}
	return *j.failure, true
}

// CurrentStage returns the stage running for this job, if any.
func (j *Job) CurrentStage() (Stage, bool) { return j.status.Stage() }

// StartStage moves the job into the status for stage and lifts progress to
// the stage's lower boundary.
func (j *Job) StartStage(stage Stage, now time.Time) error {
	target := stage.Status()
	if err := j.status.validateTransition(target); err != nil {
		return err
	}

	if stage == StageDecompile {
		j.startedAt = now.UTC()
	}

	lo, _ := stage.ProgressRange()
	j.status = target
	j.message = stage.Message()
	j.raiseProgress(lo)
	return nil
}

// AdvanceProgress raises progress within the running stage. Values at or
// below the current progress are ignored, as are updates once the job is
// terminal. It reports whether progress changed.
func (j *Job) AdvanceProgress(globalProgress int) bool {
	stage, ok := j.status.Stage()
	if !ok {
		return false
	}
	_, hi := stage.ProgressRange()
	if globalProgress >= hi {
		globalProgress = hi - 1
	}
	return j.raiseProgress(globalProgress)
}

func (j *Job) raiseProgress(p int) bool {
	if p <= j.progress {
		return false
	}
	if p > progressDone {
		p = progressDone
	}
	j.progress = p
	return true
}

// Complete marks the job done and links its finding set.
func (j *Job) Complete(resultRef uuid.UUID, now time.Time) error {
	if resultRef == uuid.Nil {
		return fmt.Errorf("completing job %s: result reference is required", j.id)
	}
	if err := j.status.validateTransition(JobStatusCompleted); err != nil {
		return err
	}

	j.status = JobStatusCompleted
	j.progress = progressDone
	j.message = msgCompleted
	j.resultRef = resultRef
	j.completedAt = now.UTC()
	return nil
}

// Fail records the cause and freezes progress at its last value.
func (j *Job) Fail(cause *StageError, now time.Time) error {
	if cause == nil {
		return fmt.Errorf("failing job %s: cause is required", j.id)
	}
	if err := j.status.validateTransition(JobStatusFailed); err != nil {
		return err
	}

	j.status = JobStatusFailed
	j.message = cause.Summary()
	j.failure = &JobError{Stage: cause.Stage, Kind: cause.Kind, Detail: cause.Error()}
	j.completedAt = now.UTC()
	return nil
}

// JobSnapshot is a consistent, detached copy of a job's fields.
type JobSnapshot struct {
	ID          uuid.UUID
	Filename    string
	ArtifactRef ArtifactRef
	InputType   InputType
	Status      JobStatus
	Progress    int
	Message     string
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	ResultRef   uuid.UUID
	Error       *JobError
}

// Snapshot copies the job's current state.
func (j *Job) Snapshot() JobSnapshot {
	s := JobSnapshot{
		ID:          j.id,
		Filename:    j.filename,
		ArtifactRef: j.artifactRef,
		InputType:   j.inputType,
		Status:      j.status,
		Progress:    j.progress,
		Message:     j.message,
		CreatedAt:   j.createdAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
		ResultRef:   j.resultRef,
	}
	if j.failure != nil {
		f := *j.failure
		s.Error = &f
	}
	return s
}
