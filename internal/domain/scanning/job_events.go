package scanning

import (
	"time"

	"github.com/ahrav/qark-armada/internal/domain/events"
	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

// Event types relevant to Jobs:
const (
	EventTypeJobCreated       events.EventType = "JobCreated"
	EventTypeJobStatusChanged events.EventType = "JobStatusChanged"
	EventTypeJobCompleted     events.EventType = "JobCompleted"
	EventTypeJobFailed        events.EventType = "JobFailed"
	EventTypeJobDeleted       events.EventType = "JobDeleted"
)

// JobCreatedEvent is emitted when an upload is accepted and queued.
type JobCreatedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID `json:"job_id"`
	Filename   string    `json:"filename"`
	InputType  InputType `json:"input_type"`
}

// NewJobCreatedEvent creates a new job created event.
func NewJobCreatedEvent(job JobSnapshot) JobCreatedEvent {
	return JobCreatedEvent{
		occurredAt: time.Now(),
		JobID:      job.ID,
		Filename:   job.Filename,
		InputType:  job.InputType,
	}
}

func (e JobCreatedEvent) EventType() events.EventType { return EventTypeJobCreated }
func (e JobCreatedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobStatusChangedEvent is emitted on every status transition.
type JobStatusChangedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID `json:"job_id"`
	From       JobStatus `json:"from"`
	To         JobStatus `json:"to"`
	Progress   int       `json:"progress"`
	Message    string    `json:"message"`
}

// NewJobStatusChangedEvent creates a new status transition event.
func NewJobStatusChangedEvent(jobID uuid.UUID, from, to JobStatus, progress int, message string) JobStatusChangedEvent {
	return JobStatusChangedEvent{
		occurredAt: time.Now(),
		JobID:      jobID,
		From:       from,
		To:         to,
		Progress:   progress,
		Message:    message,
	}
}

func (e JobStatusChangedEvent) EventType() events.EventType { return EventTypeJobStatusChanged }
func (e JobStatusChangedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobCompletedEvent is emitted when a job produced its finding set.
type JobCompletedEvent struct {
	occurredAt    time.Time
	JobID         uuid.UUID        `json:"job_id"`
	TotalFindings int              `json:"total_findings"`
	BySeverity    map[Severity]int `json:"by_severity"`
}

// NewJobCompletedEvent creates a new job completed event.
func NewJobCompletedEvent(jobID uuid.UUID, set *FindingSet) JobCompletedEvent {
	return JobCompletedEvent{
		occurredAt:    time.Now(),
		JobID:         jobID,
		TotalFindings: set.Total(),
		BySeverity:    set.BySeverity(),
	}
}

func (e JobCompletedEvent) EventType() events.EventType { return EventTypeJobCompleted }
func (e JobCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobFailedEvent is emitted when a job transitions to failed.
type JobFailedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID      `json:"job_id"`
	Stage      Stage          `json:"stage"`
	Kind       StageErrorKind `json:"kind"`
	Reason     string         `json:"reason"`
}

// NewJobFailedEvent creates a new job failed event.
func NewJobFailedEvent(jobID uuid.UUID, cause *StageError) JobFailedEvent {
	return JobFailedEvent{
		occurredAt: time.Now(),
		JobID:      jobID,
		Stage:      cause.Stage,
		Kind:       cause.Kind,
		Reason:     cause.Error(),
	}
}

func (e JobFailedEvent) EventType() events.EventType { return EventTypeJobFailed }
func (e JobFailedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobDeletedEvent is emitted after a job and all of its storage are removed.
type JobDeletedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID `json:"job_id"`
}

// NewJobDeletedEvent creates a new job deleted event.
func NewJobDeletedEvent(jobID uuid.UUID) JobDeletedEvent {
	return JobDeletedEvent{occurredAt: time.Now(), JobID: jobID}
}

func (e JobDeletedEvent) EventType() events.EventType { return EventTypeJobDeleted }
func (e JobDeletedEvent) OccurredAt() time.Time       { return e.occurredAt }
