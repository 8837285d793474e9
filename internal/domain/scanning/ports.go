// Package scanning provides domain types and interfaces for scan jobs: the
// job state machine, findings, and the capabilities the pipeline depends on.
package scanning

import (
	"context"
	"io"

	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

// JobRepository defines the persistence operations for scan jobs.
type JobRepository interface {
	// CreateJob inserts a new job record.
	CreateJob(ctx context.Context, job *Job) error

	// UpdateJob persists the job's mutable fields (status, progress, message,
	// result and failure).
	UpdateJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job. It returns ErrJobNotFound for unknown ids.
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// ListJobs returns every job, most recently created first.
	ListJobs(ctx context.Context) ([]*Job, error)

	// DeleteJob removes a job record. Deleting an unknown id is not an error.
	DeleteJob(ctx context.Context, id uuid.UUID) error
}

// FindingRepository stores finding sets produced by the Scan stage.
type FindingRepository interface {
	SaveFindingSet(ctx context.Context, set *FindingSet) error

	// GetFindingSet returns ErrResultNotReady when no set exists for id.
	GetFindingSet(ctx context.Context, id uuid.UUID) (*FindingSet, error)

	DeleteFindingSet(ctx context.Context, id uuid.UUID) error
}

// ArtifactStore holds uploaded artifacts and per-job working directories.
type ArtifactStore interface {
	// Put stores the artifact atomically. It rejects names outside the
	// extension allow-list with ErrUnsupportedArtifactType before writing
	// anything, and content over the size limit with ErrArtifactTooLarge.
	Put(ctx context.Context, r io.Reader, originalName string) (ArtifactRef, error)

	// Open returns a reader over a stored artifact.
	Open(ctx context.Context, ref ArtifactRef) (io.ReadCloser, error)

	// Delete removes an artifact. Deleting twice, or deleting an unknown ref,
	// is not an error.
	Delete(ctx context.Context, ref ArtifactRef) error

	// WorkdirFor returns the job's staging area, creating it if needed.
	WorkdirFor(jobID uuid.UUID) (Workdir, error)

	// RemoveWorkdir deletes the job's staging area. It is idempotent.
	RemoveWorkdir(jobID uuid.UUID) error
}

// ProgressSink receives monotonically increasing within-stage percentages (0-100).
type ProgressSink func(percent int)

// DecompileSource describes the artifact handed to a Decompiler.
type DecompileSource struct {
	Filename  string
	InputType InputType
	// Path is a local file holding the artifact bytes.
	Path string
}

// Decompiler turns an artifact into a source tree under outDir.
type Decompiler interface {
	Decompile(ctx context.Context, src DecompileSource, outDir string, progress ProgressSink) error
}

// RuleEngine applies analysis rules to a decompiled tree. Zero findings is a
// valid outcome.
type RuleEngine interface {
	Scan(ctx context.Context, sourceRoot string, progress ProgressSink) ([]Finding, error)
}

// SourceTree is the output of the Decompile stage.
type SourceTree struct {
	Root string
}

// DecompileRunner executes the Decompile stage for a job.
type DecompileRunner interface {
	Run(ctx context.Context, job JobSnapshot, progress ProgressSink) (SourceTree, error)
}

// ScanRunner executes the Scan stage over a decompiled tree.
type ScanRunner interface {
	Run(ctx context.Context, job JobSnapshot, tree SourceTree, progress ProgressSink) ([]Finding, error)
}

// ReportRunner executes the Report stage, rendering at least the default
// report format for the finding set.
type ReportRunner interface {
	Run(ctx context.Context, job JobSnapshot, set *FindingSet, progress ProgressSink) error
}
