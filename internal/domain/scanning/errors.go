package scanning

import (
	"context"
	"errors"
	"fmt"
)

// Client input errors. These are returned synchronously and never change job state.
var (
	ErrJobNotFound             = errors.New("job not found")
	ErrResultNotReady          = errors.New("result not ready")
	ErrUnknownReportFormat     = errors.New("unknown report format")
	ErrUnsupportedArtifactType = errors.New("unsupported artifact type")
	ErrArtifactTooLarge        = errors.New("artifact too large")
)

// ErrArtifactNotFound is returned by artifact stores for refs they do not hold.
var ErrArtifactNotFound = errors.New("artifact not found")

// StageErrorKind classifies why a stage failed.
type StageErrorKind string

const (
	KindDecompileError    StageErrorKind = "DecompileError"
	KindScanError         StageErrorKind = "ScanError"
	KindReportRenderError StageErrorKind = "ReportRenderError"
	KindStageTimeout      StageErrorKind = "StageTimeout"
	KindInterrupted       StageErrorKind = "Interrupted"
)

// KindForStage returns the error kind recorded when the stage itself fails.
func KindForStage(s Stage) StageErrorKind {
	switch s {
	case StageDecompile:
		return KindDecompileError
	case StageScan:
		return KindScanError
	case StageReport:
		return KindReportRenderError
	default:
		return KindInterrupted
	}
}

// StageError is the error type produced by stage runners and captured by the
// orchestrator. Storage failures inside a stage are reported as that stage's error.
type StageError struct {
	Stage Stage
	Kind  StageErrorKind
	Err   error
}

// NewStageError wraps err as a failure of stage. Deadline errors become
// StageTimeout; an existing StageError is returned unchanged.
func NewStageError(stage Stage, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}

	kind := KindForStage(stage)
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindStageTimeout
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s in %s stage: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Summary is the short cause shown as the job message.
func (e *StageError) Summary() string {
	switch e.Kind {
	case KindStageTimeout:
		return fmt.Sprintf("%s stage timed out", e.Stage)
	case KindInterrupted:
		return "Scan interrupted"
	default:
		return fmt.Sprintf("%s stage failed", e.Stage)
	}
}
