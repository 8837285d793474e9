package scanning

import (
	"fmt"
	"strings"
)

// JobStatus represents the current state of a scan job. It enables tracking of
// job lifecycle from upload through completion or failure.
type JobStatus string

const (
	// JobStatusPending indicates a job has been accepted and is waiting for a worker slot.
	JobStatusPending JobStatus = "pending"

	// JobStatusDecompiling indicates the artifact is being unpacked into source form.
	JobStatusDecompiling JobStatus = "decompiling"

	// JobStatusScanning indicates the rule engine is running over the decompiled tree.
	JobStatusScanning JobStatus = "scanning"

	// JobStatusReporting indicates the default report formats are being rendered.
	JobStatusReporting JobStatus = "reporting"

	// JobStatusCompleted indicates the job produced a finding set.
	JobStatusCompleted JobStatus = "completed"

	// JobStatusFailed indicates the job encountered an unrecoverable error.
	JobStatusFailed JobStatus = "failed"
)

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether no transition can leave this status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsRunning reports whether a worker owns the job in this status.
func (s JobStatus) IsRunning() bool {
	switch s {
	case JobStatusDecompiling, JobStatusScanning, JobStatusReporting:
		return true
	default:
		return false
	}
}

// Stage returns the stage executed while the job is in this status.
func (s JobStatus) Stage() (Stage, bool) {
	switch s {
	case JobStatusDecompiling:
		return StageDecompile, true
	case JobStatusScanning:
		return StageScan, true
	case JobStatusReporting:
		return StageReport, true
	default:
		return "", false
	}
}

// ParseJobStatus converts a stored string back into a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	switch status := JobStatus(strings.ToLower(s)); status {
	case JobStatusPending, JobStatusDecompiling, JobStatusScanning,
		JobStatusReporting, JobStatusCompleted, JobStatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// validateTransition checks if a status transition is valid.
func (s JobStatus) validateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid job status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition encodes the pipeline order. Failure is reachable from
// every non-terminal status; terminal statuses have no exits.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusPending:
		return target == JobStatusDecompiling || target == JobStatusFailed
	case JobStatusDecompiling:
		return target == JobStatusScanning || target == JobStatusFailed
	case JobStatusScanning:
		return target == JobStatusReporting || target == JobStatusFailed
	case JobStatusReporting:
		return target == JobStatusCompleted || target == JobStatusFailed
	case JobStatusCompleted, JobStatusFailed:
		return false
	default:
		return false
	}
}
