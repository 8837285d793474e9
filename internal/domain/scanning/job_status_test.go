package scanning

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTransition_ValidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		current JobStatus
		target  JobStatus
	}{
		{name: "Pending to Decompiling", current: JobStatusPending, target: JobStatusDecompiling},
		{name: "Pending to Failed", current: JobStatusPending, target: JobStatusFailed},
		{name: "Decompiling to Scanning", current: JobStatusDecompiling, target: JobStatusScanning},
		{name: "Decompiling to Failed", current: JobStatusDecompiling, target: JobStatusFailed},
		{name: "Scanning to Reporting", current: JobStatusScanning, target: JobStatusReporting},
		{name: "Scanning to Failed", current: JobStatusScanning, target: JobStatusFailed},
		{name: "Reporting to Completed", current: JobStatusReporting, target: JobStatusCompleted},
		{name: "Reporting to Failed", current: JobStatusReporting, target: JobStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.current.validateTransition(tt.target)
			assert.NoError(t, err, "expected valid transition from %s to %s", tt.current, tt.target)
		})
	}
}

func TestValidateTransition_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		current JobStatus
		target  JobStatus
	}{
		{name: "Pending skips to Scanning", current: JobStatusPending, target: JobStatusScanning},
		{name: "Pending to Completed", current: JobStatusPending, target: JobStatusCompleted},
		{name: "Scanning back to Decompiling", current: JobStatusScanning, target: JobStatusDecompiling},
		{name: "Decompiling to Completed", current: JobStatusDecompiling, target: JobStatusCompleted},
		{name: "Completed to Failed", current: JobStatusCompleted, target: JobStatusFailed},
		{name: "Failed to Pending", current: JobStatusFailed, target: JobStatusPending},
		{name: "Failed to Decompiling", current: JobStatusFailed, target: JobStatusDecompiling},
		{name: "Reporting to Reporting", current: JobStatusReporting, target: JobStatusReporting},
		{name: "Unknown status", current: JobStatus("bogus"), target: JobStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.current.validateTransition(tt.target)
			assert.Error(t, err, "expected invalid transition from %s to %s", tt.current, tt.target)
		})
	}
}

func TestJobStatusClassification(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
		running  bool
		stage    Stage
	}{
		{status: JobStatusPending},
		{status: JobStatusDecompiling, running: true, stage: StageDecompile},
		{status: JobStatusScanning, running: true, stage: StageScan},
		{status: JobStatusReporting, running: true, stage: StageReport},
		{status: JobStatusCompleted, terminal: true},
		{status: JobStatusFailed, terminal: true},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, tt.running, tt.status.IsRunning())
			stage, ok := tt.status.Stage()
			assert.Equal(t, tt.running, ok)
			assert.Equal(t, tt.stage, stage)
		})
	}
}

func TestParseJobStatus(t *testing.T) {
	s, err := ParseJobStatus("SCANNING")
	assert.NoError(t, err)
	assert.Equal(t, JobStatusScanning, s)

	_, err = ParseJobStatus("paused")
	assert.Error(t, err)
}
