package scanning

// Stage is one ordered phase of a job's pipeline.
type Stage string

const (
	StageDecompile Stage = "decompile"
	StageScan      Stage = "scan"
	StageReport    Stage = "report"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageDecompile, StageScan, StageReport}

// Global progress boundaries between stages.
const (
	progressDecompileStart = 0
	progressScanStart      = 33
	progressReportStart    = 90
	progressDone           = 100
)

func (s Stage) String() string { return string(s) }

// Status returns the job status a job holds while this stage runs.
func (s Stage) Status() JobStatus {
	switch s {
	case StageDecompile:
		return JobStatusDecompiling
	case StageScan:
		return JobStatusScanning
	case StageReport:
		return JobStatusReporting
	default:
		return ""
	}
}

// ProgressRange returns the slice of global progress [lo, hi] owned by the stage.
func (s Stage) ProgressRange() (lo, hi int) {
	switch s {
	case StageDecompile:
		return progressDecompileStart, progressScanStart
	case StageScan:
		return progressScanStart, progressReportStart
	case StageReport:
		return progressReportStart, progressDone
	default:
		return 0, 0
	}
}

// GlobalProgress maps a within-stage percentage onto the job's global scale.
// The result never reaches the next stage's boundary; only the stage
// transition itself moves progress onto it.
func (s Stage) GlobalProgress(percent int) int {
	lo, hi := s.ProgressRange()
	if percent <= 0 {
		return lo
	}
	if percent >= 100 {
		return hi - 1
	}
	return lo + (hi-lo)*percent/100
}

// Message is the human readable description shown while the stage runs.
func (s Stage) Message() string {
	switch s {
	case StageDecompile:
		return "Decompiling artifact"
	case StageScan:
		return "Scanning decompiled sources"
	case StageReport:
		return "Generating reports"
	default:
		return ""
	}
}
