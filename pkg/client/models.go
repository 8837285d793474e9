package client

import "time"

// Created acknowledges an accepted upload.
type Created struct {
	ScanID    string    `json:"scan_id"`
	Filename  string    `json:"filename"`
	InputType string    `json:"input_type"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is the polling view of a scan.
type Status struct {
	ScanID   string `json:"scan_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

// Terminal reports whether the scan has finished, successfully or not.
func (s Status) Terminal() bool { return s.Status == "completed" || s.Status == "failed" }

// JobError describes why a scan failed.
type JobError struct {
	Stage  string `json:"stage"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Job is the detail view of a scan.
type Job struct {
	ScanID      string     `json:"scan_id"`
	Filename    string     `json:"filename"`
	InputType   string     `json:"input_type"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message"`
	Error       *JobError  `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Summary is one row of the scan list.
type Summary struct {
	ScanID    string    `json:"scan_id"`
	Filename  string    `json:"filename"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}

// Vulnerability is a single finding.
type Vulnerability struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	FilePath    string `json:"file_path,omitempty"`
	LineNumber  int    `json:"line_number,omitempty"`
}

// Result is the finding set of a completed scan.
type Result struct {
	ScanID                    string          `json:"scan_id"`
	Filename                  string          `json:"filename"`
	Status                    string          `json:"status"`
	TotalVulnerabilities      int             `json:"total_vulnerabilities"`
	VulnerabilitiesBySeverity map[string]int  `json:"vulnerabilities_by_severity"`
	VulnerabilitiesByCategory map[string]int  `json:"vulnerabilities_by_category"`
	Vulnerabilities           []Vulnerability `json:"vulnerabilities"`
	Timestamp                 time.Time       `json:"timestamp"`
}
