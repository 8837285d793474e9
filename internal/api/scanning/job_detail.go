package scanning

import (
	"encoding/json"
	"net/http"
	"time"

	scanDomain "github.com/ahrav/qark-armada/internal/domain/scanning"
)

func encodeJSON(v any) ([]byte, string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// createResponse acknowledges an accepted upload.
type createResponse struct {
	ScanID    string    `json:"scan_id"`
	Filename  string    `json:"filename"`
	InputType string    `json:"input_type"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (cr createResponse) Encode() ([]byte, string, error) { return encodeJSON(cr) }

// HTTPStatus implements the httpStatus interface to set the response status code.
func (cr createResponse) HTTPStatus() int { return http.StatusAccepted }

// statusResponse is the polling view of a job.
type statusResponse struct {
	ScanID   string `json:"scan_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

func (sr statusResponse) Encode() ([]byte, string, error) { return encodeJSON(sr) }

// jobError describes why a job failed.
type jobError struct {
	Stage  string `json:"stage"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// JobDetail represents the API response for a scan job's details.
type JobDetail struct {
	ScanID    string `json:"scan_id"`
	Filename  string `json:"filename"`
	InputType string `json:"input_type"`

	Status   string    `json:"status"`
	Progress int       `json:"progress"`
	Message  string    `json:"message"`
	Error    *jobError `json:"error,omitempty"`

	// Timing information.
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (jd JobDetail) Encode() ([]byte, string, error) { return encodeJSON(jd) }

// FromDomain creates an API JobDetail from a job snapshot.
func FromDomain(snap scanDomain.JobSnapshot) JobDetail {
	jd := JobDetail{
		ScanID:    snap.ID.String(),
		Filename:  snap.Filename,
		InputType: string(snap.InputType),
		Status:    snap.Status.String(),
		Progress:  snap.Progress,
		Message:   snap.Message,
		CreatedAt: snap.CreatedAt,
	}
	if !snap.StartedAt.IsZero() {
		t := snap.StartedAt
		jd.StartedAt = &t
	}
	if !snap.CompletedAt.IsZero() {
		t := snap.CompletedAt
		jd.CompletedAt = &t
	}
	if snap.Error != nil {
		jd.Error = &jobError{
			Stage:  snap.Error.Stage.String(),
			Kind:   string(snap.Error.Kind),
			Detail: snap.Error.Detail,
		}
	}
	return jd
}

// jobSummary is one row of the job list.
type jobSummary struct {
	ScanID    string    `json:"scan_id"`
	Filename  string    `json:"filename"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}

type listResponse []jobSummary

func (lr listResponse) Encode() ([]byte, string, error) { return encodeJSON(lr) }

// vulnerability is one finding in the result payload.
type vulnerability struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	FilePath    string `json:"file_path,omitempty"`
	LineNumber  int    `json:"line_number,omitempty"`
}

// resultResponse is the finding set of a completed job. Findings keep
// their discovery order.
type resultResponse struct {
	ScanID                    string          `json:"scan_id"`
	Filename                  string          `json:"filename"`
	Status                    string          `json:"status"`
	TotalVulnerabilities      int             `json:"total_vulnerabilities"`
	VulnerabilitiesBySeverity map[string]int  `json:"vulnerabilities_by_severity"`
	VulnerabilitiesByCategory map[string]int  `json:"vulnerabilities_by_category"`
	Vulnerabilities           []vulnerability `json:"vulnerabilities"`
	Timestamp                 time.Time       `json:"timestamp"`
}

func (rr resultResponse) Encode() ([]byte, string, error) { return encodeJSON(rr) }

func newResultResponse(snap scanDomain.JobSnapshot, set *scanDomain.FindingSet) resultResponse {
	bySeverity := make(map[string]int, len(scanDomain.Severities))
	for _, sev := range scanDomain.Severities {
		bySeverity[sev.String()] = 0
	}
	for sev, n := range set.BySeverity() {
		bySeverity[sev.String()] = n
	}

	findings := set.Vulnerabilities()
	vulns := make([]vulnerability, 0, len(findings))
	for _, f := range findings {
		vulns = append(vulns, vulnerability{
			Name:        f.Name(),
			Description: f.Description(),
			Category:    f.Category(),
			Severity:    f.Severity().String(),
			FilePath:    f.FilePath(),
			LineNumber:  f.LineNumber(),
		})
	}

	return resultResponse{
		ScanID:                    snap.ID.String(),
		Filename:                  snap.Filename,
		Status:                    snap.Status.String(),
		TotalVulnerabilities:      set.Total(),
		VulnerabilitiesBySeverity: bySeverity,
		VulnerabilitiesByCategory: set.ByCategory(),
		Vulnerabilities:           vulns,
		Timestamp:                 set.CreatedAt(),
	}
}

// reportResponse streams a rendered report as a download.
type reportResponse struct {
	filename    string
	contentType string
	body        []byte
}

func (rr reportResponse) Encode() ([]byte, string, error) { return rr.body, rr.contentType, nil }

// HTTPHeaders implements the httpHeaders interface to add the download headers.
func (rr reportResponse) HTTPHeaders() http.Header {
	h := make(http.Header)
	h.Set("Content-Disposition", `attachment; filename="`+rr.filename+`"`)
	return h
}
