// Package report renders finding sets into downloadable reports and caches
// the rendered bytes per job and format.
package report

import (
	"fmt"
	"strings"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
)

// Format is a supported report encoding.
type Format string

const (
	FormatHTML  Format = "html"
	FormatJSON  Format = "json"
	FormatXML   Format = "xml"
	FormatCSV   Format = "csv"
	FormatSARIF Format = "sarif"
)

// SupportedFormats lists every format the generator can render.
var SupportedFormats = []Format{FormatHTML, FormatJSON, FormatXML, FormatCSV, FormatSARIF}

func (f Format) String() string { return string(f) }

// ParseFormat validates a requested format. Unknown formats never fall back
// to a default.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FormatHTML, FormatJSON, FormatXML, FormatCSV, FormatSARIF:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", scanning.ErrUnknownReportFormat, s)
	}
}

// ContentType returns the media type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatJSON:
		return "application/json"
	case FormatXML:
		return "application/xml"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatSARIF:
		return "application/sarif+json"
	default:
		return "application/octet-stream"
	}
}

// Filename is the download name for a job's report.
func Filename(jobID string, f Format) string {
	return fmt.Sprintf("qark_report_%s.%s", jobID, f)
}
