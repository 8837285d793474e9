package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
)

// Render is a pure function of its inputs: the same document and format
// always produce byte-identical output.
func Render(doc Document, f Format) ([]byte, error) {
	switch f {
	case FormatHTML:
		return renderHTML(doc)
	case FormatJSON:
		return renderJSON(doc)
	case FormatXML:
		return renderXML(doc)
	case FormatCSV:
		return renderCSV(doc)
	case FormatSARIF:
		return renderSARIF(doc)
	default:
		return nil, fmt.Errorf("%w: %q", scanning.ErrUnknownReportFormat, f)
	}
}

type jsonFinding struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	FilePath    string `json:"file_path,omitempty"`
	LineNumber  int    `json:"line_number,omitempty"`
}

type jsonReport struct {
	ScanID                    string         `json:"scan_id"`
	Filename                  string         `json:"filename"`
	InputType                 string         `json:"input_type"`
	GeneratedAt               string         `json:"generated_at"`
	TotalVulnerabilities      int            `json:"total_vulnerabilities"`
	VulnerabilitiesBySeverity map[string]int `json:"vulnerabilities_by_severity"`
	VulnerabilitiesByCategory map[string]int `json:"vulnerabilities_by_category"`
	Vulnerabilities           []jsonFinding  `json:"vulnerabilities"`
}

func countsMap(counts []Count) map[string]int {
	m := make(map[string]int, len(counts))
	for _, c := range counts {
		m[c.Label] = c.Count
	}
	return m
}

func renderJSON(doc Document) ([]byte, error) {
	out := jsonReport{
		ScanID:                    doc.ScanID,
		Filename:                  doc.Filename,
		InputType:                 doc.InputType,
		GeneratedAt:               doc.GeneratedAt,
		TotalVulnerabilities:      doc.Total,
		VulnerabilitiesBySeverity: countsMap(doc.BySeverity),
		VulnerabilitiesByCategory: countsMap(doc.ByCategory),
		Vulnerabilities:           make([]jsonFinding, 0, len(doc.Findings)),
	}
	for _, f := range doc.Findings {
		out.Vulnerabilities = append(out.Vulnerabilities, jsonFinding(f))
	}
	return json.MarshalIndent(out, "", "  ")
}

type xmlCount struct {
	Label string `xml:"name,attr"`
	Count int    `xml:",chardata"`
}

type xmlFinding struct {
	Severity    string `xml:"severity,attr"`
	Name        string `xml:"name"`
	Description string `xml:"description"`
	Category    string `xml:"category"`
	FilePath    string `xml:"file_path,omitempty"`
	LineNumber  int    `xml:"line_number,omitempty"`
}

type xmlReport struct {
	XMLName     xml.Name     `xml:"qark_report"`
	ScanID      string       `xml:"scan_id,attr"`
	Filename    string       `xml:"filename"`
	InputType   string       `xml:"input_type"`
	GeneratedAt string       `xml:"generated_at"`
	Total       int          `xml:"total_vulnerabilities"`
	BySeverity  []xmlCount   `xml:"vulnerabilities_by_severity>severity"`
	ByCategory  []xmlCount   `xml:"vulnerabilities_by_category>category"`
	Findings    []xmlFinding `xml:"vulnerabilities>vulnerability"`
}

func toXMLCounts(counts []Count) []xmlCount {
	out := make([]xmlCount, len(counts))
	for i, c := range counts {
		out[i] = xmlCount(c)
	}
	return out
}

func renderXML(doc Document) ([]byte, error) {
	out := xmlReport{
		ScanID:      doc.ScanID,
		Filename:    doc.Filename,
		InputType:   doc.InputType,
		GeneratedAt: doc.GeneratedAt,
		Total:       doc.Total,
		BySeverity:  toXMLCounts(doc.BySeverity),
		ByCategory:  toXMLCounts(doc.ByCategory),
	}
	for _, f := range doc.Findings {
		out.Findings = append(out.Findings, xmlFinding{
			Severity:    f.Severity,
			Name:        f.Name,
			Description: f.Description,
			Category:    f.Category,
			FilePath:    f.FilePath,
			LineNumber:  f.LineNumber,
		})
	}

	body, err := xml.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

var csvHeader = []string{"severity", "name", "category", "description", "file_path", "line_number"}

func renderCSV(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, f := range doc.Findings {
		line := ""
		if f.LineNumber > 0 {
			line = strconv.Itoa(f.LineNumber)
		}
		if err := w.Write([]string{f.Severity, f.Name, f.Category, f.Description, f.FilePath, line}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
