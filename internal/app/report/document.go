package report

import (
	"sort"
	"time"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
)

// Document is the format independent view every renderer consumes. Building
// it from the same inputs always yields the same value.
type Document struct {
	ScanID      string
	Filename    string
	InputType   string
	GeneratedAt string
	Total       int
	BySeverity  []Count
	ByCategory  []Count
	Findings    []FindingView
}

// Count is one labelled tally, kept as a slice for stable ordering.
type Count struct {
	Label string
	Count int
}

// FindingView flattens a finding for rendering.
type FindingView struct {
	Name        string
	Description string
	Category    string
	Severity    string
	FilePath    string
	LineNumber  int
}

// Source identifies the job a report is rendered for.
type Source struct {
	JobID     string
	Filename  string
	InputType string
}

// SourceFor extracts the report header from a job snapshot.
func SourceFor(job scanning.JobSnapshot) Source {
	return Source{JobID: job.ID.String(), Filename: job.Filename, InputType: string(job.InputType)}
}

// NewDocument builds the rendering model. Findings are ordered by severity
// (stable within a severity); the timestamp is the finding set's creation time.
func NewDocument(src Source, set *scanning.FindingSet) Document {
	doc := Document{
		ScanID:      src.JobID,
		Filename:    src.Filename,
		InputType:   src.InputType,
		GeneratedAt: set.CreatedAt().Format(time.RFC3339),
		Total:       set.Total(),
	}

	bySev := set.BySeverity()
	for _, sev := range scanning.Severities {
		doc.BySeverity = append(doc.BySeverity, Count{Label: sev.String(), Count: bySev[sev]})
	}

	for cat, n := range set.ByCategory() {
		doc.ByCategory = append(doc.ByCategory, Count{Label: cat, Count: n})
	}
	sort.Slice(doc.ByCategory, func(i, j int) bool { return doc.ByCategory[i].Label < doc.ByCategory[j].Label })

	for _, f := range set.SortedBySeverity() {
		doc.Findings = append(doc.Findings, FindingView{
			Name:        f.Name(),
			Description: f.Description(),
			Category:    f.Category(),
			Severity:    f.Severity().String(),
			FilePath:    f.FilePath(),
			LineNumber:  f.LineNumber(),
		})
	}
	return doc
}
