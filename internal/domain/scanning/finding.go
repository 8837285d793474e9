package scanning

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

// Severity ranks findings for triage. VULNERABILITY > WARNING > INFO.
type Severity string

const (
	SeverityVulnerability Severity = "VULNERABILITY"
	SeverityWarning       Severity = "WARNING"
	SeverityInfo          Severity = "INFO"
)

// Severities lists every severity from most to least severe.
var Severities = []Severity{SeverityVulnerability, SeverityWarning, SeverityInfo}

func (s Severity) String() string { return string(s) }

// Rank orders severities; lower ranks are more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityVulnerability:
		return 0
	case SeverityWarning:
		return 1
	case SeverityInfo:
		return 2
	default:
		return len(Severities)
	}
}

// ParseSeverity accepts any casing of a known severity.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToUpper(strings.TrimSpace(s))); sev {
	case SeverityVulnerability, SeverityWarning, SeverityInfo:
		return sev, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// Finding is one reported issue with optional location metadata.
type Finding struct {
	name        string
	description string
	category    string
	severity    Severity
	filePath    string
	lineNumber  int
}

// FindingOption sets optional finding attributes.
type FindingOption func(*Finding)

// WithFile records the file a finding was discovered in.
func WithFile(path string) FindingOption {
	return func(f *Finding) { f.filePath = path }
}

// WithLocation records the file and 1-based line a finding was discovered at.
func WithLocation(path string, line int) FindingOption {
	return func(f *Finding) {
		f.filePath = path
		f.lineNumber = line
	}
}

// NewFinding validates and constructs a Finding.
func NewFinding(name, description, category string, severity Severity, opts ...FindingOption) (Finding, error) {
	f := Finding{
		name:        strings.TrimSpace(name),
		description: strings.TrimSpace(description),
		category:    strings.TrimSpace(category),
		severity:    severity,
	}
	for _, opt := range opts {
		opt(&f)
	}

	if err := f.validate(); err != nil {
		return Finding{}, err
	}
	return f, nil
}

func (f Finding) validate() error {
	var errs []error
	if f.name == "" {
		errs = append(errs, errors.New("finding name is required"))
	}
	if f.description == "" {
		errs = append(errs, errors.New("finding description is required"))
	}
	if f.category == "" {
		errs = append(errs, errors.New("finding category is required"))
	}
	if _, err := ParseSeverity(string(f.severity)); err != nil {
		errs = append(errs, err)
	}
	if f.lineNumber < 0 {
		errs = append(errs, fmt.Errorf("line number must be positive, got %d", f.lineNumber))
	}
	if f.lineNumber > 0 && f.filePath == "" {
		errs = append(errs, errors.New("line number requires a file path"))
	}
	return errors.Join(errs...)
}

func (f Finding) Name() string        { return f.name }
func (f Finding) Description() string { return f.description }
func (f Finding) Category() string    { return f.category }
func (f Finding) Severity() Severity  { return f.severity }

// FilePath returns the file path, or "" when the finding has no location.
func (f Finding) FilePath() string { return f.filePath }

// LineNumber returns the 1-based line, or 0 when unknown.
func (f Finding) LineNumber() int { return f.lineNumber }

// FindingSet is the immutable result of one job's Scan stage.
type FindingSet struct {
	id        uuid.UUID
	jobID     uuid.UUID
	findings  []Finding
	createdAt time.Time
}

// NewFindingSet takes ownership of a copy of findings in discovery order.
func NewFindingSet(jobID uuid.UUID, findings []Finding, createdAt time.Time) *FindingSet {
	return &FindingSet{
		id:        uuid.New(),
		jobID:     jobID,
		findings:  slices.Clone(findings),
		createdAt: createdAt.UTC(),
	}
}

// ReconstructFindingSet rebuilds a stored finding set.
// This should only be used by repositories when loading from storage.
func ReconstructFindingSet(id, jobID uuid.UUID, findings []Finding, createdAt time.Time) *FindingSet {
	return &FindingSet{id: id, jobID: jobID, findings: findings, createdAt: createdAt.UTC()}
}

// ReconstructFinding rebuilds a stored finding without re-running validation.
func ReconstructFinding(name, description, category string, severity Severity, filePath string, line int) Finding {
	return Finding{
		name:        name,
		description: description,
		category:    category,
		severity:    severity,
		filePath:    filePath,
		lineNumber:  line,
	}
}

func (fs *FindingSet) ID() uuid.UUID        { return fs.id }
func (fs *FindingSet) JobID() uuid.UUID     { return fs.jobID }
func (fs *FindingSet) CreatedAt() time.Time { return fs.createdAt }
func (fs *FindingSet) Total() int           { return len(fs.findings) }

// Vulnerabilities returns the findings in discovery order.
func (fs *FindingSet) Vulnerabilities() []Finding { return slices.Clone(fs.findings) }

// BySeverity counts findings per severity. Every severity is present, even
// with a zero count.
func (fs *FindingSet) BySeverity() map[Severity]int {
	counts := make(map[Severity]int, len(Severities))
	for _, s := range Severities {
		counts[s] = 0
	}
	for _, f := range fs.findings {
		counts[f.severity]++
	}
	return counts
}

// ByCategory counts findings per category.
func (fs *FindingSet) ByCategory() map[string]int {
	counts := make(map[string]int)
	for _, f := range fs.findings {
		counts[f.category]++
	}
	return counts
}

// SortedBySeverity returns the findings ordered most severe first, keeping
// discovery order within a severity.
func (fs *FindingSet) SortedBySeverity() []Finding {
	out := slices.Clone(fs.findings)
	slices.SortStableFunc(out, func(a, b Finding) int {
		return a.severity.Rank() - b.severity.Rank()
	})
	return out
}
