package report

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/owenrumney/go-sarif/v2/sarif"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
)

const (
	sarifToolName = "qark-armada"
	sarifToolURI  = "https://github.com/ahrav/qark-armada"
)

func renderSARIF(doc Document) ([]byte, error) {
	report, err := sarif.New(sarif.Version210)
	if err != nil {
		return nil, fmt.Errorf("failed to create SARIF report: %w", err)
	}

	run := sarif.NewRunWithInformationURI(sarifToolName, sarifToolURI)
	for _, f := range doc.Findings {
		level := toSarifLevel(f.Severity)
		rule := run.AddRule(ruleID(f.Name)).
			WithDescription(f.Name).
			WithDefaultConfiguration(&sarif.ReportingConfiguration{Level: level})

		result := sarif.NewRuleResult(rule.ID).
			WithMessage(sarif.NewTextMessage(f.Description)).
			WithLevel(level)

		if f.FilePath != "" {
			region := sarif.NewRegion()
			if f.LineNumber > 0 {
				region = region.WithStartLine(f.LineNumber)
			}
			location := sarif.NewLocation().WithPhysicalLocation(
				sarif.NewPhysicalLocation().
					WithArtifactLocation(sarif.NewArtifactLocation().WithUri(f.FilePath)).
					WithRegion(region),
			)
			result = result.WithLocations([]*sarif.Location{location})
		}
		run.AddResult(result)
	}
	report.AddRun(run)

	var buf bytes.Buffer
	if err := report.PrettyWrite(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ruleID derives a stable identifier from a finding name.
func ruleID(name string) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, name)
	return strings.Trim(id, "-")
}

func toSarifLevel(severity string) string {
	switch scanning.Severity(severity) {
	case scanning.SeverityVulnerability:
		return "error"
	case scanning.SeverityWarning:
		return "warning"
	case scanning.SeverityInfo:
		return "note"
	default:
		return "none"
	}
}
