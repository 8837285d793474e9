package rules

import (
	"bytes"
	"fmt"
	"io"

	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
)

const secretsCategory = "Hardcoded Secrets"

// secretDetector finds hard-coded credentials using the gitleaks default ruleset.
type secretDetector struct {
	detector *detect.Detector
}

func newSecretDetector() (*secretDetector, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewBufferString(config.DefaultConfig)); err != nil {
		return nil, fmt.Errorf("failed to read embedded config: %w", err)
	}

	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded config: %w", err)
	}

	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("failed to translate ViperConfig to Config: %w", err)
	}

	return &secretDetector{detector: detect.NewDetector(cfg)}, nil
}

// detect scans r and reports each leak as a vulnerability located in relPath.
func (s *secretDetector) detect(r io.Reader, relPath string) ([]scanning.Finding, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("detecting secrets in %s: %w", relPath, err)
	}
	leaks := s.detector.Detect(detect.Fragment{Raw: string(content), FilePath: relPath})

	findings := make([]scanning.Finding, 0, len(leaks))
	for _, leak := range leaks {
		// gitleaks counts lines from zero.
		loc := scanning.WithLocation(relPath, leak.StartLine+1)

		desc := leak.Description
		if desc == "" {
			desc = "A credential or API key is embedded in the application."
		}

		f, err := scanning.NewFinding(
			"Hardcoded secret ("+leak.RuleID+")",
			desc,
			secretsCategory,
			scanning.SeverityVulnerability,
			loc,
		)
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, nil
}
