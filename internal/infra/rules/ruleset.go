// Package rules implements the built-in analysis engine: a line-oriented RE2
// ruleset for Android and Java sources plus an optional secrets pass.
package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	regexp "github.com/wasilibs/go-re2"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
)

//go:embed builtin.yaml
var builtinRules []byte

// Rule is one compiled detection rule.
type Rule struct {
	ID          string
	Name        string
	Category    string
	Severity    scanning.Severity
	Description string
	Extensions  []string
	pattern     *regexp.Regexp
}

// AppliesTo reports whether the rule inspects files with extension ext.
func (r Rule) AppliesTo(ext string) bool {
	for _, e := range r.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// Match reports whether line triggers the rule.
func (r Rule) Match(line string) bool { return r.pattern.MatchString(line) }

type rulesetFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Category    string   `yaml:"category"`
	Severity    string   `yaml:"severity"`
	Description string   `yaml:"description"`
	Pattern     string   `yaml:"pattern"`
	Extensions  []string `yaml:"extensions"`
}

// ParseRuleset decodes and compiles a YAML ruleset.
func ParseRuleset(data []byte) ([]Rule, error) {
	var file rulesetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decoding ruleset: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, errors.New("ruleset contains no rules")
	}

	seen := make(map[string]struct{}, len(file.Rules))
	rules := make([]Rule, 0, len(file.Rules))
	for _, spec := range file.Rules {
		if _, dup := seen[spec.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %q", spec.ID)
		}
		seen[spec.ID] = struct{}{}

		rule, err := compileRule(spec)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", spec.ID, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func compileRule(spec ruleSpec) (Rule, error) {
	if spec.ID == "" || spec.Name == "" || spec.Category == "" || spec.Description == "" {
		return Rule{}, errors.New("id, name, category and description are required")
	}
	if len(spec.Extensions) == 0 {
		return Rule{}, errors.New("at least one extension is required")
	}

	sev, err := scanning.ParseSeverity(spec.Severity)
	if err != nil {
		return Rule{}, err
	}

	re, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("compiling pattern: %w", err)
	}

	return Rule{
		ID:          spec.ID,
		Name:        spec.Name,
		Category:    spec.Category,
		Severity:    sev,
		Description: strings.TrimSpace(spec.Description),
		Extensions:  spec.Extensions,
		pattern:     re,
	}, nil
}

// BuiltinRuleset returns the embedded ruleset.
func BuiltinRuleset() ([]Rule, error) { return ParseRuleset(builtinRules) }

// LoadRuleset reads a ruleset from path, or returns the built-in ruleset
// when path is empty.
func LoadRuleset(path string) ([]Rule, error) {
	if path == "" {
		return BuiltinRuleset()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ruleset %s: %w", path, err)
	}
	return ParseRuleset(data)
}
