package rules

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/pkg/common/logger"
)

// Config controls which checks the engine runs.
type Config struct {
	// RulesFile overrides the built-in ruleset when set.
	RulesFile string
	// Secrets enables the hard-coded secret pass.
	Secrets bool
	// MaxFileSize skips files larger than this many bytes.
	MaxFileSize int64
}

const (
	defaultMaxFileSize = 8 << 20
	maxLineLength      = 1 << 20
)

var _ scanning.RuleEngine = (*Engine)(nil)

// Engine applies the ruleset to every file under a source root in lexical
// path order, so discovery order is deterministic for a given tree.
type Engine struct {
	rules   []Rule
	secrets *secretDetector
	maxSize int64

	logger *logger.Logger
	tracer trace.Tracer
}

// NewEngine loads the ruleset and, if enabled, the secrets detector.
func NewEngine(cfg Config, logger *logger.Logger, tracer trace.Tracer) (*Engine, error) {
	rules, err := LoadRuleset(cfg.RulesFile)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		rules:   rules,
		maxSize: cfg.MaxFileSize,
		logger:  logger.With("component", "rule_engine"),
		tracer:  tracer,
	}
	if e.maxSize <= 0 {
		e.maxSize = defaultMaxFileSize
	}

	if cfg.Secrets {
		if e.secrets, err = newSecretDetector(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Rules returns the loaded rules.
func (e *Engine) Rules() []Rule { return e.rules }

// Scan walks sourceRoot and returns findings in discovery order. An empty
// tree yields no findings and no error.
func (e *Engine) Scan(ctx context.Context, sourceRoot string, progress scanning.ProgressSink) ([]scanning.Finding, error) {
	ctx, span := e.tracer.Start(ctx, "rule_engine.scan",
		trace.WithAttributes(
			attribute.String("source_root", sourceRoot),
			attribute.Int("rules.count", len(e.rules)),
		))
	defer span.End()

	files, err := listFiles(sourceRoot)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing source tree failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("files.count", len(files)))

	var findings []scanning.Finding
	for i, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		got, err := e.scanFile(ctx, sourceRoot, rel)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "scanning file failed")
			return nil, err
		}
		findings = append(findings, got...)
		progress((i + 1) * 100 / len(files))
	}

	if len(files) == 0 {
		progress(100)
	}

	span.AddEvent("scan_completed", trace.WithAttributes(attribute.Int("findings.count", len(findings))))
	e.logger.Debug(ctx, "scan completed", "source_root", sourceRoot, "files", len(files), "findings", len(findings))
	return findings, nil
}

// listFiles returns regular files under root relative to it, in lexical order.
func listFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("reading source tree: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source tree %s is not a directory", root)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking source tree: %w", err)
	}
	return files, nil
}

func (e *Engine) scanFile(ctx context.Context, root, rel string) ([]scanning.Finding, error) {
	ext := strings.ToLower(filepath.Ext(rel))

	var applicable []Rule
	for _, r := range e.rules {
		if r.AppliesTo(ext) {
			applicable = append(applicable, r)
		}
	}
	if len(applicable) == 0 && e.secrets == nil {
		return nil, nil
	}

	path := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	if info.Size() > e.maxSize {
		e.logger.Debug(ctx, "skipping large file", "path", rel, "size", info.Size())
		return nil, nil
	}

	var findings []scanning.Finding
	if len(applicable) > 0 {
		got, err := e.applyRules(path, rel, applicable)
		if err != nil {
			return nil, err
		}
		findings = append(findings, got...)
	}

	if e.secrets != nil {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", rel, err)
		}
		got, err := e.secrets.detect(f, rel)
		f.Close()
		if err != nil {
			return nil, err
		}
		findings = append(findings, got...)
	}
	return findings, nil
}

func (e *Engine) applyRules(path, rel string, rules []Rule) ([]scanning.Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	defer f.Close()

	var findings []scanning.Finding
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineLength)

	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		for _, r := range rules {
			if !r.Match(text) {
				continue
			}
			finding, err := scanning.NewFinding(r.Name, r.Description, r.Category, r.Severity,
				scanning.WithLocation(rel, line))
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.ID, err)
			}
			findings = append(findings, finding)
		}
	}
	// Minified or generated files can exceed the line limit; keep what was found.
	if err := sc.Err(); err != nil && !errors.Is(err, bufio.ErrTooLong) {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	return findings, nil
}
