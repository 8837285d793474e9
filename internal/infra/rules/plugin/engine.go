package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/pkg/common/logger"
)

var _ scanning.RuleEngine = (*Engine)(nil)

// Engine is a scanning.RuleEngine backed by a plugin process.
type Engine struct {
	client  *plugin.Client
	scanner *RPCClient

	logger *logger.Logger
	tracer trace.Tracer
}

// NewLogger builds the hclog logger go-plugin uses for plugin stderr.
func NewLogger(name string, level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Output: os.Stderr,
		Level:  hclog.LevelFromString(level),
	})
}

// NewEngine launches the plugin binary at path and dispenses its rule engine.
func NewEngine(path string, log *logger.Logger, tracer trace.Tracer) (*Engine, error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		Plugins:          PluginMap,
		Cmd:              exec.Command(path),
		Logger:           NewLogger("rules-plugin", "info"),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("starting rules plugin %s: %w", path, err)
	}

	raw, err := rpcClient.Dispense(Name)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("dispensing rules plugin: %w", err)
	}

	scanner, ok := raw.(*RPCClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("rules plugin returned unexpected type %T", raw)
	}

	e := newEngine(scanner, log, tracer)
	e.client = client
	return e, nil
}

func newEngine(scanner *RPCClient, log *logger.Logger, tracer trace.Tracer) *Engine {
	return &Engine{
		scanner: scanner,
		logger:  log.With("component", "rules_plugin"),
		tracer:  tracer,
	}
}

// Scan forwards the request to the plugin. Progress is coarse: the plugin
// reports only completion.
func (e *Engine) Scan(ctx context.Context, sourceRoot string, progress scanning.ProgressSink) ([]scanning.Finding, error) {
	ctx, span := e.tracer.Start(ctx, "rules_plugin.scan",
		trace.WithAttributes(attribute.String("source_root", sourceRoot)))
	defer span.End()

	call, resp := e.scanner.scanAsync(ScanRequest{SourceRoot: sourceRoot})
	select {
	case <-ctx.Done():
		span.SetStatus(codes.Error, "cancelled")
		return nil, ctx.Err()
	case <-call.Done:
	}
	if call.Error != nil {
		span.RecordError(call.Error)
		span.SetStatus(codes.Error, "plugin scan failed")
		return nil, fmt.Errorf("rules plugin: %w", call.Error)
	}

	findings, err := fromRecords(resp.Findings)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	progress(100)
	return findings, nil
}

// Close terminates the plugin process.
func (e *Engine) Close() {
	if e.client != nil {
		e.client.Kill()
	}
}

func fromRecords(records []FindingRecord) ([]scanning.Finding, error) {
	findings := make([]scanning.Finding, 0, len(records))
	var errs []error
	for i, r := range records {
		sev, err := scanning.ParseSeverity(r.Severity)
		if err != nil {
			errs = append(errs, fmt.Errorf("finding %d: %w", i, err))
			continue
		}
		var opts []scanning.FindingOption
		if r.FilePath != "" {
			opts = append(opts, scanning.WithLocation(r.FilePath, r.LineNumber))
		} else if r.LineNumber > 0 {
			errs = append(errs, fmt.Errorf("finding %d: line number without file path", i))
			continue
		}
		f, err := scanning.NewFinding(r.Name, r.Description, r.Category, sev, opts...)
		if err != nil {
			errs = append(errs, fmt.Errorf("finding %d: %w", i, err))
			continue
		}
		findings = append(findings, f)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("rules plugin returned invalid findings: %w", errors.Join(errs...))
	}
	return findings, nil
}

func toRecords(findings []scanning.Finding) []FindingRecord {
	records := make([]FindingRecord, len(findings))
	for i, f := range findings {
		records[i] = FindingRecord{
			Name:        f.Name(),
			Description: f.Description(),
			Category:    f.Category(),
			Severity:    f.Severity().String(),
			FilePath:    f.FilePath(),
			LineNumber:  f.LineNumber(),
		}
	}
	return records
}
