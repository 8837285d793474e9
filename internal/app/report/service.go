package report

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/pkg/common/logger"
	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

// WorkdirProvider resolves the directory a job's rendered reports live in.
// Workdir fails for a job whose workdir does not exist.
type WorkdirProvider interface {
	Workdir(jobID uuid.UUID) (scanning.Workdir, error)
}

// Metrics records report cache behavior.
type Metrics interface {
	IncReportCacheHit(ctx context.Context, format string)
	IncReportCacheMiss(ctx context.Context, format string)
	ObserveReportRender(ctx context.Context, format string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) IncReportCacheHit(context.Context, string)                    {}
func (noopMetrics) IncReportCacheMiss(context.Context, string)                   {}
func (noopMetrics) ObserveReportRender(context.Context, string, time.Duration) {}

type cacheKey struct {
	jobID  uuid.UUID
	format Format
}

func (k cacheKey) String() string { return k.jobID.String() + "/" + string(k.format) }

// Service renders reports and caches them per (job, format). A cached entry
// is only created by a successful render, and renders for the same key are
// collapsed into one.
type Service struct {
	defaults []Format
	workdirs WorkdirProvider
	metrics  Metrics

	mu    sync.RWMutex
	cache map[cacheKey][]byte
	group singleflight.Group

	logger *logger.Logger
	tracer trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithWorkdirs persists rendered reports into each job's reports directory so
// they survive a restart.
func WithWorkdirs(p WorkdirProvider) Option { return func(s *Service) { s.workdirs = p } }

// WithMetrics sets the cache metrics recorder.
func WithMetrics(m Metrics) Option { return func(s *Service) { s.metrics = m } }

// NewService creates a report service that pre-renders defaults during the
// Report stage. At least one default format is required.
func NewService(defaults []Format, log *logger.Logger, tracer trace.Tracer, opts ...Option) (*Service, error) {
	if len(defaults) == 0 {
		return nil, errors.New("at least one default report format is required")
	}
	for _, f := range defaults {
		if _, err := ParseFormat(string(f)); err != nil {
			return nil, err
		}
	}

	s := &Service{
		defaults: defaults,
		metrics:  noopMetrics{},
		cache:    make(map[cacheKey][]byte),
		logger:   log.With("component", "report_service"),
		tracer:   tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ scanning.ReportRunner = (*Service)(nil)

// DefaultFormats returns the formats rendered eagerly by the Report stage.
func (s *Service) DefaultFormats() []Format { return append([]Format(nil), s.defaults...) }

// Run implements the Report stage by rendering every default format.
func (s *Service) Run(ctx context.Context, job scanning.JobSnapshot, set *scanning.FindingSet, progress scanning.ProgressSink) error {
	ctx, span := s.tracer.Start(ctx, "report_service.run",
		trace.WithAttributes(
			attribute.String("job_id", job.ID.String()),
			attribute.Int("finding_count", set.Total()),
		))
	defer span.End()

	for i, f := range s.defaults {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return err
		}
		if _, err := s.Generate(ctx, SourceFor(job), set, f); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to render default report")
			return fmt.Errorf("failed to render %s report: %w", f, err)
		}
		progress((i + 1) * 100 / len(s.defaults))
	}
	span.AddEvent("default_reports_rendered")
	return nil
}

// Generate returns the rendered report, rendering and caching it on a miss.
func (s *Service) Generate(ctx context.Context, src Source, set *scanning.FindingSet, f Format) ([]byte, error) {
	if _, err := ParseFormat(string(f)); err != nil {
		return nil, err
	}
	key := cacheKey{jobID: set.JobID(), format: f}

	ctx, span := s.tracer.Start(ctx, "report_service.generate",
		trace.WithAttributes(
			attribute.String("job_id", key.jobID.String()),
			attribute.String("format", string(f)),
		))
	defer span.End()

	if body, ok := s.lookup(key); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		s.metrics.IncReportCacheHit(ctx, string(f))
		return body, nil
	}
	s.metrics.IncReportCacheMiss(ctx, string(f))

	v, err, _ := s.group.Do(key.String(), func() (any, error) {
		if body, ok := s.lookup(key); ok {
			return body, nil
		}
		if body, ok := s.readPersisted(key); ok {
			s.store(key, body)
			return body, nil
		}

		start := time.Now()
		body, err := Render(NewDocument(src, set), f)
		if err != nil {
			return nil, err
		}
		s.metrics.ObserveReportRender(ctx, string(f), time.Since(start))

		if err := s.persist(key, body); err != nil {
			s.logger.Warn(ctx, "failed to persist rendered report", "job_id", key.jobID, "format", f, "error", err)
		}
		s.store(key, body)
		return body, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to render report")
		return nil, err
	}
	return v.([]byte), nil
}

// Cached reports whether a rendered report is held for the key.
func (s *Service) Cached(jobID uuid.UUID, f Format) bool {
	_, ok := s.lookup(cacheKey{jobID: jobID, format: f})
	return ok
}

// Invalidate drops every cached format for a job. Files on disk are removed
// together with the job's workdir.
func (s *Service) Invalidate(jobID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range SupportedFormats {
		delete(s.cache, cacheKey{jobID: jobID, format: f})
	}
}

func (s *Service) lookup(key cacheKey) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.cache[key]
	return body, ok
}

func (s *Service) store(key cacheKey, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = body
}

func (s *Service) reportPath(key cacheKey) (string, error) {
	wd, err := s.workdirs.Workdir(key.jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(wd.Reports, Filename(key.jobID.String(), key.format)), nil
}

func (s *Service) readPersisted(key cacheKey) ([]byte, bool) {
	if s.workdirs == nil {
		return nil, false
	}
	path, err := s.reportPath(key)
	if err != nil {
		return nil, false
	}
	body, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn(context.Background(), "failed to read persisted report", "path", path, "error", err)
		}
		return nil, false
	}
	return body, true
}

func (s *Service) persist(key cacheKey, body []byte) error {
	if s.workdirs == nil {
		return nil
	}
	path, err := s.reportPath(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
