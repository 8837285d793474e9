package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/pkg/common/logger"
	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

var fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleSet(jobID uuid.UUID) *scanning.FindingSet {
	return scanning.NewFindingSet(jobID, []scanning.Finding{
		scanning.ReconstructFinding("Logging", "Log call leaks data", "Information Leak", scanning.SeverityInfo, "a/Log.java", 3),
		scanning.ReconstructFinding("Exported Activity", "Activity exported without permission", "Manifest", scanning.SeverityVulnerability, "AndroidManifest.xml", 12),
		scanning.ReconstructFinding("Weak Hash", "MD5 in use", "Cryptography", scanning.SeverityWarning, "", 0),
		scanning.ReconstructFinding("Debuggable", "android:debuggable=\"true\" <set>", "Manifest", scanning.SeverityVulnerability, "AndroidManifest.xml", 4),
	}, fixedTime)
}

func sampleSource(jobID uuid.UUID) Source {
	return Source{JobID: jobID.String(), Filename: "app.apk", InputType: "apk"}
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	svc, err := NewService([]Format{FormatJSON, FormatHTML}, logger.Noop(), noop.NewTracerProvider().Tracer("test"), opts...)
	require.NoError(t, err)
	return svc
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{in: "html", want: FormatHTML},
		{in: "JSON", want: FormatJSON},
		{in: " xml ", want: FormatXML},
		{in: "csv", want: FormatCSV},
		{in: "sarif", want: FormatSARIF},
		{in: "pdf", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, scanning.ErrUnknownReportFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewDocument(t *testing.T) {
	jobID := uuid.New()
	doc := NewDocument(sampleSource(jobID), sampleSet(jobID))

	assert.Equal(t, "2024-05-01T12:00:00Z", doc.GeneratedAt)
	assert.Equal(t, 4, doc.Total)

	wantSeverity := []Count{{"VULNERABILITY", 2}, {"WARNING", 1}, {"INFO", 1}}
	if diff := cmp.Diff(wantSeverity, doc.BySeverity); diff != "" {
		t.Errorf("severity counts mismatch (-want +got):\n%s", diff)
	}
	wantCategory := []Count{{"Cryptography", 1}, {"Information Leak", 1}, {"Manifest", 2}}
	if diff := cmp.Diff(wantCategory, doc.ByCategory); diff != "" {
		t.Errorf("category counts mismatch (-want +got):\n%s", diff)
	}

	var names []string
	for _, f := range doc.Findings {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"Exported Activity", "Debuggable", "Weak Hash", "Logging"}, names)
}

func TestRenderIsDeterministic(t *testing.T) {
	jobID := uuid.New()
	for _, f := range SupportedFormats {
		t.Run(string(f), func(t *testing.T) {
			first, err := Render(NewDocument(sampleSource(jobID), sampleSet(jobID)), f)
			require.NoError(t, err)
			second, err := Render(NewDocument(sampleSource(jobID), sampleSet(jobID)), f)
			require.NoError(t, err)
			assert.Equal(t, first, second)
			assert.NotEmpty(t, first)
		})
	}
}

func TestRenderJSON(t *testing.T) {
	jobID := uuid.New()
	body, err := Render(NewDocument(sampleSource(jobID), sampleSet(jobID)), FormatJSON)
	require.NoError(t, err)

	var got jsonReport
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, jobID.String(), got.ScanID)
	assert.Equal(t, 4, got.TotalVulnerabilities)
	assert.Equal(t, map[string]int{"VULNERABILITY": 2, "WARNING": 1, "INFO": 1}, got.VulnerabilitiesBySeverity)
	assert.Equal(t, 2, got.VulnerabilitiesByCategory["Manifest"])
	require.Len(t, got.Vulnerabilities, 4)
	assert.Equal(t, "VULNERABILITY", got.Vulnerabilities[0].Severity)
	assert.Equal(t, "INFO", got.Vulnerabilities[3].Severity)
}

func TestRenderEmptySet(t *testing.T) {
	jobID := uuid.New()
	set := scanning.NewFindingSet(jobID, nil, fixedTime)

	body, err := Render(NewDocument(sampleSource(jobID), set), FormatJSON)
	require.NoError(t, err)

	var got jsonReport
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 0, got.TotalVulnerabilities)
	assert.Empty(t, got.Vulnerabilities)
	assert.Equal(t, map[string]int{"VULNERABILITY": 0, "WARNING": 0, "INFO": 0}, got.VulnerabilitiesBySeverity)

	html, err := Render(NewDocument(sampleSource(jobID), set), FormatHTML)
	require.NoError(t, err)
	assert.Contains(t, string(html), "No findings were reported.")
}

func TestRenderXML(t *testing.T) {
	jobID := uuid.New()
	body, err := Render(NewDocument(sampleSource(jobID), sampleSet(jobID)), FormatXML)
	require.NoError(t, err)

	var got xmlReport
	require.NoError(t, xml.Unmarshal(body, &got))
	assert.Equal(t, jobID.String(), got.ScanID)
	assert.Len(t, got.Findings, 4)
	assert.Equal(t, "VULNERABILITY", got.Findings[0].Severity)
}

func TestRenderCSV(t *testing.T) {
	jobID := uuid.New()
	body, err := Render(NewDocument(sampleSource(jobID), sampleSet(jobID)), FormatCSV)
	require.NoError(t, err)

	records, err := csv.NewReader(bytes.NewReader(body)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, []string{"VULNERABILITY", "Exported Activity", "Manifest", "Activity exported without permission", "AndroidManifest.xml", "12"}, records[1])
	assert.Equal(t, "", records[3][5], "missing line numbers render empty")
}

func TestRenderHTMLEscapes(t *testing.T) {
	jobID := uuid.New()
	body, err := Render(NewDocument(sampleSource(jobID), sampleSet(jobID)), FormatHTML)
	require.NoError(t, err)
	assert.Contains(t, string(body), "&lt;set&gt;")
	assert.NotContains(t, string(body), "<set>")
}

func TestRenderSARIF(t *testing.T) {
	jobID := uuid.New()
	body, err := Render(NewDocument(sampleSource(jobID), sampleSet(jobID)), FormatSARIF)
	require.NoError(t, err)

	var got struct {
		Version string `json:"version"`
		Runs    []struct {
			Results []struct {
				RuleID string `json:"ruleId"`
				Level  string `json:"level"`
			} `json:"results"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "2.1.0", got.Version)
	require.Len(t, got.Runs, 1)
	require.Len(t, got.Runs[0].Results, 4)
	assert.Equal(t, "exported-activity", got.Runs[0].Results[0].RuleID)
	assert.Equal(t, "error", got.Runs[0].Results[0].Level)
	assert.Equal(t, "note", got.Runs[0].Results[3].Level)
}

func TestServiceGenerateCaches(t *testing.T) {
	svc := newTestService(t)
	jobID := uuid.New()
	set := sampleSet(jobID)

	assert.False(t, svc.Cached(jobID, FormatCSV))
	first, err := svc.Generate(context.Background(), sampleSource(jobID), set, FormatCSV)
	require.NoError(t, err)
	assert.True(t, svc.Cached(jobID, FormatCSV))

	second, err := svc.Generate(context.Background(), sampleSource(jobID), set, FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestServiceUnknownFormatLeavesNoEntry(t *testing.T) {
	svc := newTestService(t)
	jobID := uuid.New()

	_, err := svc.Generate(context.Background(), sampleSource(jobID), sampleSet(jobID), Format("pdf"))
	assert.ErrorIs(t, err, scanning.ErrUnknownReportFormat)
	assert.False(t, svc.Cached(jobID, Format("pdf")))
}

func TestServiceInvalidate(t *testing.T) {
	svc := newTestService(t)
	jobID := uuid.New()
	set := sampleSet(jobID)

	for _, f := range []Format{FormatJSON, FormatXML} {
		_, err := svc.Generate(context.Background(), sampleSource(jobID), set, f)
		require.NoError(t, err)
	}
	svc.Invalidate(jobID)
	assert.False(t, svc.Cached(jobID, FormatJSON))
	assert.False(t, svc.Cached(jobID, FormatXML))
}

type countingMetrics struct {
	hits, misses atomic.Int32
}

func (m *countingMetrics) IncReportCacheHit(context.Context, string)  { m.hits.Add(1) }
func (m *countingMetrics) IncReportCacheMiss(context.Context, string) { m.misses.Add(1) }
func (m *countingMetrics) ObserveReportRender(context.Context, string, time.Duration) {}

func TestServiceConcurrentGenerate(t *testing.T) {
	m := new(countingMetrics)
	svc := newTestService(t, WithMetrics(m))
	jobID := uuid.New()
	set := sampleSet(jobID)

	const callers = 16
	results := make([][]byte, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, err := svc.Generate(context.Background(), sampleSource(jobID), set, FormatXML)
			assert.NoError(t, err)
			results[i] = body
		}()
	}
	wg.Wait()

	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
	assert.Equal(t, int32(callers), m.hits.Load()+m.misses.Load())
}

type dirWorkdirs struct{ root string }

func (d dirWorkdirs) paths(jobID uuid.UUID) scanning.Workdir {
	wd := scanning.Workdir{Root: filepath.Join(d.root, jobID.String())}
	wd.Source = filepath.Join(wd.Root, "src")
	wd.Reports = filepath.Join(wd.Root, "reports")
	return wd
}

func (d dirWorkdirs) Workdir(jobID uuid.UUID) (scanning.Workdir, error) {
	wd := d.paths(jobID)
	if _, err := os.Stat(wd.Root); err != nil {
		return scanning.Workdir{}, err
	}
	return wd, nil
}

func (d dirWorkdirs) create(t *testing.T, jobID uuid.UUID) {
	t.Helper()
	require.NoError(t, os.MkdirAll(d.paths(jobID).Reports, 0o755))
}

func TestServiceRunRendersDefaultsToDisk(t *testing.T) {
	root := t.TempDir()
	dirs := dirWorkdirs{root: root}
	svc := newTestService(t, WithWorkdirs(dirs))
	jobID := uuid.New()
	dirs.create(t, jobID)
	set := sampleSet(jobID)
	snap := scanning.JobSnapshot{ID: jobID, Filename: "app.apk", InputType: scanning.InputTypeAPK}

	var progress []int
	err := svc.Run(context.Background(), snap, set, func(p int) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.Equal(t, []int{50, 100}, progress)

	for _, f := range []Format{FormatJSON, FormatHTML} {
		assert.True(t, svc.Cached(jobID, f))
		assert.FileExists(t, filepath.Join(root, jobID.String(), "reports", Filename(jobID.String(), f)))
	}

	// A fresh service reads the persisted copy instead of re-rendering.
	m := new(countingMetrics)
	restarted := newTestService(t, WithWorkdirs(dirWorkdirs{root: root}), WithMetrics(m))
	body, err := restarted.Generate(context.Background(), SourceFor(snap), set, FormatJSON)
	require.NoError(t, err)
	want, err := Render(NewDocument(SourceFor(snap), set), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, want, body)
}

func TestGenerateDoesNotRecreateRemovedWorkdir(t *testing.T) {
	root := t.TempDir()
	svc := newTestService(t, WithWorkdirs(dirWorkdirs{root: root}))
	jobID := uuid.New()
	set := sampleSet(jobID)

	body, err := svc.Generate(context.Background(), sampleSource(jobID), set, FormatCSV)
	require.NoError(t, err)
	assert.NotEmpty(t, body)
	assert.True(t, svc.Cached(jobID, FormatCSV))
	assert.NoDirExists(t, filepath.Join(root, jobID.String()))
}

func TestServiceRunCancelled(t *testing.T) {
	svc := newTestService(t)
	jobID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.Run(ctx, scanning.JobSnapshot{ID: jobID}, sampleSet(jobID), func(int) {})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, svc.Cached(jobID, FormatJSON))
}

func TestNewServiceRequiresDefaults(t *testing.T) {
	_, err := NewService(nil, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	assert.Error(t, err)

	_, err = NewService([]Format{"pdf"}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	assert.ErrorIs(t, err, scanning.ErrUnknownReportFormat)
}
