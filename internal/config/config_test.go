package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Scan.Workers)
	assert.Equal(t, int64(100<<20), cfg.Artifacts.MaxSize)
	assert.Equal(t, 10*time.Minute, cfg.Scan.DecompileTimeout)
	assert.Equal(t, 20*time.Minute, cfg.Scan.ScanTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Scan.ReportTimeout)
	assert.Equal(t, []string{"json", "html"}, cfg.Scan.DefaultReportFormats)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, BackendFS, cfg.Artifacts.Backend)
	assert.Equal(t, EventsMemory, cfg.Events.Driver)
	assert.Empty(t, cfg.Telemetry.Endpoint)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qark.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scan:
  workers: 8
  default_report_formats: [sarif]
artifacts:
  root: /var/lib/qark
storage:
  driver: postgres
  database_url: postgres://qark@db/qark
`), 0o600))

	t.Setenv("QARK_SCAN_WORKERS", "2")
	t.Setenv("QARK_SCAN_SCAN_TIMEOUT", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Scan.Workers, "environment overrides the file")
	assert.Equal(t, 90*time.Second, cfg.Scan.ScanTimeout)
	assert.Equal(t, []string{"sarif"}, cfg.Scan.DefaultReportFormats)
	assert.Equal(t, "/var/lib/qark", cfg.Artifacts.Root)
	assert.Equal(t, StoragePostgres, cfg.Storage.Driver)
	assert.Equal(t, "postgres://qark@db/qark", cfg.Storage.DatabaseURL)
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qark.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scan:\n  workers: 3\n"), 0o600))
	t.Setenv(ConfigFileEnv, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Scan.Workers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Scan.Workers = 0 },
			wantErr: "Workers",
		},
		{
			name:    "unknown report format",
			mutate:  func(c *Config) { c.Scan.DefaultReportFormats = []string{"pdf"} },
			wantErr: "DefaultReportFormats",
		},
		{
			name:    "no default report format",
			mutate:  func(c *Config) { c.Scan.DefaultReportFormats = nil },
			wantErr: "DefaultReportFormats",
		},
		{
			name:    "unknown storage driver",
			mutate:  func(c *Config) { c.Storage.Driver = "sqlite" },
			wantErr: "Driver",
		},
		{
			name:    "postgres without url",
			mutate:  func(c *Config) { c.Storage.Driver = StoragePostgres },
			wantErr: "DatabaseURL",
		},
		{
			name:    "non positive max size",
			mutate:  func(c *Config) { c.Artifacts.MaxSize = 0 },
			wantErr: "MaxSize",
		},
		{
			name:    "s3 without bucket",
			mutate:  func(c *Config) { c.Artifacts.Backend = BackendS3 },
			wantErr: "artifacts.s3.bucket",
		},
		{
			name: "kafka without topic",
			mutate: func(c *Config) {
				c.Events.Driver = EventsKafka
				c.Kafka.Topic = ""
			},
			wantErr: "kafka.topic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)

			tt.mutate(cfg)
			err = Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
