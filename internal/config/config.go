// Package config defines the service configuration and loads it from
// defaults, an optional YAML file and QARK_ prefixed environment variables.
package config

import "time"

// Storage drivers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Artifact backends.
const (
	BackendFS = "fs"
	BackendS3 = "s3"
)

// Event bus drivers.
const (
	EventsMemory = "memory"
	EventsKafka  = "kafka"
)

// Config is the complete service configuration.
type Config struct {
	Web        WebConfig        `mapstructure:"web"`
	Scan       ScanConfig       `mapstructure:"scan"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"`
	Events     EventsConfig     `mapstructure:"events"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Rules      RulesConfig      `mapstructure:"rules"`
	Decompiler DecompilerConfig `mapstructure:"decompiler"`
}

// WebConfig configures the HTTP listeners.
type WebConfig struct {
	APIHost            string        `mapstructure:"api_host" validate:"required"`
	DebugHost          string        `mapstructure:"debug_host"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
	// UploadRate is the sustained number of uploads per second accepted per
	// client address. Zero disables limiting.
	UploadRate  float64 `mapstructure:"upload_rate" validate:"gte=0"`
	UploadBurst int     `mapstructure:"upload_burst" validate:"gte=0"`
}

// ScanConfig sizes the worker pool and bounds every stage.
type ScanConfig struct {
	Workers              int           `mapstructure:"workers" validate:"gte=1"`
	DecompileTimeout     time.Duration `mapstructure:"decompile_timeout" validate:"gte=0"`
	ScanTimeout          time.Duration `mapstructure:"scan_timeout" validate:"gte=0"`
	ReportTimeout        time.Duration `mapstructure:"report_timeout" validate:"gte=0"`
	DefaultReportFormats []string      `mapstructure:"default_report_formats" validate:"min=1,dive,oneof=html json xml csv sarif"`
}

// StorageConfig selects where job records and finding sets live.
type StorageConfig struct {
	Driver      string `mapstructure:"driver" validate:"oneof=memory postgres"`
	DatabaseURL string `mapstructure:"database_url" validate:"required_if=Driver postgres"`
	MaxConns    int32  `mapstructure:"max_conns" validate:"gte=1"`
}

// ArtifactsConfig configures the artifact store.
type ArtifactsConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=fs s3"`
	Root    string `mapstructure:"root" validate:"required"`
	MaxSize int64  `mapstructure:"max_size" validate:"gt=0"`

	S3 S3Config `mapstructure:"s3"`
}

// S3Config locates the artifact bucket when Backend is s3.
type S3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// EventsConfig selects where lifecycle events are published.
type EventsConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=memory kafka"`
}

// KafkaConfig configures the Kafka event bus.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	GroupID  string   `mapstructure:"group_id"`
	ClientID string   `mapstructure:"client_id"`
}

// TelemetryConfig configures OTLP export. An empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name" validate:"required"`
	Probability float64 `mapstructure:"probability" validate:"gte=0,lte=1"`
	Insecure    bool    `mapstructure:"insecure"`
	LogLevel    string  `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

// RulesConfig selects the rule engine.
type RulesConfig struct {
	// PluginPath runs an external rule engine plugin instead of the built-in one.
	PluginPath  string `mapstructure:"plugin_path"`
	RulesFile   string `mapstructure:"rules_file"`
	Secrets     bool   `mapstructure:"secrets"`
	MaxFileSize int64  `mapstructure:"max_file_size" validate:"gte=0"`
}

// DecompilerConfig configures the optional external decompiler.
type DecompilerConfig struct {
	Command           string   `mapstructure:"command"`
	Args              []string `mapstructure:"args"`
	MaxExtractedBytes int64    `mapstructure:"max_extracted_bytes" validate:"gte=0"`
}
