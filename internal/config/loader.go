package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. QARK_SCAN_WORKERS.
const EnvPrefix = "QARK"

// ConfigFileEnv names the variable consulted when no file path is passed to Load.
const ConfigFileEnv = "QARK_CONFIG"

func setDefaults(v *viper.Viper) {
	v.SetDefault("web.api_host", "0.0.0.0:8000")
	v.SetDefault("web.debug_host", "0.0.0.0:8010")
	v.SetDefault("web.read_timeout", 30*time.Second)
	v.SetDefault("web.write_timeout", 2*time.Minute)
	v.SetDefault("web.idle_timeout", 120*time.Second)
	v.SetDefault("web.shutdown_timeout", 20*time.Second)
	v.SetDefault("web.cors_allowed_origins", []string{"*"})
	v.SetDefault("web.upload_rate", 2.0)
	v.SetDefault("web.upload_burst", 10)

	v.SetDefault("scan.workers", 4)
	v.SetDefault("scan.decompile_timeout", 10*time.Minute)
	v.SetDefault("scan.scan_timeout", 20*time.Minute)
	v.SetDefault("scan.report_timeout", 5*time.Minute)
	v.SetDefault("scan.default_report_formats", []string{"json", "html"})

	v.SetDefault("storage.driver", StorageMemory)
	v.SetDefault("storage.database_url", "")
	v.SetDefault("storage.max_conns", 10)

	v.SetDefault("artifacts.backend", BackendFS)
	v.SetDefault("artifacts.root", "/tmp/qark")
	v.SetDefault("artifacts.max_size", 100<<20)
	v.SetDefault("artifacts.s3.bucket", "")
	v.SetDefault("artifacts.s3.prefix", "artifacts")
	v.SetDefault("artifacts.s3.region", "us-east-1")
	v.SetDefault("artifacts.s3.endpoint", "")

	v.SetDefault("events.driver", EventsMemory)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "qark.job-events")
	v.SetDefault("kafka.group_id", "qark-api")
	v.SetDefault("kafka.client_id", "qark-api")

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.service_name", "qark-api")
	v.SetDefault("telemetry.probability", 0.05)
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.log_level", "info")

	v.SetDefault("rules.plugin_path", "")
	v.SetDefault("rules.rules_file", "")
	v.SetDefault("rules.secrets", true)
	v.SetDefault("rules.max_file_size", 0)

	v.SetDefault("decompiler.command", "")
	v.SetDefault("decompiler.args", []string{})
	v.SetDefault("decompiler.max_extracted_bytes", 0)
}

// Load builds the configuration. Values come from the built-in defaults,
// then the YAML file at path (or $QARK_CONFIG) when one is given, then
// QARK_ environment variables. The result is validated before it is returned.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Artifacts.Backend == BackendS3 && cfg.Artifacts.S3.Bucket == "" {
		return errors.New("invalid config: artifacts.s3.bucket is required for the s3 backend")
	}
	if cfg.Events.Driver == EventsKafka && (len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "") {
		return errors.New("invalid config: kafka.brokers and kafka.topic are required for the kafka event bus")
	}
	return nil
}

