package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/qark-armada/internal/api"
	"github.com/ahrav/qark-armada/internal/api/debug"
	"github.com/ahrav/qark-armada/internal/api/mux"
	"github.com/ahrav/qark-armada/internal/api/routes"
	"github.com/ahrav/qark-armada/internal/app/report"
	appScanning "github.com/ahrav/qark-armada/internal/app/scanning"
	"github.com/ahrav/qark-armada/internal/config"
	"github.com/ahrav/qark-armada/internal/domain/events"
	"github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/internal/infra/artifact"
	"github.com/ahrav/qark-armada/internal/infra/decompiler"
	eventdispatcher "github.com/ahrav/qark-armada/internal/infra/event_dispatcher"
	"github.com/ahrav/qark-armada/internal/infra/eventbus/kafka"
	membus "github.com/ahrav/qark-armada/internal/infra/eventbus/memory"
	"github.com/ahrav/qark-armada/internal/infra/rules"
	"github.com/ahrav/qark-armada/internal/infra/rules/plugin"
	"github.com/ahrav/qark-armada/internal/infra/storage"
	memstore "github.com/ahrav/qark-armada/internal/infra/storage/scanning/memory"
	pgstore "github.com/ahrav/qark-armada/internal/infra/storage/scanning/postgres"
	"github.com/ahrav/qark-armada/pkg/common"
	"github.com/ahrav/qark-armada/pkg/common/logger"
	"github.com/ahrav/qark-armada/pkg/common/otel"
)

var build = "develop"

const serviceType = "qark-api"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	configPath := flag.String("config", "", "path to a YAML config file (overrides QARK_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	metadata := map[string]string{
		"service":  cfg.Telemetry.ServiceName,
		"hostname": hostname,
		"app":      serviceType,
	}

	base := logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.Telemetry.LogLevel),
		cfg.Telemetry.ServiceName, traceIDFn, logEvents, metadata)
	// Records also go to the OpenTelemetry log pipeline when one is installed.
	log := logger.Fanout(base, otelslog.NewHandler(cfg.Telemetry.ServiceName))

	ctx := context.Background()

	if err := run(ctx, log, cfg, hostname); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config, hostname string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	// -------------------------------------------------------------------------
	// Start Tracing Support
	log.Info(ctx, "startup", "status", "initializing tracing support")

	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/readiness": {},
			"/v1/liveness":  {},
			"/debug":        {},
		},
		Probability: cfg.Telemetry.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(ctx)

	tracer := traceProvider.Tracer(cfg.Telemetry.ServiceName)
	mp := otel.GetMeterProvider()

	// -------------------------------------------------------------------------
	// Storage
	log.Info(ctx, "startup", "status", "initializing storage", "driver", cfg.Storage.Driver)

	var (
		jobRepo     scanning.JobRepository
		findingRepo scanning.FindingRepository
		ready       func(context.Context) error
	)
	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		pool, err := connectDB(ctx, log, cfg.Storage)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := storage.Migrate(pool); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}

		jobRepo = pgstore.NewJobStore(pool, tracer)
		findingRepo = pgstore.NewFindingStore(pool, tracer)
		ready = pool.Ping
	default:
		jobRepo = memstore.NewJobStore()
		findingRepo = memstore.NewFindingStore()
	}

	var backend artifact.Backend = artifact.NewFSBackend(cfg.Artifacts.Root)
	if cfg.Artifacts.Backend == config.BackendS3 {
		s3Backend, err := artifact.NewS3Backend(artifact.S3Config{
			Bucket:   cfg.Artifacts.S3.Bucket,
			Prefix:   cfg.Artifacts.S3.Prefix,
			Region:   cfg.Artifacts.S3.Region,
			Endpoint: cfg.Artifacts.S3.Endpoint,
		})
		if err != nil {
			return fmt.Errorf("creating s3 artifact backend: %w", err)
		}
		backend = s3Backend
	}

	artifacts, err := artifact.NewStore(
		artifact.Config{Root: cfg.Artifacts.Root, MaxSize: cfg.Artifacts.MaxSize},
		backend, log, tracer,
	)
	if err != nil {
		return fmt.Errorf("creating artifact store: %w", err)
	}

	// -------------------------------------------------------------------------
	// Initialize Event Bus
	log.Info(ctx, "startup", "status", "initializing event bus", "driver", cfg.Events.Driver)

	bus, closeBus, err := newEventBus(log, cfg, tracer)
	if err != nil {
		return err
	}
	defer closeBus()

	lifecycle := eventdispatcher.New(tracer, log)
	registerLifecycleHandlers(ctx, lifecycle, log)
	if err := bus.Subscribe(ctx, lifecycle.EventTypes(), lifecycle.Dispatch); err != nil {
		return fmt.Errorf("subscribing lifecycle handlers: %w", err)
	}

	// -------------------------------------------------------------------------
	// Scan pipeline
	log.Info(ctx, "startup", "status", "initializing scan pipeline")

	engine, closeEngine, err := newRuleEngine(log, cfg.Rules, tracer)
	if err != nil {
		return err
	}
	defer closeEngine()

	dec := decompiler.New(decompiler.Config{
		Command:           cfg.Decompiler.Command,
		Args:              cfg.Decompiler.Args,
		MaxExtractedBytes: cfg.Decompiler.MaxExtractedBytes,
	}, log, tracer)

	scanMetrics, err := appScanning.NewScanMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating scan metrics: %w", err)
	}

	formats := make([]report.Format, 0, len(cfg.Scan.DefaultReportFormats))
	for _, f := range cfg.Scan.DefaultReportFormats {
		format, err := report.ParseFormat(f)
		if err != nil {
			return fmt.Errorf("default report formats: %w", err)
		}
		formats = append(formats, format)
	}

	reports, err := report.NewService(formats, log, tracer,
		report.WithWorkdirs(artifacts),
		report.WithMetrics(scanMetrics),
	)
	if err != nil {
		return fmt.Errorf("creating report service: %w", err)
	}

	orchestrator := appScanning.NewOrchestrator(
		appScanning.OrchestratorConfig{
			Workers: cfg.Scan.Workers,
			Timeouts: appScanning.StageTimeouts{
				Decompile: cfg.Scan.DecompileTimeout,
				Scan:      cfg.Scan.ScanTimeout,
				Report:    cfg.Scan.ReportTimeout,
			},
		},
		appScanning.Pipeline{
			Decompile: appScanning.NewDecompileStage(artifacts, dec, tracer),
			Scan:      appScanning.NewScanStage(engine, tracer),
			Report:    reports,
		},
		jobRepo,
		findingRepo,
		bus,
		log,
		scanMetrics,
		tracer,
	)

	registry := appScanning.NewRegistry(orchestrator, artifacts, reports, log, scanMetrics, tracer)
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("restoring jobs: %w", err)
	}

	runCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- orchestrator.Run(runCtx)
	}()

	// -------------------------------------------------------------------------
	// Start Debug Service

	go func() {
		log.Info(ctx, "startup", "status", "debug router started", "host", cfg.Web.DebugHost)

		if err := http.ListenAndServe(cfg.Web.DebugHost, debug.Mux()); err != nil {
			log.Error(ctx, "shutdown", "status", "debug router closed", "host", cfg.Web.DebugHost, "msg", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Start API Service

	log.Info(ctx, "startup", "status", "initializing API support")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	apiMetrics, err := api.NewAPIMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating metrics collector: %w", err)
	}

	cfgMux := mux.Config{
		Build:         build,
		Log:           log,
		Tracer:        tracer,
		Registry:      registry,
		Metrics:       apiMetrics,
		MaxUploadSize: cfg.Artifacts.MaxSize + multipartOverhead,
		Ready:         ready,
	}
	if cfg.Web.UploadRate > 0 {
		cfgMux.UploadLimiter = common.NewRateLimiter(cfg.Web.UploadRate, cfg.Web.UploadBurst)
	}

	webAPI := mux.WebAPI(cfgMux,
		routes.Routes(),
		mux.WithCORS(cfg.Web.CORSAllowedOrigins),
	)

	server := http.Server{
		Addr:         cfg.Web.APIHost,
		Handler:      webAPI,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(log, logger.LevelError),
	}

	serverErrors := make(chan error, 1)

	go func() {
		log.Info(ctx, "startup", "status", "api router started", "host", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// -------------------------------------------------------------------------
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case err := <-workerErrors:
		return fmt.Errorf("orchestrator stopped: %w", err)

	case sig := <-shutdown:
		log.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig)
		defer log.Info(ctx, "shutdown", "status", "shutdown complete", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}

		// Jobs still running are failed as interrupted on the next start.
		stopWorkers()
		select {
		case <-workerErrors:
		case <-ctx.Done():
			log.Warn(ctx, "shutdown", "status", "orchestrator did not stop in time")
		}
	}

	return nil
}

// multipartOverhead leaves room for the multipart envelope around an
// artifact of the maximum size.
const multipartOverhead = 1 << 20

func connectDB(ctx context.Context, log *logger.Logger, cfg config.StorageConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing db config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating db pool: %w", err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = time.Minute

	err = backoff.Retry(func() error {
		if err := pool.Ping(ctx); err != nil {
			log.Warn(ctx, "startup", "status", "database not ready, retrying", "err", err)
			return err
		}
		return nil
	}, expBackoff)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return pool, nil
}

// eventBus is the publishing and subscribing surface both drivers provide.
type eventBus interface {
	events.DomainEventPublisher
	Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error
}

func newEventBus(log *logger.Logger, cfg *config.Config, tracer trace.Tracer) (eventBus, func(), error) {
	if cfg.Events.Driver != config.EventsKafka {
		bus := membus.NewBus()
		return bus, func() { _ = bus.Close() }, nil
	}

	client, err := kafka.NewClient(&kafka.ClientConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating kafka client: %w", err)
	}

	brokerMetrics, err := kafka.NewBrokerMetrics(otel.GetMeterProvider())
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("creating broker metrics: %w", err)
	}

	bus, err := kafka.ConnectEventBus(&kafka.EventBusConfig{
		Topic:   cfg.Kafka.Topic,
		GroupID: cfg.Kafka.GroupID,
	}, client, log, brokerMetrics, tracer)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connecting event bus: %w", err)
	}

	return bus, func() { closeKafka(bus, client) }, nil
}

func closeKafka(bus *kafka.EventBus, client sarama.Client) {
	_ = bus.Close()
	if !client.Closed() {
		_ = client.Close()
	}
}

func newRuleEngine(log *logger.Logger, cfg config.RulesConfig, tracer trace.Tracer) (scanning.RuleEngine, func(), error) {
	if cfg.PluginPath != "" {
		engine, err := plugin.NewEngine(cfg.PluginPath, log, tracer)
		if err != nil {
			return nil, nil, fmt.Errorf("starting rule plugin: %w", err)
		}
		return engine, engine.Close, nil
	}

	engine, err := rules.NewEngine(rules.Config{
		RulesFile:   cfg.RulesFile,
		Secrets:     cfg.Secrets,
		MaxFileSize: cfg.MaxFileSize,
	}, log, tracer)
	if err != nil {
		return nil, nil, fmt.Errorf("creating rule engine: %w", err)
	}
	return engine, func() {}, nil
}

// registerLifecycleHandlers logs terminal job events. Payloads delivered
// over Kafka are raw, so the job id is taken from the envelope key.
func registerLifecycleHandlers(ctx context.Context, d *eventdispatcher.Dispatcher, log *logger.Logger) {
	log = log.With("component", "lifecycle")

	d.RegisterHandler(ctx, scanning.EventTypeJobCompleted, func(ctx context.Context, evt events.EventEnvelope) error {
		if done, ok := evt.Payload.(scanning.JobCompletedEvent); ok {
			log.Info(ctx, "Job completed", "job_id", evt.Key, "total_findings", done.TotalFindings)
			return nil
		}
		log.Info(ctx, "Job completed", "job_id", evt.Key)
		return nil
	})
	d.RegisterHandler(ctx, scanning.EventTypeJobFailed, func(ctx context.Context, evt events.EventEnvelope) error {
		if failed, ok := evt.Payload.(scanning.JobFailedEvent); ok {
			log.Warn(ctx, "Job failed", "job_id", evt.Key, "stage", failed.Stage, "reason", failed.Reason)
			return nil
		}
		log.Warn(ctx, "Job failed", "job_id", evt.Key)
		return nil
	})
	d.RegisterHandler(ctx, scanning.EventTypeJobDeleted, func(ctx context.Context, evt events.EventEnvelope) error {
		log.Info(ctx, "Job deleted", "job_id", evt.Key)
		return nil
	})
}
