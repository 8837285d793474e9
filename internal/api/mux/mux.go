// Package mux wires the application routes and middleware into a single
// http.Handler.
package mux

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/qark-armada/internal/api/mid"
	"github.com/ahrav/qark-armada/internal/api/scanning"
	"github.com/ahrav/qark-armada/pkg/common/logger"
	"github.com/ahrav/qark-armada/pkg/web"
)

// Options represent optional parameters.
type Options struct {
	corsOrigin []string
}

// WithCORS provides configuration options for CORS.
func WithCORS(origins []string) func(opts *Options) {
	return func(opts *Options) {
		opts.corsOrigin = origins
	}
}

// Metrics is everything the HTTP layer records.
type Metrics interface {
	mid.RequestMetrics
	scanning.UploadMetrics
}

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build    string
	Log      *logger.Logger
	Tracer   trace.Tracer
	Registry scanning.JobRegistry
	Metrics  Metrics

	MaxUploadSize int64
	UploadLimiter mid.Limiter

	// Ready reports whether the service's dependencies are reachable.
	Ready func(ctx context.Context) error
}

// RouteAdder defines behavior that sets the routes to bind for an instance
// of the service.
type RouteAdder interface {
	Add(app *web.App, cfg Config)
}

// WebAPI constructs a http.Handler with all application routes bound.
func WebAPI(cfg Config, routeAdder RouteAdder, options ...func(opts *Options)) http.Handler {
	logger := func(ctx context.Context, msg string, args ...any) {
		cfg.Log.Info(ctx, msg, args...)
	}

	app := web.NewApp(
		logger,
		cfg.Tracer,
		mid.Otel(cfg.Tracer),
		mid.Logger(cfg.Log),
		mid.Errors(cfg.Log),
		mid.Metrics(cfg.Metrics),
		mid.Panics(),
	)

	var opts Options
	for _, option := range options {
		option(&opts)
	}

	if len(opts.corsOrigin) > 0 {
		app.EnableCORS(opts.corsOrigin)
	}

	routeAdder.Add(app, cfg)

	return app
}
