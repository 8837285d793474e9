// Package routes binds every API route group to the application.
package routes

import (
	"github.com/ahrav/qark-armada/internal/api/health"
	"github.com/ahrav/qark-armada/internal/api/mux"
	"github.com/ahrav/qark-armada/internal/api/scanning"
	"github.com/ahrav/qark-armada/pkg/web"
)

// Routes constructs an add value which provides the implementation of
// RouteAdder for specifying what routes to bind to this instance.
func Routes() add {
	return add{}
}

type add struct{}

// Add implements the RouteAdder interface.
func (add) Add(app *web.App, cfg mux.Config) {
	health.Routes(app, health.Config{
		Build: cfg.Build,
		Log:   cfg.Log,
		Ready: cfg.Ready,
	})

	scanning.Routes(app, scanning.Config{
		Log:           cfg.Log,
		Registry:      cfg.Registry,
		Metrics:       cfg.Metrics,
		MaxUploadSize: cfg.MaxUploadSize,
		UploadLimiter: cfg.UploadLimiter,
	})
}
