package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/specialistvlad/accelgrid/internal/config"
	"github.com/specialistvlad/accelgrid/internal/ctxlog"
	"github.com/specialistvlad/accelgrid/internal/kernels"
	"github.com/specialistvlad/accelgrid/internal/metrics"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW       io.Writer
	logger     *slog.Logger
	config     *Config
	model      *config.Model
	kernels    *kernels.Registry
	collector  *metrics.Collector
	httpServer *http.Server
}

// Option customizes an App.
type Option func(*App)

// WithKernels replaces the built-in kernel registry.
func WithKernels(r *kernels.Registry) Option {
	return func(app *App) { app.kernels = r }
}

// NewApp builds an app with its own logger and loads the grid named by cfg.
func NewApp(outW io.Writer, cfg *Config, opts ...Option) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	model, err := config.NewLoader().Load(ctx, cfg.GridPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Debug("Configuration loaded and translated into unified model.")

	app := &App{
		outW:      outW,
		logger:    logger,
		config:    cfg,
		model:     model,
		collector: metrics.NewCollector(),
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.kernels == nil {
		app.kernels = kernels.Builtins()
	}
	logger.Debug("Kernels available.", "names", app.kernels.Names())
	return app, nil
}

// Model returns the loaded grid. This is primarily for testing.
func (app *App) Model() *config.Model { return app.model }

// Metrics returns the app's collector. This is primarily for testing.
func (app *App) Metrics() *metrics.Collector { return app.collector }
