package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/specialistvlad/accelgrid/internal/ctxlog"
)

// healthHandler answers liveness probes.
func (app *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	app.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// startMetricsServer serves /metrics and /health on the configured port.
func (app *App) startMetricsServer(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	if app.config.MetricsPort <= 0 {
		logger.Debug("Metrics server not started: disabled")
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", app.healthHandler)
	mux.Handle("/metrics", app.collector.Handler())

	addr := fmt.Sprintf(":%d", app.config.MetricsPort)
	app.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("📈 Metrics server starting", "address", fmt.Sprintf("http://localhost%s/metrics", addr))
		// ListenAndServe returns ErrServerClosed on graceful shutdown.
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed unexpectedly", "error", err)
		}
	}()
}

func (app *App) closeMetricsServer(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	if app.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	logger.Info("📈 Shutting down metrics server...")
	if err := app.httpServer.Shutdown(ctx); err != nil {
		logger.Error("Metrics server shutdown failed", "error", err)
		return err
	}
	app.httpServer = nil
	logger.Debug("Metrics server shut down gracefully.")
	return nil
}
