// Package app provides application lifecycle management for the gitkv server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stacklok/gitkv/internal/config"
)

// GitkvApp encapsulates all components needed to run the gitkv server
// It provides lifecycle management and graceful shutdown capabilities
type GitkvApp struct {
	config     *config.Config
	components *AppComponents
	httpServer *http.Server

	// Lifecycle management
	ctx        context.Context
	cancelFunc context.CancelFunc
}

// Start starts the application components (HTTP server and ref watcher)
// This method blocks until the HTTP server stops or encounters an error
func (app *GitkvApp) Start() error {
	if w := app.components.Watcher; w != nil {
		go func() {
			if err := w.Start(app.ctx); err != nil {
				slog.Error("Ref watcher failed", "error", err)
			}
		}()
	}

	// Start HTTP server (blocks until stopped)
	slog.Info("Server listening", "address", app.httpServer.Addr)
	if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// Stop gracefully stops the application with the given timeout
// It stops the watcher, drains the HTTP server and releases the repository
func (app *GitkvApp) Stop(timeout time.Duration) error {
	slog.Info("Shutting down server...")

	if w := app.components.Watcher; w != nil {
		if err := w.Stop(); err != nil {
			slog.Error("Failed to stop ref watcher", "error", err)
		}
	}

	// Cancel the application context
	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	// Graceful HTTP server shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}
	if repo := app.components.Repository; repo != nil {
		if err := repo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close repository: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	slog.Info("Server shutdown complete")
	return nil
}

// GetConfig returns the application configuration
func (app *GitkvApp) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server (useful for testing to get the actual port)
func (app *GitkvApp) GetHTTPServer() *http.Server {
	return app.httpServer
}

// GetComponents returns the application components
func (app *GitkvApp) GetComponents() *AppComponents {
	return app.components
}
