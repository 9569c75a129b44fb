// Package app assembles the data pipeline from a loaded configuration
// model and executes the configured requests.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atmopipe/atmopipe/internal/config"
	"github.com/atmopipe/atmopipe/internal/ctxlog"
	"github.com/atmopipe/atmopipe/internal/memcache"
	"github.com/atmopipe/atmopipe/internal/pipeline"
	"github.com/atmopipe/atmopipe/internal/scheduler"
)

// AppConfig holds all the necessary configuration for an App instance
// to run.
type AppConfig struct {
	ConfigPath  string
	LogFormat   string
	LogLevel    string
	WorkerCount int
}

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW    io.Writer
	logger  *slog.Logger
	metrics *prometheus.Registry

	model   *config.Model
	cache   *memcache.Manager
	sources map[string]pipeline.Source
	sched   scheduler.Scheduler
}

// NewApp is the constructor for the main application. It loads the
// configuration, wires every configured data source and returns a fully
// initialized App instance with its own isolated logger and metrics
// registry.
func NewApp(outW io.Writer, appConfig *AppConfig, loader config.Loader) (*App, error) {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	model, err := loader.Load(ctx, appConfig.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if appConfig.WorkerCount != 0 {
		model.Scheduler.Workers = appConfig.WorkerCount
	}
	logger.Debug("Configuration loaded into unified model.")

	a := &App{
		outW:    outW,
		logger:  logger,
		metrics: prometheus.NewRegistry(),
		model:   model,
	}
	if err := a.build(ctx); err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}
	logger.Debug("Pipeline built.", "sources", len(a.sources))
	return a, nil
}

// Source returns a configured data source by name. This is primarily
// for testing.
func (a *App) Source(name string) pipeline.Source {
	return a.sources[name]
}

// Cache returns the application's memory manager. This is primarily for
// testing.
func (a *App) Cache() *memcache.Manager {
	return a.cache
}
