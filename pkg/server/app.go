package server

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/usecase"
	"MarketSentry/pkg/config"
	xhttp "MarketSentry/pkg/http"
	applogger "MarketSentry/pkg/logger"
)

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	l          *applogger.Logger
	sources    []models.DataSourceConfig
	registry   *usecase.AdapterRegistry
	engine     *usecase.DetectionEngine
	collector  *usecase.StreamCollector
	httpServer *xhttp.Server
	closers    []io.Closer
}

// New creates a new App instance with all dependencies. collector may be nil
// when streaming is disabled.
func New(
	cfg *config.Config,
	l *applogger.Logger,
	sources []models.DataSourceConfig,
	registry *usecase.AdapterRegistry,
	engine *usecase.DetectionEngine,
	collector *usecase.StreamCollector,
	httpServer *xhttp.Server,
) *App {
	if l == nil {
		l = applogger.NewNop()
	}
	return &App{
		cfg:        cfg,
		l:          l,
		sources:    sources,
		registry:   registry,
		engine:     engine,
		collector:  collector,
		httpServer: httpServer,
	}
}

// AddCloser registers infrastructure closed last on shutdown.
func (a *App) AddCloser(c io.Closer) {
	if c != nil {
		a.closers = append(a.closers, c)
	}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return err
	}

	// Wait for interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.l.Info("shutdown signal received")
	cancel()
	return a.Shutdown(context.Background())
}

// Start connects the sources, restores the model when configured, and starts
// the scheduler, the stream collector and the HTTP server.
func (a *App) Start(ctx context.Context) error {
	if err := a.registry.Initialize(ctx, a.sources); err != nil {
		return err
	}

	if a.cfg.ML.Enabled && a.cfg.ML.LoadOnStart {
		if err := a.engine.LoadModel(ctx); err != nil {
			a.l.Warn("model not restored", applogger.Error(err))
		}
	}

	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	if a.collector != nil {
		switch err := a.collector.Start(ctx); {
		case errors.Is(err, usecase.ErrNoStreams):
			a.l.Warn("stream collector idle: no streaming sources")
		case err != nil:
			return err
		default:
			a.l.Info("stream collector started", applogger.Strings("sources", a.cfg.Stream.Sources))
		}
	}

	if a.httpServer != nil {
		if err := a.httpServer.Start(); err != nil {
			a.l.Error("http server start error", applogger.Error(err))
			return err
		}
	}
	return nil
}

// Shutdown gracefully stops all services. Every step runs even when an
// earlier one fails.
func (a *App) Shutdown(ctx context.Context) error {
	a.l.Info("shutting down...")

	if a.httpServer != nil {
		if err := a.httpServer.Stop(ctx); err != nil {
			a.l.Error("http shutdown error", applogger.Error(err))
		}
	}

	if err := a.engine.Stop(ctx); err != nil {
		a.l.Warn("scheduler stop error", applogger.Error(err))
	}

	if a.collector != nil {
		if err := a.collector.Shutdown(ctx); err != nil {
			a.l.Warn("collector stop error", applogger.Error(err))
		}
	}

	if err := a.registry.Shutdown(ctx); err != nil {
		a.l.Warn("registry shutdown error", applogger.Error(err))
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.l.Warn("close error", applogger.Error(err))
		}
	}

	a.l.Info("shutdown complete")
	return nil
}
