// SPDX-License-Identifier: MIT

// Package daemon runs the process lifecycle: HTTP listeners, background
// workers, and ordered graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gaiahq/gaia/internal/log"
	"github.com/rs/zerolog"
)

// ShutdownHook performs one cleanup step during graceful shutdown. Hooks run
// in reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

// Worker is a long-running task that blocks until its context is cancelled.
// A worker returning a non-context error brings the whole process down.
type Worker func(ctx context.Context) error

// ErrNotStarted is returned by Shutdown before Start has run.
var ErrNotStarted = errors.New("daemon manager not started")

// Config holds the listener settings shared by all GAIA binaries.
type Config struct {
	ListenAddr      string
	MetricsAddr     string // empty disables the metrics listener
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the production listener settings.
func DefaultConfig(listen, metrics string) Config {
	return Config{
		ListenAddr:      listen,
		MetricsAddr:     metrics,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

type namedHook struct {
	name string
	hook ShutdownHook
}

type namedWorker struct {
	name string
	run  Worker
}

// Manager owns the listeners and background workers of one process.
type Manager struct {
	cfg            Config
	apiHandler     http.Handler
	metricsHandler http.Handler

	apiServer     *http.Server
	metricsServer *http.Server
	workers       []namedWorker

	mu       sync.Mutex
	hooks    []namedHook
	started  bool
	stopping bool

	logger zerolog.Logger
}

// NewManager creates a lifecycle manager. metricsHandler may be nil when the
// process exposes no metrics listener.
func NewManager(cfg Config, apiHandler, metricsHandler http.Handler) *Manager {
	return &Manager{
		cfg:            cfg,
		apiHandler:     apiHandler,
		metricsHandler: metricsHandler,
		logger:         log.WithComponent("daemon"),
	}
}

// AddWorker registers a background worker started by Run.
func (m *Manager) AddWorker(name string, w Worker) {
	m.workers = append(m.workers, namedWorker{name: name, run: w})
}

// RegisterShutdownHook registers a cleanup step, executed LIFO at shutdown.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
}

// Run starts the listeners and workers and blocks until ctx is cancelled or
// a component fails, then shuts everything down in order.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("daemon manager already started")
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info().
		Str("listen", m.cfg.ListenAddr).
		Str("metrics", m.cfg.MetricsAddr).
		Msg("starting daemon manager")

	errChan := make(chan error, len(m.workers)+2)
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	if m.cfg.MetricsAddr != "" && m.metricsHandler != nil {
		m.startMetricsServer(errChan)
	}
	if m.apiHandler != nil {
		m.startAPIServer(errChan)
	}
	for _, w := range m.workers {
		go func() {
			m.logger.Info().Str("worker", w.name).Msg("worker started")
			if err := w.run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("worker %s: %w", w.name, err)
				return
			}
			m.logger.Info().Str("worker", w.name).Msg("worker stopped")
		}()
	}

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Msg("component failed, initiating shutdown")
		cancelWorkers()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := m.Shutdown(shutdownCtx); shutdownErr != nil {
			return errors.Join(err, shutdownErr)
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
		defer cancel()
		return m.Shutdown(shutdownCtx)
	}
}

func (m *Manager) startAPIServer(errChan chan<- error) {
	m.apiServer = &http.Server{
		Addr:              m.cfg.ListenAddr,
		Handler:           m.apiHandler,
		ReadTimeout:       m.cfg.ReadTimeout,
		ReadHeaderTimeout: m.cfg.ReadTimeout / 2,
		WriteTimeout:      m.cfg.WriteTimeout,
		IdleTimeout:       m.cfg.IdleTimeout,
	}
	go func() {
		m.logger.Info().Str("addr", m.cfg.ListenAddr).Msg("api server listening")
		if err := m.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()
}

func (m *Manager) startMetricsServer(errChan chan<- error) {
	m.metricsServer = &http.Server{
		Addr:              m.cfg.MetricsAddr,
		Handler:           m.metricsHandler,
		ReadHeaderTimeout: m.cfg.ReadTimeout / 2,
	}
	go func() {
		m.logger.Info().Str("addr", m.cfg.MetricsAddr).Msg("metrics server listening")
		if err := m.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()
}

// Shutdown stops the listeners and runs the hooks LIFO. Safe to call once;
// later calls are no-ops.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	m.stopping = true
	hooks := append([]namedHook{}, m.hooks...)
	m.mu.Unlock()

	m.logger.Info().Msg("shutting down")

	var errs []error
	if m.apiServer != nil {
		if err := m.apiServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
	}
	if m.metricsServer != nil {
		if err := m.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(ctx); err != nil {
			m.logger.Error().Err(err).
				Str("hook", h.name).
				Dur("elapsed", time.Since(start)).
				Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().
			Str("hook", h.name).
			Dur("elapsed", time.Since(start)).
			Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	m.logger.Info().Msg("stopped cleanly")
	return nil
}
