package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/progress"
)

// Runtime owns process-wide telemetry and the optional status server.
type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	progress       *progress.Tracker
	httpServer     *http.Server
	listener       net.Listener
	metrics        http.Handler
	telemetryClose func(context.Context) error
	ready          atomic.Bool
	wg             sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger, tracker *progress.Tracker) *Runtime {
	return &Runtime{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "runtime")),
		progress: tracker,
	}
}

// Start installs telemetry and, when enabled, serves the status endpoints in the background.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metrics = metricHandler

	if !r.cfg.HTTP.Enabled {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.listener = ln
	r.httpServer = &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.logger.Info("status server started", slog.String("addr", ln.Addr().String()))
	return nil
}

func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/progress", r.handleProgress)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	return mux
}

// Addr is the bound status server address, empty when the server is disabled.
func (r *Runtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// SetReady flips /readyz. The narrator marks the runtime ready once synthesis has started.
func (r *Runtime) SetReady(ready bool) { r.ready.Store(ready) }

func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		r.wg.Wait()
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleProgress(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.progress.Snapshot()); err != nil {
		r.logger.Warn("encode progress", slog.String("error", err.Error()))
	}
}
