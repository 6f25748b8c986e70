// Package cmd assembles the offline sync engine into a runnable HTTP
// application: routing, middleware, request metrics, and the background
// sync loop live here.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AdityaPandey8/shiksha-setu-bridge-sub001/offline"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const studentIDHeader = "X-Student-ID"

type AppConfig struct {
	// Address to listen on, e.g. "127.0.0.1:8080". Empty means an
	// ephemeral loopback port.
	Address string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// SyncInterval drives the background refresh-and-flush loop. Zero or
	// negative disables it.
	SyncInterval time.Duration
	// SyncTimeout bounds a single background sync pass.
	SyncTimeout time.Duration

	Metrics offline.AppMetrics
	Logger  *slog.Logger
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		Address:           "127.0.0.1:0",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		SyncInterval:      0,
		SyncTimeout:       30 * time.Second,
		Metrics:           offline.NewInMemAppMetrics(),
		Logger:            slog.Default(),
	}
}

func mergeWithDefaultAppConfig(cfg AppConfig) AppConfig {
	def := DefaultAppConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = def.SyncTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = def.Metrics
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return cfg
}

// App hosts the HTTP surface over one engine instance.
type App struct {
	cfg    AppConfig
	engine *offline.Engine
	echo   *echo.Echo
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
	errCh    chan error
	started  bool

	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

func NewApp(engine *offline.Engine, cfg AppConfig) *App {
	cfg = mergeWithDefaultAppConfig(cfg)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLoggerMiddleware(cfg.Logger, cfg.Metrics))
	e.Use(studentIDMiddleware())

	Register(e, EngineDependencies(engine, cfg))
	RegisterUI(e)

	return &App{
		cfg:    cfg,
		engine: engine,
		echo:   e,
		server: &http.Server{
			Handler:           e,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
	}
}

// EngineDependencies adapts an engine into the handler dependency set.
func EngineDependencies(engine *offline.Engine, cfg AppConfig) Dependencies {
	deps := Dependencies{
		AppMetrics: cfg.Metrics,
		Logger:     cfg.Logger,
	}
	if engine == nil {
		return deps
	}
	deps.StorageMetricsHandler = offline.NewStorageMetricsHandler(engine.Accountant())
	deps.Usage = engine.Usage
	deps.Flush = engine.Queue().Flush
	deps.SyncNow = engine.SyncNow
	deps.Refresh = engine.Refresh
	deps.Submit = engine.Submit
	deps.PendingMutations = engine.Queue().Pending
	deps.Records = func(ctx context.Context, tag offline.CollectionTag) []offline.Record {
		return engine.Records().GetAll(ctx, tag, nil)
	}
	deps.Download = engine.Downloads().Download
	deps.CheckStale = engine.CheckStale
	deps.RemoveAsset = engine.Blobs().Remove
	deps.EvictOlderThan = engine.Accountant().EvictOlderThan
	deps.EvictAll = engine.Accountant().EvictAll
	deps.IsOnline = engine.Monitor().IsOnline
	deps.SetOnline = engine.Monitor().SetOnline
	return deps
}

// Start begins serving and returns once the listener is bound.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("app already started")
	}

	ln, err := net.Listen("tcp", a.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Address, err)
	}
	a.listener = ln
	a.errCh = make(chan error, 1)
	a.started = true

	go func() {
		err := a.server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		a.errCh <- err
	}()

	a.startSyncLoopLocked()
	a.cfg.Logger.Info("app started", "address", ln.Addr().String())
	return nil
}

// Address returns the bound listen address, or "" before Start.
func (a *App) Address() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Wait blocks until the server exits.
func (a *App) Wait() error {
	a.mu.Lock()
	errCh := a.errCh
	a.mu.Unlock()
	if errCh == nil {
		return errors.New("app not started")
	}
	return <-errCh
}

// Stop shuts the server down gracefully.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	a.stopSyncLoopLocked()
	a.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	defer cancel()
	return a.server.Shutdown(shutdownCtx)
}

// startSyncLoopLocked launches the periodic background sync. Caller holds mu.
func (a *App) startSyncLoopLocked() {
	if a.cfg.SyncInterval <= 0 || a.engine == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.syncCancel = cancel
	a.syncDone = done

	interval := a.cfg.SyncInterval
	timeout := a.cfg.SyncTimeout
	logger := a.cfg.Logger
	metrics := a.cfg.Metrics
	engine := a.engine

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !engine.Monitor().IsOnline() {
					continue
				}
				passCtx, cancelPass := context.WithTimeout(ctx, timeout)
				start := time.Now()
				report, err := engine.SyncNow(passCtx)
				cancelPass()
				metrics.RecordFlush(time.Since(start).Milliseconds(), report.Applied, report.Retained, len(report.Failed), err)
				if err != nil {
					logger.Warn("background sync failed", "error", err)
					continue
				}
				if report.Applied > 0 || len(report.Failed) > 0 {
					logger.Info("background sync pass",
						"applied", report.Applied,
						"retained", report.Retained,
						"failed", len(report.Failed),
					)
				}
			}
		}
	}()
}

// stopSyncLoopLocked cancels the sync loop and waits for it. Caller holds mu.
func (a *App) stopSyncLoopLocked() {
	if a.syncCancel == nil {
		return
	}
	a.syncCancel()
	<-a.syncDone
	a.syncCancel = nil
	a.syncDone = nil
}

func requestLoggerMiddleware(logger *slog.Logger, metrics offline.AppMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			latency := time.Since(start)
			status := c.Response().Status

			if metrics != nil {
				metrics.RecordRequest(c.Request().Method, c.Path(), status, latency.Milliseconds())
			}
			logger.Info("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"student_id", studentID(c),
			)
			return nil
		}
	}
}

// studentIDMiddleware normalizes the per-device student header so handlers
// and the access log see a single canonical value.
func studentIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := strings.TrimSpace(c.Request().Header.Get(studentIDHeader))
			if id == "" {
				id = "anonymous"
			}
			c.Set("student_id", id)
			return next(c)
		}
	}
}

func studentID(c echo.Context) string {
	if v, ok := c.Get("student_id").(string); ok {
		return v
	}
	return "anonymous"
}
