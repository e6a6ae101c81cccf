// ABOUTME: Gateway orchestrator wiring the HTTP server, agent manager, and hub.
// ABOUTME: Manages component lifecycle: startup, health endpoints, graceful stop.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kilnhost/kiln/internal/agent"
	"github.com/kilnhost/kiln/internal/api"
	"github.com/kilnhost/kiln/internal/auth"
	"github.com/kilnhost/kiln/internal/config"
	"github.com/kilnhost/kiln/internal/dashboard"
	"github.com/kilnhost/kiln/internal/sched"
	"github.com/kilnhost/kiln/internal/store"
)

// Gateway orchestrates the kilnd server components: the WebSocket endpoint
// agents and dashboard clients connect to, the REST API, and the scheduler.
type Gateway struct {
	config     *config.Config
	store      store.Store
	manager    *agent.Manager
	hub        *dashboard.Hub
	verifier   *auth.JWTVerifier
	nodeAuth   *auth.NodeAuthenticator
	scheduler  *sched.Scheduler
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Gateway from configuration. The store is opened here and
// closed on Shutdown.
func New(cfg *config.Config) (*Gateway, error) {
	logger := slog.Default().With("component", "gateway")

	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		sqlStore.Close()
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	manager := agent.NewManager(agent.Options{
		StaleAfter:       cfg.Gateway.StaleAfter,
		RequestTimeout:   cfg.Gateway.RequestTimeout,
		MaxResponseBytes: cfg.Gateway.MaxResponseBufferBytes(),
		SendBuffer:       cfg.Gateway.SendBuffer,
		Sink:             sqlStore,
	})

	g := &Gateway{
		config:   cfg,
		store:    sqlStore,
		manager:  manager,
		hub:      dashboard.NewHub(slog.Default()),
		verifier: verifier,
		nodeAuth: auth.NewNodeAuthenticator(sqlStore),
		logger:   logger,
	}

	if cfg.Scheduler.Enabled {
		g.scheduler = sched.NewScheduler(sqlStore, manager, cfg.Scheduler.Tick)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", g.handleWebSocket)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}
	api.New(sqlStore, manager, verifier).RegisterRoutes(mux)

	g.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: mux,
	}

	return g, nil
}

// Run starts the HTTP server and scheduler and blocks until the context is
// cancelled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if g.scheduler != nil {
		go g.scheduler.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("shutdown signal received")
	case serverErr = <-errCh:
		g.logger.Error("http server failed", "error", serverErr)
	}

	// The original context is already cancelled by the time we get here.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops the HTTP server, terminates all live connections, and
// closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.hub.Close()
	g.manager.CloseAll()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one node agent is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.manager.Count()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no node agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d nodes)", n)
}
