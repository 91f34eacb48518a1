package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/utils/clock"

	"peerprep/internal/api"
	"peerprep/internal/catalog"
	"peerprep/internal/config"
	"peerprep/internal/database"
	"peerprep/internal/exit"
	"peerprep/internal/hub"
	"peerprep/internal/matching"
	"peerprep/internal/metrics"
	"peerprep/internal/orchestrator"
	"peerprep/internal/presence"
	"peerprep/internal/router"
	"peerprep/internal/session"
	"peerprep/internal/websocket"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config       *config.Config
	log          logr.Logger
	dbManager    *database.Manager
	catalog      *catalog.Catalog
	messageHub   *hub.Hub
	orchestrator *orchestrator.Orchestrator
	limiter      *router.RateLimiter
	httpServer   *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Catalog → Hub → Sessions → Queue → Exit → Orchestrator → Router → HTTP
func NewApplication(cfg *config.Config, log logr.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	clk := clock.RealClock{}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// STEP 1: Initialize database manager (foundation layer); migrations run inside
	dbManager, err := database.NewManager(cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	// STEP 2: Load the question bank and user directory
	questions, err := catalog.Load(cfg.Catalog.Path, log)
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	// STEP 3: Connection registry and the notification hub on top of it
	connections := websocket.NewRegistry(log)
	messageHub := hub.NewHub(connections, cfg.WebSocket.BufferSize*10, log)

	// STEP 4: Lifecycle components
	tracker := presence.NewTracker(clk, cfg.Presence.HeartbeatInterval, cfg.Presence.Grace(), m, log)
	sessions := session.NewRegistry(clk, dbManager, cfg.Session.Retention, m, log)
	var queueOpts []matching.Option
	if cfg.Matching.Seed != 0 {
		queueOpts = append(queueOpts, matching.WithSeed(cfg.Matching.Seed))
	}
	queue := matching.NewQueue(clk, cfg.Matching.Timeout, questions, sessions, m, log, queueOpts...)
	coordinator := exit.NewCoordinator(clk, sessions, messageHub, cfg.Exit.GracePeriod, log)

	orch := orchestrator.New(clk, orchestrator.Components{
		Queue:    queue,
		Sessions: sessions,
		Presence: tracker,
		Exit:     coordinator,
		Users:    questions,
		Notifier: messageHub,
	}, orchestrator.Config{
		AbandonAfter:  cfg.Session.AbandonAfter,
		SweepInterval: cfg.Session.SweepInterval,
	}, m, log)

	// STEP 5: Recover sessions that were open before a restart
	recovered, err := orch.Recover(context.Background())
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to recover open sessions: %w", err)
	}
	log.Info("Recovered open sessions", "count", recovered)

	// STEP 6: Command routing and the client channel
	limiter := router.NewRateLimiter(clk, cfg.RateLimit.CommandsPerMinute)
	messageRouter := router.NewRouter(orch, messageHub, limiter, clk, m, log)
	wsHandler := websocket.NewHandler(questions, messageHub, messageRouter, orch, websocket.Config{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		BufferSize:     cfg.WebSocket.BufferSize,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, log)

	// STEP 7: HTTP surface serving the API, metrics and the WebSocket endpoint
	apiServer := api.NewServer(orch, dbManager, messageHub, reg, clk, api.Options{
		WebSocket:      wsHandler.HandleWebSocket,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, log)

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.HTTP.Host, fmt.Sprint(cfg.HTTP.Port)),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:       cfg,
		log:          log,
		dbManager:    dbManager,
		catalog:      questions,
		messageHub:   messageHub,
		orchestrator: orch,
		limiter:      limiter,
		httpServer:   httpServer,
	}, nil
}

// Start binds the configured address and begins serving
func (app *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(ctx, ln)
}

// Serve starts background processing and serves HTTP on ln
// Hub starts first to handle notifications, then HTTP server accepts connections
func (app *Application) Serve(ctx context.Context, ln net.Listener) error {
	app.log.Info("Starting PeerPrep application", "addr", ln.Addr().String())

	bgCtx, cancel := context.WithCancel(context.Background())

	// STEP 1: Start notification hub (background delivery)
	if err := app.messageHub.Start(bgCtx); err != nil {
		cancel()
		_ = ln.Close()
		return fmt.Errorf("failed to start notification hub: %w", err)
	}
	app.cancel = cancel

	// STEP 2: Background sweeps
	app.wg.Add(2)
	go func() {
		defer app.wg.Done()
		app.orchestrator.Run(bgCtx)
	}()
	go func() {
		defer app.wg.Done()
		app.limiter.Start(bgCtx)
	}()

	if app.config.Catalog.Watch {
		if err := app.catalog.Watch(bgCtx); err != nil {
			app.log.Error(err, "Catalog hot reload disabled")
		}
	}

	// STEP 3: Start HTTP server (accepts connections)
	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Verify server is ready before returning
	select {
	case err := <-serverErrCh:
		app.stopBackground()
		return err
	case <-time.After(100 * time.Millisecond):
		app.log.Info("PeerPrep application started successfully")
		return nil
	case <-ctx.Done():
		app.stopBackground()
		return ctx.Err()
	}
}

func (app *Application) stopBackground() {
	if err := app.messageHub.Stop(); err != nil {
		app.log.Error(err, "Notification hub shutdown error")
	}
	if app.cancel != nil {
		app.cancel()
	}
	app.wg.Wait()
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Hub → Sweeps → Database
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info("Shutting down PeerPrep application")

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.log.Error(err, "HTTP server shutdown error")
	}

	// STEP 2: Stop notification delivery and background sweeps
	app.stopBackground()

	// STEP 3: Close database connections
	if err := app.dbManager.Close(); err != nil {
		app.log.Error(err, "Database shutdown error")
	}

	app.log.Info("PeerPrep application shutdown complete")
	return nil
}

// Handler returns the root HTTP handler
func (app *Application) Handler() http.Handler {
	return app.httpServer.Handler
}

// GetAddr returns the configured listen address
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
