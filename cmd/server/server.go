package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/martinsuchenak/vnetd/internal/allocator"
	"github.com/martinsuchenak/vnetd/internal/api"
	"github.com/martinsuchenak/vnetd/internal/config"
	"github.com/martinsuchenak/vnetd/internal/log"
	"github.com/martinsuchenak/vnetd/internal/mcp"
	"github.com/martinsuchenak/vnetd/internal/storage"
	"github.com/martinsuchenak/vnetd/internal/transport"
	"github.com/martinsuchenak/vnetd/internal/worker"
	"github.com/paularlott/cli"
)

const shutdownTimeout = 10 * time.Second

// ServerConfig holds the components served by RunServer
type ServerConfig struct {
	Config     *config.Config
	APIHandler *api.Handler
	MCPServer  *mcp.Server
	Scheduler  *worker.Scheduler
}

// NewMux builds the HTTP routes and middleware chain
func NewMux(cfg *ServerConfig) http.Handler {
	mux := http.NewServeMux()

	// API routes
	cfg.APIHandler.RegisterRoutes(mux)

	// MCP endpoint
	mux.HandleFunc("/mcp", cfg.MCPServer.GetHTTPHandler())

	// Apply middleware
	var handler http.Handler = mux
	if cfg.Config.IsAPIAuthEnabled() {
		handler = api.AuthMiddleware(cfg.Config.APIAuthToken, handler)
	}
	handler = api.SecurityHeadersMiddleware(handler)
	return api.RequestLogMiddleware(handler)
}

// RunServer serves until ctx is cancelled or a termination signal arrives
func RunServer(ctx context.Context, cfg *ServerConfig) error {
	server := &http.Server{
		Addr:              cfg.Config.ListenAddr,
		Handler:           NewMux(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Handle shutdown gracefully
	go func() {
		<-ctx.Done()
		log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Graceful shutdown failed", "error", err)
			server.Close()
		}
	}()

	if cfg.Scheduler != nil {
		cfg.Scheduler.Start()
		defer cfg.Scheduler.Stop()
	}

	log.Info("Starting vnetd server", "addr", cfg.Config.ListenAddr)
	log.Info("API available", "url", "http://localhost"+cfg.Config.ListenAddr+"/api/")
	log.Info("MCP available", "url", "http://localhost"+cfg.Config.ListenAddr+"/mcp")
	if cfg.Config.IsAPIAuthEnabled() {
		log.Info("API authentication enabled")
	}
	cfg.MCPServer.LogStartup()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("Server error", "error", err)
		return err
	}

	log.Info("Server stopped")
	return nil
}

// Build opens the store, restores the transport pool and wires every
// component. The returned cleanup releases what Build opened.
func Build(ctx context.Context, cfg *config.Config) (*ServerConfig, func(), error) {
	store, err := storage.NewStorage(cfg.StorageBackend, cfg.DataDir, cfg.PostgresDSN)
	if err != nil {
		log.Error("Failed to initialize storage", "error", err, "backend", cfg.StorageBackend)
		return nil, nil, err
	}
	log.Info("Storage initialized", "backend", cfg.StorageBackend, "path", cfg.DataDir)

	pool, err := transport.NewPool(cfg.Pool, store)
	if err != nil {
		store.Close()
		log.Error("Invalid transport pool configuration", "error", err)
		return nil, nil, err
	}
	if err := pool.Restore(ctx); err != nil {
		store.Close()
		log.Error("Failed to restore transport leases", "error", err)
		return nil, nil, err
	}
	poolCfg := pool.Config()
	log.Info("Transport pool ready",
		"address_space", poolCfg.AddressSpace,
		"block_prefix", poolCfg.BlockPrefix,
		"port_start", poolCfg.PortStart, "port_end", poolCfg.PortEnd,
		"links", pool.Stats().BlocksUsed)

	alloc := allocator.New(store, pool)

	workers := worker.NewWorkerPool(cfg.ReconcileWorkers)
	workers.Start()
	reconciler := worker.NewReconciler(store, pool, workers)

	cleanup := func() {
		workers.Stop()
		if err := store.Close(); err != nil {
			log.Error("Failed to close storage", "error", err)
		}
	}

	var scheduler *worker.Scheduler
	if cfg.IsReconcileEnabled() {
		scheduler = worker.NewScheduler()
		if err := scheduler.RegisterTask("reconcile", "Release orphaned transport leases", cfg.ReconcileSchedule, worker.ReconcileTask(reconciler)); err != nil {
			cleanup()
			log.Error("Invalid reconcile schedule", "error", err, "schedule", cfg.ReconcileSchedule)
			return nil, nil, err
		}
	} else {
		log.Info("Scheduled reconcile disabled. Manual runs via the API are still available.")
	}

	return &ServerConfig{
		Config:     cfg,
		APIHandler: api.NewHandler(alloc, reconciler),
		MCPServer:  mcp.NewServer(alloc, cfg.MCPAuthToken),
		Scheduler:  scheduler,
	}, cleanup, nil
}

func Command() *cli.Command {
	return &cli.Command{
		Name:        "server",
		Usage:       "Start the vnetd server",
		Description: "Start the HTTP server with API and MCP endpoints",
		Flags:       config.GetFlags(),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				log.Error("Failed to load configuration", "error", err)
				return err
			}

			log.Info("Configuration loaded", "data_dir", cfg.DataDir, "listen_addr", cfg.ListenAddr, "storage", cfg.StorageBackend)

			serverConfig, cleanup, err := Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			return RunServer(ctx, serverConfig)
		},
	}
}
