package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/config"
	"github.com/agentboard/agentboard/internal/common/constants"
	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/events"
	"github.com/agentboard/agentboard/internal/gateway"
	"github.com/agentboard/agentboard/internal/gateway/rpc"
	"github.com/agentboard/agentboard/internal/ledger/repository"
	"github.com/agentboard/agentboard/internal/orchestrator/api"
	"github.com/agentboard/agentboard/internal/orchestrator/child"
	"github.com/agentboard/agentboard/internal/orchestrator/credentials"
	"github.com/agentboard/agentboard/internal/orchestrator/gitclean"
	"github.com/agentboard/agentboard/internal/orchestrator/loop"
	"github.com/agentboard/agentboard/internal/orchestrator/streaming"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Agentboard orchestrator...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the task ledger
	var ledger repository.Repository
	if cfg.Ledger.Path != "" {
		ledger, err = repository.NewSQLiteRepository(cfg.Ledger.Path)
		if err != nil {
			log.Fatal("Failed to open task ledger", zap.Error(err))
		}
		log.Info("Opened task ledger", zap.String("path", cfg.Ledger.Path))
	} else {
		ledger = repository.NewMemoryRepository()
		log.Warn("Using in-memory task ledger, state is lost on restart")
	}
	defer ledger.Close()

	// 5. Connect the event bus (NATS, or in-memory when unconfigured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 6. Connect to the gateway daemon when configured
	var gatewayClient *gateway.Client
	if cfg.Gateway.URL != "" {
		transport, err := rpc.DialWS(cfg.Gateway.URL, log)
		if err != nil {
			log.Fatal("Failed to connect to gateway", zap.String("url", cfg.Gateway.URL), zap.Error(err))
		}
		gatewayClient = gateway.NewClient(transport, cfg.Gateway.CallTimeoutDuration(), log)
		defer gatewayClient.Close()
		log.Info("Connected to gateway", zap.String("url", cfg.Gateway.URL))
	} else {
		log.Warn("No gateway URL configured, auxiliary RPC queries disabled")
	}

	// 7. Resolve credentials forwarded to agent children
	credsMgr := credentials.NewManager(log)
	credsMgr.AddProvider(credentials.NewEnvProvider("AGENTBOARD_"))
	agentEnv, err := credsMgr.AgentEnv(ctx)
	if err != nil {
		log.Warn("Failed to resolve agent credentials", zap.Error(err))
	}

	// 8. Initialize the child process manager
	children := child.NewManager(child.Config{
		AgentBinary: cfg.Gateway.AgentBinary,
		KillGrace:   cfg.Orchestrator.KillGraceDuration(),
		ExtraEnv:    agentEnv,
	}, log)

	// 9. Initialize the cleanup engine when a repository is configured
	var cleaner loop.Cleaner
	if cfg.Repo.Path != "" {
		cleaner = gitclean.NewEngine(gitclean.Config{
			RepoPath:          cfg.Repo.Path,
			TrunkBranch:       cfg.Repo.TrunkBranch,
			Remote:            cfg.Repo.Remote,
			ProtectedBranches: cfg.Repo.ProtectedBranches,
		}, log)
		log.Info("Repository cleanup enabled",
			zap.String("path", cfg.Repo.Path),
			zap.String("trunk", cfg.Repo.TrunkBranch))
	} else {
		log.Info("No repository configured, cleanup phase disabled")
	}

	// 10. Start the work loop
	controller := loop.NewController(loop.Config{
		Interval:         cfg.Orchestrator.IntervalDuration(),
		CleanupEvery:     cfg.Orchestrator.CleanupEvery,
		MaxAgents:        cfg.Orchestrator.MaxAgents,
		ProjectMaxAgents: cfg.Orchestrator.ProjectMaxAgents,
		StaleThreshold:   cfg.Orchestrator.StaleThresholdDuration(),
		RetryLimit:       cfg.Orchestrator.RetryLimit,
		RetryDelay:       cfg.Orchestrator.RetryDelayDuration(),
		QueueSize:        cfg.Orchestrator.QueueSize,
	}, ledger, children, cleaner, provided.Bus, log)

	if err := controller.Start(ctx); err != nil {
		log.Fatal("Failed to start work loop", zap.Error(err))
	}

	// 11. Start the event feed
	hub := streaming.NewHub(provided.Bus, log)
	if err := hub.Start(); err != nil {
		log.Fatal("Failed to start streaming hub", zap.Error(err))
	}

	// 12. Setup the status API
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	var pinger api.GatewayPinger
	if gatewayClient != nil {
		pinger = gatewayClient
	}
	handler := api.NewHandler(controller, ledger, pinger, hub, log)
	api.SetupRoutes(router, handler, cfg.Server.RateLimit, log)

	// 13. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 14. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 15. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down orchestrator...")

	// 16. Graceful shutdown: stop the loop first so no new children spawn,
	// then let the child manager terminate what is still running.
	controller.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	hub.Stop()
	children.Close()

	log.Info("Orchestrator stopped")
}
