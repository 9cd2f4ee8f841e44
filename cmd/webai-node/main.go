package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/webai/webai/internal/agent/openai"
	"github.com/webai/webai/internal/browser"
	"github.com/webai/webai/internal/common/config"
	"github.com/webai/webai/internal/common/logger"
	"github.com/webai/webai/internal/events"
	"github.com/webai/webai/internal/events/bus"
	"github.com/webai/webai/internal/model"
	"github.com/webai/webai/internal/node/api"
	"github.com/webai/webai/internal/task/engine"
	"github.com/webai/webai/internal/task/store"
	"github.com/webai/webai/internal/trust"
	"github.com/webai/webai/internal/vnc"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(config.ExitInvalidConfig)
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

	log.Info("Starting webai node...",
		zap.String("node_id", cfg.Node.ID),
		zap.String("node_name", cfg.Node.Name),
		zap.String("version", version))

	// 3. Load the trusted head keys. A node that requires auth but has no
	// keys and no way to enroll one can never serve a request.
	keyring, err := trust.NewKeyring(cfg.Node.HeadPublicKeys, filepath.Join(cfg.Node.DataRoot, "keys"), log)
	if err != nil {
		log.Error("Failed to load trusted head keys", zap.Error(err))
		os.Exit(config.ExitNoTrust)
	}
	if cfg.Node.RequireAuth && keyring.Empty() && cfg.Node.EnrollToken == "" {
		log.Error("Authentication is required but no head keys are trusted and enrollment is disabled")
		os.Exit(config.ExitNoTrust)
	}
	verifier := trust.NewVerifier(keyring, trust.NewNonceCache(0, 0))
	log.Info("Loaded trusted head keys", zap.Int("trusted_keys", keyring.Len()))

	// 4. Open the task store
	st, err := store.NewFileStore(cfg.Node.DataRoot, log)
	if err != nil {
		log.Fatal("Failed to open task store", zap.Error(err))
	}

	// 5. Connect the event bus (in-memory unless EVENT_BUS_URL is set)
	eventBus, err := bus.New(cfg.Events.BusURL, cfg.Node.ID, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()
	publisher := events.NewPublisher(eventBus, cfg.Node.ID, log)
	notifier, err := events.StartNotificationLogger(eventBus, log)
	if err != nil {
		log.Fatal("Failed to start the event notification logger", zap.Error(err))
	}
	defer notifier.Stop()

	// 6. Select the browser session backend. Docker gets a daemon check
	// plus a sweep for containers orphaned by a previous process: sessions
	// never survive a restart, so anything labeled ours is stale.
	browsers, err := browser.New(cfg.Browser, log)
	if err != nil {
		log.Fatal("Failed to initialize browser backend", zap.Error(err))
	}
	if dm, ok := browsers.(*browser.DockerManager); ok {
		bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := dm.Ping(bootCtx); err != nil {
			bootCancel()
			log.Fatal("Docker daemon is not reachable", zap.Error(err))
		}
		if err := dm.Reap(bootCtx); err != nil {
			log.Warn("Failed to reap orphaned browser containers", zap.Error(err))
		}
		bootCancel()
		defer dm.CloseClient()
	}
	log.Info("Browser backend ready", zap.String("backend", cfg.Browser.Backend))

	// 7. Build the agent runner, model catalog, and VNC broker
	catalog := model.NewCatalog(cfg.Agent.Model)
	runner := openai.NewRunner(cfg.Agent, log)
	broker := vnc.NewBroker(log)

	// 8. Start the task engine
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.New(engine.Deps{
		Node:     cfg.Node,
		Agent:    cfg.Agent,
		Store:    st,
		Runner:   runner,
		Browsers: browsers,
		Broker:   broker,
		Catalog:  catalog,
		Events:   publisher,
		Logger:   log,
	})
	if err := eng.Start(ctx); err != nil {
		log.Fatal("Failed to start task engine", zap.Error(err))
	}
	log.Info("Task engine started")

	// 9. Build the HTTP router
	router := api.NewRouter(api.Deps{
		Engine:   eng,
		Proxy:    vnc.NewProxy(eng, log),
		Verifier: verifier,
		Keyring:  keyring,
		Node:     cfg.Node,
		Agent:    cfg.Agent,
		Catalog:  catalog,
		Logger:   log,
		Version:  version,
	})

	// 10. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 11. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 12. Reload the keyring on SIGHUP; shut down on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		if sig != syscall.SIGHUP {
			break
		}
		if err := keyring.Reload(); err != nil {
			log.Error("Keyring reload failed", zap.Error(err))
			continue
		}
		log.Info("Keyring reloaded", zap.Int("trusted_keys", keyring.Len()))
	}

	log.Info("Shutting down webai node...")

	// 13. Stop taking requests first
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 14. Shut the engine down before tearing down its context so active
	// runs are recorded as interrupted by shutdown, not failed
	eng.Shutdown()
	cancel()

	log.Info("webai node stopped")
}
