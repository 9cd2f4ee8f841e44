package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/webai/webai/internal/common/config"
	"github.com/webai/webai/internal/common/logger"
	"github.com/webai/webai/internal/head"
	"github.com/webai/webai/internal/head/api"
	"github.com/webai/webai/internal/trust"
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

	log.Info("Starting webai head...", zap.String("version", version))

	// 3. Parse the node registry
	entries, err := cfg.Head.ParseNodes()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid HEAD_NODES: %v\n", err)
		os.Exit(config.ExitInvalidConfig)
	}
	registry := head.NewRegistry(entries)
	if registry.Len() == 0 {
		log.Warn("No nodes configured; set HEAD_NODES to route tasks")
	} else {
		log.Info("Loaded node registry", zap.Int("nodes", registry.Len()))
	}

	// 4. Load or create the head's signing keypair. Without it the head
	// cannot sign a single node request.
	priv, pub, err := trust.EnsureKeypair(cfg.Head.KeyDir)
	if err != nil {
		log.Error("Failed to load head signing keypair", zap.Error(err))
		os.Exit(config.ExitNoTrust)
	}
	signer := trust.NewSigner(priv)
	pubPEM, err := trust.EncodePublicKeyPEM(pub)
	if err != nil {
		log.Error("Failed to encode head public key", zap.Error(err))
		os.Exit(config.ExitNoTrust)
	}
	log.Info("Head signing key ready", zap.String("key_id", signer.KeyID()))

	// 5. Build the router over the signed node client
	client := head.NewClient(signer, log)
	router := head.NewRouter(registry, client, cfg.Head, log)

	// 6. Build the HTTP surface
	handler := api.NewRouter(api.Deps{
		Router:    router,
		PublicKey: string(pubPEM),
		KeyID:     signer.KeyID(),
		Head:      cfg.Head,
		Logger:    log,
	})

	// 7. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Head.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 8. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Head.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down webai head...")

	// 10. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("webai head stopped")
}
