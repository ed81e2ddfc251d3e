// Fact Memory Kernel main entry point
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fact-memory-kernel/internal/config"
	"github.com/fact-memory-kernel/internal/kernel"
	"github.com/fact-memory-kernel/internal/server"
)

func main() {
	// Load configuration from the optional file and the environment
	cfg, err := config.Load(os.Getenv("KERNEL_CONFIG"))
	if err != nil {
		panic(err)
	}

	// Initialize logger
	zcfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, _ := zcfg.Build()
	defer logger.Sync()

	logger.Info("Starting Fact Memory Kernel")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	k, err := kernel.Build(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal("Failed to create kernel", zap.Error(err))
	}

	// Durable workflows
	var workflows server.Workflows
	if cfg.WorkflowEnabled {
		ws, err := kernel.NewWorkflowService(k, kernel.WorkflowConfig{
			AppID:      cfg.InngestAppID,
			EventKey:   cfg.InngestEventKey,
			SigningKey: cfg.InngestSigningKey,
			Logger:     logger,
		})
		if err != nil {
			logger.Fatal("Failed to create workflow service", zap.Error(err))
		}
		workflows = ws
		logger.Info("Workflow endpoint mounted", zap.String("path", server.WorkflowPath))
	}

	// Setup HTTP API
	api := server.New(k, server.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.HTTPRateLimit,
		Burst:          cfg.HTTPBurst,
		Workflows:      workflows,
	}, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // bulk processing runs inside the request
	}

	go func() {
		logger.Info("HTTP server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	api.Close()
	if err := k.Close(); err != nil {
		logger.Warn("Kernel close failed", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
