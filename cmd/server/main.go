package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/codebuildervaibhav/media-toolkit/internal/cleanup"
	"github.com/codebuildervaibhav/media-toolkit/internal/config"
	"github.com/codebuildervaibhav/media-toolkit/internal/handlers"
	"github.com/codebuildervaibhav/media-toolkit/internal/logging"
	"github.com/codebuildervaibhav/media-toolkit/internal/processing"
	"github.com/codebuildervaibhav/media-toolkit/internal/queue"
	"github.com/codebuildervaibhav/media-toolkit/internal/storage"
	"github.com/codebuildervaibhav/media-toolkit/internal/upload"
	"github.com/codebuildervaibhav/media-toolkit/internal/webhook"
	"github.com/codebuildervaibhav/media-toolkit/internal/workspace"
)

// shutdownTimeout bounds draining in-flight jobs and webhooks on exit
const shutdownTimeout = 30 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "media-toolkit",
		Short:        "Media processing API with background job queues",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "Path to the YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server and job workers",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(configPath)
			},
		},
		sweepCmd(&configPath),
		statusCmd(&configPath),
		driveAuthCmd(&configPath),
	)
	return root
}

// setup loads the config and builds the logger every command uses
func setup(configPath string) (*config.Config, *logrus.Logger, *logging.LogBuffer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, logs := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		BufferLines: cfg.Logging.BufferLines,
	})
	return cfg, logger, logs, nil
}

func serve(configPath string) error {
	cfg, logger, logs, err := setup(configPath)
	if err != nil {
		return err
	}

	logger.Info("Initializing components...")

	ws, err := workspace.NewManager(cfg.Storage.Root, logger)
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	ledger, err := storage.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open job ledger: %w", err)
	}
	defer ledger.Close()

	uploader, err := upload.New(context.Background(), cfg, logger)
	if err != nil {
		return err
	}

	registry := processing.NewRegistry()
	processing.NewToolkit(processing.Tools{
		FFmpeg:       cfg.Tools.FFmpeg,
		FFprobe:      cfg.Tools.FFprobe,
		Python:       cfg.Tools.Python,
		WhisperModel: cfg.Tools.WhisperModel,
		ChromePath:   cfg.Tools.ChromePath,
	}, logger).Register(registry)

	notifier := webhook.NewNotifier(webhook.Options{
		Timeout: cfg.Webhook.Timeout,
		Retry: webhook.RetryConfig{
			MaxAttempts:       cfg.Webhook.MaxAttempts,
			InitialBackoff:    cfg.Webhook.InitialBackoff,
			MaxBackoff:        cfg.Webhook.MaxBackoff,
			BackoffMultiplier: 2.0,
			JitterFraction:    0.1,
		},
	}, logger)

	broker := queue.NewBroker()
	dispatcher := queue.New(queue.Options{
		Registry:       registry,
		Ledger:         ledger,
		Workspace:      ws,
		Uploader:       uploader,
		Notifier:       notifier,
		Broker:         broker,
		Settings:       cfg.FamilySettings,
		MaxQueueLength: cfg.Queue.MaxQueueLength,
	}, logger)

	// Jobs left unfinished by a previous run are re-queued before new ones arrive
	if n, err := dispatcher.Recover(context.Background()); err != nil {
		logger.WithError(err).Warn("Failed to recover unfinished jobs")
	} else if n > 0 {
		logger.Infof("Recovered %d unfinished jobs", n)
	}
	dispatcher.Start()

	scheduler := cleanup.NewScheduler(cleanup.Config{
		FileInterval:   cfg.Cleanup.FileInterval,
		FileTTL:        cfg.Cleanup.FileTTL,
		LedgerInterval: cfg.Cleanup.LedgerInterval,
		LedgerTTL:      cfg.Cleanup.LedgerTTL,
	}, ws, ledger, logger)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start cleanup scheduler: %w", err)
	}
	defer scheduler.Stop()

	// Local uploads are served back under /static
	var staticDir string
	if cfg.Upload.Provider == config.ProviderLocal {
		staticDir = filepath.Join(cfg.Storage.Root, cfg.Storage.OutputDir)
	}

	app := handlers.NewApp(handlers.Deps{
		APIKey:      cfg.Auth.APIKey,
		Dispatcher:  dispatcher,
		Registry:    registry,
		Ledger:      ledger,
		Broker:      broker,
		Uploader:    uploader,
		Logs:        logs,
		StaticDir:   staticDir,
		BodyLimitMB: cfg.Server.BodyLimitMB,
		Logger:      logger,
	})

	addr := cfg.Addr()
	logger.Infof("Server starting on %s", addr)
	logger.Info("Endpoints:")
	for _, r := range handlers.Routes {
		logger.Infof("   POST %-32s %s", r.Path, r.Operation)
	}
	logger.Info("   GET  /v1/job/:job_id/status")
	logger.Info("   GET  /v1/toolkit/jobs/stream (websocket)")
	logger.Info("   GET  /health")

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-sigint:
	}

	logger.Info("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}
	if err := dispatcher.Stop(ctx); err != nil {
		logger.WithError(err).Warn("Workers did not finish before the deadline")
	}
	if err := notifier.Wait(ctx); err != nil {
		logger.WithError(err).Warn("Webhook deliveries still pending at exit")
	}
	logger.Info("Shutdown complete")
	return nil
}
