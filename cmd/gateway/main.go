package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/EventaLabs/wa-gateway/internal/config"
	"github.com/EventaLabs/wa-gateway/internal/engine/whatsapp"
	"github.com/EventaLabs/wa-gateway/internal/orchestrator"
	"github.com/EventaLabs/wa-gateway/internal/server"
)

const version = "0.1.0"

const shutdownTimeout = 10 * time.Second

var (
	configFile   string
	debug        bool
	printVersion bool
)

func main() {
	root := &cobra.Command{
		Use:          "gateway",
		Short:        "WhatsApp session gateway",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if printVersion {
				fmt.Println("wa-gateway v" + version)
				return nil
			}
			return run()
		},
	}

	root.Flags().StringVar(&configFile, "config", "", "Path to config file")
	root.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.Flags().BoolVar(&printVersion, "version", false, "Print version and exit")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if debug || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting wa-gateway",
		"version", version,
		"addr", cfg.Server.Addr,
		"creation_concurrency", cfg.Creation.Concurrency,
		"tokens_dir", cfg.Storage.TokensDir,
	)

	eng := whatsapp.NewEngine(cfg.Logging.EngineLevel)

	orch := orchestrator.New(eng, orchestrator.Options{
		Concurrency:             cfg.Creation.Concurrency,
		CredentialWaitTimeout:   time.Duration(cfg.Pairing.WaitTimeoutSeconds) * time.Second,
		CredentialTTL:           time.Duration(cfg.Pairing.CredentialTTLSeconds) * time.Second,
		CredentialSweepInterval: config.DefaultCredentialSweepInterval,
		TokensDir:               cfg.Storage.TokensDir,
	}, logger)
	orch.Start()
	defer orch.Stop()

	srv := server.New(orch, cfg.Server.Addr, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return err
	}

	logger.Info("shutdown complete")
	return nil
}
