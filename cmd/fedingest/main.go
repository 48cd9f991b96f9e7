// Command fedingest is a federation object-resolution and ingestion server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/umipu/fedingest/config"
	"github.com/umipu/fedingest/server"
	"github.com/umipu/fedingest/telemetry"
)

var version = "dev"

var cli struct {
	Config    string           `help:"Path to the configuration file." default:"fedingest.yaml"`
	LogLevel  string           `help:"Log level." default:"info" enum:"debug,info,warn,error"`
	LogFormat string           `help:"Log format." default:"text" enum:"text,json"`
	Version   kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("fedingest"),
		kong.Description("Federation object-resolution and ingestion server."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run())
}

func run() error {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	switch cli.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsShutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "fedingest",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.EnablePrometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsShutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:               cfg.Server.Address,
		AuthToken:             cfg.Server.AuthToken,
		Origin:                cfg.Origin,
		DBPath:                cfg.Storage.DBPath,
		LockPath:              cfg.Storage.LockPath,
		FetchTimeout:          cfg.Fetch.Timeout,
		UserAgent:             cfg.Fetch.UserAgent,
		KeyRefreshWindow:      cfg.Resolver.KeyRefreshWindow,
		ActorRefreshAfter:     cfg.Resolver.ActorRefreshAfter,
		BlockedHosts:          cfg.Ingest.BlockedHosts,
		MaxDepth:              cfg.Ingest.MaxDepth,
		AttachmentConcurrency: cfg.Ingest.AttachmentConcurrency,
		LockLease:             cfg.Lock.Lease,
		LockSweepInterval:     cfg.Lock.SweepInterval,
		RelayURL:              cfg.Bus.RelayURL,
		Logger:                logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started", "address", srv.Address(), "origin", cfg.Origin, "version", version)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
