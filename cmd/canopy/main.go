// Package main implements the entry point for the Canopy aggregation
// server. Canopy receives telemetry from greenhouse controller devices,
// persists it, keeps a tiered cache of current values and republishes
// events for downstream consumers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/canopyhq/canopy/config"
	"github.com/canopyhq/canopy/service"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "canopy"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.LogLevel != "" {
		cfg.LogLevel = cliCfg.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := setupLogger(cfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting Canopy",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	agg, err := service.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create aggregator: %w", err)
	}

	ctx := context.Background()
	if err := agg.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize aggregator: %w", err)
	}
	if err := agg.Start(ctx); err != nil {
		return fmt.Errorf("start aggregator: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig.String())

	if err := agg.Stop(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("Shutdown complete")
	return nil
}
