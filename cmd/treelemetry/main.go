// Package main implements the entry point for the treelemetry daemon.
// Treelemetry ingests MQTT telemetry into SQLite, mirrors cloud sensor
// readings, and publishes aggregate JSON documents during the season.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/sbma44/treelemetry/app"
	"github.com/sbma44/treelemetry/config"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "treelemetry"
)

func main() {
	// Add panic recovery
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
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	orchestrator, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	return runWithSignalHandling(orchestrator)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting treelemetry",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads .env, then the config file, then
// applies environment overrides and validates the result.
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	if err := godotenv.Load(cliCfg.EnvFile); err != nil {
		// A missing .env file is normal in deployments that set real
		// environment variables.
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", cliCfg.EnvFile, err)
		}
		slog.Debug("No env file found, relying on environment", "path", cliCfg.EnvFile)
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// runWithSignalHandling runs the orchestrator until SIGINT or SIGTERM
func runWithSignalHandling(orchestrator *app.Orchestrator) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := orchestrator.Run(signalCtx); err != nil {
		return fmt.Errorf("run orchestrator: %w", err)
	}

	slog.Info("treelemetry shutdown complete")
	return nil
}

// printHelp prints help information
func printHelp() {
	printDetailedHelp()
}
