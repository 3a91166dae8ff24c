// Package main is the entry point for the ADU agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/contoso/adu-agent/internal/agentcore"
	"github.com/contoso/adu-agent/internal/buildinfo"
	"github.com/contoso/adu-agent/internal/config"
)

func main() {
	fs := flag.NewFlagSet("aduagent", flag.ContinueOnError)

	healthCheck := fs.Bool("health-check", false, "run startup checks and exit")
	logLevel := fs.Int("log-level", 1, "verbosity 0 (warn) .. 3 (trace)")
	enableIoTHubTracing := fs.Bool("enable-iothub-tracing", false, "enable wire-level MQTT tracing")
	connectionString := fs.String("connection-string", "", "device connection string")
	registerExtension := fs.String("register-extension", "", "path to an extension binary to register")
	extensionType := fs.String("extension-type", "", "extension type, used with --register-extension")
	extensionID := fs.String("extension-id", "", "extension id, used with --register-extension")
	command := fs.String("command", "", "send an IPC command to a running agent")
	configFolder := fs.String("config-folder", "", "folder containing config.yaml")
	runAsOwner := fs.Bool("run-as-owner", false, "run with the config file owner's privileges")
	version := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(-1)
	}

	if *version {
		fmt.Println(buildinfo.String())
		os.Exit(0)
	}

	// An unrecognized trailing argument is treated as a connection string
	// (spec section 6).
	if *connectionString == "" && fs.NArg() > 0 {
		*connectionString = fs.Arg(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.LevelFromVerbosity(*logLevel),
	}))

	if *command != "" {
		logger.Error("--command IPC to a running agent is not implemented by this binary; see SPEC_FULL.md")
		os.Exit(1)
	}

	if *registerExtension != "" {
		if *extensionType == "" || *extensionID == "" {
			logger.Error("--register-extension requires --extension-type and --extension-id")
			os.Exit(1)
		}
		logger.Warn("extension registration is not implemented by this binary; see SPEC_FULL.md",
			"path", *registerExtension, "type", *extensionType, "id", *extensionID)
		os.Exit(1)
	}

	cfgPath, err := config.FindConfig(*configFolder)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if *connectionString != "" {
		cfg.ConnectionType = config.ConnectionString
		cfg.ConnectionData = *connectionString
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	if *enableIoTHubTracing {
		logger = logger.With("trace", "wire")
	}

	if *runAsOwner {
		logger.Info("run-as-owner requested; no privilege drop performed by this build")
	}

	logger.Info("starting adu-agent", "version", buildinfo.Version, "config", cfgPath)

	core, err := agentcore.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize agent core", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	if *healthCheck {
		if err := core.HealthCheck(); err != nil {
			logger.Error("health check failed", "error", err)
			os.Exit(1)
		}
		logger.Info("health check passed")
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGUSR1:
				logger.Info("restart signal received")
				if err := core.RequestRestart(); err != nil {
					logger.Error("failed to record restart request", "error", err)
				}
				cancel()
				return
			default:
				logger.Info("shutdown signal received", "signal", sig)
				cancel()
				return
			}
		}
	}()

	if err := core.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("agent core stopped", "error", err)
		os.Exit(1)
	}

	logger.Info("adu-agent stopped")
}
