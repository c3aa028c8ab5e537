package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nous-labs/relay/internal/daemon"
	"github.com/nous-labs/relay/pkg/history"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run is main without the process exit, returning the exit status.
func run(args []string, stdout io.Writer) int {
	// Flags
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.SetOutput(stdout)
	configPath := fs.String("config", "", "Path to config file (default: environment only)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	showVersion := fs.Bool("version", false, "Show version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintf(stdout, "relay %s (%s)\n", version, commit)
		return 0
	}

	// Logger
	lvl := *logLevel
	if lvl == "" {
		lvl = os.Getenv("RELAY_LOG_LEVEL")
	}
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{
		Level: parseLevel(lvl),
	}))
	slog.SetDefault(logger)

	// Load config
	cp := *configPath
	if cp == "" {
		cp = os.Getenv("RELAY_CONFIG_PATH")
	}

	cfg, err := daemon.LoadConfig(cp)
	if err != nil {
		slog.Error("failed to load config", "path", cp, "error", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		if errors.Is(err, daemon.ErrMissingCredential) {
			slog.Error("no credential for platform, refusing to start", "platform", cfg.Platform, "error", err)
		} else {
			slog.Error("invalid config", "error", err)
		}
		return 1
	}

	slog.Info("relay starting",
		"version", version,
		"platform", cfg.Platform,
		"history", cfg.History.Driver,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Schema
	if err := history.Migrate(ctx, cfg.History.Driver, cfg.History.DSN); err != nil {
		slog.Error("failed to initialize history", "driver", cfg.History.Driver, "error", err)
		return 1
	}
	opener, err := history.NewOpener(cfg.History.Driver, cfg.History.DSN)
	if err != nil {
		slog.Error("failed to open history", "error", err)
		return 1
	}

	// Create and start daemon
	d, err := daemon.New(cfg, opener)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return 1
	}

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("daemon error", "error", err)
		return 1
	}

	slog.Info("relay stopped")
	return 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
