// Command hopscotch-watcher runs the watcher daemon on its own. The binary
// is separate from the hopscotch CLI so deployments can keep the supervisor
// pinned to a known build while the agent rewrites everything else.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kilupskalvis/hopscotch/internal/config"
	"github.com/kilupskalvis/hopscotch/internal/watcher"
)

func main() {
	root := flag.String("root", os.Getenv(config.EnvRoot), "Supervision root (default: walk up from the current directory)")
	logLevel := flag.String("log-level", envOrDefault("HOPSCOTCH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", envOrDefault("HOPSCOTCH_LOG_FORMAT", "json"), "Log format (json, text)")
	flag.Parse()

	// Setup logger
	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	var cfg *config.Config
	var err error
	if *root != "" {
		cfg, err = config.LoadFrom(*root)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting hopscotch-watcher", "root", cfg.Root())

	w := watcher.New(cfg, logger)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("watcher error", "error", err)
		os.Exit(1)
	}

	logger.Info("watcher stopped")
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
