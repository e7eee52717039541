package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"reid/internal/cli"
	"reid/internal/config"
	"reid/internal/logging"
	"reid/internal/metrics"
	"reid/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}

	logger, closeLog, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		return 1
	}
	defer closeLog()

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0o755); err != nil {
		logger.Error("cannot create ledger directory", "path", cfg.Paths.DatabasePath, "error", err)
		return 1
	}
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Error("cannot open run ledger", "path", cfg.Paths.DatabasePath, "error", err)
		return 1
	}
	defer store.Close()

	recorder := metrics.New()
	root, err := cli.NewRoot(cfg, logger, store, recorder)
	if err != nil {
		logger.Error("invalid layout conventions", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmdErr := cli.NewRootCmd(root).ExecuteContext(ctx)
	if err := root.Finish(); err != nil {
		logger.Warn("metrics textfile write failed", "path", cfg.Metrics.Textfile, "error", err)
	}
	if cmdErr != nil {
		logger.Error("command failed", "error", cmdErr)
		return 1
	}
	return 0
}
