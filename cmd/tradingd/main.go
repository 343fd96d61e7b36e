// tradingd runs the trading core as a standalone daemon: load config, open
// the state store, wire every internal component, start the execution
// worker, and run until a shutdown signal arrives.
//
// Architecture:
//
//	main.go                — entry point: loads config, opens the core, waits for SIGINT/SIGTERM
//	pkg/tradecore           — façade wiring store, event bus, risk, guard, fee, receipt, intent, execution, worker
//	internal/config         — YAML config with TRADECORE_* environment overrides
//	internal/store          — single-writer JSON snapshot persistence
//	internal/risk           — pure per-order risk evaluation
//	internal/guard          — stateful per-agent autonomous halt/cooldown
//	internal/fee            — decimal fee computation
//	internal/receipt        — hash-chained, signed execution receipts
//	internal/intent         — idempotent trade intent creation
//	internal/execution      — the intent-to-receipt pipeline
//	internal/worker         — background ticker draining pending intents
package main

import (
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tradecore/internal/config"
	"tradecore/pkg/tradecore"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADECORE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logWriter := io.Writer(os.Stdout)
	if cfg.Paths.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Paths.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Error("failed to open log file", "error", err, "path", cfg.Paths.LogFile)
			os.Exit(1)
		}
		defer logFile.Close()
		logWriter = io.MultiWriter(os.Stdout, logFile)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(logWriter, opts)
	} else {
		handler = slog.NewTextHandler(logWriter, opts)
	}
	logger := slog.New(handler)

	core, err := tradecore.Open(cfg, logger)
	if err != nil {
		logger.Error("failed to open core", "error", err)
		os.Exit(1)
	}

	core.Start()
	logger.Info("tradecore started",
		"data_dir", cfg.Paths.DataDir,
		"worker_interval", cfg.Worker.Interval,
		"worker_batch", cfg.Worker.MaxBatchSize,
		"default_mode", cfg.Trading.DefaultMode,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := core.Shutdown(); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
