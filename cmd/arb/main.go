// crossarb — an online cross-venue spot arbitrage engine.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: stream → detector → executor, lifecycle and recovery
//	symbol/symbol.go     — canonical symbol model with per-venue renderings and quote families
//	venue/               — REST adapters for nobitex, wallex, tabdeal, invex and kucoin
//	stream/stream.go     — polls order books per (venue, symbol) pair, caches latest snapshots
//	detector/detector.go — scans snapshot sets for fee-adjusted cross-venue price gaps
//	risk/manager.go      — pre-trade gate: breakers, position, loss and balance checks
//	executor/executor.go — dual-leg execution protocol with polling and compensation
//	journal/             — append-only postgres trade journal (live, paper or dry-run)
//	monitor/             — read-only HTTP surface: health, snapshot, metrics, WebSocket feed
//	store/store.go       — JSON file persistence for the risk ledger (survives restarts)
//
// How it makes money:
//
//	The engine watches the same spot pair on several venues at once. When
//	the best bid on one venue exceeds the best ask on another by more than
//	both venues' fees and the configured floors, it buys on the cheap venue
//	and sells on the expensive one simultaneously, capturing the gap.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"crossarb/internal/config"
	"crossarb/internal/engine"
	"crossarb/internal/monitor"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var mon *monitor.Server
	if cfg.Monitor.Enabled {
		mon = monitor.NewServer(cfg.Monitor, eng, logger)
		go func() {
			if err := mon.Start(); err != nil {
				logger.Error("monitor server failed", "error", err)
			}
		}()
		logger.Info("monitor started", "url", fmt.Sprintf("http://localhost:%d", cfg.Monitor.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.Journal.Mode != "live" {
		logger.Warn("journal not in live mode", "mode", cfg.Journal.Mode)
	}

	logger.Info("crossarb started",
		"symbols", cfg.Trading.Symbols,
		"min_spread_percent", cfg.Trading.MinSpreadPercent,
		"min_profit_reference", cfg.Trading.MinProfitReference,
		"journal_mode", cfg.Journal.Mode,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Monitor first so no reads land on a half-stopped engine.
	if mon != nil {
		if err := mon.Stop(); err != nil {
			logger.Error("failed to stop monitor", "error", err)
		}
	}

	eng.Stop()
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
