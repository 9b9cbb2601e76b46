// Groww Trader — an automated equity-trading control plane for the Groww
// broker API, with layered risk limits, a global kill switch, and durable
// good-till-triggered (GTT) orders.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires kill switch → risk gate → broker, owns all goroutines
//	broker/client.go     — broker facade: paper-mode gate, rate limiting, retry, response normalization
//	broker/sdk.go        — REST adapter for the Groww API (one network call per method)
//	broker/auth.go       — token cache with TTL and single-retry refresh
//	broker/ratelimit.go  — per-category sliding-window limiters (orders / live data / non-trading)
//	risk/manager.go      — order validation against soft limits and immutable hard limits
//	risk/killswitch.go   — global lockout with automatic trip conditions and gated recovery
//	gtt/store.go         — SQLite-backed GTT persistence with lifecycle enforcement
//	gtt/monitor.go       — background price polling that fires triggered GTTs
//	gtt/executor.go      — routes triggered GTTs through the same pipeline as manual orders
//	market/hours.go      — NSE session calendar (pre-open / regular / post-close, IST)
//
// Safety model:
//
//	Orders pass three independent gates before the wire: the kill switch
//	(global halt), the risk manager (soft limits the operator tunes, hard
//	limits no document can raise), and the broker facade's own validation.
//	Paper mode is the default; live trading requires FORCE_PAPER_MODE=0
//	plus trading.mode: live, so real money needs two deliberate steps.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"groww-trader/internal/config"
	"groww-trader/internal/engine"
)

func main() {
	// Credentials usually live in .env during development. Absence is fine.
	_ = godotenv.Load()

	defaultPath := "configs/default_config.yaml"
	if p := os.Getenv("GROWW_CONFIG"); p != "" {
		defaultPath = p
	}

	cfg, err := config.Load(defaultPath, "config.local.yaml", "configs/trading_limits.yaml")
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", defaultPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.Trading.PaperMode() {
		logger.Warn("PAPER MODE — orders are simulated, nothing reaches the exchange")
	}

	logger.Info("groww trader started",
		"mode", cfg.Trading.Mode,
		"exchange", cfg.Trading.Exchange,
		"max_daily_loss", cfg.Risk.MaxDailyLoss,
		"max_open_positions", cfg.Risk.MaxOpenPositions,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

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
