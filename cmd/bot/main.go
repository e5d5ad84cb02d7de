// hubtrader — a signal-driven automated trading executor.
//
// The bot follows strategy signals broadcast by an external hub, opens and
// closes spot / cross-margin positions on the exchange, and enforces a set of
// funding and risk policies around every entry.
//
// Architecture:
//
//	main.go              — entry point: .env, config, logger, wiring, SIGINT/SIGTERM
//	engine/              — signal validation, entry/exit pipelines, the three-step
//	                       execute task (borrow → order → repay), startup reconciliation
//	hub/client.go        — websocket feed from the signal hub with auto-reconnect
//	exchange/client.go   — REST gateway: markets, prices, balances, orders, margin loans
//	exchange/virtual.go  — the virtual ledger standing in for the exchange in paper mode
//	queue/queue.go       — single-worker FIFO trade executor with a minimum gap
//	wallet/, funding/    — sizing math and the pluggable long-entry funding models
//	history/history.go   — per-day balance book behind the PnL views
//	store/               — JSON snapshots (coalesced flush) + sqlite transaction journal
//	notify/              — level-filtered notification fan-out (log, telegram)
//	ops/                 — operator HTTP surface (views, stop/start, close, top-up)
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"hubtrader/internal/config"
	"hubtrader/internal/engine"
	"hubtrader/internal/exchange"
	"hubtrader/internal/hub"
	"hubtrader/internal/notify"
	"hubtrader/internal/ops"
	"hubtrader/internal/queue"
	"hubtrader/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("HUB_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logRing := ops.NewLogRing(2000)
	out := io.MultiWriter(os.Stdout, logRing)
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	logger := slog.New(handler)

	auth, err := exchange.NewAuth(cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	if err != nil {
		return err
	}
	ex := exchange.NewClient(cfg.Exchange, cfg.Timing.BalanceSyncDelay, auth, logger)
	hubClient := hub.NewClient(cfg.Hub, logger)

	snaps, err := store.Open(cfg.Store.DataDir, logger)
	if err != nil {
		return err
	}
	translog, err := store.OpenTransLog(filepath.Join(cfg.Store.DataDir, "transactions.db"), cfg.Store.MaxDatabaseRows)
	if err != nil {
		return err
	}
	defer translog.Close()

	notifier := notify.NewHub(notify.ParseLevel(cfg.Notify.MinLevel), logger)
	notifier.Register(notify.NewLogSink(logger))
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != 0 {
		tg, err := notify.NewTelegramSink(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			return fmt.Errorf("telegram sink: %w", err)
		}
		notifier.Register(tg)
		logger.Info("telegram notifications enabled")
	}

	q := queue.New(cfg.Timing.QueueMinInterval, logger)
	eng := engine.New(cfg, ex, hubClient, q, snaps, translog, notifier, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go snaps.Run(ctx)
	go q.Run(ctx)
	go func() {
		if err := hubClient.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("hub connection lost for good", "error", err)
		}
	}()
	go func() {
		_ = eng.Run(ctx, hubClient.Strategies(), hubClient.Signals())
	}()

	var opsServer *ops.Server
	if cfg.Ops.Enabled {
		opsServer = ops.NewServer(cfg.Ops, eng, logRing, logger)
		go func() {
			if err := opsServer.Start(); err != nil {
				logger.Error("ops server failed", "error", err)
			}
		}()
		logger.Info("ops surface started", "url", fmt.Sprintf("http://localhost:%d", cfg.Ops.Port))
	}

	logger.Info("hubtrader started",
		"primary_wallet", cfg.Trading.PrimaryWallet,
		"long_funds", cfg.Trading.LongFunds,
		"margin", cfg.Trading.IsTradeMarginEnabled,
		"shorts", cfg.Trading.IsTradeShortEnabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if opsServer != nil {
		if err := opsServer.Stop(); err != nil {
			logger.Error("failed to stop ops server", "error", err)
		}
	}
	hubClient.Close()
	cancel()
	snaps.FlushAll()
	// Non-zero exit so a supervisor restarts the process.
	return fmt.Errorf("terminated by %s", sig)
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
