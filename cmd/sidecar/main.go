// Hyperliquid Sidecar — order lifecycle tracking and notifications for a
// browser trading UI, sitting between the UI and the Hyperliquid exchange.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires feed → tracker/reconciler/router → notifier
//	exchange/client.go    — rate-limited info API client with retries and a circuit breaker
//	exchange/signer.go    — EIP-712 order signing with the client's one-shot key
//	exchange/ws.go        — single upstream websocket with auto-reconnect and replay
//	order/machine.go      — order state machine (pending → open → filled/cancelled/…)
//	tracker/tracker.go    — hybrid tracking: push events with a polling fallback
//	reconciler/           — position snapshot diffs: opened/closed/PnL thresholds
//	router/router.go      — fans upstream frames out to downstream websocket clients
//	notify/               — Telegram delivery gated by per-user settings
//	linkstore/            — JSON file persistence for chat links (survives restarts)
//	api/server.go         — HTTP surface: signing, tracking, links, metrics, /ws
//
// The sidecar never submits orders itself: it signs them for the browser to
// submit, then follows their fate through the exchange's push and poll
// surfaces and tells the user what happened.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"hyperliquid-sidecar/internal/config"
	"hyperliquid-sidecar/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("HS_CONFIG"); p != "" {
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

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("hyperliquid sidecar started",
		"addr", cfg.Server.Host, "port", cfg.Server.Port,
		"exchange", cfg.Exchange.BaseURL,
		"testnet", cfg.Exchange.Testnet,
	)

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
