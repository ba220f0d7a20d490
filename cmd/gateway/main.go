// Command gateway is the entry point for the Deribit Test trading
// gateway.
//
// Architecture:
//
//	main.go                      — entry point: loads config, starts the coordinator, waits for SIGINT/SIGTERM
//	internal/coordinator         — orchestrator: wires the session, store, and broadcast server together
//	internal/exchange            — upstream venue session: HTTPS JSON-RPC + the persistent duplex channel
//	internal/tradestate          — order/position/order-book caches with read-through venue lookups
//	internal/broadcast           — downstream WebSocket fan-out server
//	internal/latency             — process-wide latency-tracking registry
//
// Argument parsing itself is a thin convenience layer over the config
// loader below; the core gateway behaves identically however it is
// configured.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"deribit-gateway/internal/config"
	"deribit-gateway/internal/coordinator"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("DERIBIT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	applyCLIArgs(cfg, os.Args[1:])

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

	coord := coordinator.New(*cfg, logger)

	if err := coord.Start(context.Background()); err != nil {
		logger.Error("failed to start coordinator", "error", err)
		os.Exit(1)
	}

	logger.Info("deribit gateway started",
		"broadcast_port", cfg.Broadcast.Port,
		"test_mode", cfg.Venue.TestMode,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	coord.Stop()
	coord.Wait()
}

// applyCLIArgs folds the spec's `<program> <api_key> <api_secret> [port]`
// surface onto the loaded config. Argument parsing itself (beyond this
// positional convenience) is out of scope; a deployment that wants flags
// or subcommands wraps this binary rather than extending it.
func applyCLIArgs(cfg *config.Config, args []string) {
	if len(args) >= 1 {
		cfg.Venue.APIKey = args[0]
	}
	if len(args) >= 2 {
		cfg.Venue.APISecret = args[1]
	}
	if len(args) >= 3 {
		if port, err := strconv.Atoi(args[2]); err == nil && port > 0 {
			cfg.Broadcast.Port = port
		}
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
