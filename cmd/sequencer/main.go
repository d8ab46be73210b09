package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/satnam2609/exchange/internal/config"
	"github.com/satnam2609/exchange/internal/sequencer"
	"github.com/satnam2609/exchange/pkg/observability"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s SYMBOL\n", os.Args[0])
		os.Exit(1)
	}
	symbol := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability).WithSymbol(symbol)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics, err := observability.NewMetricsProvider(observability.MetricsConfig{
		ServiceName:    "sequencer",
		ServiceVersion: "1.0.0",
		Namespace:      "exchange",
		Enabled:        cfg.Observability.Metrics,
	})
	if err != nil {
		logger.Error(ctx, "failed to create metrics provider", err)
		os.Exit(1)
	}
	defer metrics.Shutdown(context.Background())

	seq, err := sequencer.New(symbol, cfg, logger, metrics)
	if err != nil {
		logger.Error(ctx, "failed to create sequencer", err)
		os.Exit(1)
	}
	defer seq.Close()

	if err := seq.Run(ctx); err != nil {
		logger.Error(ctx, "sequencer terminated", err)
		os.Exit(1)
	}
}
