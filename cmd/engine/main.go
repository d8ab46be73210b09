package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/satnam2609/exchange/internal/config"
	"github.com/satnam2609/exchange/internal/engine"
	"github.com/satnam2609/exchange/internal/marketdata"
	"github.com/satnam2609/exchange/internal/mmq"
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
		ServiceName:    "matching-engine",
		ServiceVersion: "1.0.0",
		Namespace:      "exchange",
		Enabled:        cfg.Observability.Metrics,
	})
	if err != nil {
		logger.Error(ctx, "failed to create metrics provider", err)
		os.Exit(1)
	}
	defer metrics.Shutdown(context.Background())

	// The sequencer creates the queue files; the engine only maps them.
	inbound, err := mmq.Open(mmq.QueuePath(cfg.Queue.Dir, symbol, "inbound"))
	if err != nil {
		logger.Error(ctx, "failed to open inbound queue", err)
		os.Exit(1)
	}
	defer inbound.Close()
	outbound, err := mmq.Open(mmq.QueuePath(cfg.Queue.Dir, symbol, "outbound"))
	if err != nil {
		logger.Error(ctx, "failed to open outbound queue", err)
		os.Exit(1)
	}
	defer outbound.Close()

	var feed *marketdata.Publisher
	if cfg.MarketData.Enabled {
		feed = marketdata.NewPublisher(symbol, logger)
	}

	eng := engine.New(engine.Options{
		Symbol:   symbol,
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Feed:     feed,
		Inbound:  inbound,
		Outbound: outbound,
	})

	health := observability.NewHealthChecker("matching-engine")
	health.Register("engine", func() error { return eng.Err() })

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", health.Handler())
	if feed != nil {
		mux.Handle("/ws", feed.Handler())
		mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(feed.Snapshot())
		})
	}
	server := &http.Server{Addr: cfg.Engine.ListenAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "http server failed", err)
		}
	}()

	eng.Start(ctx)

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down", map[string]interface{}{
		"orders_processed": eng.OrdersProcessed(),
	})

	eng.Stop()
	feed.Close(context.Background())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	if err := eng.Err(); err != nil {
		os.Exit(1)
	}
}
