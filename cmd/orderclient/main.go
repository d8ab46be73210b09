// orderclient simulates the order-manager edge of the pipeline: it submits
// validated orders into the inbound-manager queue and prints every execution
// that comes back on the outbound-manager queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/satnam2609/exchange/internal/config"
	"github.com/satnam2609/exchange/internal/message"
	"github.com/satnam2609/exchange/internal/mmq"
	"github.com/satnam2609/exchange/pkg/observability"
)

func main() {
	count := flag.Int("n", 10, "orders to submit")
	mid := flag.Float64("mid", 100.0, "mid price for generated orders")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [-n N] [-mid PRICE] SYMBOL\n", os.Args[0])
		os.Exit(1)
	}
	symbol := flag.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability).WithSymbol(symbol)
	ctx := context.Background()

	inbound, err := mmq.Open(mmq.QueuePath(cfg.Queue.Dir, symbol, "inbound-manager"))
	if err != nil {
		logger.Error(ctx, "failed to open inbound-manager queue", err)
		os.Exit(1)
	}
	defer inbound.Close()
	outbound, err := mmq.Open(mmq.QueuePath(cfg.Queue.Dir, symbol, "outbound-manager"))
	if err != nil {
		logger.Error(ctx, "failed to open outbound-manager queue", err)
		os.Exit(1)
	}
	defer outbound.Close()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	submitted := 0
	for i := 0; i < *count; i++ {
		side := message.SideBid
		if rng.Intn(2) == 0 {
			side = message.SideAsk
		}
		offset := (rng.Float64() - 0.5) * *mid * 0.01
		order := message.OrderValue{
			OrderID:   uuid.NewString(),
			Symbol:    symbol,
			Price:     *mid + offset,
			Size:      uint64(1 + rng.Intn(100)),
			Side:      side,
			OrderType: message.OrderTypeLimit,
		}
		if err := order.Validate(); err != nil {
			logger.Warn(ctx, "skipping generated order", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		payload := message.EncodeInbound(message.Inbound{Kind: message.CommandNew, Order: order})
		if err := inbound.Enqueue(payload); err != nil {
			// Overflow on the client-facing queue is a rejection, not a crash.
			logger.Warn(ctx, "submission rejected", map[string]interface{}{
				"order_id": order.OrderID,
				"error":    err.Error(),
			})
			continue
		}
		submitted++
		fmt.Printf("submitted %s %s %d @ %.4f\n", order.OrderID, order.Side, order.Size, order.Price)
	}

	logger.Info(ctx, "orders submitted", map[string]interface{}{
		"submitted": submitted,
	})

	// Drain executions until the pipeline goes quiet.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		payload, err := outbound.Dequeue()
		if err != nil {
			time.Sleep(cfg.Queue.PollInterval)
			continue
		}
		exec, err := message.DecodeExecute(payload)
		if err != nil {
			logger.Error(ctx, "undecodable execution", err)
			continue
		}
		fmt.Println(exec)
		deadline = time.Now().Add(3 * time.Second)
	}
}
