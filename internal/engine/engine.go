// Package engine consumes sequenced orders from the inbound queue, matches
// them against the limit order book, and reports executions on the outbound
// queue. Two goroutines cooperate: a reader pumps the memory-mapped queue
// into a bounded channel, and a single owner goroutine mutates the book.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/satnam2609/exchange/internal/config"
	"github.com/satnam2609/exchange/internal/marketdata"
	"github.com/satnam2609/exchange/internal/message"
	"github.com/satnam2609/exchange/internal/mmq"
	"github.com/satnam2609/exchange/pkg/observability"
)

// Engine runs the matching pipeline stage for one symbol.
type Engine struct {
	symbol  string
	logger  *observability.Logger
	metrics *observability.MetricsProvider
	feed    *marketdata.Publisher

	matcher  *Matcher
	inbound  *mmq.Queue
	outbound *mmq.Queue

	ch           chan message.Sequenced
	pollInterval time.Duration

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup

	ordersProcessed int64

	fatalMu  sync.Mutex
	fatalErr error
}

// Options carries the engine's collaborators. Metrics and Feed may be nil.
type Options struct {
	Symbol   string
	Config   *config.Config
	Logger   *observability.Logger
	Metrics  *observability.MetricsProvider
	Feed     *marketdata.Publisher
	Inbound  *mmq.Queue
	Outbound *mmq.Queue
}

// New creates an engine; Start begins processing.
func New(opts Options) *Engine {
	return &Engine{
		symbol:       opts.Symbol,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		feed:         opts.Feed,
		matcher:      NewMatcher(opts.Symbol),
		inbound:      opts.Inbound,
		outbound:     opts.Outbound,
		ch:           make(chan message.Sequenced, opts.Config.Engine.ChannelSize),
		pollInterval: opts.Config.Queue.PollInterval,
		stopChan:     make(chan struct{}),
	}
}

// Matcher exposes the matching core, for depth queries by the serving layer.
func (e *Engine) Matcher() *Matcher { return e.matcher }

// Start launches the reader and the book owner.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(2)
	go e.readLoop(ctx)
	go e.matchLoop(ctx)
	e.logger.Info(ctx, "matching engine started", map[string]interface{}{
		"symbol":       e.symbol,
		"channel_size": cap(e.ch),
	})
}

// Stop asks both goroutines to finish and waits for them.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()
}

// Err returns the protocol violation or queue failure that stopped the
// engine, if any.
func (e *Engine) Err() error {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	return e.fatalErr
}

// OrdersProcessed returns how many sequenced commands the book has applied.
func (e *Engine) OrdersProcessed() int64 {
	return atomic.LoadInt64(&e.ordersProcessed)
}

func (e *Engine) fail(ctx context.Context, err error) {
	e.fatalMu.Lock()
	if e.fatalErr == nil {
		e.fatalErr = err
	}
	e.fatalMu.Unlock()
	e.logger.Error(ctx, "matching engine failed", err)
	e.stopOnce.Do(func() { close(e.stopChan) })
}

// readLoop drains the memory-mapped inbound queue into the channel, napping
// when the queue is empty so an idle engine yields the CPU.
func (e *Engine) readLoop(ctx context.Context) {
	defer e.wg.Done()
	defer close(e.ch)

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		payload, err := e.inbound.Dequeue()
		if err != nil {
			if errors.Is(err, mmq.ErrEmpty) {
				time.Sleep(e.pollInterval)
				continue
			}
			e.fail(ctx, fmt.Errorf("inbound dequeue: %w", err))
			return
		}
		e.metrics.RecordDequeue(ctx, "inbound-engine")

		sq, err := message.DecodeSequenced(payload)
		if err != nil {
			// A malformed message is dropped, never silently.
			e.metrics.RecordDecodeError(ctx, "inbound-engine")
			e.logger.Error(ctx, "dropping undecodable sequenced message", err, map[string]interface{}{
				"bytes": len(payload),
			})
			continue
		}

		select {
		case e.ch <- sq:
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// matchLoop is the sole mutator of book state.
func (e *Engine) matchLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		var sq message.Sequenced
		var ok bool
		select {
		case sq, ok = <-e.ch:
			if !ok {
				return
			}
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		}

		start := time.Now()
		before := e.matcher.Book().Len()

		executions, err := e.matcher.Process(sq)
		if err != nil {
			if errors.Is(err, ErrUnknownOrder) {
				e.logger.Warn(ctx, "cancel for unknown order dropped", map[string]interface{}{
					"order_id": sq.Cancel.OrderID,
					"seq_id":   sq.Cancel.SeqID.String(),
				})
				continue
			}
			// Ingress validation is the order manager's job; a violation
			// observed here means the pipeline upstream is broken.
			e.fail(ctx, err)
			return
		}
		atomic.AddInt64(&e.ordersProcessed, 1)

		var matched uint64
		for _, exec := range executions {
			if err := e.emit(ctx, exec); err != nil {
				e.fail(ctx, err)
				return
			}
			if exec.SeqID != seqOf(sq) && isTrade(exec.Execution.Kind) {
				// Executions against resting orders are the trade prints.
				matched += exec.Execution.Qty
				e.feed.PublishTrade(exec.Execution.Price, exec.Execution.Qty, aggressorSide(sq))
			}
		}
		e.publishQuote()

		e.metrics.RecordMatch(ctx, matched, len(executions),
			int64(e.matcher.Book().Len())-int64(before), time.Since(start))
	}
}

// emit encodes one execution onto the outbound queue. Overflow here is
// fatal: back-pressure must have prevented it.
func (e *Engine) emit(ctx context.Context, exec message.ExecuteMessage) error {
	if err := e.outbound.Enqueue(message.EncodeExecute(exec)); err != nil {
		if errors.Is(err, mmq.ErrFull) {
			e.metrics.RecordOverflow(ctx, "outbound-engine")
		}
		return fmt.Errorf("outbound enqueue: %w", err)
	}
	e.metrics.RecordEnqueue(ctx, "outbound-engine")
	return nil
}

func (e *Engine) publishQuote() {
	if e.feed == nil {
		return
	}
	var bidPrice, askPrice float64
	var bidSize, askSize uint64
	book := e.matcher.Book()
	if best := book.BestBid(); best != nil {
		bidPrice = best.Price
		bidSize, _ = book.Depth(message.SideBid, best.Price)
	}
	if best := book.BestAsk(); best != nil {
		askPrice = best.Price
		askSize, _ = book.Depth(message.SideAsk, best.Price)
	}
	e.feed.PublishQuote(bidPrice, bidSize, askPrice, askSize)
}

func isTrade(kind message.ExecutionKind) bool {
	return kind == message.ExecutionFill || kind == message.ExecutionPartial
}

func seqOf(sq message.Sequenced) message.SeqID {
	if sq.Kind == message.CommandCancel {
		return sq.Cancel.SeqID
	}
	return sq.Order.SeqID
}

func aggressorSide(sq message.Sequenced) string {
	if sq.Kind == message.CommandNew {
		return sq.Order.Side.String()
	}
	return ""
}
