// Package marketdata fans execution and top-of-book data out to WebSocket
// subscribers. It sits strictly off the matching path: the engine hands it
// events through non-blocking sends and slow subscribers are dropped rather
// than back-pressuring the book.
package marketdata

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/satnam2609/exchange/pkg/observability"
)

// L1Quote is the top-of-book snapshot published after every book mutation.
type L1Quote struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	BidPrice  float64 `json:"bid_price"`
	BidSize   uint64  `json:"bid_size"`
	AskPrice  float64 `json:"ask_price"`
	AskSize   uint64  `json:"ask_size"`
	Timestamp int64   `json:"timestamp"`
}

// Trade is one execution against a resting order.
type Trade struct {
	Type      string  `json:"type"`
	TradeID   string  `json:"trade_id"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Quantity  uint64  `json:"quantity"`
	Aggressor string  `json:"aggressor"`
	Timestamp int64   `json:"timestamp"`
}

// Stats aggregates the session's trade tape with decimal arithmetic, so the
// published VWAP does not accumulate float drift.
type Stats struct {
	Type     string          `json:"type"`
	Symbol   string          `json:"symbol"`
	Trades   uint64          `json:"trades"`
	Volume   uint64          `json:"volume"`
	Notional decimal.Decimal `json:"notional"`
	VWAP     decimal.Decimal `json:"vwap"`
}

// Publisher owns the subscriber set and the trade tape for one symbol.
type Publisher struct {
	symbol string
	logger *observability.Logger

	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	trades   uint64
	volume   decimal.Decimal
	notional decimal.Decimal

	upgrader websocket.Upgrader
}

type subscriber struct {
	conn *websocket.Conn
	send chan interface{}
}

// NewPublisher creates a publisher for symbol.
func NewPublisher(symbol string, logger *observability.Logger) *Publisher {
	return &Publisher{
		symbol: symbol,
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the WebSocket subscription endpoint.
func (p *Publisher) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			p.logger.Warn(r.Context(), "websocket upgrade failed", map[string]interface{}{
				"remote": r.RemoteAddr,
			})
			return
		}
		sub := &subscriber{conn: conn, send: make(chan interface{}, 256)}

		p.mu.Lock()
		p.subs[sub] = struct{}{}
		count := len(p.subs)
		p.mu.Unlock()
		p.logger.Info(r.Context(), "marketdata subscriber connected", map[string]interface{}{
			"remote":      r.RemoteAddr,
			"subscribers": count,
		})

		go p.writeLoop(sub)
		p.readLoop(sub)
	})
}

func (p *Publisher) writeLoop(sub *subscriber) {
	for msg := range sub.send {
		sub.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := sub.conn.WriteJSON(msg); err != nil {
			p.drop(sub)
			return
		}
	}
	sub.conn.Close()
}

func (p *Publisher) readLoop(sub *subscriber) {
	// Subscribers never send; the read loop only notices disconnects.
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			p.drop(sub)
			return
		}
	}
}

func (p *Publisher) drop(sub *subscriber) {
	p.mu.Lock()
	if _, ok := p.subs[sub]; ok {
		delete(p.subs, sub)
		close(sub.send)
	}
	p.mu.Unlock()
	sub.conn.Close()
}

func (p *Publisher) broadcast(msg interface{}) {
	p.mu.Lock()
	var stale []*subscriber
	for sub := range p.subs {
		select {
		case sub.send <- msg:
		default:
			stale = append(stale, sub)
		}
	}
	for _, sub := range stale {
		delete(p.subs, sub)
		close(sub.send)
	}
	p.mu.Unlock()
	for _, sub := range stale {
		sub.conn.Close()
	}
}

// PublishTrade broadcasts one execution and folds it into the tape stats.
// Safe on a nil publisher.
func (p *Publisher) PublishTrade(price float64, qty uint64, aggressor string) {
	if p == nil {
		return
	}
	trade := Trade{
		Type:      "trade",
		TradeID:   uuid.NewString(),
		Symbol:    p.symbol,
		Price:     price,
		Quantity:  qty,
		Aggressor: aggressor,
		Timestamp: time.Now().UnixNano(),
	}

	p.mu.Lock()
	p.trades++
	q := decimal.NewFromInt(int64(qty))
	p.volume = p.volume.Add(q)
	p.notional = p.notional.Add(decimal.NewFromFloat(price).Mul(q))
	p.mu.Unlock()

	p.broadcast(trade)
}

// PublishQuote broadcasts a top-of-book snapshot. Safe on a nil publisher.
func (p *Publisher) PublishQuote(bidPrice float64, bidSize uint64, askPrice float64, askSize uint64) {
	if p == nil {
		return
	}
	p.broadcast(L1Quote{
		Type:      "quote",
		Symbol:    p.symbol,
		BidPrice:  bidPrice,
		BidSize:   bidSize,
		AskPrice:  askPrice,
		AskSize:   askSize,
		Timestamp: time.Now().UnixNano(),
	})
}

// Snapshot returns the tape statistics accumulated so far.
func (p *Publisher) Snapshot() Stats {
	if p == nil {
		return Stats{Type: "stats"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		Type:     "stats",
		Symbol:   p.symbol,
		Trades:   p.trades,
		Volume:   uint64(p.volume.IntPart()),
		Notional: p.notional,
	}
	if !p.volume.IsZero() {
		stats.VWAP = p.notional.DivRound(p.volume, 8)
	}
	return stats
}

// Close disconnects every subscriber.
func (p *Publisher) Close(ctx context.Context) {
	if p == nil {
		return
	}
	p.mu.Lock()
	subs := make([]*subscriber, 0, len(p.subs))
	for sub := range p.subs {
		subs = append(subs, sub)
		delete(p.subs, sub)
		close(sub.send)
	}
	p.mu.Unlock()
	for _, sub := range subs {
		sub.conn.Close()
	}
	p.logger.Info(ctx, "marketdata publisher closed", map[string]interface{}{
		"disconnected": len(subs),
	})
}
