// Package orderbook implements a price-time-priority limit order book: a
// sorted price ladder per side, per-price FIFO order queues, hash indices
// for O(1) level and order lookup, and cached best-quote pointers.
package orderbook

import (
	"errors"
	"fmt"
	"math"

	"github.com/satnam2609/exchange/internal/message"
)

var (
	// ErrDuplicateOrder reports an insert reusing a live order id.
	ErrDuplicateOrder = errors.New("orderbook: duplicate order id")
	// ErrInvalidOrder reports an order violating the ingress protocol.
	ErrInvalidOrder = errors.New("orderbook: invalid order")
)

// Book is the limit order book for a single symbol. It is confined to one
// goroutine; nothing here locks.
type Book struct {
	symbol string

	asks *ladder
	bids *ladder

	askLevels map[float64]*Level
	bidLevels map[float64]*Level
	orders    map[string]*Order

	bestAsk *Order
	bestBid *Order
}

// New creates an empty book for symbol.
func New(symbol string) *Book {
	return &Book{
		symbol:    symbol,
		asks:      newLadder(true),
		bids:      newLadder(false),
		askLevels: make(map[float64]*Level),
		bidLevels: make(map[float64]*Level),
		orders:    make(map[string]*Order),
	}
}

// Symbol returns the symbol this book holds.
func (b *Book) Symbol() string { return b.symbol }

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.orders) }

// Levels returns the number of price levels on one side.
func (b *Book) Levels(side message.Side) int {
	return b.sideLadder(side).len()
}

// BestAsk returns the head order of the lowest ASK level, or nil.
func (b *Book) BestAsk() *Order { return b.bestAsk }

// BestBid returns the head order of the highest BID level, or nil.
func (b *Book) BestBid() *Order { return b.bestBid }

// Best returns the cached best order on the given side.
func (b *Book) Best(side message.Side) *Order {
	if side == message.SideAsk {
		return b.bestAsk
	}
	return b.bestBid
}

func (b *Book) sideLadder(side message.Side) *ladder {
	if side == message.SideAsk {
		return b.asks
	}
	return b.bids
}

func (b *Book) sideLevels(side message.Side) map[float64]*Level {
	if side == message.SideAsk {
		return b.askLevels
	}
	return b.bidLevels
}

// Insert places the order at the tail of its price level, creating the level
// if absent, and refreshes the best-quote cache when the new order's level
// is strictly better than the current best.
func (b *Book) Insert(raw message.RawOrder) error {
	if raw.Size == 0 {
		return fmt.Errorf("%w: order %q has zero size", ErrInvalidOrder, raw.OrderID)
	}
	if math.IsNaN(raw.Price) || math.IsInf(raw.Price, 0) || raw.Price <= 0 {
		return fmt.Errorf("%w: order %q has price %v", ErrInvalidOrder, raw.OrderID, raw.Price)
	}
	if _, exists := b.orders[raw.OrderID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateOrder, raw.OrderID)
	}

	order := newOrder(raw)
	levels := b.sideLevels(order.Side)
	level, ok := levels[order.Price]
	if !ok {
		level = &Level{Price: order.Price}
		levels[order.Price] = level
		b.sideLadder(order.Side).insert(level)
	}
	level.push(order)
	b.orders[order.OrderID] = order

	best := b.Best(order.Side)
	if best == nil || b.sideLadder(order.Side).before(order.Price, best.Price) {
		b.setBest(order.Side, order)
	}
	return nil
}

// Remove detaches the order from its level and erases empty levels from the
// ladder and the level index. The removed order is returned so callers can
// report its seq id.
func (b *Book) Remove(orderID string) (*Order, bool) {
	order, ok := b.orders[orderID]
	if !ok {
		return nil, false
	}
	delete(b.orders, orderID)

	level := order.level
	level.unlink(order)
	if level.size == 0 {
		delete(b.sideLevels(order.Side), level.Price)
		b.sideLadder(order.Side).remove(level.Price)
	}

	if b.Best(order.Side) == order {
		b.UpdateBest(order.Side)
	}
	return order, true
}

// Reduce shrinks a resting order by qty, keeping the level volume in step.
// The order stays queued; callers remove it when its size reaches zero.
func (b *Book) Reduce(order *Order, qty uint64) {
	if qty > order.Size {
		qty = order.Size
	}
	order.Size -= qty
	order.level.Volume -= qty
}

// Depth returns the resting volume at a price level, with ok=false when the
// level does not exist.
func (b *Book) Depth(side message.Side, price float64) (uint64, bool) {
	level, ok := b.sideLevels(side)[price]
	if !ok {
		return 0, false
	}
	return level.Volume, true
}

// Lookup returns the resting order with the given id.
func (b *Book) Lookup(orderID string) (*Order, bool) {
	order, ok := b.orders[orderID]
	return order, ok
}

// UpdateBest recomputes the cached best order on a side from the ladder:
// the head order of the top level, or nil when the side is empty.
func (b *Book) UpdateBest(side message.Side) {
	level := b.sideLadder(side).first()
	if level == nil {
		b.setBest(side, nil)
		return
	}
	b.setBest(side, level.head)
}

func (b *Book) setBest(side message.Side, order *Order) {
	if side == message.SideAsk {
		b.bestAsk = order
	} else {
		b.bestBid = order
	}
}

// TopLevels walks up to n levels from the best on the given side, best
// first. Nothing on the matching path calls it, and the market data feed
// does not use it either.
func (b *Book) TopLevels(side message.Side, n int) []*Level {
	out := make([]*Level, 0, n)
	node := b.sideLadder(side).head.next[0]
	for node != nil && len(out) < n {
		out = append(out, node.level)
		node = node.next[0]
	}
	return out
}
