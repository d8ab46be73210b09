package engine

import (
	"errors"
	"fmt"

	"github.com/satnam2609/exchange/internal/message"
	"github.com/satnam2609/exchange/internal/orderbook"
)

// ErrUnknownOrder reports a cancel for an order id not resting in the book.
var ErrUnknownOrder = errors.New("engine: unknown order id")

// Matcher is the single-threaded matching core: it owns the book and turns
// sequenced commands into execution reports. Process must only be called
// from the one goroutine that owns the book.
type Matcher struct {
	book *orderbook.Book
}

// NewMatcher creates a matcher with an empty book for symbol.
func NewMatcher(symbol string) *Matcher {
	return &Matcher{book: orderbook.New(symbol)}
}

// Book exposes the book for depth queries and feed snapshots.
func (m *Matcher) Book() *orderbook.Book { return m.book }

// Process applies one sequenced command and returns the executions it
// produced, in emission order. A returned error other than ErrUnknownOrder
// is a protocol violation and must stop the engine: ingress validation
// belongs to the order manager, so the book is expected to be clean.
func (m *Matcher) Process(sq message.Sequenced) ([]message.ExecuteMessage, error) {
	switch sq.Kind {
	case message.CommandNew:
		return m.processOrder(sq.Order)
	case message.CommandCancel:
		return m.processCancel(sq.Cancel)
	}
	return nil, fmt.Errorf("engine: unhandled command kind %d", sq.Kind)
}

// processOrder matches the aggressor against the opposite side until it is
// exhausted or the book no longer crosses, then rests any limit remainder.
// Executions against resting orders are emitted before the aggressor's
// terminal message, and the trade price is always the resting order's.
func (m *Matcher) processOrder(raw message.RawOrder) ([]message.ExecuteMessage, error) {
	if raw.Size == 0 {
		return nil, fmt.Errorf("engine: order %q with zero size reached the book", raw.OrderID)
	}

	agg := raw
	out := make([]message.ExecuteMessage, 0, 4)

	var traded uint64
	var lastPrice float64

	for agg.Size > 0 {
		best := m.book.Best(agg.Side.Opposite())
		if best == nil || !crosses(agg, best) {
			break
		}

		qty := best.Size
		if agg.Size < qty {
			qty = agg.Size
		}
		price := best.Price

		m.book.Reduce(best, qty)
		agg.Size -= qty
		traded += qty
		lastPrice = price

		if best.Size == 0 {
			// The resting order's final fragment traded in this step: the
			// execution describing it becomes a FILL carrying the trade.
			out = append(out, message.ExecuteMessage{SeqID: best.SeqID, Execution: message.Fill(price, qty)})
			m.book.Remove(best.OrderID)
		} else {
			out = append(out, message.ExecuteMessage{SeqID: best.SeqID, Execution: message.Partial(price, qty)})
		}
	}

	switch {
	case agg.Size == 0:
		out = append(out, message.ExecuteMessage{SeqID: agg.SeqID, Execution: message.Fill(lastPrice, traded)})
	case agg.OrderType == message.OrderTypeMarket:
		// A market remainder has no price to rest at.
		out = append(out, message.ExecuteMessage{SeqID: agg.SeqID, Execution: message.Cancelled()})
	default:
		if err := m.book.Insert(agg); err != nil {
			return nil, err
		}
		out = append(out, message.ExecuteMessage{SeqID: agg.SeqID, Execution: message.Inserted()})
	}
	return out, nil
}

func (m *Matcher) processCancel(rc message.RawCancel) ([]message.ExecuteMessage, error) {
	order, ok := m.book.Remove(rc.OrderID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOrder, rc.OrderID)
	}
	return []message.ExecuteMessage{
		{SeqID: order.SeqID, Execution: message.Cancelled()},
	}, nil
}

// crosses implements the crossing test: a market aggressor crosses whenever
// opposite liquidity exists; a limit ASK crosses at or below the best bid,
// a limit BID at or above the best ask.
func crosses(agg message.RawOrder, best *orderbook.Order) bool {
	if agg.OrderType == message.OrderTypeMarket {
		return true
	}
	if agg.Side == message.SideAsk {
		return agg.Price <= best.Price
	}
	return agg.Price >= best.Price
}
