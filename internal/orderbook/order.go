package orderbook

import (
	"github.com/satnam2609/exchange/internal/message"
)

// Order is a resting order inside the book. prev/next chain it into its
// price level's FIFO queue; level points back to the level that owns it.
type Order struct {
	SeqID     message.SeqID
	OrderID   string
	Symbol    string
	Price     float64
	Size      uint64
	Side      message.Side
	OrderType message.OrderType

	prev  *Order
	next  *Order
	level *Level
}

func newOrder(raw message.RawOrder) *Order {
	return &Order{
		SeqID:     raw.SeqID,
		OrderID:   raw.OrderID,
		Symbol:    raw.Symbol,
		Price:     raw.Price,
		Size:      raw.Size,
		Side:      raw.Side,
		OrderType: raw.OrderType,
	}
}

// Next returns the order behind this one in its level's queue.
func (o *Order) Next() *Order { return o.next }

// Level is a single price level: the FIFO queue of all resting orders at one
// price on one side, with the aggregate volume kept in step.
type Level struct {
	Price  float64
	Volume uint64

	head *Order
	tail *Order
	size int
}

// Head returns the oldest order at this level.
func (l *Level) Head() *Order { return l.head }

// Orders returns the number of orders queued at this level.
func (l *Level) Orders() int { return l.size }

// push appends o at the tail: newest arrivals trade last.
func (l *Level) push(o *Order) {
	o.level = l
	if l.tail == nil {
		l.head = o
	} else {
		l.tail.next = o
		o.prev = l.tail
	}
	l.tail = o
	l.size++
	l.Volume += o.Size
}

// unlink detaches o, stitching its neighbours together.
func (l *Level) unlink(o *Order) {
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		l.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		l.tail = o.prev
	}
	o.prev = nil
	o.next = nil
	o.level = nil
	l.size--
	l.Volume -= o.Size
}
