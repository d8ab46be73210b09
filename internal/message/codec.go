package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Wire format: little-endian throughout. Strings are u32-length-prefixed
// UTF-8. Enums are single bytes. SeqID is 16 bytes, low word first. The
// inbound queues carry a one-byte command tag in front of the body so that
// new orders and cancels share a stream.

var (
	// ErrShortBuffer reports a message truncated mid-field.
	ErrShortBuffer = errors.New("message: short buffer")
	// ErrBadTag reports an unknown enum or command tag.
	ErrBadTag = errors.New("message: unknown tag")
)

// CommandKind tags the envelope on the inbound-manager and inbound-engine
// queues.
type CommandKind uint8

const (
	CommandNew CommandKind = iota
	CommandCancel
)

// Inbound is a decoded inbound-manager envelope. Exactly one of Order and
// Cancel is set, selected by Kind.
type Inbound struct {
	Kind   CommandKind
	Order  OrderValue
	Cancel CancelValue
}

// Sequenced is a decoded inbound-engine envelope.
type Sequenced struct {
	Kind   CommandKind
	Order  RawOrder
	Cancel RawCancel
}

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) f64(v float64) {
	e.u64(math.Float64bits(v))
}
func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}
func (e *encoder) seq(s SeqID) {
	e.u64(s.Lo)
	e.u64(s.Hi)
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.buf) {
		d.err = ErrShortBuffer
		return false
	}
	return true
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) f64() float64 { return math.Float64frombits(d.u64()) }

func (d *decoder) str() string {
	n := int(d.u32())
	if !d.need(n) {
		return ""
	}
	s := string(d.buf[d.off : d.off+n])
	d.off += n
	return s
}

func (d *decoder) seq() SeqID {
	lo := d.u64()
	hi := d.u64()
	return SeqID{Hi: hi, Lo: lo}
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.buf) {
		return fmt.Errorf("message: %d trailing bytes", len(d.buf)-d.off)
	}
	return nil
}

// EncodeInbound encodes an order-manager submission envelope.
func EncodeInbound(in Inbound) []byte {
	var e encoder
	e.u8(uint8(in.Kind))
	switch in.Kind {
	case CommandNew:
		v := in.Order
		e.str(v.OrderID)
		e.str(v.Symbol)
		e.f64(v.Price)
		e.u64(v.Size)
		e.u8(uint8(v.Side))
		e.u8(uint8(v.OrderType))
	case CommandCancel:
		e.str(in.Cancel.OrderID)
		e.str(in.Cancel.Symbol)
	}
	return e.buf
}

// DecodeInbound decodes an order-manager submission envelope.
func DecodeInbound(buf []byte) (Inbound, error) {
	d := decoder{buf: buf}
	var in Inbound
	kind := d.u8()
	switch CommandKind(kind) {
	case CommandNew:
		in.Kind = CommandNew
		in.Order.OrderID = d.str()
		in.Order.Symbol = d.str()
		in.Order.Price = d.f64()
		in.Order.Size = d.u64()
		side := d.u8()
		typ := d.u8()
		if d.err == nil && side > uint8(SideBid) {
			return Inbound{}, fmt.Errorf("%w: side %d", ErrBadTag, side)
		}
		if d.err == nil && typ > uint8(OrderTypeMarket) {
			return Inbound{}, fmt.Errorf("%w: order type %d", ErrBadTag, typ)
		}
		in.Order.Side = Side(side)
		in.Order.OrderType = OrderType(typ)
	case CommandCancel:
		in.Kind = CommandCancel
		in.Cancel.OrderID = d.str()
		in.Cancel.Symbol = d.str()
	default:
		if d.err != nil {
			return Inbound{}, d.err
		}
		return Inbound{}, fmt.Errorf("%w: command %d", ErrBadTag, kind)
	}
	if err := d.finish(); err != nil {
		return Inbound{}, err
	}
	return in, nil
}

// EncodeSequenced encodes a sequenced envelope for the engine and the log.
func EncodeSequenced(sq Sequenced) []byte {
	var e encoder
	e.u8(uint8(sq.Kind))
	switch sq.Kind {
	case CommandNew:
		r := sq.Order
		e.seq(r.SeqID)
		e.str(r.OrderID)
		e.str(r.Symbol)
		e.f64(r.Price)
		e.u64(r.Size)
		e.u8(uint8(r.Side))
		e.u8(uint8(r.OrderType))
	case CommandCancel:
		e.seq(sq.Cancel.SeqID)
		e.str(sq.Cancel.OrderID)
		e.str(sq.Cancel.Symbol)
	}
	return e.buf
}

// DecodeSequenced decodes a sequenced envelope.
func DecodeSequenced(buf []byte) (Sequenced, error) {
	d := decoder{buf: buf}
	var sq Sequenced
	kind := d.u8()
	switch CommandKind(kind) {
	case CommandNew:
		sq.Kind = CommandNew
		sq.Order.SeqID = d.seq()
		sq.Order.OrderID = d.str()
		sq.Order.Symbol = d.str()
		sq.Order.Price = d.f64()
		sq.Order.Size = d.u64()
		side := d.u8()
		typ := d.u8()
		if d.err == nil && side > uint8(SideBid) {
			return Sequenced{}, fmt.Errorf("%w: side %d", ErrBadTag, side)
		}
		if d.err == nil && typ > uint8(OrderTypeMarket) {
			return Sequenced{}, fmt.Errorf("%w: order type %d", ErrBadTag, typ)
		}
		sq.Order.Side = Side(side)
		sq.Order.OrderType = OrderType(typ)
	case CommandCancel:
		sq.Kind = CommandCancel
		sq.Cancel.SeqID = d.seq()
		sq.Cancel.OrderID = d.str()
		sq.Cancel.Symbol = d.str()
	default:
		if d.err != nil {
			return Sequenced{}, d.err
		}
		return Sequenced{}, fmt.Errorf("%w: command %d", ErrBadTag, kind)
	}
	if err := d.finish(); err != nil {
		return Sequenced{}, err
	}
	return sq, nil
}

// EncodeExecute encodes an engine execution report.
// Variant tags: INSERTED=0, CANCELLED=1, FILL=2, PARTIAL=3. FILL and PARTIAL
// carry the trade price and traded quantity.
func EncodeExecute(m ExecuteMessage) []byte {
	var e encoder
	e.seq(m.SeqID)
	e.u8(uint8(m.Execution.Kind))
	switch m.Execution.Kind {
	case ExecutionFill, ExecutionPartial:
		e.f64(m.Execution.Price)
		e.u64(m.Execution.Qty)
	}
	return e.buf
}

// DecodeExecute decodes an engine execution report.
func DecodeExecute(buf []byte) (ExecuteMessage, error) {
	d := decoder{buf: buf}
	var m ExecuteMessage
	m.SeqID = d.seq()
	kind := d.u8()
	switch ExecutionKind(kind) {
	case ExecutionInserted, ExecutionCancelled:
		m.Execution.Kind = ExecutionKind(kind)
	case ExecutionFill, ExecutionPartial:
		m.Execution.Kind = ExecutionKind(kind)
		m.Execution.Price = d.f64()
		m.Execution.Qty = d.u64()
	default:
		if d.err != nil {
			return ExecuteMessage{}, d.err
		}
		return ExecuteMessage{}, fmt.Errorf("%w: execution %d", ErrBadTag, kind)
	}
	if err := d.finish(); err != nil {
		return ExecuteMessage{}, err
	}
	return m, nil
}

// MaxPayloadSize bounds the encoded size of any pipeline message given the
// longest order id and symbol the venue accepts. Queue slots are sized from
// this at create time so every peer agrees on the geometry.
func MaxPayloadSize(maxIDLen, maxSymbolLen int) int {
	// envelope tag + seq id + two strings + price + size + side + type
	return 1 + 16 + (4 + maxIDLen) + (4 + maxSymbolLen) + 8 + 8 + 1 + 1
}
