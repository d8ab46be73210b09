package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeqIDNext(t *testing.T) {
	var seq SeqID
	assert.True(t, seq.IsZero())

	seq = seq.Next()
	assert.Equal(t, SeqID{Lo: 1}, seq)

	rollover := SeqID{Hi: 0, Lo: ^uint64(0)}
	assert.Equal(t, SeqID{Hi: 1, Lo: 0}, rollover.Next())
}

func TestSeqIDCmp(t *testing.T) {
	a := SeqID{Lo: 5}
	b := SeqID{Lo: 9}
	c := SeqID{Hi: 1, Lo: 0}

	assert.Equal(t, -1, a.Cmp(b))
	assert.Equal(t, 1, b.Cmp(a))
	assert.Equal(t, 0, a.Cmp(a))
	assert.Equal(t, -1, b.Cmp(c))
}

func TestInboundRoundTrip(t *testing.T) {
	in := Inbound{
		Kind: CommandNew,
		Order: OrderValue{
			OrderID:   "ORDER-1",
			Symbol:    "BTCETH",
			Price:     100.10,
			Size:      10,
			Side:      SideAsk,
			OrderType: OrderTypeLimit,
		},
	}

	got, err := DecodeInbound(EncodeInbound(in))
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestInboundCancelRoundTrip(t *testing.T) {
	in := Inbound{
		Kind:   CommandCancel,
		Cancel: CancelValue{OrderID: "ORDER-1", Symbol: "BTCETH"},
	}

	got, err := DecodeInbound(EncodeInbound(in))
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestSequencedRoundTrip(t *testing.T) {
	sq := Sequenced{
		Kind: CommandNew,
		Order: RawOrder{
			SeqID:     SeqID{Hi: 2, Lo: 7},
			OrderID:   "ORDER-2",
			Symbol:    "BTCETH",
			Price:     99.25,
			Size:      3,
			Side:      SideBid,
			OrderType: OrderTypeMarket,
		},
	}

	got, err := DecodeSequenced(EncodeSequenced(sq))
	require.NoError(t, err)
	assert.Equal(t, sq, got)
}

func TestExecuteRoundTrip(t *testing.T) {
	cases := []ExecuteMessage{
		{SeqID: SeqID{Lo: 1}, Execution: Inserted()},
		{SeqID: SeqID{Lo: 2}, Execution: Cancelled()},
		{SeqID: SeqID{Lo: 3}, Execution: Partial(100.10, 4)},
		{SeqID: SeqID{Lo: 4}, Execution: Fill(100.10, 6)},
	}
	for _, msg := range cases {
		got, err := DecodeExecute(EncodeExecute(msg))
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}
}

func TestExecuteVariantTags(t *testing.T) {
	// The wire tags are part of the file format shared with other peers.
	assert.Equal(t, uint8(0), uint8(ExecutionInserted))
	assert.Equal(t, uint8(1), uint8(ExecutionCancelled))
	assert.Equal(t, uint8(2), uint8(ExecutionFill))
	assert.Equal(t, uint8(3), uint8(ExecutionPartial))

	encoded := EncodeExecute(ExecuteMessage{SeqID: SeqID{Lo: 9}, Execution: Partial(1.5, 2)})
	assert.Equal(t, uint8(3), encoded[16])
}

func TestDecodeShortBuffer(t *testing.T) {
	encoded := EncodeInbound(Inbound{Kind: CommandNew, Order: OrderValue{
		OrderID: "X", Symbol: "Y", Price: 1, Size: 1,
	}})
	for i := 0; i < len(encoded); i++ {
		_, err := DecodeInbound(encoded[:i])
		assert.Error(t, err, "prefix of %d bytes should not decode", i)
	}
}

func TestDecodeBadTags(t *testing.T) {
	_, err := DecodeInbound([]byte{42})
	assert.ErrorIs(t, err, ErrBadTag)

	_, err = DecodeSequenced([]byte{42})
	assert.ErrorIs(t, err, ErrBadTag)

	encoded := EncodeExecute(ExecuteMessage{SeqID: SeqID{Lo: 1}, Execution: Inserted()})
	encoded[16] = 99
	_, err = DecodeExecute(encoded)
	assert.ErrorIs(t, err, ErrBadTag)
}

func TestDecodeTrailingBytes(t *testing.T) {
	encoded := EncodeExecute(ExecuteMessage{SeqID: SeqID{Lo: 1}, Execution: Inserted()})
	_, err := DecodeExecute(append(encoded, 0))
	assert.Error(t, err)
}

func TestOrderValueValidate(t *testing.T) {
	valid := OrderValue{OrderID: "A", Symbol: "S", Price: 10, Size: 1, OrderType: OrderTypeLimit}
	assert.NoError(t, valid.Validate())

	zeroSize := valid
	zeroSize.Size = 0
	assert.Error(t, zeroSize.Validate())

	nanPrice := valid
	nanPrice.Price = nan()
	assert.Error(t, nanPrice.Validate())

	negPrice := valid
	negPrice.Price = -1
	assert.Error(t, negPrice.Validate())

	market := OrderValue{OrderID: "B", Symbol: "S", Size: 5, OrderType: OrderTypeMarket}
	assert.NoError(t, market.Validate(), "market orders carry no price")
}

func TestPromote(t *testing.T) {
	v := OrderValue{OrderID: "A", Symbol: "S", Price: 10, Size: 1, Side: SideBid}
	raw := v.Promote(SeqID{Lo: 41})
	assert.Equal(t, SeqID{Lo: 41}, raw.SeqID)
	assert.Equal(t, v.OrderID, raw.OrderID)
	assert.Equal(t, v.Price, raw.Price)
	assert.Equal(t, v.Side, raw.Side)
}

func nan() float64 {
	var zero float64
	return zero / zero
}
