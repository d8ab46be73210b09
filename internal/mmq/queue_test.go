package mmq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tmpQueue(t *testing.T, capacity, maxPayload uint64) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.dat")
	q, err := Create(path, capacity, maxPayload)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q, path
}

func TestCreateRejectsNonPowerOfTwo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.dat")
	for _, capacity := range []uint64{0, 3, 6, 1000} {
		_, err := Create(path, capacity, 64)
		assert.ErrorIs(t, err, ErrCapacity, "capacity %d", capacity)
	}
}

func TestCreateSizesFile(t *testing.T) {
	_, path := tmpQueue(t, 8, 128)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(64+8*(4+128)), info.Size())
}

func TestOpenValidatesHeader(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Open(filepath.Join(t.TempDir(), "nope.dat"))
		assert.Error(t, err)
	})

	t.Run("too small", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "small.dat")
		require.NoError(t, os.WriteFile(path, make([]byte, 16), 0o644))
		_, err := Open(path)
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("bad magic", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "magic.dat")
		require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o644))
		_, err := Open(path)
		assert.ErrorIs(t, err, ErrMagic)
	})

	t.Run("truncated body", func(t *testing.T) {
		q, path := tmpQueue(t, 8, 128)
		require.NoError(t, q.Close())
		require.NoError(t, os.Truncate(path, 64+100))
		_, err := Open(path)
		assert.ErrorIs(t, err, ErrTruncated)
	})
}

func TestOpenSeesCreateGeometry(t *testing.T) {
	q, path := tmpQueue(t, 16, 200)
	peer, err := Open(path)
	require.NoError(t, err)
	defer peer.Close()

	assert.Equal(t, q.Capacity(), peer.Capacity())
	assert.Equal(t, q.MaxPayload(), peer.MaxPayload())
}

func TestRoundTrip(t *testing.T) {
	producer, path := tmpQueue(t, 8, 128)
	consumer, err := Open(path)
	require.NoError(t, err)
	defer consumer.Close()

	for i := byte(0); i < 5; i++ {
		payload := bytes.Repeat([]byte{i}, int(i)+1)
		require.NoError(t, producer.Enqueue(payload))
	}
	for i := byte(0); i < 5; i++ {
		got, err := consumer.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{i}, int(i)+1), got)
	}

	_, err = consumer.Dequeue()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestWrapAround(t *testing.T) {
	// Enqueue/dequeue in lockstep far past the capacity: every dequeue
	// returns the matching payload and the queue never overflows.
	producer, path := tmpQueue(t, 8, 64)
	consumer, err := Open(path)
	require.NoError(t, err)
	defer consumer.Close()

	for i := 0; i < 20; i++ {
		payload := []byte(fmt.Sprintf("message-%d-%s", i, string(bytes.Repeat([]byte{'x'}, i%13))))
		require.NoError(t, producer.Enqueue(payload))
		got, err := consumer.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestOverflow(t *testing.T) {
	producer, path := tmpQueue(t, 4, 32)
	consumer, err := Open(path)
	require.NoError(t, err)
	defer consumer.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, producer.Enqueue([]byte{byte(i)}))
	}
	assert.ErrorIs(t, producer.Enqueue([]byte{9}), ErrFull)

	// One dequeue frees one slot; the next enqueue succeeds.
	got, err := consumer.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, got)
	assert.NoError(t, producer.Enqueue([]byte{9}))
}

func TestPayloadTooLarge(t *testing.T) {
	producer, _ := tmpQueue(t, 4, 8)
	assert.ErrorIs(t, producer.Enqueue(make([]byte, 9)), ErrPayloadTooLarge)
	assert.NoError(t, producer.Enqueue(make([]byte, 8)))
}

func TestEmptyPayload(t *testing.T) {
	producer, path := tmpQueue(t, 4, 8)
	consumer, err := Open(path)
	require.NoError(t, err)
	defer consumer.Close()

	require.NoError(t, producer.Enqueue(nil))
	got, err := consumer.Dequeue()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCorruptSlotLength(t *testing.T) {
	producer, path := tmpQueue(t, 4, 8)
	require.NoError(t, producer.Enqueue([]byte{1, 2, 3}))

	// Scribble an impossible length into the occupied slot.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(raw[64:], 1<<20)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	consumer, err := Open(path)
	require.NoError(t, err)
	defer consumer.Close()
	_, err = consumer.Dequeue()
	assert.ErrorIs(t, err, ErrCorruptSlot)
}

func TestFIFOAcrossGoroutines(t *testing.T) {
	// QUEUE-I1: the consumer obtains exactly the produced sequence, in
	// order, with producer and consumer racing on the same mapping.
	producer, path := tmpQueue(t, 64, 16)
	consumer, err := Open(path)
	require.NoError(t, err)
	defer consumer.Close()

	const total = 10000
	done := make(chan error, 1)
	go func() {
		var buf [8]byte
		for i := uint64(0); i < total; {
			binary.LittleEndian.PutUint64(buf[:], i)
			if err := producer.Enqueue(buf[:]); err != nil {
				continue // full, retry
			}
			i++
		}
		done <- nil
	}()

	for i := uint64(0); i < total; {
		payload, err := consumer.Dequeue()
		if err != nil {
			continue // empty, retry
		}
		require.Len(t, payload, 8)
		require.Equal(t, i, binary.LittleEndian.Uint64(payload), "message out of order")
		i++
	}
	require.NoError(t, <-done)
}

func TestLen(t *testing.T) {
	producer, _ := tmpQueue(t, 8, 8)
	assert.Equal(t, uint64(0), producer.Len())
	require.NoError(t, producer.Enqueue([]byte{1}))
	require.NoError(t, producer.Enqueue([]byte{2}))
	assert.Equal(t, uint64(2), producer.Len())
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "/tmp/mmap_queue_BTCETH-inbound.dat", QueuePath("/tmp", "BTCETH", "inbound"))
	assert.Equal(t, "/tmp/BTCETH.orders.dat", LogPath("/tmp", "BTCETH"))
}
