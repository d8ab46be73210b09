// Package mmq implements a file-backed single-producer/single-consumer ring
// queue. Producer and consumer may be separate OS processes mapping the same
// file; each slot is published with a release store of the tail index and
// consumed after an acquire load, so no further synchronisation is needed as
// long as exactly one peer writes the tail and exactly one reads the head.
package mmq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Magic identifies a queue file.
const Magic uint64 = 0x4D514D50524F4451

// headerSize is fixed at one cache line so slot offsets never move between
// builds mapping the same file.
const headerSize = 64

// Header field offsets within the mapped file. head and tail are accessed
// atomically; they are 8-byte aligned by construction.
const (
	offMagic    = 0
	offCapacity = 8
	offSlotSize = 16
	offHead     = 24
	offTail     = 32
	offMask     = 40
)

// lenPrefixSize is the u32 length prefix in front of every slot payload.
const lenPrefixSize = 4

var (
	// ErrCapacity reports a capacity that is not a power of two.
	ErrCapacity = errors.New("mmq: capacity must be a power of two")
	// ErrFull reports an enqueue on a full queue.
	ErrFull = errors.New("mmq: queue is full")
	// ErrEmpty reports a dequeue on an empty queue.
	ErrEmpty = errors.New("mmq: queue is empty")
	// ErrPayloadTooLarge reports a payload exceeding the slot size.
	ErrPayloadTooLarge = errors.New("mmq: payload too large for slot")
	// ErrCorruptSlot reports a slot whose length prefix exceeds the slot size.
	ErrCorruptSlot = errors.New("mmq: corrupted length in slot")
	// ErrMagic reports a file that is not a queue.
	ErrMagic = errors.New("mmq: magic mismatch")
	// ErrTruncated reports a file whose size disagrees with its header.
	ErrTruncated = errors.New("mmq: file size does not match header")
)

// Queue is one endpoint of a mapped SPSC queue.
type Queue struct {
	file       *os.File
	data       []byte
	capacity   uint64
	slotSize   uint64
	mask       uint64
	maxPayload uint64
}

// Create initialises a new queue file at path. capacity must be a power of
// two; maxPayload is the largest payload a slot will hold.
func Create(path string, capacity, maxPayload uint64) (*Queue, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrCapacity, capacity)
	}

	slotSize := lenPrefixSize + maxPayload
	totalSize := int64(headerSize + capacity*slotSize)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mmq: create %s: %w", path, err)
	}
	if err := file.Truncate(totalSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("mmq: truncate %s: %w", path, err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mmq: mmap %s: %w", path, err)
	}

	binary.LittleEndian.PutUint64(data[offMagic:], Magic)
	binary.LittleEndian.PutUint64(data[offCapacity:], capacity)
	binary.LittleEndian.PutUint64(data[offSlotSize:], slotSize)
	binary.LittleEndian.PutUint64(data[offMask:], capacity-1)

	q := &Queue{
		file:       file,
		data:       data,
		capacity:   capacity,
		slotSize:   slotSize,
		mask:       capacity - 1,
		maxPayload: maxPayload,
	}
	atomic.StoreUint64(q.headPtr(), 0)
	atomic.StoreUint64(q.tailPtr(), 0)
	return q, nil
}

// Open maps an existing queue file and validates its header.
func Open(path string) (*Queue, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("mmq: open %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mmq: stat %s: %w", path, err)
	}
	totalSize := info.Size()
	if totalSize < headerSize {
		file.Close()
		return nil, fmt.Errorf("%w: %s is smaller than a header", ErrTruncated, path)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mmq: mmap %s: %w", path, err)
	}

	if got := binary.LittleEndian.Uint64(data[offMagic:]); got != Magic {
		unix.Munmap(data)
		file.Close()
		return nil, fmt.Errorf("%w: %s", ErrMagic, path)
	}
	capacity := binary.LittleEndian.Uint64(data[offCapacity:])
	slotSize := binary.LittleEndian.Uint64(data[offSlotSize:])
	if expected := int64(headerSize + capacity*slotSize); expected != totalSize {
		unix.Munmap(data)
		file.Close()
		return nil, fmt.Errorf("%w: %s expected %d bytes, got %d", ErrTruncated, path, expected, totalSize)
	}

	return &Queue{
		file:       file,
		data:       data,
		capacity:   capacity,
		slotSize:   slotSize,
		mask:       binary.LittleEndian.Uint64(data[offMask:]),
		maxPayload: slotSize - lenPrefixSize,
	}, nil
}

func (q *Queue) headPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&q.data[offHead]))
}

func (q *Queue) tailPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&q.data[offTail]))
}

// Capacity returns the number of slots.
func (q *Queue) Capacity() uint64 { return q.capacity }

// MaxPayload returns the largest payload a slot holds.
func (q *Queue) MaxPayload() uint64 { return q.maxPayload }

// Len returns the number of occupied slots at this instant.
func (q *Queue) Len() uint64 {
	return atomic.LoadUint64(q.tailPtr()) - atomic.LoadUint64(q.headPtr())
}

// Enqueue writes one payload. Only the single producer may call it.
func (q *Queue) Enqueue(payload []byte) error {
	if uint64(len(payload)) > q.maxPayload {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), q.maxPayload)
	}

	tail := atomic.LoadUint64(q.tailPtr())
	head := atomic.LoadUint64(q.headPtr())

	nextTail := tail + 1
	if nextTail-head > q.capacity {
		return ErrFull
	}

	slot := headerSize + (tail&q.mask)*q.slotSize
	binary.LittleEndian.PutUint32(q.data[slot:], uint32(len(payload)))
	copy(q.data[slot+lenPrefixSize:], payload)
	for i := slot + lenPrefixSize + uint64(len(payload)); i < slot+q.slotSize; i++ {
		q.data[i] = 0
	}

	// Release: slot bytes above are visible to any consumer that acquires
	// the new tail.
	atomic.StoreUint64(q.tailPtr(), nextTail)
	return nil
}

// Dequeue reads one payload into a fresh buffer. Only the single consumer
// may call it. Returns ErrEmpty when no message is pending.
func (q *Queue) Dequeue() ([]byte, error) {
	head := atomic.LoadUint64(q.headPtr())
	tail := atomic.LoadUint64(q.tailPtr())

	if tail == head {
		return nil, ErrEmpty
	}

	slot := headerSize + (head&q.mask)*q.slotSize
	length := uint64(binary.LittleEndian.Uint32(q.data[slot:]))
	if length > q.maxPayload {
		return nil, fmt.Errorf("%w: length %d at index %d", ErrCorruptSlot, length, head&q.mask)
	}

	out := make([]byte, length)
	copy(out, q.data[slot+lenPrefixSize:slot+lenPrefixSize+length])

	atomic.StoreUint64(q.headPtr(), head+1)
	return out, nil
}

// Close unmaps the file and closes the handle. The file itself stays on disk
// for other peers and post-mortem tooling.
func (q *Queue) Close() error {
	if q.data == nil {
		return nil
	}
	err := unix.Munmap(q.data)
	q.data = nil
	if cerr := q.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Path helpers shared by the sequencer, the engine and client tooling.

// QueuePath names a per-symbol pipeline queue file inside dir.
func QueuePath(dir, symbol, suffix string) string {
	return fmt.Sprintf("%s/mmap_queue_%s-%s.dat", dir, symbol, suffix)
}

// LogPath names the per-symbol bounded ring log inside dir.
func LogPath(dir, symbol string) string {
	return fmt.Sprintf("%s/%s.orders.dat", dir, symbol)
}
