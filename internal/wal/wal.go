// Package wal implements the append-only write-ahead log the sequencer
// writes before forwarding any event downstream. Unlike the bounded ring log
// kept for live inspection, the WAL grows: it is segmented so old segments
// can be archived, and every frame is checksummed for offline audit.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const frameOverhead = 8 // u32 length + u32 crc

// ErrChecksum reports a frame whose payload does not match its checksum.
var ErrChecksum = errors.New("wal: checksum mismatch")

// Config controls where segments live and when they rotate.
type Config struct {
	Dir         string
	Symbol      string
	SegmentSize int64 // rotate when a segment would exceed this many bytes
	SyncMode    bool  // fsync after every append
}

// Log is the single-writer append-only log.
type Log struct {
	cfg     Config
	file    *os.File
	writer  *bufio.Writer
	segment int
	written int64
	appends uint64
}

// Open creates or resumes the log, appending to the highest existing
// segment.
func Open(cfg Config) (*Log, error) {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 64 << 20
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir %s: %w", cfg.Dir, err)
	}

	l := &Log{cfg: cfg}
	segments, err := l.segments()
	if err != nil {
		return nil, err
	}
	if len(segments) > 0 {
		l.segment = segments[len(segments)-1]
	}
	if err := l.openSegment(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) segmentPath(n int) string {
	return filepath.Join(l.cfg.Dir, fmt.Sprintf("%s.wal.%06d", l.cfg.Symbol, n))
}

func (l *Log) segments() ([]int, error) {
	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read dir %s: %w", l.cfg.Dir, err)
	}
	prefix := l.cfg.Symbol + ".wal."
	var out []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

func (l *Log) openSegment() error {
	file, err := os.OpenFile(l.segmentPath(l.segment), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("wal: stat segment: %w", err)
	}
	l.file = file
	l.writer = bufio.NewWriter(file)
	l.written = info.Size()
	return nil
}

func (l *Log) rotate() error {
	if err := l.writer.Flush(); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}
	l.segment++
	return l.openSegment()
}

// Append writes one frame. The frame is on disk (or at least in the page
// cache, fsynced in SyncMode) before Append returns; the caller must not
// forward the event downstream until then.
func (l *Log) Append(payload []byte) error {
	frameSize := int64(frameOverhead + len(payload))
	if l.written+frameSize > l.cfg.SegmentSize && l.written > 0 {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("wal: rotate: %w", err)
		}
	}

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := l.writer.Write(hdr[:]); err != nil {
		return fmt.Errorf("wal: write length: %w", err)
	}
	if _, err := l.writer.Write(payload); err != nil {
		return fmt.Errorf("wal: write payload: %w", err)
	}
	binary.LittleEndian.PutUint32(hdr[:], crc32.ChecksumIEEE(payload))
	if _, err := l.writer.Write(hdr[:]); err != nil {
		return fmt.Errorf("wal: write checksum: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if l.cfg.SyncMode {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("wal: sync: %w", err)
		}
	}
	l.written += frameSize
	l.appends++
	return nil
}

// Appends returns the number of frames written by this handle.
func (l *Log) Appends() uint64 { return l.appends }

// Sync flushes buffered frames and fsyncs the current segment.
func (l *Log) Sync() error {
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Sync()
}

// Close flushes and closes the current segment.
func (l *Log) Close() error {
	if err := l.writer.Flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// Replay reads every frame across all segments in order and hands each
// payload to fn. It is an offline audit tool; it never touches the writer's
// state and may run against a live log's already-flushed prefix.
func Replay(cfg Config, fn func(payload []byte) error) error {
	l := &Log{cfg: cfg}
	segments, err := l.segments()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if err := replaySegment(l.segmentPath(seg), fn); err != nil {
			return err
		}
	}
	return nil
}

func replaySegment(path string, fn func(payload []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal: open %s: %w", path, err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("wal: read length in %s: %w", path, err)
		}
		payload := make([]byte, binary.LittleEndian.Uint32(hdr[:]))
		if _, err := io.ReadFull(reader, payload); err != nil {
			return fmt.Errorf("wal: read payload in %s: %w", path, err)
		}
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			return fmt.Errorf("wal: read checksum in %s: %w", path, err)
		}
		if binary.LittleEndian.Uint32(hdr[:]) != crc32.ChecksumIEEE(payload) {
			return fmt.Errorf("%w in %s", ErrChecksum, path)
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
}
