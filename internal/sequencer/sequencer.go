// Package sequencer turns unordered client submissions into a totally
// ordered, durably logged event stream, and relays engine executions back to
// the order manager. One single-threaded loop drains four queues so neither
// direction can starve the other.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/satnam2609/exchange/internal/config"
	"github.com/satnam2609/exchange/internal/message"
	"github.com/satnam2609/exchange/internal/mmq"
	"github.com/satnam2609/exchange/internal/wal"
	"github.com/satnam2609/exchange/pkg/observability"
)

// Sequencer owns the sequence counter and the write-ahead log for one
// symbol. Events are logged before they are forwarded: an event the engine
// sees has always already been written to the write-ahead log file (and
// fsynced when the log runs in sync mode).
type Sequencer struct {
	symbol  string
	logger  *observability.Logger
	metrics *observability.MetricsProvider

	inboundManager  *mmq.Queue
	inboundEngine   *mmq.Queue
	outboundEngine  *mmq.Queue
	outboundManager *mmq.Queue
	ringLog         *mmq.Queue
	wal             *wal.Log

	seq          message.SeqID
	pollInterval time.Duration
}

// New creates the per-symbol queue files and the write-ahead log, replacing
// any stale queue files from a previous run.
func New(symbol string, cfg *config.Config, logger *observability.Logger, metrics *observability.MetricsProvider) (*Sequencer, error) {
	maxPayload := uint64(message.MaxPayloadSize(cfg.Queue.MaxOrderIDLen, cfg.Queue.MaxSymbolLen))

	s := &Sequencer{
		symbol:       symbol,
		logger:       logger,
		metrics:      metrics,
		pollInterval: cfg.Queue.PollInterval,
	}

	var err error
	if s.inboundManager, err = mmq.Create(mmq.QueuePath(cfg.Queue.Dir, symbol, "inbound-manager"), cfg.Queue.ClientCapacity, maxPayload); err != nil {
		return nil, fmt.Errorf("sequencer: inbound-manager: %w", err)
	}
	if s.inboundEngine, err = mmq.Create(mmq.QueuePath(cfg.Queue.Dir, symbol, "inbound"), cfg.Queue.ClientCapacity, maxPayload); err != nil {
		s.Close()
		return nil, fmt.Errorf("sequencer: inbound: %w", err)
	}
	if s.outboundEngine, err = mmq.Create(mmq.QueuePath(cfg.Queue.Dir, symbol, "outbound"), cfg.Queue.ClientCapacity, maxPayload); err != nil {
		s.Close()
		return nil, fmt.Errorf("sequencer: outbound: %w", err)
	}
	if s.outboundManager, err = mmq.Create(mmq.QueuePath(cfg.Queue.Dir, symbol, "outbound-manager"), cfg.Queue.ClientCapacity, maxPayload); err != nil {
		s.Close()
		return nil, fmt.Errorf("sequencer: outbound-manager: %w", err)
	}
	if s.ringLog, err = mmq.Create(mmq.LogPath(cfg.Queue.Dir, symbol), cfg.Queue.LogCapacity, maxPayload); err != nil {
		s.Close()
		return nil, fmt.Errorf("sequencer: ring log: %w", err)
	}
	if s.wal, err = wal.Open(wal.Config{
		Dir:         cfg.WAL.Dir,
		Symbol:      symbol,
		SegmentSize: cfg.WAL.SegmentSize,
		SyncMode:    cfg.WAL.SyncMode,
	}); err != nil {
		s.Close()
		return nil, fmt.Errorf("sequencer: wal: %w", err)
	}
	return s, nil
}

// Seq returns the next sequence id to be assigned.
func (s *Sequencer) Seq() message.SeqID { return s.seq }

// Run drives the cooperative loop until ctx is cancelled or a forward
// fails. Each round drains both directions completely, then sleeps one poll
// interval if the round moved nothing.
func (s *Sequencer) Run(ctx context.Context) error {
	s.logger.Info(ctx, "sequencer started", map[string]interface{}{
		"symbol": s.symbol,
	})
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "sequencer stopping", map[string]interface{}{
				"next_seq": s.seq.String(),
			})
			return s.wal.Sync()
		default:
		}

		moved, err := s.drainInbound(ctx)
		if err != nil {
			return err
		}
		outMoved, err := s.drainOutbound(ctx)
		if err != nil {
			return err
		}

		if !moved && !outMoved {
			time.Sleep(s.pollInterval)
		}
	}
}

// drainInbound promotes every pending client submission: assign the next
// seq id, append to the write-ahead log, mirror into the bounded ring log,
// then forward to the engine. The WAL append precedes the forward; a failed
// append drops the submission without advancing the counter, keeping
// "every assigned seq id is logged" absolute.
func (s *Sequencer) drainInbound(ctx context.Context) (bool, error) {
	moved := false
	for {
		payload, err := s.inboundManager.Dequeue()
		if err != nil {
			if errors.Is(err, mmq.ErrEmpty) {
				return moved, nil
			}
			return moved, fmt.Errorf("sequencer: inbound-manager dequeue: %w", err)
		}
		moved = true
		s.metrics.RecordDequeue(ctx, "inbound-manager")

		inbound, err := message.DecodeInbound(payload)
		if err != nil {
			s.metrics.RecordDecodeError(ctx, "inbound-manager")
			s.logger.Error(ctx, "dropping undecodable submission", err, map[string]interface{}{
				"bytes": len(payload),
			})
			continue
		}

		sequenced, err := s.promote(inbound)
		if err != nil {
			s.metrics.RecordRejectedOrder(ctx)
			s.logger.Error(ctx, "rejecting submission", err)
			continue
		}

		encoded := message.EncodeSequenced(sequenced)
		if err := s.wal.Append(encoded); err != nil {
			// Not logged means not sequenced: the counter stays put and the
			// submission never reaches the engine.
			s.metrics.RecordRejectedOrder(ctx)
			s.logger.Error(ctx, "write-ahead log append failed, submission dropped", err, map[string]interface{}{
				"seq_id": s.seq.String(),
			})
			continue
		}
		s.metrics.RecordWALAppend(ctx, len(encoded))
		s.seq = s.seq.Next()

		s.appendRingLog(ctx, encoded)

		if err := s.inboundEngine.Enqueue(encoded); err != nil {
			// The event is on disk and cannot be taken back; losing it from
			// the stream would desequence the engine.
			if errors.Is(err, mmq.ErrFull) {
				s.metrics.RecordOverflow(ctx, "inbound-engine")
			}
			return moved, fmt.Errorf("sequencer: forward after log: %w", err)
		}
		s.metrics.RecordEnqueue(ctx, "inbound-engine")
		s.metrics.RecordOrderSequenced(ctx)

		s.logger.Debug(ctx, "sequenced", map[string]interface{}{
			"kind":   int(sequenced.Kind),
			"seq_id": seqOf(sequenced).String(),
		})
	}
}

// promote validates a submission and stamps it with the current counter.
func (s *Sequencer) promote(in message.Inbound) (message.Sequenced, error) {
	switch in.Kind {
	case message.CommandNew:
		if err := in.Order.Validate(); err != nil {
			return message.Sequenced{}, err
		}
		return message.Sequenced{Kind: message.CommandNew, Order: in.Order.Promote(s.seq)}, nil
	case message.CommandCancel:
		if in.Cancel.OrderID == "" {
			return message.Sequenced{}, fmt.Errorf("cancel with empty order id")
		}
		return message.Sequenced{Kind: message.CommandCancel, Cancel: message.RawCancel{
			SeqID:   s.seq,
			OrderID: in.Cancel.OrderID,
			Symbol:  in.Cancel.Symbol,
		}}, nil
	}
	return message.Sequenced{}, fmt.Errorf("unhandled command kind %d", in.Kind)
}

// appendRingLog mirrors the event into the bounded ring. The ring holds the
// most recent events only: when full, the oldest slot is reclaimed. The
// sequencer is the ring's sole producer and sole consumer, so advancing the
// head here is within the SPSC contract.
func (s *Sequencer) appendRingLog(ctx context.Context, encoded []byte) {
	for {
		err := s.ringLog.Enqueue(encoded)
		if err == nil {
			s.metrics.RecordEnqueue(ctx, "ring-log")
			return
		}
		if errors.Is(err, mmq.ErrFull) {
			if _, derr := s.ringLog.Dequeue(); derr == nil {
				continue
			}
		}
		s.logger.Warn(ctx, "ring log write skipped", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
}

// drainOutbound relays engine executions to the order manager unchanged.
func (s *Sequencer) drainOutbound(ctx context.Context) (bool, error) {
	moved := false
	for {
		payload, err := s.outboundEngine.Dequeue()
		if err != nil {
			if errors.Is(err, mmq.ErrEmpty) {
				return moved, nil
			}
			return moved, fmt.Errorf("sequencer: outbound dequeue: %w", err)
		}
		moved = true
		s.metrics.RecordDequeue(ctx, "outbound-engine")

		if _, err := message.DecodeExecute(payload); err != nil {
			s.metrics.RecordDecodeError(ctx, "outbound-engine")
			s.logger.Error(ctx, "dropping undecodable execution", err, map[string]interface{}{
				"bytes": len(payload),
			})
			continue
		}

		if err := s.outboundManager.Enqueue(payload); err != nil {
			if errors.Is(err, mmq.ErrFull) {
				s.metrics.RecordOverflow(ctx, "outbound-manager")
			}
			return moved, fmt.Errorf("sequencer: outbound-manager enqueue: %w", err)
		}
		s.metrics.RecordEnqueue(ctx, "outbound-manager")
	}
}

func seqOf(sq message.Sequenced) message.SeqID {
	if sq.Kind == message.CommandCancel {
		return sq.Cancel.SeqID
	}
	return sq.Order.SeqID
}

// Close releases every queue mapping and the log.
func (s *Sequencer) Close() error {
	var first error
	for _, q := range []*mmq.Queue{s.inboundManager, s.inboundEngine, s.outboundEngine, s.outboundManager, s.ringLog} {
		if q == nil {
			continue
		}
		if err := q.Close(); err != nil && first == nil {
			first = err
		}
	}
	if s.wal != nil {
		if err := s.wal.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
