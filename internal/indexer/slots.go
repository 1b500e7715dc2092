package indexer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"solanaETL/internal/chain"
	"solanaETL/internal/metrics"
	"solanaETL/internal/model"
	"solanaETL/internal/parser"
	"solanaETL/internal/storage"
)

const (
	modeBackfill    = "backfill"
	modeIncremental = "incremental"
)

// segment walks a slot range in order, batching events into the sink and
// checkpointing as it goes. Both orchestrators drive their ranges through it.
type segment struct {
	mode   string
	cfg    Config
	source BlockSource
	parser BlockParser
	sink   storage.Sink
	logger *zap.Logger

	// skipProcessed asks the sink before fetching each slot.
	skipProcessed bool
	// tolerateUnavailable skips slots the node reports as unavailable
	// instead of failing the segment.
	tolerateUnavailable bool

	checkpoint func(ctx context.Context, slot uint64) error
	onState    func(ChunkState)
}

type segmentStats struct {
	Slots  uint64
	Events int
}

func (s *segment) setState(state ChunkState) {
	if s.onState != nil {
		s.onState(state)
	}
}

// run processes r. A slot's events are flushed before any checkpoint at or
// beyond it, so the cursor never covers unwritten data.
func (s *segment) run(ctx context.Context, r SlotRange) (segmentStats, error) {
	var stats segmentStats
	batch := make([]model.CanonicalEvent, 0, s.cfg.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		start := time.Now()
		if err := s.sink.InsertEvents(ctx, batch); err != nil {
			return fmt.Errorf("insert %d events: %w", len(batch), err)
		}
		metrics.BatchFlushDuration.WithLabelValues(s.mode).Observe(time.Since(start).Seconds())
		metrics.EventsWritten.WithLabelValues(s.mode).Add(float64(len(batch)))
		stats.Events += len(batch)
		batch = make([]model.CanonicalEvent, 0, s.cfg.BatchSize)
		return nil
	}

	checkpoint := func(slot uint64) error {
		if err := flush(); err != nil {
			return err
		}
		if err := s.checkpoint(ctx, slot); err != nil {
			return fmt.Errorf("checkpoint slot %d: %w", slot, err)
		}
		s.setState(ChunkCheckpointed)
		return nil
	}

	var (
		sinceCheckpoint uint64
		checkpointed    bool
		lastCheckpoint  uint64
	)
	for slot := r.Start; slot < r.End; slot++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		events, err := s.processSlot(ctx, slot)
		if err != nil {
			return stats, err
		}
		stats.Slots++

		if len(events) > 0 {
			batch = append(batch, events...)
			s.setState(ChunkBatched)
		}
		if len(batch) >= s.cfg.BatchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}

		sinceCheckpoint++
		if sinceCheckpoint >= s.cfg.CheckpointInterval {
			if err := checkpoint(slot); err != nil {
				return stats, err
			}
			sinceCheckpoint = 0
			checkpointed, lastCheckpoint = true, slot
		}
	}

	if err := flush(); err != nil {
		return stats, err
	}
	if r.Len() > 0 && (!checkpointed || lastCheckpoint != r.End-1) {
		if err := checkpoint(r.End - 1); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

// processSlot returns the events of one slot. Skipped slots, unparseable
// blocks and (when tolerated) unavailable blocks yield no events and no
// error.
func (s *segment) processSlot(ctx context.Context, slot uint64) ([]model.CanonicalEvent, error) {
	if s.skipProcessed {
		done, err := s.sink.IsSlotProcessed(ctx, slot)
		if err != nil {
			return nil, fmt.Errorf("check slot %d: %w", slot, err)
		}
		if done {
			s.record("already_processed")
			return nil, nil
		}
	}

	s.setState(ChunkFetching)
	raw, ok, err := s.source.GetBlock(ctx, slot, s.cfg.Encoding)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if s.tolerateUnavailable && chain.IsSlotUnavailable(err) {
			s.logger.Warn("block unavailable, skipping slot", zap.Uint64("slot", slot), zap.Error(err))
			s.record("unavailable")
			return nil, nil
		}
		return nil, fmt.Errorf("fetch slot %d: %w", slot, err)
	}
	if !ok {
		s.logger.Debug("no block for slot", zap.Uint64("slot", slot))
		s.record("empty")
		return nil, nil
	}

	s.setState(ChunkParsing)
	events, err := s.parser.ParseBlock(raw, slot)
	if err != nil {
		s.logger.Warn("parse block failed, skipping slot", zap.Uint64("slot", slot), zap.Error(err))
		s.record("parse_error")
		return nil, nil
	}

	s.record("indexed")
	return parser.FlattenInstructions(events), nil
}

func (s *segment) record(outcome string) {
	metrics.SlotsProcessed.WithLabelValues(s.mode, outcome).Inc()
}
