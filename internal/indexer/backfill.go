package indexer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"solanaETL/internal/metrics"
	"solanaETL/internal/storage"
)

// ChunkResult is the outcome of one backfill chunk.
type ChunkResult struct {
	Range  SlotRange
	State  ChunkState
	Slots  uint64
	Events int
	Err    error
}

// BackfillReport summarizes a backfill run.
type BackfillReport struct {
	Chunks   []ChunkResult
	Done     int
	Failed   int
	Slots    uint64
	Events   int
	Duration time.Duration

	// Watermark is the cursor after the run, valid when HasWatermark.
	Watermark    uint64
	HasWatermark bool
	// HighestDone is the last slot of the highest completed chunk, valid
	// when HasDone.
	HighestDone uint64
	HasDone     bool
}

// Backfill loads a bounded slot range with a fixed number of concurrent
// chunks. Each chunk holds its own sink.
type Backfill struct {
	cfg     Config
	source  BlockSource
	parser  BlockParser
	newSink storage.Factory
	logger  *zap.Logger
}

// NewBackfill builds a Backfill with its dependencies.
func NewBackfill(cfg Config, source BlockSource, p BlockParser, newSink storage.Factory, logger *zap.Logger) *Backfill {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backfill{cfg: cfg, source: source, parser: p, newSink: newSink, logger: logger}
}

// Run processes [start, end). Chunk failures are logged and reported, not
// returned; the error is non-nil only for invalid input or cancellation.
func (b *Backfill) Run(ctx context.Context, start, end uint64) (BackfillReport, error) {
	began := time.Now()
	if err := b.cfg.validate(true); err != nil {
		return BackfillReport{}, err
	}

	chunks, err := SplitRange(start, end, b.cfg.ChunkSize)
	if err != nil {
		return BackfillReport{}, err
	}
	report := BackfillReport{Chunks: make([]ChunkResult, len(chunks))}
	for i, r := range chunks {
		report.Chunks[i] = ChunkResult{Range: r, State: ChunkPending}
	}
	if len(chunks) == 0 {
		b.logger.Info("nothing to backfill", zap.Uint64("start", start), zap.Uint64("end", end))
		return report, nil
	}

	b.logger.Info("backfill start",
		zap.Uint64("start", start),
		zap.Uint64("end", end),
		zap.Int("chunks", len(chunks)),
		zap.Int("workers", b.cfg.Workers),
	)

	gate := newCursorGate(chunks, b.logger)
	sem := semaphore.NewWeighted(int64(b.cfg.Workers))

	var wg sync.WaitGroup
	for i, r := range chunks {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, r SlotRange) {
			defer wg.Done()
			defer sem.Release(1)
			metrics.ActiveWorkers.Inc()
			defer metrics.ActiveWorkers.Dec()

			report.Chunks[i] = b.runChunk(ctx, i, r, gate)
		}(i, r)
	}
	wg.Wait()

	for _, c := range report.Chunks {
		switch c.State {
		case ChunkDone:
			report.Done++
			if last := c.Range.End - 1; !report.HasDone || last > report.HighestDone {
				report.HighestDone, report.HasDone = last, true
			}
		case ChunkFailed:
			report.Failed++
		}
		report.Slots += c.Slots
		report.Events += c.Events
	}
	report.Duration = time.Since(began)
	report.Watermark, report.HasWatermark = gate.watermark()

	b.logger.Info("backfill finished",
		zap.Int("done", report.Done),
		zap.Int("failed", report.Failed),
		zap.Int("not_started", len(chunks)-report.Done-report.Failed),
		zap.Uint64("slots", report.Slots),
		zap.Int("events", report.Events),
		zap.Duration("duration", report.Duration),
	)
	b.logWatermark(report)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// logWatermark reports where the cursor ended relative to the completed
// chunks. A cursor below the highest completed chunk means an earlier chunk
// failed or never ran and is holding it back.
func (b *Backfill) logWatermark(report BackfillReport) {
	if !report.HasDone {
		return
	}
	fields := []zap.Field{zap.Uint64("highest_completed", report.HighestDone)}
	if report.HasWatermark {
		fields = append(fields, zap.Uint64("watermark", report.Watermark))
	}
	if report.HasWatermark && report.Watermark >= report.HighestDone {
		b.logger.Info("cursor watermark", fields...)
		return
	}
	b.logger.Warn("cursor held behind completed chunks", fields...)
}

func (b *Backfill) runChunk(ctx context.Context, idx int, r SlotRange, gate *cursorGate) ChunkResult {
	res := ChunkResult{Range: r, State: ChunkPending}
	logger := b.logger.With(zap.Uint64("chunk_start", r.Start), zap.Uint64("chunk_end", r.End))

	fail := func(err error) ChunkResult {
		res.State = ChunkFailed
		res.Err = err
		metrics.Chunks.WithLabelValues(ChunkFailed.String()).Inc()
		logger.Error("chunk failed", zap.Uint64("slots", res.Slots), zap.Error(err))
		return res
	}

	sink, err := b.newSink()
	if err != nil {
		return fail(err)
	}
	defer sink.Close()

	if err := sink.Connect(ctx); err != nil {
		return fail(err)
	}

	seg := &segment{
		mode:                modeBackfill,
		cfg:                 b.cfg,
		source:              b.source,
		parser:              b.parser,
		sink:                sink,
		logger:              logger,
		skipProcessed:       true,
		tolerateUnavailable: true,
		checkpoint: func(ctx context.Context, slot uint64) error {
			return gate.checkpoint(ctx, sink, idx, slot)
		},
		onState: func(s ChunkState) { res.State = s },
	}

	stats, err := seg.run(ctx, r)
	res.Slots, res.Events = stats.Slots, stats.Events
	if err != nil {
		return fail(err)
	}

	res.State = ChunkDone
	metrics.Chunks.WithLabelValues(ChunkDone.String()).Inc()
	logger.Info("chunk done", zap.Uint64("slots", res.Slots), zap.Int("events", res.Events))
	return res
}
