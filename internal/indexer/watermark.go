package indexer

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"solanaETL/internal/metrics"
	"solanaETL/internal/storage"
)

// cursorGate turns per-chunk checkpoints into cursor writes. The cursor only
// moves to the end of the contiguous prefix of completed slots, never
// backwards, and never when the backfill starts past a gap above the
// persisted cursor.
type cursorGate struct {
	mu     sync.Mutex
	logger *zap.Logger

	chunks []SlotRange
	next   []uint64 // first slot of each chunk not yet checkpointed
	head   int      // first chunk not fully checkpointed

	floorLoaded bool
	hasFloor    bool
	floor       uint64
	disabled    bool
}

func newCursorGate(chunks []SlotRange, logger *zap.Logger) *cursorGate {
	next := make([]uint64, len(chunks))
	for i, c := range chunks {
		next[i] = c.Start
	}
	return &cursorGate{logger: logger, chunks: chunks, next: next}
}

// checkpoint records that chunk idx is complete through slot and writes the
// new watermark through sink when it moved forward.
func (g *cursorGate) checkpoint(ctx context.Context, sink storage.Sink, idx int, slot uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if slot+1 > g.next[idx] {
		g.next[idx] = slot + 1
	}
	for g.head < len(g.chunks) && g.next[g.head] >= g.chunks[g.head].End {
		g.head++
	}

	var frontier uint64
	if g.head == len(g.chunks) {
		frontier = g.chunks[len(g.chunks)-1].End
	} else {
		frontier = g.next[g.head]
	}
	if frontier == g.chunks[0].Start {
		return nil
	}
	mark := frontier - 1

	if !g.floorLoaded {
		cur, ok, err := sink.LastSlot(ctx)
		if err != nil {
			return err
		}
		g.floorLoaded = true
		if ok {
			g.hasFloor, g.floor = true, cur
			if g.chunks[0].Start > cur+1 {
				g.disabled = true
				g.logger.Warn("backfill starts past a gap above the cursor, cursor will not be advanced",
					zap.Uint64("cursor", cur),
					zap.Uint64("start", g.chunks[0].Start),
				)
			}
		}
	}
	if g.disabled || (g.hasFloor && mark <= g.floor) {
		return nil
	}

	if err := sink.UpdateLastSlot(ctx, mark); err != nil {
		return err
	}
	g.hasFloor, g.floor = true, mark
	metrics.Cursor.Set(float64(mark))
	return nil
}

// watermark returns the cursor as last written or read by the gate. ok is
// false when the gate never saw a cursor.
func (g *cursorGate) watermark() (slot uint64, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.floor, g.hasFloor
}
