package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"solanaETL/internal/chain"
	"solanaETL/internal/etlerr"
	"solanaETL/internal/parser"
	"solanaETL/internal/storage"
	"solanaETL/internal/storage/memory"
)

// fakeSource serves generated blocks. Slots listed in missing have no block,
// slots in garbled return an unparseable block, and errs map slots to fetch
// errors.
type fakeSource struct {
	mu      sync.Mutex
	tip     uint64
	tipErr  error
	missing map[uint64]bool
	garbled map[uint64]bool
	errs    map[uint64]error
	fetched []uint64
	delay   time.Duration
}

func newFakeSource(tip uint64) *fakeSource {
	return &fakeSource{
		tip:     tip,
		missing: map[uint64]bool{},
		garbled: map[uint64]bool{},
		errs:    map[uint64]error{},
	}
}

func (f *fakeSource) GetSlot(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, f.tipErr
}

func (f *fakeSource) GetBlock(ctx context.Context, slot uint64, _ chain.Encoding) (json.RawMessage, bool, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, slot)

	if err := f.errs[slot]; err != nil {
		return nil, false, err
	}
	if f.missing[slot] {
		return nil, false, nil
	}
	if f.garbled[slot] {
		return json.RawMessage(`{"transactions": []}`), true, nil
	}
	return blockJSON(slot), true, nil
}

func (f *fakeSource) fetchedSlots() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.fetched...)
}

// blockJSON yields two events per slot: the transaction and one instruction.
func blockJSON(slot uint64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"blockTime": %d,
		"transactions": [{
			"meta": {"err": null},
			"transaction": {
				"signatures": ["sig-%d"],
				"message": {"instructions": [{"programId": "11111111111111111111111111111111"}]}
			}
		}]
	}`, 1700000000+slot, slot))
}

func unavailable(slot uint64) error {
	return &chain.CallError{Method: "getBlock", Code: -32004, Attempts: 1, Err: fmt.Errorf("block not available for slot %d", slot)}
}

func exhausted() error {
	return &chain.CallError{Method: "getBlock", Code: 503, Attempts: 6, Exhausted: true, Err: errors.New("service unavailable")}
}

func testConfig() Config {
	return Config{
		BatchSize:          3,
		CheckpointInterval: 4,
		ChunkSize:          10,
		Workers:            1,
		MaxSlotLag:         5,
		Encoding:           chain.EncodingJSONParsed,
	}
}

func sharedFactory(st *memory.Store) storage.Factory {
	return func() (storage.Sink, error) { return memory.Shared(st), nil }
}

func assertNonDecreasing(t *testing.T, writes []uint64) {
	t.Helper()
	for i := 1; i < len(writes); i++ {
		require.GreaterOrEqual(t, writes[i], writes[i-1], "cursor writes must not go backwards: %v", writes)
	}
}

func TestBackfillSingleChunk(t *testing.T) {
	st := memory.NewStore()
	src := newFakeSource(0)
	cfg := testConfig()
	cfg.ChunkSize = 100

	bf := NewBackfill(cfg, src, parser.New(nil), sharedFactory(st), nil)
	report, err := bf.Run(context.Background(), 100, 110)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Done)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, uint64(10), report.Slots)
	assert.Equal(t, 20, report.Events)
	assert.Equal(t, 20, st.EventCount())

	// checkpoints every 4 slots, then the chunk end
	assert.Equal(t, []uint64{103, 107, 109}, st.CursorWrites())
}

func TestBackfillToleratesBadSlots(t *testing.T) {
	st := memory.NewStore()
	src := newFakeSource(0)
	src.missing[2] = true
	src.garbled[3] = true
	src.errs[4] = unavailable(4)

	bf := NewBackfill(testConfig(), src, parser.New(nil), sharedFactory(st), nil)
	report, err := bf.Run(context.Background(), 0, 8)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Done)
	assert.Equal(t, []uint64{0, 1, 5, 6, 7}, st.Slots())

	slot, ok, err := memory.Shared(st).LastSlot(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), slot)
}

func TestBackfillSkipsProcessedSlots(t *testing.T) {
	st := memory.NewStore()
	src := newFakeSource(0)

	bf := NewBackfill(testConfig(), src, parser.New(nil), sharedFactory(st), nil)
	_, err := bf.Run(context.Background(), 0, 4)
	require.NoError(t, err)

	src2 := newFakeSource(0)
	bf = NewBackfill(testConfig(), src2, parser.New(nil), sharedFactory(st), nil)
	_, err = bf.Run(context.Background(), 0, 6)
	require.NoError(t, err)

	assert.Equal(t, []uint64{4, 5}, src2.fetchedSlots())
	assert.Equal(t, 12, st.EventCount())
}

func TestBackfillIdempotentRerun(t *testing.T) {
	st := memory.NewStore()

	for i := 0; i < 2; i++ {
		bf := NewBackfill(testConfig(), newFakeSource(0), parser.New(nil), sharedFactory(st), nil)
		_, err := bf.Run(context.Background(), 10, 30)
		require.NoError(t, err)
	}

	assert.Equal(t, 40, st.EventCount())
}

func TestBackfillFailedChunkHoldsCursor(t *testing.T) {
	st := memory.NewStore()
	src := newFakeSource(0)
	src.errs[12] = exhausted()

	cfg := testConfig()
	cfg.ChunkSize = 10
	cfg.Workers = 3

	bf := NewBackfill(cfg, src, parser.New(nil), sharedFactory(st), nil)
	report, err := bf.Run(context.Background(), 0, 30)
	require.NoError(t, err, "chunk failures are reported, not returned")

	assert.Equal(t, 2, report.Done)
	assert.Equal(t, 1, report.Failed)
	failed := report.Chunks[1]
	assert.Equal(t, ChunkFailed, failed.State)
	assert.Equal(t, SlotRange{Start: 10, End: 20}, failed.Range)
	assert.True(t, errors.Is(failed.Err, etlerr.ErrRPC))

	writes := st.CursorWrites()
	assertNonDecreasing(t, writes)
	require.NotEmpty(t, writes)
	// chunk 1 fails before its first checkpoint, so the watermark stays at
	// the end of chunk 0
	assert.Equal(t, uint64(9), writes[len(writes)-1])

	// slots after the failure in the same chunk were never attempted
	for _, slot := range src.fetchedSlots() {
		assert.False(t, slot > 12 && slot < 20, "slot %d fetched after chunk failure", slot)
	}
}

func TestBackfillReportsHeldWatermark(t *testing.T) {
	st := memory.NewStore()
	src := newFakeSource(0)
	src.errs[2] = exhausted()

	cfg := testConfig()
	cfg.ChunkSize = 10
	cfg.Workers = 3

	core, logs := observer.New(zapcore.InfoLevel)
	bf := NewBackfill(cfg, src, parser.New(nil), sharedFactory(st), zap.New(core))
	report, err := bf.Run(context.Background(), 0, 30)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Done)
	assert.True(t, report.HasDone)
	assert.Equal(t, uint64(29), report.HighestDone)
	assert.False(t, report.HasWatermark, "chunk 0 failed before any checkpoint")
	assert.Empty(t, st.CursorWrites())

	held := logs.FilterMessage("cursor held behind completed chunks").All()
	require.Len(t, held, 1)
	assert.Equal(t, zapcore.WarnLevel, held[0].Level)
	assert.Equal(t, uint64(29), held[0].ContextMap()["highest_completed"])
	assert.NotContains(t, held[0].ContextMap(), "watermark")
}

func TestBackfillReportsWatermarkAtEnd(t *testing.T) {
	st := memory.NewStore()

	core, logs := observer.New(zapcore.InfoLevel)
	bf := NewBackfill(testConfig(), newFakeSource(0), parser.New(nil), sharedFactory(st), zap.New(core))
	report, err := bf.Run(context.Background(), 0, 20)
	require.NoError(t, err)

	assert.True(t, report.HasWatermark)
	assert.Equal(t, uint64(19), report.Watermark)
	assert.Equal(t, uint64(19), report.HighestDone)

	entries := logs.FilterMessage("cursor watermark").All()
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(19), entries[0].ContextMap()["watermark"])
	assert.Empty(t, logs.FilterMessage("cursor held behind completed chunks").All())
}

func TestBackfillSinkFailureFailsChunk(t *testing.T) {
	st := memory.NewStore()
	st.SetFailures(etlerr.Database("insert events", errors.New("connection reset")), nil)

	bf := NewBackfill(testConfig(), newFakeSource(0), parser.New(nil), sharedFactory(st), nil)
	report, err := bf.Run(context.Background(), 0, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.True(t, errors.Is(report.Chunks[0].Err, etlerr.ErrDatabase))
	assert.Empty(t, st.CursorWrites())
}

func TestBackfillParallel(t *testing.T) {
	st := memory.NewStore()
	src := newFakeSource(0)
	src.delay = time.Millisecond

	var open, peak atomic.Int32
	factory := func() (storage.Sink, error) {
		n := open.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		return &countingSink{Sink: memory.Shared(st), open: &open}, nil
	}

	cfg := testConfig()
	cfg.ChunkSize = 5
	cfg.Workers = 3

	bf := NewBackfill(cfg, src, parser.New(nil), factory, nil)
	report, err := bf.Run(context.Background(), 0, 60)
	require.NoError(t, err)

	assert.Equal(t, 12, report.Done)
	assert.LessOrEqual(t, peak.Load(), int32(3), "at most Workers sinks open at once")
	assert.Equal(t, int32(0), open.Load(), "every sink is closed")
	assert.Equal(t, 120, st.EventCount())

	writes := st.CursorWrites()
	assertNonDecreasing(t, writes)
	assert.Equal(t, uint64(59), writes[len(writes)-1])
}

type countingSink struct {
	*memory.Sink
	open *atomic.Int32
}

func (c *countingSink) Close() { c.open.Add(-1) }

func TestBackfillEmptyRange(t *testing.T) {
	st := memory.NewStore()
	bf := NewBackfill(testConfig(), newFakeSource(0), parser.New(nil), sharedFactory(st), nil)

	report, err := bf.Run(context.Background(), 50, 50)
	require.NoError(t, err)
	assert.Empty(t, report.Chunks)
	assert.Empty(t, st.CursorWrites())
}

func TestBackfillInvalidInput(t *testing.T) {
	bf := NewBackfill(testConfig(), newFakeSource(0), parser.New(nil), sharedFactory(memory.NewStore()), nil)
	_, err := bf.Run(context.Background(), 10, 5)
	require.Error(t, err)

	cfg := testConfig()
	cfg.Workers = 0
	bf = NewBackfill(cfg, newFakeSource(0), parser.New(nil), sharedFactory(memory.NewStore()), nil)
	_, err = bf.Run(context.Background(), 0, 5)
	require.True(t, errors.Is(err, etlerr.ErrConfig))
}

func TestBackfillCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := memory.NewStore()
	bf := NewBackfill(testConfig(), newFakeSource(0), parser.New(nil), sharedFactory(st), nil)
	report, err := bf.Run(ctx, 0, 100)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, report.Done)
	assert.Empty(t, st.CursorWrites())
}

func TestBackfillFactoryError(t *testing.T) {
	factory := func() (storage.Sink, error) { return nil, etlerr.Config("bad sink") }
	bf := NewBackfill(testConfig(), newFakeSource(0), parser.New(nil), factory, nil)

	report, err := bf.Run(context.Background(), 0, 20)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
}

func TestCursorGateNeverRegresses(t *testing.T) {
	st := memory.NewStore()
	st.SetCursor(500)
	sink := memory.Shared(st)

	chunks, err := SplitRange(100, 120, 10)
	require.NoError(t, err)
	gate := newCursorGate(chunks, zapNop())

	require.NoError(t, gate.checkpoint(context.Background(), sink, 0, 109))
	require.NoError(t, gate.checkpoint(context.Background(), sink, 1, 119))
	assert.Empty(t, st.CursorWrites(), "watermark below the persisted cursor is not written")
}

func TestCursorGateWaitsForEarlierChunks(t *testing.T) {
	st := memory.NewStore()
	sink := memory.Shared(st)

	chunks, err := SplitRange(0, 30, 10)
	require.NoError(t, err)
	gate := newCursorGate(chunks, zapNop())
	ctx := context.Background()

	require.NoError(t, gate.checkpoint(ctx, sink, 2, 29))
	require.NoError(t, gate.checkpoint(ctx, sink, 1, 15))
	assert.Empty(t, st.CursorWrites())

	require.NoError(t, gate.checkpoint(ctx, sink, 0, 4))
	require.NoError(t, gate.checkpoint(ctx, sink, 0, 9))
	require.NoError(t, gate.checkpoint(ctx, sink, 1, 19))
	assert.Equal(t, []uint64{4, 15, 29}, st.CursorWrites())
}

func TestCursorGateGapAboveCursor(t *testing.T) {
	st := memory.NewStore()
	st.SetCursor(10)
	sink := memory.Shared(st)

	chunks, err := SplitRange(50, 60, 10)
	require.NoError(t, err)
	gate := newCursorGate(chunks, zapNop())

	require.NoError(t, gate.checkpoint(context.Background(), sink, 0, 59))
	assert.Empty(t, st.CursorWrites(), "slots 11..49 were never loaded")
}

func TestCursorGateContinuesFromCursor(t *testing.T) {
	st := memory.NewStore()
	st.SetCursor(49)
	sink := memory.Shared(st)

	chunks, err := SplitRange(50, 60, 10)
	require.NoError(t, err)
	gate := newCursorGate(chunks, zapNop())

	require.NoError(t, gate.checkpoint(context.Background(), sink, 0, 59))
	assert.Equal(t, []uint64{59}, st.CursorWrites())
}

func TestChunkStateString(t *testing.T) {
	states := []ChunkState{ChunkPending, ChunkFetching, ChunkParsing, ChunkBatched, ChunkCheckpointed, ChunkDone, ChunkFailed}
	want := []string{"pending", "fetching", "parsing", "batched", "checkpointed", "done", "failed"}
	for i, s := range states {
		assert.Equal(t, want[i], s.String())
	}
	assert.Equal(t, "unknown", ChunkState(99).String())
}
