// Package memory is an in-process sink used for dry runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"solanaETL/internal/model"
)

// Sink keeps events and the cursor in maps. Separate Sink values never
// share state; use Shared to hand several workers the same store.
type Sink struct {
	store *Store
}

// Store is the state behind one or more Sinks.
type Store struct {
	mu      sync.Mutex
	events  map[string]model.CanonicalEvent
	slots   map[uint64]int
	cursor  uint64
	hasCur  bool
	inserts int
	writes  []uint64

	// FailInsert, when set, is returned by InsertEvents.
	FailInsert error
	// FailCursor, when set, is returned by UpdateLastSlot.
	FailCursor error
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		events: make(map[string]model.CanonicalEvent),
		slots:  make(map[uint64]int),
	}
}

// NewSink returns a sink over a private store.
func NewSink() *Sink {
	return &Sink{store: NewStore()}
}

// Shared returns a sink backed by st.
func Shared(st *Store) *Sink {
	return &Sink{store: st}
}

// Store exposes the backing store.
func (s *Sink) Store() *Store { return s.store }

func (s *Sink) Connect(context.Context) error { return nil }

func (s *Sink) InsertEvents(_ context.Context, events []model.CanonicalEvent) error {
	if err := model.ValidateEvents(events); err != nil {
		return err
	}
	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.FailInsert != nil {
		return st.FailInsert
	}
	if len(events) == 0 {
		return nil
	}
	for _, ev := range events {
		if _, ok := st.events[ev.EventID]; !ok {
			st.slots[ev.Slot]++
		}
		st.events[ev.EventID] = ev
	}
	st.inserts++
	return nil
}

func (s *Sink) LastSlot(context.Context) (uint64, bool, error) {
	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cursor, st.hasCur, nil
}

func (s *Sink) UpdateLastSlot(_ context.Context, slot uint64) error {
	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.FailCursor != nil {
		return st.FailCursor
	}
	st.cursor = slot
	st.hasCur = true
	st.writes = append(st.writes, slot)
	return nil
}

func (s *Sink) IsSlotProcessed(_ context.Context, slot uint64) (bool, error) {
	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.slots[slot] > 0, nil
}

func (s *Sink) HealthCheck(context.Context) error { return nil }

func (s *Sink) Close() {}

// SetCursor seeds the cursor without recording a write.
func (st *Store) SetCursor(slot uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cursor = slot
	st.hasCur = true
}

// Events returns stored events ordered by slot, then event id.
func (st *Store) Events() []model.CanonicalEvent {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]model.CanonicalEvent, 0, len(st.events))
	for _, ev := range st.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

// EventCount returns the number of distinct events.
func (st *Store) EventCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.events)
}

// InsertCalls returns how many non-empty batches were written.
func (st *Store) InsertCalls() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inserts
}

// CursorWrites returns every value passed to UpdateLastSlot, in order.
func (st *Store) CursorWrites() []uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]uint64(nil), st.writes...)
}

// Slots returns the distinct slots holding at least one event, ascending.
func (st *Store) Slots() []uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]uint64, 0, len(st.slots))
	for slot := range st.slots {
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetFailures sets injected errors under the store lock.
func (st *Store) SetFailures(insert, cursor error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.FailInsert = insert
	st.FailCursor = cursor
}
