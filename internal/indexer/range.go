package indexer

import "fmt"

// SlotRange is a half-open slot range [Start, End).
type SlotRange struct {
	Start uint64
	End   uint64
}

// Len returns the number of slots in the range.
func (r SlotRange) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// SplitRange splits [start, end) into consecutive chunks of chunkSize slots.
// The last chunk ends exactly at end.
func SplitRange(start, end, chunkSize uint64) ([]SlotRange, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("chunk size must be greater than zero")
	}
	if end < start {
		return nil, fmt.Errorf("end slot must be >= start slot")
	}

	ranges := make([]SlotRange, 0, (end-start+chunkSize-1)/chunkSize)
	for from := start; from < end; {
		to := end
		if end-from > chunkSize {
			to = from + chunkSize
		}
		ranges = append(ranges, SlotRange{Start: from, End: to})
		from = to
	}

	return ranges, nil
}
