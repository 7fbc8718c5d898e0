package vad

import "fmt"

// Event is a speech boundary reported by a Detector for one chunk.
// It is implemented by Open, Close and Instant only.
type Event interface {
	fmt.Stringer
	boundary()
}

// Open marks the start of a speech segment that has not ended yet.
type Open struct {
	StartMs int64 `json:"start_ms"`
}

// Close ends the segment opened by an earlier Open.
type Close struct {
	EndMs int64 `json:"end_ms"`
}

// Instant is a segment that opens and closes within one chunk.
type Instant struct {
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
}

func (Open) boundary() {}
func (Close) boundary() {}
func (Instant) boundary() {}

func (e Open) String() string { return fmt.Sprintf("open(%d)", e.StartMs) }
func (e Close) String() string { return fmt.Sprintf("close(%d)", e.EndMs) }
func (e Instant) String() string { return fmt.Sprintf("instant(%d,%d)", e.StartMs, e.EndMs) }

// FromPair converts a (start, end) pair using -1 as the "not yet known"
// marker, as produced by streaming models that report boundaries that way.
func FromPair(start, end int64) (Event, error) {
	switch {
	case start >= 0 && end == -1:
		return Open{StartMs: start}, nil
	case start == -1 && end >= 0:
		return Close{EndMs: end}, nil
	case start >= 0 && end >= 0:
		if end < start {
			return nil, fmt.Errorf("boundary end %d before start %d", end, start)
		}
		return Instant{StartMs: start, EndMs: end}, nil
	default:
		return nil, fmt.Errorf("invalid boundary pair (%d, %d)", start, end)
	}
}
