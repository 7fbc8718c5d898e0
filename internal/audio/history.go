package audio

import "fmt"

// HistoryBuffer is a fixed-capacity ring of recent samples. Head is the
// global index of the oldest retained sample; it never decreases.
// HistoryBuffer is not safe for concurrent use.
type HistoryBuffer struct {
	buf   []int16
	start int
	size  int
	head  int64
}

// NewHistoryBuffer creates a ring retaining at most capacity samples.
func NewHistoryBuffer(capacity int) *HistoryBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &HistoryBuffer{buf: make([]int16, capacity)}
}

// Append adds samples, evicting the oldest ones when the ring is full.
// It returns the number of samples evicted.
func (h *HistoryBuffer) Append(samples []int16) int {
	capacity := len(h.buf)
	n := len(samples)
	if n == 0 {
		return 0
	}

	if n >= capacity {
		evicted := h.size + n - capacity
		copy(h.buf, samples[n-capacity:])
		h.start = 0
		h.size = capacity
		h.head += int64(evicted)
		return evicted
	}

	evicted := 0
	if overflow := h.size + n - capacity; overflow > 0 {
		h.drop(overflow)
		evicted = overflow
	}

	tail := (h.start + h.size) % capacity
	copied := copy(h.buf[tail:], samples)
	copy(h.buf, samples[copied:])
	h.size += n

	return evicted
}

// TrimTo discards every sample before global index idx and returns how
// many were discarded.
func (h *HistoryBuffer) TrimTo(idx int64) int {
	if idx <= h.head {
		return 0
	}
	n := int(min(idx-h.head, int64(h.size)))
	h.drop(n)
	return n
}

func (h *HistoryBuffer) drop(n int) {
	h.start = (h.start + n) % len(h.buf)
	h.size -= n
	h.head += int64(n)
}

// Slice copies the samples in the global range [from, to).
func (h *HistoryBuffer) Slice(from, to int64) ([]int16, error) {
	if from < h.head || to > h.End() || from > to {
		return nil, fmt.Errorf("range [%d, %d) outside retained [%d, %d)", from, to, h.head, h.End())
	}

	n := int(to - from)
	out := make([]int16, n)
	i := (h.start + int(from-h.head)) % len(h.buf)
	copied := copy(out, h.buf[i:min(i+n, len(h.buf))])
	copy(out[copied:], h.buf)

	return out, nil
}

// Head returns the global index of the oldest retained sample.
func (h *HistoryBuffer) Head() int64 { return h.head }

// End returns the global index one past the newest sample.
func (h *HistoryBuffer) End() int64 { return h.head + int64(h.size) }

// Len returns the number of retained samples.
func (h *HistoryBuffer) Len() int { return h.size }

// Cap returns the maximum number of retained samples.
func (h *HistoryBuffer) Cap() int { return len(h.buf) }
