package schedule

import "time"

// historyCapacity bounds the navigation history; the oldest entry is evicted
// once the ring is full.
const historyCapacity = 100

// An "active session" means traffic dense enough to look like a user mid-visit.
const (
	activeSessionWindow = 10 * time.Minute
	activeSessionCount  = 3
)

// History is a bounded, ordered record of navigation timestamps. It is not
// safe for concurrent use; the Scheduler guards it.
type History struct {
	entries []time.Time
}

// NewHistory returns an empty history ring.
func NewHistory() *History {
	return &History{entries: make([]time.Time, 0, historyCapacity)}
}

// Add appends a navigation timestamp, evicting the oldest entry at capacity.
func (h *History) Add(t time.Time) {
	if len(h.entries) >= historyCapacity {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, t)
}

// Len reports how many timestamps are retained.
func (h *History) Len() int {
	return len(h.entries)
}

// Last returns the most recent entry.
func (h *History) Last() (time.Time, bool) {
	if len(h.entries) == 0 {
		return time.Time{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// CountSince reports how many entries are at or after cutoff.
func (h *History) CountSince(cutoff time.Time) int {
	n := 0
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// Since returns the entries at or after cutoff, oldest first.
func (h *History) Since(cutoff time.Time) []time.Time {
	idx := len(h.entries) - h.CountSince(cutoff)
	out := make([]time.Time, len(h.entries)-idx)
	copy(out, h.entries[idx:])
	return out
}

// AverageInterval is the mean gap between consecutive entries, zero when
// fewer than two are retained.
func (h *History) AverageInterval() time.Duration {
	if len(h.entries) < 2 {
		return 0
	}
	span := h.entries[len(h.entries)-1].Sub(h.entries[0])
	return span / time.Duration(len(h.entries)-1)
}

// ActiveSession reports whether recent traffic looks like a user mid-session.
func (h *History) ActiveSession(now time.Time) bool {
	return h.CountSince(now.Add(-activeSessionWindow)) > activeSessionCount
}
