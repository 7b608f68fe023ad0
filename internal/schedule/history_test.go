package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryEviction(t *testing.T) {
	h := NewHistory()
	base := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)

	for i := 0; i < historyCapacity+25; i++ {
		h.Add(base.Add(time.Duration(i) * time.Second))
	}

	assert.Equal(t, historyCapacity, h.Len(), "ring must stay bounded")

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, base.Add(124*time.Second), last, "newest entry survives")

	// The oldest 25 entries were evicted, so nothing before base+25s remains.
	assert.Equal(t, historyCapacity, h.CountSince(base.Add(25*time.Second)))
}

func TestHistoryAverageInterval(t *testing.T) {
	t.Run("uneven gaps", func(t *testing.T) {
		h := NewHistory()
		base := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
		for _, offset := range []time.Duration{0, 10 * time.Second, 25 * time.Second, 40 * time.Second} {
			h.Add(base.Add(offset))
		}
		got := h.AverageInterval()
		assert.InDelta(t, 13333.0, float64(got.Milliseconds()), 1.0)
	})

	t.Run("too few entries", func(t *testing.T) {
		h := NewHistory()
		assert.Zero(t, h.AverageInterval())
		h.Add(time.Now())
		assert.Zero(t, h.AverageInterval())
	})
}

func TestHistoryActiveSession(t *testing.T) {
	h := NewHistory()
	now := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)

	for i := 0; i < activeSessionCount; i++ {
		h.Add(now.Add(-time.Duration(i+1) * time.Minute))
	}
	assert.False(t, h.ActiveSession(now), "threshold itself is not yet active")

	h.Add(now.Add(-30 * time.Second))
	assert.True(t, h.ActiveSession(now), "exceeding the threshold is active")

	// Entries older than the window stop counting.
	assert.False(t, h.ActiveSession(now.Add(30*time.Minute)))
}

func TestHistorySince(t *testing.T) {
	h := NewHistory()
	base := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		h.Add(base.Add(time.Duration(i) * time.Minute))
	}

	got := h.Since(base.Add(3 * time.Minute))
	require.Len(t, got, 2)
	assert.Equal(t, base.Add(3*time.Minute), got[0])
	assert.Equal(t, base.Add(4*time.Minute), got[1])
}
