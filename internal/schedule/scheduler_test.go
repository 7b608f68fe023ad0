package schedule

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Tuesday noon UTC: no night or weekend pattern interference.
var quietTuesday = time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(quietTuesday)
	s := New(cfg, mock, rand.New(rand.NewSource(1)), zaptest.NewLogger(t))
	return s, mock
}

func TestPatternSelection(t *testing.T) {
	s, mock := newTestScheduler(t, Config{})

	cases := []struct {
		name string
		at   time.Time
		want string
	}{
		{"weekday noon is idle", quietTuesday, PatternIdle},
		{"early morning is night", time.Date(2025, 3, 4, 3, 0, 0, 0, time.UTC), PatternNight},
		{"late evening is night", time.Date(2025, 3, 4, 23, 0, 0, 0, time.UTC), PatternNight},
		{"saturday noon is weekend", time.Date(2025, 3, 8, 12, 0, 0, 0, time.UTC), PatternWeekend},
		{"night outranks weekend", time.Date(2025, 3, 8, 2, 0, 0, 0, time.UTC), PatternNight},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock.Set(tc.at)
			got, _ := s.selectPattern(mock.Now(), false)
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("dense traffic is active", func(t *testing.T) {
		mock.Set(quietTuesday)
		for i := 0; i < activeSessionCount+1; i++ {
			s.Record(true)
			mock.Add(time.Minute)
		}
		got, _ := s.selectPattern(mock.Now(), false)
		assert.Equal(t, PatternActive, got)
	})

	t.Run("emergency outranks everything", func(t *testing.T) {
		got, _ := s.selectPattern(mock.Now(), true)
		assert.Equal(t, PatternEmergency, got)
	})
}

func TestBurstPenalty(t *testing.T) {
	t.Run("quiet traffic has no penalty", func(t *testing.T) {
		s, mock := newTestScheduler(t, Config{})
		for i := 0; i < s.cfg.BurstThreshold; i++ {
			s.Record(true)
			mock.Add(10 * time.Second)
		}
		assert.Zero(t, s.burstPenalty(mock.Now()))
	})

	t.Run("burst traffic is penalized within the cap", func(t *testing.T) {
		s, mock := newTestScheduler(t, Config{})
		for i := 0; i < 12; i++ {
			s.Record(true)
			mock.Add(20 * time.Second)
		}
		penalty := s.burstPenalty(mock.Now())
		assert.Greater(t, penalty, 0.0)
		assert.LessOrEqual(t, penalty, s.cfg.MaxPenalty)
	})

	t.Run("penalty grows with density", func(t *testing.T) {
		s, mock := newTestScheduler(t, Config{})
		for i := 0; i < 9; i++ {
			s.Record(true)
			mock.Add(time.Second)
		}
		sparse := s.burstPenalty(mock.Now())
		for i := 0; i < 3; i++ {
			s.Record(true)
			mock.Add(time.Second)
		}
		dense := s.burstPenalty(mock.Now())
		assert.Greater(t, sparse, 0.0)
		assert.Greater(t, dense, sparse)
	})
}

func TestNextIntervalBounds(t *testing.T) {
	s, mock := newTestScheduler(t, Config{})

	// Sweep clock contexts and traffic loads; outside emergency mode every
	// draw must stay inside the configured floor and ceiling.
	moments := []time.Time{
		quietTuesday,
		time.Date(2025, 3, 4, 3, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 8, 12, 0, 0, 0, time.UTC),
	}
	for _, at := range moments {
		mock.Set(at)
		for i := 0; i < 50; i++ {
			got := s.NextInterval()
			assert.GreaterOrEqual(t, got, s.cfg.MinInterval)
			assert.LessOrEqual(t, got, s.cfg.MaxInterval)
		}
		for i := 0; i < 12; i++ {
			s.Record(true)
			mock.Add(time.Second)
		}
		for i := 0; i < 50; i++ {
			got := s.NextInterval()
			assert.GreaterOrEqual(t, got, s.cfg.MinInterval)
			assert.LessOrEqual(t, got, s.cfg.MaxInterval)
		}
	}
}

func TestEmergencyLatch(t *testing.T) {
	t.Run("failure arms and expires exactly", func(t *testing.T) {
		s, mock := newTestScheduler(t, Config{})
		s.Record(false)

		on, until := s.EmergencyMode()
		assert.True(t, on)
		assert.Equal(t, quietTuesday.Add(time.Hour), until)

		mock.Add(time.Hour - time.Second)
		on, _ = s.EmergencyMode()
		assert.True(t, on, "still armed just before expiry")

		mock.Add(time.Second)
		on, _ = s.EmergencyMode()
		assert.False(t, on, "latch clears at the expiry instant")
	})

	t.Run("repeat failures extend the expiry", func(t *testing.T) {
		s, mock := newTestScheduler(t, Config{})
		s.Record(false)
		mock.Add(30 * time.Minute)
		s.Record(false)

		mock.Add(45 * time.Minute)
		on, until := s.EmergencyMode()
		assert.True(t, on, "second failure re-armed the latch")
		assert.Equal(t, quietTuesday.Add(90*time.Minute), until)
	})

	t.Run("success never clears the latch early", func(t *testing.T) {
		s, mock := newTestScheduler(t, Config{})
		s.Record(false)
		mock.Add(time.Minute)
		s.Record(true)
		on, _ := s.EmergencyMode()
		assert.True(t, on)
	})

	t.Run("forced emergency uses the configured duration", func(t *testing.T) {
		s, _ := newTestScheduler(t, Config{})
		s.ForceEmergency(0)
		on, until := s.EmergencyMode()
		assert.True(t, on)
		assert.Equal(t, quietTuesday.Add(time.Hour), until)
	})
}

func TestWait(t *testing.T) {
	// Real clock with millisecond tuning keeps these deterministic enough.
	tiny := Config{
		MinInterval: time.Millisecond,
		MaxInterval: 100 * time.Millisecond,
		Patterns: PatternConfig{
			Emergency: TimingPattern{Base: 20 * time.Millisecond},
			Night:     TimingPattern{Base: 20 * time.Millisecond},
			Weekend:   TimingPattern{Base: 20 * time.Millisecond},
			Active:    TimingPattern{Base: 20 * time.Millisecond},
			Idle:      TimingPattern{Base: 20 * time.Millisecond},
		},
	}

	t.Run("first navigation does not wait", func(t *testing.T) {
		s := New(tiny, nil, rand.New(rand.NewSource(1)), zaptest.NewLogger(t))
		start := time.Now()
		require.NoError(t, s.Wait(context.Background()))
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("subsequent navigations pace out", func(t *testing.T) {
		s := New(tiny, nil, rand.New(rand.NewSource(1)), zaptest.NewLogger(t))
		s.Record(true)
		start := time.Now()
		require.NoError(t, s.Wait(context.Background()))
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
		assert.Less(t, elapsed, 2*time.Second)
	})

	t.Run("cancellation interrupts the wait", func(t *testing.T) {
		slow := tiny
		slow.MaxInterval = time.Minute
		slow.Patterns = PatternConfig{
			Emergency: TimingPattern{Base: 10 * time.Second},
			Night:     TimingPattern{Base: 10 * time.Second},
			Weekend:   TimingPattern{Base: 10 * time.Second},
			Active:    TimingPattern{Base: 10 * time.Second},
			Idle:      TimingPattern{Base: 10 * time.Second},
		}
		s := New(slow, nil, rand.New(rand.NewSource(1)), zaptest.NewLogger(t))
		s.Record(true)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		err := s.Wait(ctx)
		require.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestSnapshot(t *testing.T) {
	s, mock := newTestScheduler(t, Config{})
	for i := 0; i < 5; i++ {
		s.Record(true)
		mock.Add(30 * time.Second)
	}
	s.Record(false)

	snap := s.Snapshot()
	assert.Equal(t, PatternEmergency, snap.Pattern)
	assert.True(t, snap.EmergencyMode)
	assert.True(t, snap.ActiveSession)
	assert.Equal(t, 6, snap.RecentRequests)
	assert.Equal(t, mock.Now(), snap.LastRequestAt)
}
