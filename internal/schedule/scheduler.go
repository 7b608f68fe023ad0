// Package schedule paces navigation so request timing resembles a person
// browsing rather than a crawler on a metronome.
package schedule

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shade-cli/api/schemas"
)

// Pattern names, in selection priority order.
const (
	PatternEmergency = "emergency"
	PatternNight     = "night"
	PatternWeekend   = "weekend"
	PatternActive    = "active"
	PatternIdle      = "idle"
)

// TimingPattern supplies the base delay and jitter half-width for one traffic
// context.
type TimingPattern struct {
	Base     time.Duration `mapstructure:"base"`
	Variance time.Duration `mapstructure:"variance"`
}

// PatternConfig holds one TimingPattern per traffic context.
type PatternConfig struct {
	Emergency TimingPattern `mapstructure:"emergency"`
	Night     TimingPattern `mapstructure:"night"`
	Weekend   TimingPattern `mapstructure:"weekend"`
	Active    TimingPattern `mapstructure:"active"`
	Idle      TimingPattern `mapstructure:"idle"`
}

// Config tunes the scheduler. Zero fields fall back to defaults, so a
// partially filled Config is safe to run.
type Config struct {
	MinInterval       time.Duration `mapstructure:"min_interval"`
	MaxInterval       time.Duration `mapstructure:"max_interval"`
	BurstThreshold    int           `mapstructure:"burst_threshold"`
	BurstWindow       time.Duration `mapstructure:"burst_window"`
	BurstDecayWindow  time.Duration `mapstructure:"burst_decay_window"`
	MaxPenalty        float64       `mapstructure:"max_penalty"`
	EmergencyDuration time.Duration `mapstructure:"emergency_duration"`
	Patterns          PatternConfig `mapstructure:"patterns"`
}

// DefaultConfig returns the tuning used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MinInterval:       30 * time.Second,
		MaxInterval:       10 * time.Minute,
		BurstThreshold:    8,
		BurstWindow:       5 * time.Minute,
		BurstDecayWindow:  30 * time.Minute,
		MaxPenalty:        1.5,
		EmergencyDuration: time.Hour,
		Patterns: PatternConfig{
			Emergency: TimingPattern{Base: 8 * time.Minute, Variance: 2 * time.Minute},
			Night:     TimingPattern{Base: 5 * time.Minute, Variance: 90 * time.Second},
			Weekend:   TimingPattern{Base: 4 * time.Minute, Variance: time.Minute},
			Active:    TimingPattern{Base: 45 * time.Second, Variance: 15 * time.Second},
			Idle:      TimingPattern{Base: 90 * time.Second, Variance: 30 * time.Second},
		},
	}
}

// Validate rejects tunings the pacing math cannot work with.
func (c Config) Validate() error {
	if c.MinInterval < 0 {
		return errors.New("schedule: min_interval must not be negative")
	}
	if c.MaxInterval > 0 && c.MaxInterval < c.MinInterval {
		return errors.New("schedule: max_interval must be at least min_interval")
	}
	if c.BurstThreshold < 0 {
		return errors.New("schedule: burst_threshold must not be negative")
	}
	if c.MaxPenalty < 0 {
		return errors.New("schedule: max_penalty must not be negative")
	}
	return nil
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinInterval == 0 {
		c.MinInterval = def.MinInterval
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.BurstThreshold == 0 {
		c.BurstThreshold = def.BurstThreshold
	}
	if c.BurstWindow == 0 {
		c.BurstWindow = def.BurstWindow
	}
	if c.BurstDecayWindow == 0 {
		c.BurstDecayWindow = def.BurstDecayWindow
	}
	if c.MaxPenalty == 0 {
		c.MaxPenalty = def.MaxPenalty
	}
	if c.EmergencyDuration == 0 {
		c.EmergencyDuration = def.EmergencyDuration
	}
	fillPattern(&c.Patterns.Emergency, def.Patterns.Emergency)
	fillPattern(&c.Patterns.Night, def.Patterns.Night)
	fillPattern(&c.Patterns.Weekend, def.Patterns.Weekend)
	fillPattern(&c.Patterns.Active, def.Patterns.Active)
	fillPattern(&c.Patterns.Idle, def.Patterns.Idle)
	return c
}

func fillPattern(p *TimingPattern, def TimingPattern) {
	if p.Base == 0 {
		*p = def
	}
}

// Scheduler decides how long to wait before each navigation. It selects a
// timing pattern from the current clock and traffic history, scales it by a
// burst penalty, and jitters the result.
//
// Emergency pacing is a latch with an expiry timestamp, evaluated lazily
// against the injected clock on every read. Nothing runs in the background.
type Scheduler struct {
	mu             sync.Mutex
	cfg            Config
	clock          clock.Clock
	rng            *rand.Rand
	logger         *zap.Logger
	history        *History
	lastRequestAt  time.Time
	emergencyUntil time.Time // zero while in normal mode
}

// New builds a Scheduler. A nil clock means wall time, a nil rng means a
// time-seeded source, a nil logger means no logging.
func New(cfg Config, clk clock.Clock, rng *rand.Rand, logger *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		clock:   clk,
		rng:     rng,
		logger:  logger.Named("scheduler"),
		history: NewHistory(),
	}
}

// NextInterval computes the minimum delay before the next navigation may
// start.
func (s *Scheduler) NextInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextInterval(s.clock.Now())
}

func (s *Scheduler) nextInterval(now time.Time) time.Duration {
	emergency := s.emergencyActive(now)
	name, pattern := s.selectPattern(now, emergency)
	penalty := s.burstPenalty(now)

	interval := time.Duration(float64(pattern.Base) * (1 + penalty))
	if pattern.Variance > 0 {
		interval += time.Duration((s.rng.Float64()*2 - 1) * float64(pattern.Variance))
	}
	if interval < s.cfg.MinInterval {
		interval = s.cfg.MinInterval
	}
	// Emergency pacing is allowed to exceed the normal ceiling.
	if !emergency && interval > s.cfg.MaxInterval {
		interval = s.cfg.MaxInterval
	}

	s.logger.Debug("Computed navigation interval",
		zap.String("pattern", name),
		zap.Float64("burst_penalty", penalty),
		zap.Duration("interval", interval))
	return interval
}

// selectPattern picks the timing pattern by fixed priority:
// emergency, night, weekend, active session, idle. Hours are UTC.
func (s *Scheduler) selectPattern(now time.Time, emergency bool) (string, TimingPattern) {
	switch {
	case emergency:
		return PatternEmergency, s.cfg.Patterns.Emergency
	case isNight(now):
		return PatternNight, s.cfg.Patterns.Night
	case isWeekend(now):
		return PatternWeekend, s.cfg.Patterns.Weekend
	case s.history.ActiveSession(now):
		return PatternActive, s.cfg.Patterns.Active
	default:
		return PatternIdle, s.cfg.Patterns.Idle
	}
}

func isNight(now time.Time) bool {
	h := now.UTC().Hour()
	return h < 6 || h > 22
}

func isWeekend(now time.Time) bool {
	d := now.UTC().Weekday()
	return d == time.Saturday || d == time.Sunday
}

// burstPenalty scales delays with recent traffic density. Once the burst
// window holds more than the threshold, every request in it contributes a
// linearly decaying weight max(0, 1 - age/decayWindow); the sum is normalized
// by the threshold and capped.
func (s *Scheduler) burstPenalty(now time.Time) float64 {
	recent := s.history.Since(now.Add(-s.cfg.BurstWindow))
	if len(recent) <= s.cfg.BurstThreshold {
		return 0
	}
	var weight float64
	for _, t := range recent {
		age := now.Sub(t)
		if age >= s.cfg.BurstDecayWindow {
			continue
		}
		weight += 1 - float64(age)/float64(s.cfg.BurstDecayWindow)
	}
	penalty := weight / float64(s.cfg.BurstThreshold)
	if penalty > s.cfg.MaxPenalty {
		penalty = s.cfg.MaxPenalty
	}
	return penalty
}

// Record notes a completed navigation. A failure arms emergency pacing and
// pushes its expiry out; success alone never clears the latch early.
func (s *Scheduler) Record(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.history.Add(now)
	s.lastRequestAt = now
	if !success {
		s.emergencyUntil = now.Add(s.cfg.EmergencyDuration)
		s.logger.Warn("Emergency pacing armed",
			zap.Time("until", s.emergencyUntil))
	}
}

// Wait blocks until the computed interval since the last navigation has
// elapsed, or ctx is canceled. The first navigation never waits.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	now := s.clock.Now()
	var remaining time.Duration
	if !s.lastRequestAt.IsZero() {
		remaining = s.nextInterval(now) - now.Sub(s.lastRequestAt)
	}
	s.mu.Unlock()

	if remaining <= 0 {
		return nil
	}
	s.logger.Debug("Pacing next navigation", zap.Duration("wait", remaining))
	t := s.clock.Timer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceEmergency arms emergency pacing for d, or for the configured duration
// when d is zero.
func (s *Scheduler) ForceEmergency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		d = s.cfg.EmergencyDuration
	}
	s.emergencyUntil = s.clock.Now().Add(d)
	s.logger.Warn("Emergency pacing forced", zap.Time("until", s.emergencyUntil))
}

// EmergencyMode reports the latch state and its expiry.
func (s *Scheduler) EmergencyMode() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emergencyActive(s.clock.Now()), s.emergencyUntil
}

func (s *Scheduler) emergencyActive(now time.Time) bool {
	return !s.emergencyUntil.IsZero() && now.Before(s.emergencyUntil)
}

// Snapshot returns the scheduler's observable state for status reporting.
func (s *Scheduler) Snapshot() schemas.SchedulerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	emergency := s.emergencyActive(now)
	name, _ := s.selectPattern(now, emergency)
	return schemas.SchedulerSnapshot{
		Pattern:        name,
		EmergencyMode:  emergency,
		EmergencyUntil: s.emergencyUntil,
		LastRequestAt:  s.lastRequestAt,
		RecentRequests: s.history.CountSince(now.Add(-s.cfg.BurstWindow)),
		ActiveSession:  s.history.ActiveSession(now),
	}
}
