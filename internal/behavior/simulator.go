// Package behavior layers human-looking interaction over a browser driver:
// think pauses, reading time, coherent mouse motion, scrolling, and typing
// cadence. Timing is the primary anti-detection surface, so every delay is
// drawn from a distribution rather than a constant.
package behavior

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"
	"unicode"

	"github.com/aquilax/go-perlin"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shade-cli/api/schemas"
)

// Perlin noise shape, shared by both axes.
const (
	noiseAlpha      = 2.0
	noiseBeta       = 2.0
	noiseIterations = 3
)

const (
	charsPerWord   = 5.0
	minReadSeconds = 2.0
	maxReadSeconds = 15.0
	readFractionLo = 0.3
	readFractionHi = 0.7

	// Cursor targets keep away from the viewport edges.
	viewportMargin = 20.0
)

// Config tunes the simulator. Zero fields fall back to defaults, so a
// partially filled Config is safe to run.
type Config struct {
	// Enabled turns the human layer on. When false, SimulatePageLoad is a
	// plain navigation.
	Enabled bool `mapstructure:"enabled"`

	ThinkMin time.Duration `mapstructure:"think_min"`
	ThinkMax time.Duration `mapstructure:"think_max"`

	ReadingWPM    int     `mapstructure:"reading_wpm"`
	Comprehension float64 `mapstructure:"comprehension"`

	MouseMovesMin int           `mapstructure:"mouse_moves_min"`
	MouseMovesMax int           `mapstructure:"mouse_moves_max"`
	MouseStepsMin int           `mapstructure:"mouse_steps_min"`
	MouseStepsMax int           `mapstructure:"mouse_steps_max"`
	MouseJitterPx float64       `mapstructure:"mouse_jitter_px"`
	StepDelay     time.Duration `mapstructure:"step_delay"`

	ScrollProbability float64 `mapstructure:"scroll_probability"`
	ScrollEventsMin   int     `mapstructure:"scroll_events_min"`
	ScrollEventsMax   int     `mapstructure:"scroll_events_max"`
	ScrollDownBias    float64 `mapstructure:"scroll_down_bias"`
	ScrollAmountMin   int     `mapstructure:"scroll_amount_min"`
	ScrollAmountMax   int     `mapstructure:"scroll_amount_max"`

	HoverProbability float64 `mapstructure:"hover_probability"`
	HoverMax         int     `mapstructure:"hover_max"`

	TypeDelayMin time.Duration `mapstructure:"type_delay_min"`
	TypeDelayMax time.Duration `mapstructure:"type_delay_max"`

	ActionPauseMin time.Duration `mapstructure:"action_pause_min"`
	ActionPauseMax time.Duration `mapstructure:"action_pause_max"`

	// Rng makes every draw reproducible when injected. Nil means time-seeded.
	Rng *rand.Rand `mapstructure:"-"`
}

// DefaultConfig returns the tuning used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		ThinkMin:          500 * time.Millisecond,
		ThinkMax:          2 * time.Second,
		ReadingWPM:        200,
		Comprehension:     0.85,
		MouseMovesMin:     2,
		MouseMovesMax:     6,
		MouseStepsMin:     5,
		MouseStepsMax:     8,
		MouseJitterPx:     3,
		StepDelay:         12 * time.Millisecond,
		ScrollProbability: 0.7,
		ScrollEventsMin:   1,
		ScrollEventsMax:   4,
		ScrollDownBias:    0.85,
		ScrollAmountMin:   120,
		ScrollAmountMax:   600,
		HoverProbability:  0.3,
		HoverMax:          3,
		TypeDelayMin:      60 * time.Millisecond,
		TypeDelayMax:      160 * time.Millisecond,
		ActionPauseMin:    200 * time.Millisecond,
		ActionPauseMax:    800 * time.Millisecond,
	}
}

// Validate rejects tunings the simulator cannot work with. Zero fields are
// fine; they mean "use the default".
func (c Config) Validate() error {
	if c.ThinkMin < 0 || c.ThinkMax < 0 || (c.ThinkMax > 0 && c.ThinkMin > c.ThinkMax) {
		return errors.New("behavior: think_min must not exceed think_max")
	}
	if c.ReadingWPM < 0 {
		return errors.New("behavior: reading_wpm must not be negative")
	}
	for name, p := range map[string]float64{
		"scroll_probability": c.ScrollProbability,
		"scroll_down_bias":   c.ScrollDownBias,
		"hover_probability":  c.HoverProbability,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("behavior: %s must be within [0,1]", name)
		}
	}
	if c.TypeDelayMax > 0 && c.TypeDelayMin > c.TypeDelayMax {
		return errors.New("behavior: type_delay_min must not exceed type_delay_max")
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ThinkMin == 0 {
		c.ThinkMin = def.ThinkMin
	}
	if c.ThinkMax == 0 {
		c.ThinkMax = def.ThinkMax
	}
	if c.ReadingWPM == 0 {
		c.ReadingWPM = def.ReadingWPM
	}
	if c.Comprehension == 0 {
		c.Comprehension = def.Comprehension
	}
	if c.MouseMovesMin == 0 {
		c.MouseMovesMin = def.MouseMovesMin
	}
	if c.MouseMovesMax == 0 {
		c.MouseMovesMax = def.MouseMovesMax
	}
	if c.MouseStepsMin == 0 {
		c.MouseStepsMin = def.MouseStepsMin
	}
	if c.MouseStepsMax == 0 {
		c.MouseStepsMax = def.MouseStepsMax
	}
	if c.MouseJitterPx == 0 {
		c.MouseJitterPx = def.MouseJitterPx
	}
	if c.StepDelay == 0 {
		c.StepDelay = def.StepDelay
	}
	if c.ScrollProbability == 0 {
		c.ScrollProbability = def.ScrollProbability
	}
	if c.ScrollEventsMin == 0 {
		c.ScrollEventsMin = def.ScrollEventsMin
	}
	if c.ScrollEventsMax == 0 {
		c.ScrollEventsMax = def.ScrollEventsMax
	}
	if c.ScrollDownBias == 0 {
		c.ScrollDownBias = def.ScrollDownBias
	}
	if c.ScrollAmountMin == 0 {
		c.ScrollAmountMin = def.ScrollAmountMin
	}
	if c.ScrollAmountMax == 0 {
		c.ScrollAmountMax = def.ScrollAmountMax
	}
	if c.HoverProbability == 0 {
		c.HoverProbability = def.HoverProbability
	}
	if c.HoverMax == 0 {
		c.HoverMax = def.HoverMax
	}
	if c.TypeDelayMin == 0 {
		c.TypeDelayMin = def.TypeDelayMin
	}
	if c.TypeDelayMax == 0 {
		c.TypeDelayMax = def.TypeDelayMax
	}
	if c.ActionPauseMin == 0 {
		c.ActionPauseMin = def.ActionPauseMin
	}
	if c.ActionPauseMax == 0 {
		c.ActionPauseMax = def.ActionPauseMax
	}
	return c
}

// Page probes, evaluated in the live page. Navigation stays on the driver;
// these only read layout.
const (
	visibleTextLengthJS = `document.body ? document.body.innerText.length : 0`

	interactiveCentersJS = `(() => {
	const out = [];
	for (const el of document.querySelectorAll('a, button, [role="button"], input, select, textarea')) {
		const r = el.getBoundingClientRect();
		if (r.width < 8 || r.height < 8) continue;
		if (r.bottom < 0 || r.right < 0 || r.top > innerHeight || r.left > innerWidth) continue;
		out.push({x: r.left + r.width / 2, y: r.top + r.height / 2});
		if (out.length >= 12) break;
	}
	return out;
})()`

	elementCenterJS = `(() => {
	const el = document.querySelector(%s);
	if (!el) return null;
	const r = el.getBoundingClientRect();
	return {x: r.left + r.width / 2, y: r.top + r.height / 2};
})()`
)

// Simulator wraps a Driver with human-looking interaction. It is
// single-owner like the driver itself; the engine serializes access.
type Simulator struct {
	mu     sync.Mutex
	cfg    Config
	driver schemas.Driver
	logger *zap.Logger
	rng    *rand.Rand

	noiseX *perlin.Perlin
	noiseY *perlin.Perlin
	noiseT float64
	pos    schemas.Point
}

// New builds a Simulator over a driver. A nil logger means no logging.
func New(cfg Config, driver schemas.Driver, logger *zap.Logger) *Simulator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	rng := cfg.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	seed := rng.Int63()
	return &Simulator{
		cfg:    cfg,
		driver: driver,
		logger: logger.Named("behavior"),
		rng:    rng,
		noiseX: perlin.NewPerlin(noiseAlpha, noiseBeta, noiseIterations, seed),
		noiseY: perlin.NewPerlin(noiseAlpha, noiseBeta, noiseIterations, seed+1),
	}
}

// NewTestSimulator builds a deterministic Simulator with delays shrunk to
// keep tests fast.
func NewTestSimulator(driver schemas.Driver, seed int64) *Simulator {
	cfg := DefaultConfig()
	cfg.ThinkMin = time.Millisecond
	cfg.ThinkMax = 2 * time.Millisecond
	cfg.StepDelay = time.Millisecond
	cfg.TypeDelayMin = time.Millisecond
	cfg.TypeDelayMax = 2 * time.Millisecond
	cfg.ActionPauseMin = time.Millisecond
	cfg.ActionPauseMax = 2 * time.Millisecond
	cfg.Rng = rand.New(rand.NewSource(seed))
	return New(cfg, driver, nil)
}

// SimulatePageLoad navigates wrapped in plausible human activity. Only the
// navigation's own failure reaches the caller; the interaction layer
// degrades by logging and moving on.
func (s *Simulator) SimulatePageLoad(ctx context.Context, url string, opts schemas.NavigateOptions) (*schemas.NavigateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled {
		return s.driver.Navigate(ctx, url, opts)
	}

	// Cancellation before the navigation starts aborts cleanly.
	if err := s.pause(ctx, s.thinkDelay()); err != nil {
		return nil, err
	}
	result, err := s.driver.Navigate(ctx, url, opts)
	if err != nil {
		return result, err
	}

	s.decorate(ctx)
	return result, nil
}

// decorate runs the post-load interaction sequence. Each step tolerates its
// own failure; only cancellation stops the sequence, and even that is not an
// error because the page already loaded.
func (s *Simulator) decorate(ctx context.Context) {
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"settle", func(ctx context.Context) error { return s.pause(ctx, s.thinkDelay()) }},
		{"read", s.readingPause},
		{"mouse", s.mouseActivity},
		{"scroll", s.scrollActivity},
		{"hover", s.hoverActivity},
	}
	for _, step := range steps {
		if ctx.Err() != nil {
			s.logger.Debug("Interaction sequence canceled", zap.String("at", step.name))
			return
		}
		if err := step.run(ctx); err != nil {
			if ctx.Err() != nil {
				s.logger.Debug("Interaction sequence canceled", zap.String("at", step.name))
				return
			}
			s.logger.Debug("Interaction step failed, continuing",
				zap.String("step", step.name), zap.Error(err))
		}
	}
}

// readingPause estimates how long a person would spend on the visible text
// and sleeps a fraction of it.
func (s *Simulator) readingPause(ctx context.Context) error {
	var chars int
	if err := s.driver.Evaluate(ctx, visibleTextLengthJS, &chars); err != nil {
		return fmt.Errorf("measuring visible text: %w", err)
	}
	words := float64(chars) / charsPerWord
	seconds := words / float64(s.cfg.ReadingWPM) * 60 * s.cfg.Comprehension
	seconds = math.Max(minReadSeconds, math.Min(maxReadSeconds, seconds))
	fraction := readFractionLo + s.rng.Float64()*(readFractionHi-readFractionLo)

	pause := time.Duration(seconds * fraction * float64(time.Second))
	// Scale against the configured think range so shrunk test configs stay fast.
	if pause > 10*s.cfg.ThinkMax {
		pause = 10 * s.cfg.ThinkMax
	}
	s.logger.Debug("Reading pause",
		zap.Int("chars", chars), zap.Duration("pause", pause))
	return s.pause(ctx, pause)
}

// mouseActivity drifts the cursor through a few random targets.
func (s *Simulator) mouseActivity(ctx context.Context) error {
	vp := s.driver.Viewport()
	if vp.Width <= 0 || vp.Height <= 0 {
		return nil
	}
	moves := s.intBetween(s.cfg.MouseMovesMin, s.cfg.MouseMovesMax)
	for i := 0; i < moves; i++ {
		target := schemas.Point{
			X: viewportMargin + s.rng.Float64()*(float64(vp.Width)-2*viewportMargin),
			Y: viewportMargin + s.rng.Float64()*(float64(vp.Height)-2*viewportMargin),
		}
		if err := s.glideTo(ctx, target, vp); err != nil {
			return err
		}
		if err := s.pause(ctx, s.actionPause()); err != nil {
			return err
		}
	}
	return nil
}

// glideTo interpolates cursor movement toward target with coherent noise,
// so no two paths ever repeat exactly. Every point stays inside the viewport.
func (s *Simulator) glideTo(ctx context.Context, target schemas.Point, vp schemas.Viewport) error {
	steps := s.intBetween(s.cfg.MouseStepsMin, s.cfg.MouseStepsMax)
	start := s.pos
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		s.noiseT += 0.1
		x := start.X + (target.X-start.X)*t + s.noiseX.Noise1D(s.noiseT)*s.cfg.MouseJitterPx
		y := start.Y + (target.Y-start.Y)*t + s.noiseY.Noise1D(s.noiseT)*s.cfg.MouseJitterPx
		x = clampFloat(x, 1, float64(vp.Width)-1)
		y = clampFloat(y, 1, float64(vp.Height)-1)
		if err := s.driver.MoveMouse(ctx, x, y); err != nil {
			return err
		}
		s.pos = schemas.Point{X: x, Y: y}
		if err := s.pause(ctx, s.jittered(s.cfg.StepDelay)); err != nil {
			return err
		}
	}
	return nil
}

// scrollActivity emits a short run of wheel events, mostly downward.
func (s *Simulator) scrollActivity(ctx context.Context) error {
	if s.rng.Float64() >= s.cfg.ScrollProbability {
		return nil
	}
	events := s.intBetween(s.cfg.ScrollEventsMin, s.cfg.ScrollEventsMax)
	for i := 0; i < events; i++ {
		delta := float64(s.intBetween(s.cfg.ScrollAmountMin, s.cfg.ScrollAmountMax))
		if s.rng.Float64() >= s.cfg.ScrollDownBias {
			// Upward corrections are shorter than the downward reading flow.
			delta = -delta * 0.6
		}
		if err := s.driver.Scroll(ctx, 0, delta); err != nil {
			return err
		}
		if err := s.pause(ctx, s.actionPause()); err != nil {
			return err
		}
	}
	return nil
}

// hoverActivity lingers over a few interactive elements found by a single
// layout probe.
func (s *Simulator) hoverActivity(ctx context.Context) error {
	if s.rng.Float64() >= s.cfg.HoverProbability {
		return nil
	}
	var points []schemas.Point
	if err := s.driver.Evaluate(ctx, interactiveCentersJS, &points); err != nil {
		return fmt.Errorf("probing interactive elements: %w", err)
	}
	if len(points) == 0 {
		return nil
	}
	s.rng.Shuffle(len(points), func(i, j int) {
		points[i], points[j] = points[j], points[i]
	})
	if len(points) > s.cfg.HoverMax {
		points = points[:s.cfg.HoverMax]
	}
	vp := s.driver.Viewport()
	for _, pt := range points {
		if err := s.glideTo(ctx, pt, vp); err != nil {
			return err
		}
		if err := s.pause(ctx, s.actionPause()); err != nil {
			return err
		}
	}
	return nil
}

// SimulateType focuses the element and types with human cadence: jittered
// per-rune delays, doubled after whitespace and punctuation.
func (s *Simulator) SimulateType(ctx context.Context, selector, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.driver.Focus(ctx, selector); err != nil {
		return fmt.Errorf("focusing %q: %w", selector, err)
	}
	if err := s.pause(ctx, s.actionPause()); err != nil {
		return err
	}
	for _, r := range text {
		if err := s.driver.SendKeys(ctx, string(r)); err != nil {
			return fmt.Errorf("typing into %q: %w", selector, err)
		}
		delay := s.uniform(s.cfg.TypeDelayMin, s.cfg.TypeDelayMax)
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			delay *= 2
		}
		if err := s.pause(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

// SimulateClick glides the cursor over the element, hesitates, then clicks.
func (s *Simulator) SimulateClick(ctx context.Context, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var center *schemas.Point
	probe := fmt.Sprintf(elementCenterJS, strconv.Quote(selector))
	if err := s.driver.Evaluate(ctx, probe, &center); err != nil || center == nil {
		s.logger.Debug("Element center probe failed, clicking directly",
			zap.String("selector", selector), zap.Error(err))
	} else {
		if err := s.glideTo(ctx, *center, s.driver.Viewport()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Debug("Cursor glide failed before click", zap.Error(err))
		}
		if err := s.pause(ctx, s.jittered(s.cfg.StepDelay*8)); err != nil {
			return err
		}
	}
	if err := s.driver.Click(ctx, selector); err != nil {
		return fmt.Errorf("clicking %q: %w", selector, err)
	}
	return nil
}

// thinkDelay draws from a normal distribution clamped to the configured
// range: mean at the center, sigma a sixth of the span, via Box-Muller.
func (s *Simulator) thinkDelay() time.Duration {
	lo := float64(s.cfg.ThinkMin)
	hi := float64(s.cfg.ThinkMax)
	mean := (lo + hi) / 2
	sigma := (hi - lo) / 6

	u1 := s.rng.Float64()
	for u1 == 0 {
		u1 = s.rng.Float64()
	}
	u2 := s.rng.Float64()
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)

	return time.Duration(math.Max(lo, math.Min(hi, mean+z*sigma)))
}

// pause sleeps cooperatively, honoring cancellation.
func (s *Simulator) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Simulator) actionPause() time.Duration {
	return s.uniform(s.cfg.ActionPauseMin, s.cfg.ActionPauseMax)
}

func (s *Simulator) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.rng.Float64()*float64(hi-lo))
}

// jittered spreads d by ±50%.
func (s *Simulator) jittered(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + s.rng.Float64()))
}

func (s *Simulator) intBetween(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + s.rng.Intn(hi-lo+1)
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
