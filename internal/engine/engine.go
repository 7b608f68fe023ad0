// Package engine composes the identity pool, profile store, scheduler,
// behavior simulator, and both monitors into one navigable browser facade.
// Every navigation runs through an ordered stage pipeline that is declared
// at construction, so the interception order is visible in one place.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shade-cli/api/schemas"
	"github.com/xkilldash9x/shade-cli/internal/behavior"
	"github.com/xkilldash9x/shade-cli/internal/browser/stealth"
	"github.com/xkilldash9x/shade-cli/internal/identity"
	"github.com/xkilldash9x/shade-cli/internal/monitor"
	"github.com/xkilldash9x/shade-cli/internal/observability"
	"github.com/xkilldash9x/shade-cli/internal/profile"
	"github.com/xkilldash9x/shade-cli/internal/schedule"
)

var (
	// ErrEngineClosed is returned by every operation after Close.
	ErrEngineClosed = errors.New("engine: closed")
	// ErrNotInitialized is returned by operations that need a live browser
	// before Initialize has succeeded.
	ErrNotInitialized = errors.New("engine: not initialized")
)

const (
	engineStatusOpen int32 = iota
	engineStatusClosed
)

// saveTimeout bounds one background session save.
const saveTimeout = 15 * time.Second

// Config tunes the engine itself. Component tuning lives with the components.
type Config struct {
	// SaveEvery persists the live session after every Nth navigation.
	// Zero disables opportunistic saves; the final save on Close still runs.
	SaveEvery int
	// ProfileMaxAge bounds CleanupProfiles and the memory-alert cleanup.
	ProfileMaxAge time.Duration
	// Behavior tunes the human layer built during Initialize.
	Behavior behavior.Config
}

func (c Config) withDefaults() Config {
	if c.ProfileMaxAge == 0 {
		c.ProfileMaxAge = 30 * 24 * time.Hour
	}
	return c
}

// Deps carries the engine's collaborators. Everything is injected so tests
// can substitute any piece; nothing is reached through package globals.
type Deps struct {
	Identity    *identity.Manager
	Profiles    *profile.Store
	Scheduler   *schedule.Scheduler
	Detection   *monitor.DetectionMonitor
	Performance *monitor.PerformanceMonitor
	NewDriver   schemas.DriverFactory

	// Clock and Rand default to the real clock and a time-seeded source.
	Clock clock.Clock
	Rand  *rand.Rand

	// Metrics may be nil; a nil sink drops every observation.
	Metrics *observability.Metrics
}

func (d Deps) validate() error {
	switch {
	case d.Identity == nil:
		return errors.New("engine: identity manager is required")
	case d.Profiles == nil:
		return errors.New("engine: profile store is required")
	case d.Scheduler == nil:
		return errors.New("engine: scheduler is required")
	case d.Detection == nil:
		return errors.New("engine: detection monitor is required")
	case d.Performance == nil:
		return errors.New("engine: performance monitor is required")
	case d.NewDriver == nil:
		return errors.New("engine: driver factory is required")
	}
	return nil
}

// nav is the mutable state threaded through the navigation pipeline.
type nav struct {
	url     string
	opts    schemas.NavigateOptions
	spanID  string
	started time.Time
	result  *schemas.NavigateResult
	err     error
}

// stage is one named step of the navigation pipeline. A returned error
// aborts the remaining stages and the navigation.
type stage struct {
	name string
	run  func(ctx context.Context, n *nav) error
}

// StealthEngine is the composition root. One instance owns one browser
// context; navigation calls must be serialized by the caller and are
// additionally guarded by the engine mutex.
type StealthEngine struct {
	cfg    Config
	logger *zap.Logger
	deps   Deps

	pipeline []stage

	mu          sync.Mutex
	driver      schemas.Driver
	behavior    *behavior.Simulator
	purpose     string
	profileID   string
	navigations int64

	// pendingStorage holds restored localStorage until the first successful
	// navigation gives it an origin to land on.
	pendingStorage  map[string]string
	storageRestored bool

	closeStatus int32

	bgCtx    context.Context
	bgCancel context.CancelFunc
	saveWG   sync.WaitGroup
}

// New wires the engine and declares its navigation pipeline. The browser
// itself is not launched until Initialize.
func New(cfg Config, logger *zap.Logger, deps Deps) (*StealthEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(deps.Clock.Now().UnixNano()))
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	e := &StealthEngine{
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("engine"),
		deps:     deps,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
	e.pipeline = []stage{
		{name: "gate", run: e.stageGate},
		{name: "span", run: e.stageSpan},
		{name: "attempt", run: e.stageAttempt},
		{name: "delegate", run: e.stageDelegate},
		{name: "complete", run: e.stageComplete},
	}
	return e, nil
}

// Initialize launches the browser for one purpose: resolve the profile,
// start the driver with the current identity, restore persisted session
// state, and arm the monitors.
func (e *StealthEngine) Initialize(ctx context.Context, purpose string) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	if purpose == "" {
		return errors.New("engine: purpose must not be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.driver != nil {
		return fmt.Errorf("engine: already initialized for purpose %q", e.purpose)
	}

	ident := e.deps.Identity.Current()
	profileID := e.deps.Profiles.GetOrCreate(purpose, profile.CreateOptions{
		UserAgent: ident.UserAgent,
		Viewport:  ident.Viewport,
		Tags:      []string{purpose},
	})

	driver, err := e.deps.NewDriver(ctx, schemas.DriverOptions{
		Identity:      ident,
		ProfileDir:    e.deps.Profiles.Dir(profileID),
		StealthScript: stealth.Script(ident),
	})
	if err != nil {
		return fmt.Errorf("engine: driver launch: %w", err)
	}

	// Session state is best-effort: a fresh or unreadable profile starts empty.
	cookies, storage, err := e.deps.Profiles.RestoreSession(profileID)
	if err != nil && !errors.Is(err, profile.ErrProfileNotFound) {
		e.logger.Warn("Session restore failed, starting empty", zap.Error(err))
	}
	if len(cookies) > 0 {
		if err := driver.SetCookies(ctx, cookies); err != nil {
			e.logger.Warn("Cookie restore failed", zap.Error(err))
		} else {
			e.logger.Debug("Cookies restored", zap.Int("count", len(cookies)))
		}
	}
	e.pendingStorage = storage
	e.storageRestored = len(storage) == 0

	behaviorCfg := e.cfg.Behavior
	if behaviorCfg.Rng == nil {
		// Derive the simulator's stream from the engine source so one seed
		// reproduces the whole run.
		behaviorCfg.Rng = rand.New(rand.NewSource(e.deps.Rand.Int63()))
	}
	e.behavior = behavior.New(behaviorCfg, driver, e.logger)

	e.wireAlerts()
	e.deps.Performance.StartMonitoring(e.bgCtx)

	e.driver = driver
	e.purpose = purpose
	e.profileID = profileID
	e.deps.Metrics.SetProfileCount(len(e.deps.Profiles.List()))

	e.logger.Info("Engine initialized",
		zap.String("purpose", purpose),
		zap.String("profile_id", profileID),
		zap.String("user_agent", ident.UserAgent))
	return nil
}

// Navigate runs the declared pipeline for one page load. Only the
// navigation's own failure reaches the caller; every other subsystem
// degrades into logs and metrics.
func (e *StealthEngine) Navigate(ctx context.Context, url string, opts schemas.NavigateOptions) (*schemas.NavigateResult, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.driver == nil {
		return nil, ErrNotInitialized
	}

	n := &nav{url: url, opts: opts}
	for _, st := range e.pipeline {
		if err := st.run(ctx, n); err != nil {
			e.logger.Debug("Navigation aborted",
				zap.String("stage", st.name),
				zap.String("url", url),
				zap.Error(err))
			return nil, err
		}
	}
	if n.err != nil {
		return nil, n.err
	}
	return n.result, nil
}

// -- Pipeline Stages --

func (e *StealthEngine) stageGate(ctx context.Context, _ *nav) error {
	if err := e.deps.Scheduler.Wait(ctx); err != nil {
		return fmt.Errorf("engine: schedule gate: %w", err)
	}
	return nil
}

func (e *StealthEngine) stageSpan(_ context.Context, n *nav) error {
	n.spanID = e.deps.Performance.StartOperation("navigate")
	n.started = e.deps.Clock.Now()
	return nil
}

func (e *StealthEngine) stageAttempt(_ context.Context, _ *nav) error {
	e.deps.Detection.RecordAttempt()
	return nil
}

func (e *StealthEngine) stageDelegate(ctx context.Context, n *nav) error {
	n.result, n.err = e.behavior.SimulatePageLoad(ctx, n.url, n.opts)
	return nil
}

func (e *StealthEngine) stageComplete(ctx context.Context, n *nav) error {
	blocked := n.result != nil && n.result.Blocked
	success := n.err == nil && !blocked

	details := ""
	switch {
	case n.err != nil:
		details = n.err.Error()
	case blocked:
		details = fmt.Sprintf("block page suspected: %s (status %d)", n.result.FinalURL, n.result.Status)
	}

	e.deps.Performance.EndOperation(n.spanID, success, details)
	e.deps.Detection.Record(success, details)
	e.deps.Scheduler.Record(success)
	e.navigations++

	outcome := observability.NavSuccess
	switch {
	case n.err != nil:
		outcome = observability.NavFailure
	case blocked:
		outcome = observability.NavBlocked
	}
	e.deps.Metrics.RecordNavigation(outcome, e.deps.Clock.Now().Sub(n.started))
	e.deps.Metrics.SetIncidentsInWindow(e.deps.Detection.Status().IncidentsInWindow)
	emergency, _ := e.deps.Scheduler.EmergencyMode()
	e.deps.Metrics.SetEmergencyMode(emergency)
	e.deps.Metrics.SetAvgLatency(e.deps.Performance.Report().AvgLatencyMs)

	if success && !e.storageRestored {
		// localStorage is origin-scoped, so the restore waits for the first
		// real page. One attempt; stale state is not worth retry loops.
		if err := e.driver.SetLocalStorage(ctx, e.pendingStorage); err != nil {
			e.logger.Warn("Local storage restore failed", zap.Error(err))
		} else {
			e.logger.Debug("Local storage restored", zap.Int("keys", len(e.pendingStorage)))
		}
		e.storageRestored = true
		e.pendingStorage = nil
	}

	if e.cfg.SaveEvery > 0 && e.navigations%int64(e.cfg.SaveEvery) == 0 {
		e.saveSessionAsync()
	}
	return nil
}

// -- Alert Remediation --

// wireAlerts subscribes the one-directional monitor→engine feedback loop.
// Callbacks run on the recording goroutine with monitor locks released and
// must not touch the engine mutex.
func (e *StealthEngine) wireAlerts() {
	e.deps.Detection.RegisterAlertCallback(func(alert schemas.DetectionAlert) {
		switch alert.Severity {
		case schemas.SeverityCritical:
			e.logger.Warn("Critical detection threshold crossed, rotating identity",
				zap.Int("incidents", alert.Incidents),
				zap.String("message", alert.Message))
			e.RotateIdentity()
			e.deps.Scheduler.ForceEmergency(0)
		case schemas.SeverityWarning:
			e.logger.Warn("Detection threshold crossed, entering emergency pacing",
				zap.Int("incidents", alert.Incidents),
				zap.String("message", alert.Message))
			e.deps.Scheduler.ForceEmergency(0)
		}
		e.deps.Metrics.SetEmergencyMode(true)
		e.deps.Metrics.SetIncidentsInWindow(alert.Incidents)
	})

	e.deps.Performance.RegisterAlertCallback(func(alert schemas.PerformanceAlert) {
		if alert.Type != schemas.PerfAlertMemory {
			e.logger.Warn("Performance alert",
				zap.String("type", string(alert.Type)),
				zap.Float64("value", alert.Value),
				zap.Float64("limit", alert.Limit))
			return
		}
		e.logger.Warn("Memory pressure, sweeping expired profiles",
			zap.Float64("heap_mb", alert.Value),
			zap.Float64("limit_mb", alert.Limit))
		e.saveWG.Add(1)
		go func() {
			defer e.saveWG.Done()
			removed := e.deps.Profiles.CleanupExpired(e.cfg.ProfileMaxAge)
			e.deps.Metrics.SetProfileCount(len(e.deps.Profiles.List()))
			if removed > 0 {
				e.logger.Info("Expired profiles removed", zap.Int("count", removed))
			}
		}()
	})
}

// -- Session Persistence --

// saveSessionAsync snapshots the live session off the navigation path.
// Failures are logged only; the engine mutex is already held by the caller.
func (e *StealthEngine) saveSessionAsync() {
	driver := e.driver
	profileID := e.profileID
	e.saveWG.Add(1)
	go func() {
		defer e.saveWG.Done()
		saveCtx, cancel := context.WithTimeout(e.bgCtx, saveTimeout)
		defer cancel()
		e.saveSession(saveCtx, driver, profileID)
	}()
}

func (e *StealthEngine) saveSession(ctx context.Context, driver schemas.Driver, profileID string) {
	cookies, err := driver.Cookies(ctx)
	if err != nil {
		e.logger.Debug("Session save skipped, cookie read failed", zap.Error(err))
		return
	}
	storage, err := driver.LocalStorage(ctx)
	if err != nil {
		e.logger.Debug("Local storage read failed, saving cookies only", zap.Error(err))
		storage = nil
	}
	if err := e.deps.Profiles.SaveSession(profileID, cookies, storage); err != nil {
		e.logger.Warn("Session save failed",
			zap.String("profile_id", profileID), zap.Error(err))
		return
	}
	e.logger.Debug("Session persisted",
		zap.String("profile_id", profileID),
		zap.Int("cookies", len(cookies)),
		zap.Int("storage_keys", len(storage)))
}

// -- Interaction Helpers --

// Type fills a field through the behavior simulator's typing cadence.
func (e *StealthEngine) Type(ctx context.Context, selector, text string) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.driver == nil {
		return ErrNotInitialized
	}
	return e.behavior.SimulateType(ctx, selector, text)
}

// Click clicks an element with a human approach and settle pause.
func (e *StealthEngine) Click(ctx context.Context, selector string) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.driver == nil {
		return ErrNotInitialized
	}
	return e.behavior.SimulateClick(ctx, selector)
}

// Evaluate runs an expression in the page. A nil out discards the result.
func (e *StealthEngine) Evaluate(ctx context.Context, expression string, out interface{}) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.driver == nil {
		return ErrNotInitialized
	}
	return e.driver.Evaluate(ctx, expression, out)
}

// -- Control Surface --

// GetStatus aggregates the observable state of the engine and its parts.
func (e *StealthEngine) GetStatus() schemas.EngineStatus {
	e.mu.Lock()
	purpose := e.purpose
	profileID := e.profileID
	navigations := e.navigations
	driver := e.driver
	e.mu.Unlock()

	return schemas.EngineStatus{
		Purpose:     purpose,
		ProfileID:   profileID,
		Identity:    e.deps.Identity.Current(),
		Navigations: navigations,
		Connected:   driver != nil && driver.Connected(),
		Scheduler:   e.deps.Scheduler.Snapshot(),
		Detection:   e.deps.Detection.Status(),
		Performance: e.deps.Performance.Report(),
	}
}

// SetEmergencyMode forces emergency pacing for d (zero means the scheduler's
// configured duration).
func (e *StealthEngine) SetEmergencyMode(d time.Duration) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	e.deps.Scheduler.ForceEmergency(d)
	e.deps.Metrics.SetEmergencyMode(true)
	e.logger.Info("Emergency mode forced", zap.Duration("duration", d))
	return nil
}

// RotateIdentity advances the identity pool. The running browser keeps its
// fingerprint; the new identity applies at the next launch.
func (e *StealthEngine) RotateIdentity() schemas.Identity {
	previous := e.deps.Identity.Current()
	next := e.deps.Identity.Rotate()
	e.deps.Metrics.RecordIdentityRotation()
	e.logger.Info("Identity rotated",
		zap.String("from", previous.UserAgent),
		zap.String("to", next.UserAgent))
	return next
}

// CleanupProfiles removes profiles unused for longer than the configured
// maximum age and reports how many were deleted.
func (e *StealthEngine) CleanupProfiles() int {
	removed := e.deps.Profiles.CleanupExpired(e.cfg.ProfileMaxAge)
	e.deps.Metrics.SetProfileCount(len(e.deps.Profiles.List()))
	return removed
}

// Close shuts the engine down exactly once: monitoring stops, the live
// session is saved synchronously, the browser closes, and every background
// save is waited out. Later calls return nil.
func (e *StealthEngine) Close() error {
	if !atomic.CompareAndSwapInt32(&e.closeStatus, engineStatusOpen, engineStatusClosed) {
		return nil
	}
	e.logger.Info("Engine closing")

	e.deps.Performance.StopMonitoring()

	e.mu.Lock()
	driver := e.driver
	profileID := e.profileID
	e.driver = nil
	e.behavior = nil
	e.mu.Unlock()

	var closeErr error
	if driver != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		e.saveSession(saveCtx, driver, profileID)
		cancel()

		closeCtx, cancelClose := context.WithTimeout(context.Background(), saveTimeout)
		if err := driver.Close(closeCtx); err != nil {
			closeErr = fmt.Errorf("engine: driver close: %w", err)
		}
		cancelClose()
	}

	e.bgCancel()
	e.saveWG.Wait()

	e.logger.Info("Engine closed")
	return closeErr
}

func (e *StealthEngine) isClosed() bool {
	return atomic.LoadInt32(&e.closeStatus) == engineStatusClosed
}
