package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shade-cli/api/schemas"
)

// PerformanceCallback receives resource alerts, invoked with the monitor
// lock released.
type PerformanceCallback func(schemas.PerformanceAlert)

// PerformanceConfig tunes operation sampling and the resource watchdog.
type PerformanceConfig struct {
	MaxSamples       int           `mapstructure:"max_samples"`
	SampleInterval   time.Duration `mapstructure:"sample_interval"`
	MemoryLimitMB    float64       `mapstructure:"memory_limit_mb"`
	LatencyThreshold time.Duration `mapstructure:"latency_threshold"`
}

// DefaultPerformanceConfig returns the tuning used when nothing is
// configured.
func DefaultPerformanceConfig() PerformanceConfig {
	return PerformanceConfig{
		MaxSamples:       500,
		SampleInterval:   30 * time.Second,
		MemoryLimitMB:    512,
		LatencyThreshold: 30 * time.Second,
	}
}

// Validate rejects tunings the sampler cannot work with.
func (c PerformanceConfig) Validate() error {
	if c.MaxSamples < 1 {
		return errors.New("monitor: max_samples must be at least 1")
	}
	if c.SampleInterval <= 0 {
		return errors.New("monitor: sample_interval must be positive")
	}
	if c.MemoryLimitMB <= 0 {
		return errors.New("monitor: memory_limit_mb must be positive")
	}
	if c.LatencyThreshold <= 0 {
		return errors.New("monitor: latency_threshold must be positive")
	}
	return nil
}

func (c PerformanceConfig) withDefaults() PerformanceConfig {
	def := DefaultPerformanceConfig()
	if c.MaxSamples == 0 {
		c.MaxSamples = def.MaxSamples
	}
	if c.SampleInterval == 0 {
		c.SampleInterval = def.SampleInterval
	}
	if c.MemoryLimitMB == 0 {
		c.MemoryLimitMB = def.MemoryLimitMB
	}
	if c.LatencyThreshold == 0 {
		c.LatencyThreshold = def.LatencyThreshold
	}
	return c
}

// operationSample is one completed timed operation.
type operationSample struct {
	id       string
	opType   string
	started  time.Time
	duration time.Duration
	success  bool
}

// PerformanceMonitor times engine operations and periodically samples
// process health. Samples are bounded; the oldest is evicted at capacity.
// Resource alerts latch per condition and re-arm once the reading recovers.
type PerformanceMonitor struct {
	mu      sync.Mutex
	cfg     PerformanceConfig
	clock   clock.Clock
	logger  *zap.Logger
	open    map[string]operationSample
	samples []operationSample

	total     int
	succeeded int

	memLatched bool
	latLatched bool
	callbacks  []PerformanceCallback

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPerformance builds a PerformanceMonitor. A nil clock means wall time,
// a nil logger means no logging.
func NewPerformance(cfg PerformanceConfig, clk clock.Clock, logger *zap.Logger) *PerformanceMonitor {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PerformanceMonitor{
		cfg:    cfg.withDefaults(),
		clock:  clk,
		logger: logger.Named("performance"),
		open:   make(map[string]operationSample),
	}
}

// RegisterAlertCallback subscribes to resource alerts.
func (m *PerformanceMonitor) RegisterAlertCallback(cb PerformanceCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// StartOperation opens a timed span and returns its id.
func (m *PerformanceMonitor) StartOperation(opType string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.open[id] = operationSample{id: id, opType: opType, started: m.clock.Now()}
	return id
}

// EndOperation closes a span. Unknown ids are logged and dropped, so a
// misrouted id can never corrupt the samples.
func (m *PerformanceMonitor) EndOperation(id string, success bool, details string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	span, ok := m.open[id]
	if !ok {
		m.logger.Debug("Dropping unknown operation span", zap.String("id", id))
		return
	}
	delete(m.open, id)

	span.duration = m.clock.Now().Sub(span.started)
	span.success = success
	if len(m.samples) >= m.cfg.MaxSamples {
		copy(m.samples, m.samples[1:])
		m.samples = m.samples[:len(m.samples)-1]
	}
	m.samples = append(m.samples, span)

	m.total++
	if success {
		m.succeeded++
	}
	m.logger.Debug("Operation completed",
		zap.String("type", span.opType),
		zap.Duration("duration", span.duration),
		zap.Bool("success", success),
		zap.String("details", details))
}

// Report summarizes the retained samples and current heap usage.
func (m *PerformanceMonitor) Report() schemas.PerformanceReport {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.Lock()
	defer m.mu.Unlock()
	avg := m.avgLatencyLocked()
	rate := 1.0
	if m.total > 0 {
		rate = float64(m.succeeded) / float64(m.total)
	}
	return schemas.PerformanceReport{
		TotalOperations: m.total,
		SuccessRate:     rate,
		AvgLatencyMs:    float64(avg.Milliseconds()),
		Grade:           latencyGrade(avg),
		HeapMB:          float64(ms.HeapAlloc) / (1 << 20),
		RetainedSamples: len(m.samples),
	}
}

func (m *PerformanceMonitor) avgLatencyLocked() time.Duration {
	if len(m.samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range m.samples {
		sum += s.duration
	}
	return sum / time.Duration(len(m.samples))
}

// latencyGrade maps average navigation latency to a school grade.
func latencyGrade(avg time.Duration) string {
	switch {
	case avg < 2*time.Second:
		return "A"
	case avg < 5*time.Second:
		return "B"
	case avg < 10*time.Second:
		return "C"
	case avg < 20*time.Second:
		return "D"
	default:
		return "F"
	}
}

// StartMonitoring launches the resource sampling loop. Calling it while a
// loop is already running is a no-op.
func (m *PerformanceMonitor) StartMonitoring(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go m.loop(loopCtx, done)
	m.logger.Debug("Resource monitoring started",
		zap.Duration("interval", m.cfg.SampleInterval))
}

func (m *PerformanceMonitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := m.clock.Ticker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// StopMonitoring halts the sampling loop and waits for it to exit. It is
// idempotent.
func (m *PerformanceMonitor) StopMonitoring() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Debug("Resource monitoring stopped")
}

// sample reads process health once and dispatches any newly latched alerts.
func (m *PerformanceMonitor) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapMB := float64(ms.HeapAlloc) / (1 << 20)

	m.mu.Lock()
	fired := m.evaluateLocked(heapMB, m.avgLatencyLocked())
	cbs := make([]PerformanceCallback, len(m.callbacks))
	copy(cbs, m.callbacks)
	m.mu.Unlock()

	for _, alert := range fired {
		m.logger.Warn("Performance alert raised",
			zap.String("type", string(alert.Type)),
			zap.Float64("value", alert.Value),
			zap.Float64("limit", alert.Limit))
		for _, cb := range cbs {
			cb(alert)
		}
	}
}

// evaluateLocked settles the per-condition latches against fresh readings
// and returns newly fired alerts. Caller holds the lock.
func (m *PerformanceMonitor) evaluateLocked(heapMB float64, avg time.Duration) []schemas.PerformanceAlert {
	var fired []schemas.PerformanceAlert
	now := m.clock.Now()

	if heapMB > m.cfg.MemoryLimitMB {
		if !m.memLatched {
			m.memLatched = true
			fired = append(fired, schemas.PerformanceAlert{
				Type:    schemas.PerfAlertMemory,
				Value:   heapMB,
				Limit:   m.cfg.MemoryLimitMB,
				Message: fmt.Sprintf("heap %.1fMB exceeds limit %.0fMB", heapMB, m.cfg.MemoryLimitMB),
				At:      now,
			})
		}
	} else {
		m.memLatched = false
	}

	if avg > m.cfg.LatencyThreshold {
		if !m.latLatched {
			m.latLatched = true
			fired = append(fired, schemas.PerformanceAlert{
				Type:    schemas.PerfAlertLatency,
				Value:   float64(avg.Milliseconds()),
				Limit:   float64(m.cfg.LatencyThreshold.Milliseconds()),
				Message: fmt.Sprintf("average latency %s exceeds threshold %s", avg, m.cfg.LatencyThreshold),
				At:      now,
			})
		}
	} else {
		m.latLatched = false
	}
	return fired
}
