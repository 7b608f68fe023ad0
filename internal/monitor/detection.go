// Package monitor watches the engine from two angles: detection incidents
// reported by navigation outcomes, and process-level performance.
package monitor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shade-cli/api/schemas"
)

// DetectionCallback receives alerts. Callbacks run synchronously on the
// recording goroutine, with the monitor lock released.
type DetectionCallback func(schemas.DetectionAlert)

// DetectionConfig tunes the rolling incident window.
type DetectionConfig struct {
	Window            time.Duration `mapstructure:"window"`
	AlertThreshold    int           `mapstructure:"alert_threshold"`
	CriticalThreshold int           `mapstructure:"critical_threshold"`
}

// DefaultDetectionConfig returns the tuning used when nothing is configured.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		Window:            10 * time.Minute,
		AlertThreshold:    3,
		CriticalThreshold: 5,
	}
}

// Validate rejects thresholds the latch logic cannot work with.
func (c DetectionConfig) Validate() error {
	if c.Window <= 0 {
		return errors.New("monitor: detection window must be positive")
	}
	if c.AlertThreshold < 1 {
		return errors.New("monitor: alert_threshold must be at least 1")
	}
	if c.CriticalThreshold < c.AlertThreshold {
		return errors.New("monitor: critical_threshold must be at least alert_threshold")
	}
	return nil
}

func (c DetectionConfig) withDefaults() DetectionConfig {
	def := DefaultDetectionConfig()
	if c.Window == 0 {
		c.Window = def.Window
	}
	if c.AlertThreshold == 0 {
		c.AlertThreshold = def.AlertThreshold
	}
	if c.CriticalThreshold == 0 {
		c.CriticalThreshold = def.CriticalThreshold
	}
	return c
}

// DetectionMonitor counts navigation outcomes and raises an alert exactly
// once per threshold crossing inside its rolling window. Each threshold has
// its own latch; a latch re-arms when pruning drops the window back under it.
type DetectionMonitor struct {
	mu        sync.Mutex
	cfg       DetectionConfig
	clock     clock.Clock
	logger    *zap.Logger
	incidents []time.Time

	attempts  int
	succeeded int

	alertLatched    bool
	criticalLatched bool
	callbacks       []DetectionCallback
}

// NewDetection builds a DetectionMonitor. A nil clock means wall time, a nil
// logger means no logging.
func NewDetection(cfg DetectionConfig, clk clock.Clock, logger *zap.Logger) *DetectionMonitor {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DetectionMonitor{
		cfg:    cfg.withDefaults(),
		clock:  clk,
		logger: logger.Named("detection"),
	}
}

// RegisterAlertCallback subscribes to threshold-crossing alerts.
func (m *DetectionMonitor) RegisterAlertCallback(cb DetectionCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// RecordAttempt counts a navigation about to start.
func (m *DetectionMonitor) RecordAttempt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
}

// Record classifies one navigation outcome. Failures enter the rolling
// window as potential detection incidents.
func (m *DetectionMonitor) Record(success bool, details string) {
	m.mu.Lock()
	now := m.clock.Now()
	if success {
		m.succeeded++
	} else {
		m.incidents = append(m.incidents, now)
		m.logger.Warn("Potential detection incident",
			zap.String("details", details),
			zap.Int("in_window", len(m.incidents)))
	}
	m.prune(now)
	fired := m.evaluateLocked(success)
	cbs := make([]DetectionCallback, len(m.callbacks))
	copy(cbs, m.callbacks)
	m.mu.Unlock()

	for _, alert := range fired {
		m.logger.Warn("Detection alert raised",
			zap.String("severity", string(alert.Severity)),
			zap.Int("incidents", alert.Incidents),
			zap.Int("threshold", alert.Threshold))
		for _, cb := range cbs {
			cb(alert)
		}
	}
}

// evaluateLocked settles the per-threshold latches and returns newly fired
// alerts. Caller holds the lock.
func (m *DetectionMonitor) evaluateLocked(success bool) []schemas.DetectionAlert {
	count := len(m.incidents)
	if count < m.cfg.AlertThreshold {
		m.alertLatched = false
	}
	if count < m.cfg.CriticalThreshold {
		m.criticalLatched = false
	}
	if success {
		return nil
	}

	var fired []schemas.DetectionAlert
	if count >= m.cfg.AlertThreshold && !m.alertLatched {
		m.alertLatched = true
		fired = append(fired, m.newAlert(schemas.SeverityWarning, count, m.cfg.AlertThreshold))
	}
	if count >= m.cfg.CriticalThreshold && !m.criticalLatched {
		m.criticalLatched = true
		fired = append(fired, m.newAlert(schemas.SeverityCritical, count, m.cfg.CriticalThreshold))
	}
	return fired
}

func (m *DetectionMonitor) newAlert(severity schemas.AlertSeverity, count, threshold int) schemas.DetectionAlert {
	return schemas.DetectionAlert{
		Severity:  severity,
		Incidents: count,
		Threshold: threshold,
		Window:    m.cfg.Window,
		Message:   fmt.Sprintf("%d detection incidents within %s", count, m.cfg.Window),
		At:        m.clock.Now(),
	}
}

// prune drops incidents older than the rolling window. Caller holds the lock.
func (m *DetectionMonitor) prune(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	idx := 0
	for idx < len(m.incidents) && m.incidents[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		m.incidents = append(m.incidents[:0], m.incidents[idx:]...)
	}
}

// Status reports the counters and the current window occupancy.
func (m *DetectionMonitor) Status() schemas.DetectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(m.clock.Now())
	count := len(m.incidents)
	if count < m.cfg.AlertThreshold {
		m.alertLatched = false
	}
	if count < m.cfg.CriticalThreshold {
		m.criticalLatched = false
	}
	return schemas.DetectionStatus{
		TotalRequests:     m.attempts,
		Successful:        m.succeeded,
		IncidentsInWindow: count,
		Alerted:           m.alertLatched,
	}
}
