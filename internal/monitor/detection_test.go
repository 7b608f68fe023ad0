package monitor

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/shade-cli/api/schemas"
)

func newTestDetection(t *testing.T, cfg DetectionConfig) (*DetectionMonitor, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC))
	return NewDetection(cfg, mock, zaptest.NewLogger(t)), mock
}

func TestDetectionAlertOncePerCrossing(t *testing.T) {
	m, _ := newTestDetection(t, DetectionConfig{})

	var alerts []schemas.DetectionAlert
	m.RegisterAlertCallback(func(a schemas.DetectionAlert) {
		alerts = append(alerts, a)
	})

	m.Record(true, "")
	m.Record(true, "")
	m.Record(false, "timeout")
	assert.Empty(t, alerts, "one incident is below the threshold")

	m.Record(false, "blocked")
	m.Record(false, "blocked")
	require.Len(t, alerts, 1, "crossing the threshold fires exactly once")
	assert.Equal(t, schemas.SeverityWarning, alerts[0].Severity)
	assert.Equal(t, 3, alerts[0].Incidents)

	m.Record(false, "blocked")
	assert.Len(t, alerts, 1, "latched threshold stays quiet")
}

func TestDetectionCriticalEscalation(t *testing.T) {
	m, _ := newTestDetection(t, DetectionConfig{})

	var severities []schemas.AlertSeverity
	m.RegisterAlertCallback(func(a schemas.DetectionAlert) {
		severities = append(severities, a.Severity)
	})

	for i := 0; i < 6; i++ {
		m.Record(false, "challenge page")
	}
	require.Len(t, severities, 2)
	assert.Equal(t, schemas.SeverityWarning, severities[0])
	assert.Equal(t, schemas.SeverityCritical, severities[1])
}

func TestDetectionLatchReArmsAfterWindow(t *testing.T) {
	m, mock := newTestDetection(t, DetectionConfig{})

	count := 0
	m.RegisterAlertCallback(func(schemas.DetectionAlert) { count++ })

	for i := 0; i < 3; i++ {
		m.Record(false, "blocked")
	}
	assert.Equal(t, 1, count)

	// Slide the incidents out of the window; the next burst must alert again.
	mock.Add(11 * time.Minute)
	for i := 0; i < 3; i++ {
		m.Record(false, "blocked")
	}
	assert.Equal(t, 2, count)
}

func TestDetectionCallbackRunsWithoutLock(t *testing.T) {
	m, _ := newTestDetection(t, DetectionConfig{})

	var observed schemas.DetectionStatus
	m.RegisterAlertCallback(func(schemas.DetectionAlert) {
		// Re-entering the monitor would deadlock if the lock were held.
		observed = m.Status()
	})

	for i := 0; i < 3; i++ {
		m.Record(false, "blocked")
	}
	assert.Equal(t, 3, observed.IncidentsInWindow)
	assert.True(t, observed.Alerted)
}

func TestDetectionStatusCounters(t *testing.T) {
	m, mock := newTestDetection(t, DetectionConfig{})

	for i := 0; i < 4; i++ {
		m.RecordAttempt()
	}
	m.Record(true, "")
	m.Record(true, "")
	m.Record(false, "timeout")
	m.Record(false, "timeout")

	st := m.Status()
	assert.Equal(t, 4, st.TotalRequests)
	assert.Equal(t, 2, st.Successful)
	assert.Equal(t, 2, st.IncidentsInWindow)
	assert.False(t, st.Alerted)

	mock.Add(11 * time.Minute)
	st = m.Status()
	assert.Equal(t, 0, st.IncidentsInWindow, "window pruning empties stale incidents")
	assert.Equal(t, 4, st.TotalRequests, "lifetime counters survive pruning")
}

func TestDetectionConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultDetectionConfig().Validate())
	assert.Error(t, DetectionConfig{Window: time.Minute, AlertThreshold: 0, CriticalThreshold: 5}.Validate())
	assert.Error(t, DetectionConfig{Window: time.Minute, AlertThreshold: 5, CriticalThreshold: 3}.Validate())
	assert.Error(t, DetectionConfig{Window: -time.Minute, AlertThreshold: 3, CriticalThreshold: 5}.Validate())
}
