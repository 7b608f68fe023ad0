package identity

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	uaChromeWin  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	uaFirefoxWin = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0"
	uaSafariMac  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15"
	uaEdgeWin    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0"
)

func newTestManager(t *testing.T, pool []string) (*Manager, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC))
	m, err := New(pool, 0, mock, zaptest.NewLogger(t))
	require.NoError(t, err)
	return m, mock
}

func TestRotationWrapsAround(t *testing.T) {
	pool := []string{uaChromeWin, uaFirefoxWin, uaSafariMac}
	m, _ := newTestManager(t, pool)

	require.NoError(t, m.SetActive(len(pool)-1))
	got := m.Rotate()
	assert.Equal(t, 0, m.ActiveIndex(), "rotation wraps from the last entry to the first")
	assert.Equal(t, uaChromeWin, got.UserAgent)
}

func TestSingleEntryPoolRotatesInPlace(t *testing.T) {
	m, _ := newTestManager(t, []string{uaChromeWin})
	before := m.Current()
	after := m.Rotate()
	assert.Equal(t, before, after)
	assert.Equal(t, 0, m.ActiveIndex())
}

func TestCurrentAutoRotatesAfterInterval(t *testing.T) {
	m, mock := newTestManager(t, []string{uaChromeWin, uaFirefoxWin})

	assert.Equal(t, uaChromeWin, m.Current().UserAgent)

	mock.Add(59 * time.Minute)
	assert.Equal(t, uaChromeWin, m.Current().UserAgent, "interval not lapsed yet")

	mock.Add(2 * time.Minute)
	assert.Equal(t, uaFirefoxWin, m.Current().UserAgent, "lapsed interval rotates lazily")

	// The lazy rotation restarted the timer.
	mock.Add(30 * time.Minute)
	assert.Equal(t, uaFirefoxWin, m.Current().UserAgent)
}

func TestSetActiveBounds(t *testing.T) {
	m, _ := newTestManager(t, []string{uaChromeWin, uaFirefoxWin})

	assert.ErrorIs(t, m.SetActive(-1), ErrInvalidIndex)
	assert.ErrorIs(t, m.SetActive(2), ErrInvalidIndex)
	assert.NoError(t, m.SetActive(1))
	assert.Equal(t, 1, m.ActiveIndex())
}

func TestRotationIntervalFloor(t *testing.T) {
	m, _ := newTestManager(t, nil)

	assert.ErrorIs(t, m.SetRotationInterval(30*time.Second), ErrInvalidInterval)
	assert.NoError(t, m.SetRotationInterval(time.Minute))

	_, err := New(nil, 10*time.Second, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestDefaultPool(t *testing.T) {
	m, _ := newTestManager(t, nil)
	assert.Equal(t, len(defaultPool), m.PoolSize())
	assert.Len(t, m.Identities(), len(defaultPool))
}

func TestDerive(t *testing.T) {
	cases := []struct {
		name     string
		ua       string
		platform string
		browser  string
		language string
	}{
		{"chrome on windows", uaChromeWin, "Win32", "chrome", "en-US,en;q=0.9"},
		{"firefox on windows", uaFirefoxWin, "Win32", "firefox", "en-US,en;q=0.5"},
		{"safari on mac", uaSafariMac, "MacIntel", "safari", "en-US,en;q=0.9"},
		{"edge before chrome", uaEdgeWin, "Win32", "edge", "en-US,en;q=0.9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Derive(tc.ua)
			assert.Equal(t, tc.platform, got.Platform)
			assert.Equal(t, tc.browser, got.BrowserName)
			assert.Equal(t, tc.language, got.AcceptLanguage)
			assert.Contains(t, viewportsByPlatform[tc.platform], got.Viewport)
		})
	}

	t.Run("viewports are deterministic", func(t *testing.T) {
		assert.Equal(t, Derive(uaChromeWin).Viewport, Derive(uaChromeWin).Viewport)
	})
}
