// Package identity owns the browser fingerprint pool: user agents plus the
// attributes derived from them. Derived attributes must stay mutually
// consistent, or the mismatch itself becomes a detection signal.
package identity

import (
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shade-cli/api/schemas"
)

var (
	// ErrInvalidIndex is returned when selecting a pool entry out of range.
	ErrInvalidIndex = errors.New("identity: pool index out of range")
	// ErrInvalidInterval is returned when a rotation interval is below the
	// one-minute floor.
	ErrInvalidInterval = errors.New("identity: rotation interval below one minute")
)

const (
	minRotationInterval     = time.Minute
	defaultRotationInterval = time.Hour
)

// defaultPool mirrors current-generation desktop browsers across the three
// major platforms.
var defaultPool = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0",
}

// Common desktop window sizes per navigator.platform value.
var viewportsByPlatform = map[string][]schemas.Viewport{
	"Win32":        {{Width: 1920, Height: 1080}, {Width: 1536, Height: 864}, {Width: 1366, Height: 768}},
	"MacIntel":     {{Width: 1440, Height: 900}, {Width: 1680, Height: 1050}, {Width: 2560, Height: 1440}},
	"Linux x86_64": {{Width: 1920, Height: 1080}, {Width: 1366, Height: 768}},
}

var fallbackViewport = schemas.Viewport{Width: 1366, Height: 768}

// Manager rotates through a fixed identity pool. Rotation happens explicitly
// via Rotate, or lazily when Current finds the rotation interval lapsed.
type Manager struct {
	mu               sync.Mutex
	pool             []string
	index            int
	rotationInterval time.Duration
	lastRotatedAt    time.Time
	clock            clock.Clock
	logger           *zap.Logger
}

// New builds a Manager. An empty pool falls back to the built-in user
// agents; a zero interval falls back to one hour.
func New(pool []string, rotationInterval time.Duration, clk clock.Clock, logger *zap.Logger) (*Manager, error) {
	if len(pool) == 0 {
		pool = defaultPool
	}
	if rotationInterval == 0 {
		rotationInterval = defaultRotationInterval
	}
	if rotationInterval < minRotationInterval {
		return nil, ErrInvalidInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	agents := make([]string, len(pool))
	copy(agents, pool)
	return &Manager{
		pool:             agents,
		rotationInterval: rotationInterval,
		lastRotatedAt:    clk.Now(),
		clock:            clk,
		logger:           logger.Named("identity"),
	}, nil
}

// Current returns the active identity, rotating first when the rotation
// interval has lapsed.
func (m *Manager) Current() schemas.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if now.Sub(m.lastRotatedAt) > m.rotationInterval {
		m.advance(now)
	}
	return Derive(m.pool[m.index])
}

// Rotate advances to the next pool entry and returns the new identity.
func (m *Manager) Rotate() schemas.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance(m.clock.Now())
	return Derive(m.pool[m.index])
}

func (m *Manager) advance(now time.Time) {
	m.index = (m.index + 1) % len(m.pool)
	m.lastRotatedAt = now
	m.logger.Info("Rotated browser identity",
		zap.Int("index", m.index),
		zap.String("browser", deriveBrowser(m.pool[m.index])))
}

// SetActive selects a pool entry explicitly and restarts the rotation timer.
func (m *Manager) SetActive(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.pool) {
		return ErrInvalidIndex
	}
	m.index = index
	m.lastRotatedAt = m.clock.Now()
	return nil
}

// SetRotationInterval adjusts how long an identity stays active.
func (m *Manager) SetRotationInterval(d time.Duration) error {
	if d < minRotationInterval {
		return ErrInvalidInterval
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotationInterval = d
	return nil
}

// ActiveIndex reports the current pool position.
func (m *Manager) ActiveIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index
}

// PoolSize reports how many identities are available.
func (m *Manager) PoolSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool)
}

// Identities derives the full fingerprint for every pool entry, in order.
func (m *Manager) Identities() []schemas.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schemas.Identity, len(m.pool))
	for i, ua := range m.pool {
		out[i] = Derive(ua)
	}
	return out
}

// Derive expands a user-agent string into a full, self-consistent identity.
func Derive(userAgent string) schemas.Identity {
	platform := derivePlatform(userAgent)
	return schemas.Identity{
		UserAgent:      userAgent,
		Platform:       platform,
		BrowserName:    deriveBrowser(userAgent),
		AcceptLanguage: deriveAcceptLanguage(userAgent),
		Viewport:       deriveViewport(userAgent, platform),
	}
}

func derivePlatform(ua string) string {
	switch {
	case strings.Contains(ua, "Windows NT"):
		return "Win32"
	case strings.Contains(ua, "Macintosh"):
		return "MacIntel"
	case strings.Contains(ua, "Linux"):
		return "Linux x86_64"
	default:
		return "Win32"
	}
}

// deriveBrowser checks Edg before Chrome and Chrome before Safari: Edge user
// agents carry all three tokens.
func deriveBrowser(ua string) string {
	switch {
	case strings.Contains(ua, "Edg/"):
		return "edge"
	case strings.Contains(ua, "Firefox/"):
		return "firefox"
	case strings.Contains(ua, "Chrome/"):
		return "chrome"
	case strings.Contains(ua, "Safari/"):
		return "safari"
	default:
		return "chrome"
	}
}

func deriveAcceptLanguage(ua string) string {
	if deriveBrowser(ua) == "firefox" {
		return "en-US,en;q=0.5"
	}
	return "en-US,en;q=0.9"
}

// deriveViewport picks deterministically from the platform's common window
// sizes, so the same user agent always presents the same viewport.
func deriveViewport(ua, platform string) schemas.Viewport {
	candidates := viewportsByPlatform[platform]
	if len(candidates) == 0 {
		return fallbackViewport
	}
	h := fnv.New32a()
	h.Write([]byte(ua))
	return candidates[int(h.Sum32())%len(candidates)]
}
