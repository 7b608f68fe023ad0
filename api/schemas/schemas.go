package schemas

import (
	"context"
	"time"
)

// -- Identity Models --

// Viewport is a browser window size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Identity is the complete fingerprint presented to a monitored site: the
// user agent plus every attribute derived from it. Identities are immutable
// snapshots drawn from a fixed pool; rotation replaces the whole value,
// never mutates it in place.
type Identity struct {
	UserAgent      string   `json:"user_agent"`
	Viewport       Viewport `json:"viewport"`
	Platform       string   `json:"platform"`
	BrowserName    string   `json:"browser_name"`
	AcceptLanguage string   `json:"accept_language"`
}

// -- Session Models --

// Cookie mirrors the DevTools cookie representation. Field names match the
// CDP JSON so persisted cookies round-trip without translation.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"` // unix seconds; 0 means session cookie
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// ProfileMeta is the durable description of one browsing profile. The JSON
// keys are the on-disk metadata.json layout and must stay stable.
type ProfileMeta struct {
	ID           string    `json:"id"`
	Created      time.Time `json:"created"`
	LastUsed     time.Time `json:"lastUsed"`
	SessionCount int       `json:"sessionCount"`
	UserAgent    string    `json:"userAgent"`
	Viewport     Viewport  `json:"viewport"`
	Tags         []string  `json:"tags"`
}

// -- Navigation Models --

// NavigateOptions controls a single navigation.
type NavigateOptions struct {
	// Timeout bounds the whole navigation including stabilization.
	// Zero means the driver's configured default.
	Timeout time.Duration `json:"timeout,omitempty"`
	Referer string        `json:"referer,omitempty"`
	// WaitUntil names the readiness condition: "load" (default) or "networkidle".
	WaitUntil string `json:"wait_until,omitempty"`
}

// NavigateResult describes the outcome of one navigation.
type NavigateResult struct {
	URL      string        `json:"url"`
	FinalURL string        `json:"final_url"`
	Status   int           `json:"status"`
	Blocked  bool          `json:"blocked"`
	LoadTime time.Duration `json:"load_time"`
}

// -- Alert Models --

// AlertSeverity classifies detection alerts.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// DetectionAlert is raised once per threshold crossing inside the
// detection monitor's rolling window.
type DetectionAlert struct {
	Severity  AlertSeverity
	Incidents int
	Threshold int
	Window    time.Duration
	Message   string
	At        time.Time
}

// PerfAlertType classifies performance alerts.
type PerfAlertType string

const (
	PerfAlertLatency PerfAlertType = "latency"
	PerfAlertMemory  PerfAlertType = "memory"
)

// PerformanceAlert is raised when a resource or latency threshold is crossed.
type PerformanceAlert struct {
	Type    PerfAlertType
	Value   float64
	Limit   float64
	Message string
	At      time.Time
}

// -- Status Snapshots --

// DetectionStatus is a point-in-time view of the detection monitor.
type DetectionStatus struct {
	TotalRequests     int  `json:"total_requests"`
	Successful        int  `json:"successful_requests"`
	IncidentsInWindow int  `json:"incidents_in_window"`
	Alerted           bool `json:"alerted"`
}

// PerformanceReport is a point-in-time view of the performance monitor.
type PerformanceReport struct {
	TotalOperations int     `json:"total_operations"`
	SuccessRate     float64 `json:"success_rate"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	Grade           string  `json:"grade"`
	HeapMB          float64 `json:"heap_mb"`
	RetainedSamples int     `json:"retained_samples"`
}

// SchedulerSnapshot is a point-in-time view of the adaptive scheduler.
type SchedulerSnapshot struct {
	Pattern        string    `json:"pattern"`
	EmergencyMode  bool      `json:"emergency_mode"`
	EmergencyUntil time.Time `json:"emergency_until,omitempty"`
	LastRequestAt  time.Time `json:"last_request_at,omitempty"`
	RecentRequests int       `json:"recent_requests"`
	ActiveSession  bool      `json:"active_session"`
}

// EngineStatus aggregates the observable state of one engine instance.
type EngineStatus struct {
	Purpose     string            `json:"purpose"`
	ProfileID   string            `json:"profile_id"`
	Identity    Identity          `json:"identity"`
	Navigations int64             `json:"navigations"`
	Connected   bool              `json:"connected"`
	Scheduler   SchedulerSnapshot `json:"scheduler"`
	Detection   DetectionStatus   `json:"detection"`
	Performance PerformanceReport `json:"performance"`
}

// -- Driver Contract --

// Point is a page coordinate in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Driver is the browser-automation collaborator the engine orchestrates.
// Implementations own exactly one browser context. Navigation and input
// follow a single-owner model and must be serialized by the caller; the
// session-state reads (Cookies, LocalStorage) must tolerate concurrent use,
// since opportunistic persistence runs off the navigation path.
type Driver interface {
	// Navigate loads a URL and waits for the configured readiness condition.
	Navigate(ctx context.Context, url string, opts NavigateOptions) (*NavigateResult, error)

	// Input primitives.
	MoveMouse(ctx context.Context, x, y float64) error
	Click(ctx context.Context, selector string) error
	Focus(ctx context.Context, selector string) error
	// SendKeys types into the currently focused element.
	SendKeys(ctx context.Context, keys string) error
	Scroll(ctx context.Context, deltaX, deltaY float64) error

	// Viewport returns the size set at launch.
	Viewport() Viewport
	SetViewport(ctx context.Context, v Viewport) error

	// Session state.
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	LocalStorage(ctx context.Context) (map[string]string, error)
	SetLocalStorage(ctx context.Context, data map[string]string) error

	// Evaluate runs an expression in the page and unmarshals the result into out.
	// A nil out discards the result.
	Evaluate(ctx context.Context, expression string, out interface{}) error
	// InjectScript registers a script evaluated on every new document.
	InjectScript(ctx context.Context, script string) error

	// Connected reports browser liveness.
	Connected() bool
	Close(ctx context.Context) error
}

// DriverOptions carries everything needed to launch a browser for one
// engine instance.
type DriverOptions struct {
	Identity        Identity
	ProfileDir      string
	Headless        bool
	IgnoreTLSErrors bool
	// StealthScript is injected on every new document before page scripts run.
	StealthScript string
	Args          []string
	// NavTimeout is the default per-navigation deadline.
	NavTimeout time.Duration
}

// DriverFactory builds a Driver. Production wires the chromedp adapter;
// tests inject mocks.
type DriverFactory func(ctx context.Context, opts DriverOptions) (Driver, error)
