// Package browser adapts chromedp to the schemas.Driver contract. Each
// Driver owns one Chrome process with an isolated user data directory, so
// profile state never leaks between engine instances.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shade-cli/api/schemas"
	"github.com/xkilldash9x/shade-cli/internal/browser/stealth"
)

// ErrDriverClosed is returned for operations attempted after Close.
var ErrDriverClosed = errors.New("browser driver is closed")

// Config controls how browser processes are launched.
type Config struct {
	Headless        bool          `mapstructure:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors"`
	ChromePath      string        `mapstructure:"chrome_path"`
	Args            []string      `mapstructure:"args"`
	NavTimeout      time.Duration `mapstructure:"nav_timeout"`
	StabilizeQuiet  time.Duration `mapstructure:"stabilize_quiet"`
}

// DefaultConfig returns the browser launch defaults.
func DefaultConfig() Config {
	return Config{
		Headless:       true,
		NavTimeout:     60 * time.Second,
		StabilizeQuiet: 500 * time.Millisecond,
	}
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	if c.NavTimeout < 0 {
		return fmt.Errorf("browser: nav_timeout must not be negative, got %s", c.NavTimeout)
	}
	if c.StabilizeQuiet < 0 {
		return fmt.Errorf("browser: stabilize_quiet must not be negative, got %s", c.StabilizeQuiet)
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.NavTimeout == 0 {
		c.NavTimeout = def.NavTimeout
	}
	if c.StabilizeQuiet == 0 {
		c.StabilizeQuiet = def.StabilizeQuiet
	}
	return c
}

// Driver drives one Chrome instance over the DevTools protocol.
type Driver struct {
	logger *zap.Logger
	cfg    Config
	opts   schemas.DriverOptions

	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc

	// inflight tracks outstanding network requests for the idle poll.
	inflight    int64
	closeStatus int32 // 0 = open, 1 = closed

	mu       sync.Mutex
	viewport schemas.Viewport
}

var _ schemas.Driver = (*Driver)(nil)

// NewFactory returns a DriverFactory that launches one Chrome process per
// engine instance using this configuration.
func NewFactory(cfg Config, logger *zap.Logger) schemas.DriverFactory {
	return func(ctx context.Context, opts schemas.DriverOptions) (schemas.Driver, error) {
		return New(ctx, cfg, opts, logger)
	}
}

// New launches a browser carrying the identity in opts. The stealth script
// is registered before the first navigation so page scripts never observe an
// unpatched environment.
func New(ctx context.Context, cfg Config, opts schemas.DriverOptions, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if opts.NavTimeout > 0 {
		cfg.NavTimeout = opts.NavTimeout
	}

	d := &Driver{
		logger:   logger.Named("browser"),
		cfg:      cfg,
		opts:     opts,
		viewport: opts.Identity.Viewport,
	}
	if d.viewport.Width <= 0 || d.viewport.Height <= 0 {
		d.viewport = schemas.Viewport{Width: 1366, Height: 768}
	}

	d.allocCtx, d.allocCancel = chromedp.NewExecAllocator(ctx, d.allocatorOptions()...)
	d.ctx, d.cancel = chromedp.NewContext(d.allocCtx,
		chromedp.WithLogf(d.logger.Sugar().Debugf),
		chromedp.WithErrorf(d.logger.Sugar().Errorf),
	)

	script := opts.StealthScript
	if script == "" {
		script = stealth.Script(opts.Identity)
	}

	if err := chromedp.Run(d.ctx, d.primingTasks(script)); err != nil {
		d.cancel()
		d.allocCancel()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	d.setupListeners()

	d.logger.Info("Browser launched",
		zap.Bool("headless", cfg.Headless || opts.Headless),
		zap.String("profile_dir", opts.ProfileDir),
		zap.String("user_agent", opts.Identity.UserAgent),
	)
	return d, nil
}

// allocatorOptions configures the flags for the browser executable.
func (d *Driver) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	headless := d.cfg.Headless || d.opts.Headless
	if !headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	opts = append(opts,
		chromedp.UserAgent(d.opts.Identity.UserAgent),
		chromedp.WindowSize(d.viewport.Width, d.viewport.Height),

		// Essential flags for automation detection evasion.
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),

		// Stability flags for long-lived unattended runs.
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("metrics-recording-only", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-hang-monitor", true),
		chromedp.Flag("disable-prompt-on-repost", true),
		chromedp.Flag("disable-infobars", true),

		// GPU often causes issues in headless/containerized environments.
		chromedp.Flag("disable-gpu", headless),

		chromedp.Flag("ignore-certificate-errors", d.cfg.IgnoreTLSErrors || d.opts.IgnoreTLSErrors),
	)

	if d.opts.ProfileDir != "" {
		opts = append(opts, chromedp.UserDataDir(filepath.Join(d.opts.ProfileDir, "chrome")))
	}
	if d.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ChromePath))
	}
	for _, arg := range append(append([]string{}, d.cfg.Args...), d.opts.Args...) {
		name, value := flagFromArg(arg)
		if name == "" {
			continue
		}
		opts = append(opts, chromedp.Flag(name, value))
	}

	return opts
}

// flagFromArg splits a raw command-line argument ("--name=value" or
// "--name") into a chromedp flag pair.
func flagFromArg(arg string) (string, interface{}) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	if name, value, found := strings.Cut(arg, "="); found {
		return name, value
	}
	return arg, true
}

// primingTasks prepares a fresh browser context: stealth script first, then
// the identity overrides that must outlive individual navigations.
func (d *Driver) primingTasks(script string) chromedp.Tasks {
	ident := d.opts.Identity
	return chromedp.Tasks{
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			return err
		}),
		emulation.SetUserAgentOverride(ident.UserAgent).
			WithAcceptLanguage(ident.AcceptLanguage).
			WithPlatform(ident.Platform),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": ident.AcceptLanguage}),
		metricsOverride(d.viewport),
	}
}

func metricsOverride(v schemas.Viewport) chromedp.Action {
	orientation := emulation.OrientationTypeLandscapePrimary
	if v.Height > v.Width {
		orientation = emulation.OrientationTypePortraitPrimary
	}
	return emulation.SetDeviceMetricsOverride(int64(v.Width), int64(v.Height), 1.0, false).
		WithScreenOrientation(&emulation.ScreenOrientation{Type: orientation, Angle: 0}).
		WithScreenWidth(int64(v.Width)).
		WithScreenHeight(int64(v.Height))
}

// setupListeners attaches the target listeners used for network-idle
// tracking and dialog auto-dismissal.
func (d *Driver) setupListeners() {
	chromedp.ListenTarget(d.ctx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *network.EventRequestWillBeSent:
			atomic.AddInt64(&d.inflight, 1)
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			atomic.AddInt64(&d.inflight, -1)
		case *page.EventJavascriptDialogOpening:
			d.logger.Debug("Dismissing javascript dialog", zap.String("message", ev.Message))
			go func() {
				_ = chromedp.Run(d.ctx, page.HandleJavaScriptDialog(true))
			}()
		}
	})
}

// boundedContext derives a run context from the browser context that also
// honors the caller's cancellation and an optional timeout.
func (d *Driver) boundedContext(opCtx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(d.ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(d.ctx)
	}
	go func() {
		select {
		case <-opCtx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	return runCtx, cancel
}

// -- Navigation --

// Navigate loads a URL, waits for the requested readiness condition, and
// inspects the main document response for block signals.
func (d *Driver) Navigate(ctx context.Context, rawURL string, opts schemas.NavigateOptions) (*schemas.NavigateResult, error) {
	if d.closed() {
		return nil, ErrDriverClosed
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.cfg.NavTimeout
	}
	runCtx, cancel := d.boundedContext(ctx, timeout)
	defer cancel()

	d.logger.Debug("Navigating", zap.String("url", rawURL))
	atomic.StoreInt64(&d.inflight, 0)
	started := time.Now()

	tasks := chromedp.Tasks{navigateAction(rawURL, opts.Referer), chromedp.WaitReady("body", chromedp.ByQuery)}
	resp, err := chromedp.RunResponse(runCtx, tasks)
	if err != nil {
		return nil, fmt.Errorf("navigation to %s failed: %w", rawURL, err)
	}

	if opts.WaitUntil == "networkidle" {
		if err := d.waitNetworkIdle(runCtx, d.cfg.StabilizeQuiet); err != nil {
			d.logger.Debug("Network stabilization interrupted", zap.Error(err))
		}
	}

	result := &schemas.NavigateResult{
		URL:      rawURL,
		FinalURL: rawURL,
		LoadTime: time.Since(started),
	}
	if resp != nil {
		result.Status = int(resp.Status)
		result.FinalURL = resp.URL
	}

	var title string
	_ = chromedp.Run(runCtx, chromedp.Title(&title))
	result.Blocked = blockSuspected(result.Status, title)
	if result.Blocked {
		d.logger.Warn("Navigation looks blocked",
			zap.String("url", rawURL),
			zap.Int("status", result.Status),
			zap.String("title", title),
		)
	}
	return result, nil
}

func navigateAction(rawURL, referer string) chromedp.Action {
	if referer == "" {
		return chromedp.Navigate(rawURL)
	}
	return chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, err := page.Navigate(rawURL).WithReferrer(referer).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("page load error %s", errorText)
		}
		return nil
	})
}

// waitNetworkIdle blocks until no request has been in flight for the quiet
// period, or the context ends. Pages that long-poll never settle, which is
// why callers bound this with the navigation timeout.
func (d *Driver) waitNetworkIdle(ctx context.Context, quiet time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	idleSince := time.Now()
	for {
		select {
		case <-ticker.C:
			if atomic.LoadInt64(&d.inflight) > 0 {
				idleSince = time.Now()
				continue
			}
			if time.Since(idleSince) >= quiet {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Challenge pages from the common bot walls use a small set of telltale
// titles even when they answer 200.
var blockTitleMarkers = []string{
	"just a moment",
	"access denied",
	"attention required",
	"verify you are human",
	"are you a robot",
	"unusual traffic",
	"captcha",
}

func blockSuspected(status int, title string) bool {
	switch status {
	case http.StatusForbidden, http.StatusNotAcceptable, http.StatusTeapot,
		http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	lower := strings.ToLower(title)
	for _, marker := range blockTitleMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// -- Input Primitives --

func (d *Driver) MoveMouse(ctx context.Context, x, y float64) error {
	if d.closed() {
		return ErrDriverClosed
	}
	runCtx, cancel := d.boundedContext(ctx, 0)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.MouseEvent(input.MouseMoved, x, y))
}

func (d *Driver) Click(ctx context.Context, selector string) error {
	if d.closed() {
		return ErrDriverClosed
	}
	d.logger.Debug("Clicking", zap.String("selector", selector))
	runCtx, cancel := d.boundedContext(ctx, 0)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Click(selector, chromedp.NodeVisible))
}

func (d *Driver) Focus(ctx context.Context, selector string) error {
	if d.closed() {
		return ErrDriverClosed
	}
	runCtx, cancel := d.boundedContext(ctx, 0)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Focus(selector, chromedp.ByQuery))
}

// SendKeys types into the currently focused element.
func (d *Driver) SendKeys(ctx context.Context, keys string) error {
	if d.closed() {
		return ErrDriverClosed
	}
	runCtx, cancel := d.boundedContext(ctx, 0)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.KeyEvent(keys))
}

// Scroll dispatches a wheel event at the viewport center.
func (d *Driver) Scroll(ctx context.Context, deltaX, deltaY float64) error {
	if d.closed() {
		return ErrDriverClosed
	}
	v := d.Viewport()
	runCtx, cancel := d.boundedContext(ctx, 0)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, float64(v.Width)/2, float64(v.Height)/2).
			WithDeltaX(deltaX).
			WithDeltaY(deltaY).
			Do(ctx)
	}))
}

// -- Viewport --

// Viewport returns the size currently emulated.
func (d *Driver) Viewport() schemas.Viewport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.viewport
}

func (d *Driver) SetViewport(ctx context.Context, v schemas.Viewport) error {
	if d.closed() {
		return ErrDriverClosed
	}
	if v.Width <= 0 || v.Height <= 0 {
		return fmt.Errorf("invalid viewport %dx%d", v.Width, v.Height)
	}
	runCtx, cancel := d.boundedContext(ctx, 0)
	defer cancel()
	if err := chromedp.Run(runCtx, metricsOverride(v)); err != nil {
		return err
	}
	d.mu.Lock()
	d.viewport = v
	d.mu.Unlock()
	return nil
}

// -- Session State --

func (d *Driver) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	if d.closed() {
		return nil, ErrDriverClosed
	}
	runCtx, cancel := d.boundedContext(ctx, 0)
	defer cancel()

	var raw []*network.Cookie
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	cookies := make([]schemas.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, schemas.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return cookies, nil
}

// SetCookies restores cookies one by one. A cookie the browser rejects is
// logged and skipped so one stale entry cannot abort a session restore.
func (d *Driver) SetCookies(ctx context.Context, cookies []schemas.Cookie) error {
	if d.closed() {
		return ErrDriverClosed
	}
	if len(cookies) == 0 {
		return nil
	}
	runCtx, cancel := d.boundedContext(ctx, 0)
	defer cancel()

	return chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		restored := 0
		for _, c := range cookies {
			param := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly)
			if c.Expires > 0 {
				expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
				param = param.WithExpires(&expires)
			}
			if c.SameSite != "" {
				param = param.WithSameSite(network.CookieSameSite(c.SameSite))
			}
			if err := param.Do(ctx); err != nil {
				d.logger.Warn("Failed to restore cookie",
					zap.String("name", c.Name),
					zap.String("domain", c.Domain),
					zap.Error(err),
				)
				continue
			}
			restored++
		}
		d.logger.Debug("Cookies restored", zap.Int("count", restored))
		return nil
	}))
}

const dumpLocalStorageJS = `(() => {
	const out = {};
	try {
		for (let i = 0; i < localStorage.length; i++) {
			const key = localStorage.key(i);
			out[key] = localStorage.getItem(key);
		}
	} catch (e) {}
	return out;
})()`

// LocalStorage dumps the current origin's localStorage. On origins that
// forbid storage access (about:blank included) it returns an empty map.
func (d *Driver) LocalStorage(ctx context.Context) (map[string]string, error) {
	if d.closed() {
		return nil, ErrDriverClosed
	}
	runCtx, cancel := d.boundedContext(ctx, 0)
	defer cancel()

	data := make(map[string]string)
	if err := chromedp.Run(runCtx, chromedp.Evaluate(dumpLocalStorageJS, &data)); err != nil {
		return nil, fmt.Errorf("failed to read localStorage: %w", err)
	}
	return data, nil
}

func (d *Driver) SetLocalStorage(ctx context.Context, data map[string]string) error {
	if d.closed() {
		return ErrDriverClosed
	}
	if len(data) == 0 {
		return nil
	}
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode localStorage payload: %w", err)
	}
	script := fmt.Sprintf(`(() => {
	const data = %s;
	try {
		for (const [key, value] of Object.entries(data)) {
			localStorage.setItem(key, value);
		}
	} catch (e) {}
})()`, blob)

	runCtx, cancel := d.boundedContext(ctx, 0)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Evaluate(script, nil))
}

// -- Scripting --

func (d *Driver) Evaluate(ctx context.Context, expression string, out interface{}) error {
	if d.closed() {
		return ErrDriverClosed
	}
	runCtx, cancel := d.boundedContext(ctx, 0)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Evaluate(expression, out))
}

// InjectScript registers a script evaluated on every new document.
func (d *Driver) InjectScript(ctx context.Context, script string) error {
	if d.closed() {
		return ErrDriverClosed
	}
	d.logger.Debug("Injecting persistent script", zap.Int("length", len(script)))
	runCtx, cancel := d.boundedContext(ctx, 0)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
		return err
	}))
}

// -- Lifecycle --

func (d *Driver) Connected() bool {
	return !d.closed() && d.ctx.Err() == nil
}

// Close shuts the browser down gracefully, falling back to killing the
// process if it does not exit in time. Idempotent.
func (d *Driver) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&d.closeStatus, 0, 1) {
		return nil
	}
	d.logger.Info("Closing browser")

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(d.ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	case <-time.After(10 * time.Second):
		err = errors.New("browser shutdown timed out")
	}

	d.cancel()
	d.allocCancel()
	if err != nil {
		d.logger.Warn("Browser did not shut down cleanly", zap.Error(err))
		return err
	}
	return nil
}

func (d *Driver) closed() bool {
	return atomic.LoadInt32(&d.closeStatus) == 1
}
