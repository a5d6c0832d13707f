// File: internal/webkit/driver.go
// Package webkit drives WebKit through a Playwright driver process. Playwright owns the browser
// process and the wire protocol, so this driver maps its page and frame objects onto the session
// model instead of speaking a protocol directly.
package webkit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/browserkit/internal/automation"
	"github.com/xkilldash9x/browserkit/internal/browsers"
	"github.com/xkilldash9x/browserkit/internal/config"
	"github.com/xkilldash9x/browserkit/internal/launcher"
	"github.com/xkilldash9x/browserkit/internal/observability"
	"github.com/xkilldash9x/browserkit/internal/protocol"
	"github.com/xkilldash9x/browserkit/internal/session"
	"github.com/xkilldash9x/browserkit/internal/supervisor"
)

// Driver is the session.Driver for WebKit. Targets are Playwright pages, identified by ids
// generated when the driver first sees them.
type Driver struct {
	cfg    *config.Config
	logger *zap.Logger
	lc     session.Lifecycle

	mu        sync.Mutex
	found     browsers.FoundBrowser
	opts      session.OpenOptions
	pw        *playwright.Playwright
	browser   playwright.Browser
	bctx      playwright.BrowserContext
	page      playwright.Page
	remote    bool
	exposed   map[playwright.BrowserContext]bool
	listening map[playwright.Page]bool
	pageIDs   map[playwright.Page]string
	frameIDs  map[playwright.Frame]string
	sup       *supervisor.Supervisor
	frames    *automation.FrameTree
	downloads *automation.Downloads
}

var _ session.Driver = (*Driver)(nil)

func New(cfg *config.Config, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		cfg:       cfg,
		logger:    logger.Named("webkit"),
		exposed:   make(map[playwright.BrowserContext]bool),
		listening: make(map[playwright.Page]bool),
		pageIDs:   make(map[playwright.Page]string),
		frameIDs:  make(map[playwright.Frame]string),
		frames:    automation.NewFrameTree(),
	}
}

// instance is the launched browser. Playwright reports the end of the browser as a disconnect.
type instance struct {
	d    *Driver
	done chan struct{}
	once sync.Once
}

func newInstance(d *Driver) *instance {
	return &instance{d: d, done: make(chan struct{})}
}

func (i *instance) markDone() { i.once.Do(func() { close(i.done) }) }

func (i *instance) Done() <-chan struct{} { return i.done }

func (i *instance) ExitErr() error { return errors.New("browser disconnected") }

// Kill closes the browser and stops the Playwright driver. It is idempotent.
func (i *instance) Kill() {
	i.d.mu.Lock()
	sup, browser, pw := i.d.sup, i.d.browser, i.d.pw
	i.d.browser, i.d.pw = nil, nil
	i.d.mu.Unlock()
	if sup != nil {
		sup.ExpectExit()
	}
	if browser != nil {
		if err := browser.Close(); err != nil {
			i.d.logger.Debug("Closing the browser failed.", zap.Error(err))
		}
	}
	if pw != nil {
		if err := pw.Stop(); err != nil {
			i.d.logger.Debug("Stopping the Playwright driver failed.", zap.Error(err))
		}
	}
	i.markDone()
}

// Open starts the Playwright driver, launches WebKit, opens the initial blank page and
// navigates it to target.
func (d *Driver) Open(ctx context.Context, b browsers.FoundBrowser, target string, opts session.OpenOptions) (_ session.Instance, err error) {
	if opts.OnError == nil {
		return nil, errors.New("webkit: an error callback is required")
	}
	if err := d.lc.Connect(); err != nil {
		return nil, err
	}
	d.setup(b, opts)
	defer func() {
		if err != nil {
			d.abort()
		}
	}()

	launchOpts := opts.Launch.Clone()
	if err := launcher.RunBeforeLaunch(ctx, opts.Hooks, b, &launchOpts); err != nil {
		return nil, err
	}
	pw, err := d.startPlaywright()
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(d.cfg.Launch.Env)+len(launchOpts.Env))
	for k, v := range d.cfg.Launch.Env {
		env[k] = v
	}
	for k, v := range launchOpts.Env {
		env[k] = v
	}
	launch := playwright.BrowserTypeLaunchOptions{
		Headless:      playwright.Bool(opts.Headless),
		Args:          append(append([]string(nil), d.cfg.Launch.Args...), launchOpts.Args...),
		Env:           env,
		DownloadsPath: playwright.String(d.downloads.Dir()),
		Timeout:       playwright.Float(float64(d.cfg.Launch.EndpointTimeout.Milliseconds())),
	}
	if b.Path != "" {
		launch.ExecutablePath = playwright.String(b.Path)
	}
	browser, err := pw.WebKit.Launch(launch)
	observability.RecordLaunch(string(browsers.FamilyWebKit), err)
	if err != nil {
		return nil, &session.ProcessExitedError{Browser: d.displayName(), Err: err}
	}

	inst := newInstance(d)
	d.useBrowser(browser, false, inst)
	d.sup.WatchProcess(inst)

	if err := launcher.RunAfterLaunch(ctx, opts.Hooks, b, ""); err != nil {
		return nil, err
	}
	page, err := d.newPage(opts)
	if err != nil {
		return nil, err
	}
	if err := d.lc.Attach(d.pageID(page)); err != nil {
		return nil, err
	}
	if err := d.AttachListeners(ctx, opts); err != nil {
		return nil, err
	}
	if err := d.navigate(ctx, target); err != nil {
		return nil, err
	}
	d.logger.Info("Browser session opened.", zap.String("browser", b.Selector()), zap.String("version", browser.Version()))
	return inst, nil
}

// startPlaywright starts the Playwright driver once per session.
func (d *Driver) startPlaywright() (*playwright.Playwright, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pw != nil {
		return d.pw, nil
	}
	pw, err := playwright.Run(&playwright.RunOptions{SkipInstallBrowsers: true})
	if err != nil {
		return nil, fmt.Errorf("failed to start the Playwright driver: %w", err)
	}
	d.pw = pw
	return pw, nil
}

// useBrowser records browser and routes its disconnect to inst, when there is one, or to the
// error callback for remote browsers.
func (d *Driver) useBrowser(browser playwright.Browser, remote bool, inst *instance) {
	d.mu.Lock()
	d.browser = browser
	d.remote = remote
	d.mu.Unlock()
	browser.OnDisconnected(func(playwright.Browser) {
		if inst != nil {
			inst.markDone()
			return
		}
		d.onLost()
	})
}

// newPage opens a page in the session's browser context, creating the context on first use.
func (d *Driver) newPage(opts session.OpenOptions) (playwright.Page, error) {
	d.mu.Lock()
	browser, bctx := d.browser, d.bctx
	d.mu.Unlock()
	if browser == nil {
		return nil, session.ErrClosed
	}
	if bctx == nil {
		width, height := d.viewport(opts)
		c, err := browser.NewContext(playwright.BrowserNewContextOptions{
			AcceptDownloads: playwright.Bool(true),
			Viewport:        &playwright.Size{Width: width, Height: height},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create a browser context: %w", err)
		}
		bctx = c
	}
	page, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to open a page: %w", err)
	}
	d.mu.Lock()
	d.bctx = bctx
	d.page = page
	d.mu.Unlock()
	return page, nil
}

// ConnectToNewSpec points the session at target, in the current page or, with IsolateTabs, in a
// new one. The previous page is left open.
func (d *Driver) ConnectToNewSpec(ctx context.Context, target string, opts session.OpenOptions) error {
	switch d.lc.State() {
	case session.StateClosed:
		return session.ErrClosed
	case session.StateDisconnected, session.StateConnecting:
		return session.ErrNoTarget
	}
	if !opts.IsolateTabs {
		if err := d.navigate(ctx, launcher.BlankURL); err != nil {
			return err
		}
		return d.navigate(ctx, target)
	}

	old := d.lc.Target()
	if err := d.lc.Reattach(); err != nil {
		return err
	}
	page, err := d.newPage(opts)
	if err != nil {
		_ = d.lc.Attach(old)
		return err
	}
	if err := d.lc.Attach(d.pageID(page)); err != nil {
		return err
	}
	if err := d.AttachListeners(ctx, opts); err != nil {
		return err
	}
	return d.navigate(ctx, target)
}

// ConnectToExisting connects to a Playwright browser server at opts.Endpoint and takes the page
// whose url matches.
func (d *Driver) ConnectToExisting(ctx context.Context, b browsers.FoundBrowser, target string, opts session.OpenOptions) (err error) {
	if opts.OnError == nil {
		return errors.New("webkit: an error callback is required")
	}
	if opts.Endpoint == "" {
		return errors.New("webkit: connecting to a running browser needs its Playwright endpoint")
	}
	if err := d.lc.Connect(); err != nil {
		return err
	}
	d.setup(b, opts)
	defer func() {
		if err != nil {
			d.abort()
		}
	}()

	if err := d.ConnectProtocolToBrowser(ctx, opts.Endpoint); err != nil {
		return err
	}
	if err := d.attach(ctx, target); err != nil {
		return err
	}
	return d.AttachListeners(ctx, opts)
}

// ConnectProtocolToBrowser connects to a Playwright browser server.
func (d *Driver) ConnectProtocolToBrowser(ctx context.Context, endpoint string) error {
	pw, err := d.startPlaywright()
	if err != nil {
		return err
	}
	browser, err := pw.WebKit.Connect(endpoint, playwright.BrowserTypeConnectOptions{
		Timeout: playwright.Float(float64(d.cfg.Protocol.RequestTimeout.Milliseconds())),
	})
	if err != nil {
		return &protocol.ConnectionFailedError{Browser: d.displayName(), Endpoint: endpoint, Err: err}
	}
	d.useBrowser(browser, true, nil)
	return nil
}

// attach polls the pages of every context until one shows target.
func (d *Driver) attach(ctx context.Context, target string) error {
	timeout := d.cfg.Protocol.AttachTimeout
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(d.cfg.Protocol.PollInterval), 1)
	for limiter.Wait(pollCtx) == nil {
		d.mu.Lock()
		browser := d.browser
		d.mu.Unlock()
		if browser == nil {
			return session.ErrClosed
		}
		if bctx, page := findPage(browser.Contexts(), target); page != nil {
			d.mu.Lock()
			d.bctx, d.page = bctx, page
			d.mu.Unlock()
			return d.lc.Attach(d.pageID(page))
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return &session.TargetNotFoundError{URL: target, Timeout: timeout}
}

// findPage returns the page whose url matches target, exact matches first.
func findPage(contexts []playwright.BrowserContext, target string) (playwright.BrowserContext, playwright.Page) {
	var prefixCtx playwright.BrowserContext
	var prefix playwright.Page
	for _, c := range contexts {
		for _, p := range c.Pages() {
			u := p.URL()
			if u == target {
				return c, p
			}
			if prefix == nil && target != "" && strings.HasPrefix(u, target) {
				prefixCtx, prefix = c, p
			}
		}
	}
	return prefixCtx, prefix
}

// CloseProtocolConnection drops the page references. A remote browser is disconnected; a
// launched one keeps running until its instance is killed.
func (d *Driver) CloseProtocolConnection(ctx context.Context) error {
	d.mu.Lock()
	browser, remote := d.browser, d.remote
	d.bctx, d.page = nil, nil
	if remote {
		d.browser = nil
	}
	d.mu.Unlock()
	if !remote || browser == nil {
		return nil
	}
	if err := browser.Close(); err != nil {
		return fmt.Errorf("failed to disconnect from the browser: %w", err)
	}
	return nil
}

func (d *Driver) State() session.State { return d.lc.State() }

// Close releases the connection and cached state.
func (d *Driver) Close(ctx context.Context) error {
	if !d.lc.Close() {
		return session.ErrClosed
	}
	d.teardown(ctx)
	d.logger.Debug("Browser session closed.")
	return nil
}

func (d *Driver) abort() {
	d.teardown(context.Background())
	d.mu.Lock()
	browser, pw := d.browser, d.pw
	d.browser, d.pw = nil, nil
	d.mu.Unlock()
	if browser != nil {
		_ = browser.Close()
	}
	if pw != nil {
		_ = pw.Stop()
	}
	if err := d.lc.Fail(); err != nil {
		d.lc.Close()
	}
}

func (d *Driver) teardown(ctx context.Context) {
	if d.sup != nil {
		d.sup.ExpectExit()
	}
	if err := d.CloseProtocolConnection(ctx); err != nil {
		d.logger.Debug("Closing the protocol connection failed.", zap.Error(err))
	}
	if d.sup != nil {
		d.sup.Stop()
	}
	d.mu.Lock()
	bridge := d.opts.Bridge
	d.frameIDs = make(map[playwright.Frame]string)
	d.listening = make(map[playwright.Page]bool)
	d.mu.Unlock()
	d.frames.Reset()
	if bridge != nil {
		bridge.Use(nil)
	}
}

func (d *Driver) setup(b browsers.FoundBrowser, opts session.OpenOptions) {
	if opts.Video != nil {
		d.logger.Debug("Video recording is not available for WebKit; ignoring the video controller.")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.found = b
	d.opts = opts
	folder, err := filepath.Abs(d.cfg.Downloads.Folder)
	if err != nil {
		folder = d.cfg.Downloads.Folder
	}
	d.downloads = automation.NewDownloads(folder)
	d.sup = supervisor.New(supervisor.Options{
		Browser: d.displayNameLocked(),
		Primary: d.lc.Target,
		OnError: opts.OnError,
		Bridge:  opts.Bridge,
		Logger:  d.logger,
	})
	if opts.Bridge != nil {
		opts.Bridge.Use(session.Relay(d))
	}
}

func (d *Driver) navigate(ctx context.Context, target string) error {
	id := d.lc.Target()
	page := d.currentPage()
	if id == "" || page == nil {
		return session.ErrNoTarget
	}
	if err := d.lc.Navigate(); err != nil {
		return err
	}
	defer func() {
		if err := d.lc.Attach(id); err != nil {
			d.logger.Debug("Could not return to attached state.", zap.Error(err))
		}
	}()
	if _, err := page.Goto(target, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateCommit}); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", target, err)
	}
	return nil
}

// onLost reports a remote browser that went away while the session was open.
func (d *Driver) onLost() {
	if d.lc.State() == session.StateClosed {
		return
	}
	d.mu.Lock()
	onError := d.opts.OnError
	d.mu.Unlock()
	if onError != nil {
		onError(&session.ProcessExitedError{Browser: d.displayName(), Err: errors.New("browser disconnected")})
	}
}

// pageID returns the id of page, assigning one on first sight.
func (d *Driver) pageID(page playwright.Page) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.pageIDs[page]
	if !ok {
		id = "page-" + uuid.NewString()
		d.pageIDs[page] = id
	}
	return id
}

func (d *Driver) currentPage() playwright.Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.page
}

func (d *Driver) viewport(opts session.OpenOptions) (int, int) {
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		return opts.ViewportWidth, opts.ViewportHeight
	}
	return d.cfg.Browser.ViewportWidth, d.cfg.Browser.ViewportHeight
}

func (d *Driver) displayName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.displayNameLocked()
}

func (d *Driver) displayNameLocked() string {
	if d.found.DisplayName != "" {
		return d.found.DisplayName
	}
	return "WebKit"
}
