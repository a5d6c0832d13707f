// File: internal/firefox/driver.go
// Package firefox drives Firefox over WebDriver BiDi.
package firefox

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/browserkit/internal/automation"
	"github.com/xkilldash9x/browserkit/internal/browsers"
	"github.com/xkilldash9x/browserkit/internal/config"
	"github.com/xkilldash9x/browserkit/internal/launcher"
	"github.com/xkilldash9x/browserkit/internal/logwatch"
	"github.com/xkilldash9x/browserkit/internal/profile"
	"github.com/xkilldash9x/browserkit/internal/protocol"
	"github.com/xkilldash9x/browserkit/internal/session"
	"github.com/xkilldash9x/browserkit/internal/supervisor"
)

// Driver is the session.Driver for Firefox. BiDi has no renderer crash notification, so crashes
// surface as process exits.
type Driver struct {
	cfg      *config.Config
	logger   *zap.Logger
	ports    *launcher.PortProvider
	profiles *profile.Manager
	lc       session.Lifecycle

	mu         sync.Mutex
	browser    browsers.FoundBrowser
	opts       session.OpenOptions
	client     *protocol.Client
	sub        *protocol.Subscription
	installed  bool
	extensions []string
	process    *launcher.Process
	watcher    *logwatch.Watcher
	sup        *supervisor.Supervisor
	frames     *automation.FrameTree
	downloads  *automation.Downloads
}

var _ session.Driver = (*Driver)(nil)

func New(cfg *config.Config, logger *zap.Logger, ports *launcher.PortProvider) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ports == nil {
		ports = launcher.NewPortProvider(cfg.Launch.BasePort)
	}
	return &Driver{
		cfg:      cfg,
		logger:   logger.Named("firefox"),
		ports:    ports,
		profiles: profile.NewManager(logger, cfg.PreferencesDisabled()),
		frames:   automation.NewFrameTree(),
	}
}

type instance struct {
	*launcher.Process
	sup *supervisor.Supervisor
}

func (i instance) Kill() {
	i.sup.ExpectExit()
	i.Process.Kill()
}

// Open launches Firefox, connects over BiDi, takes the initial blank tab and navigates it.
func (d *Driver) Open(ctx context.Context, b browsers.FoundBrowser, target string, opts session.OpenOptions) (_ session.Instance, err error) {
	if opts.OnError == nil {
		return nil, errors.New("firefox: an error callback is required")
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

	interactive := opts.Interactive || d.cfg.Browser.Interactive
	dir, err := profile.Dir(d.cfg.Profile.AppDataDir, b, interactive, os.Getpid())
	if err != nil {
		return nil, err
	}
	var port int
	var g errgroup.Group
	g.Go(func() error {
		p, err := d.ports.Next()
		port = p
		return err
	})
	g.Go(func() error { return d.prepareProfile(dir, launchOpts) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	width, height := d.viewport(opts)
	args := launcher.FirefoxArgs(b, launcher.ArgsInput{
		Port:       port,
		ProfileDir: dir,
		Headless:   opts.Headless,
		Extra:      append(append([]string(nil), d.cfg.Launch.Args...), launchOpts.Args...),
		Width:      width,
		Height:     height,
	})
	env := make(map[string]string, len(d.cfg.Launch.Env)+len(launchOpts.Env))
	for k, v := range d.cfg.Launch.Env {
		env[k] = v
	}
	for k, v := range launchOpts.Env {
		env[k] = v
	}

	proc, err := launcher.Launch(ctx, launcher.Spec{
		Browser:     b,
		Args:        args,
		Env:         env,
		URL:         launcher.BlankURL,
		ProfileDir:  dir,
		LogName:     d.cfg.Launch.BrowserLogName,
		GracePeriod: d.cfg.Launch.KillGracePeriod,
		Logger:      d.logger,
	})
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.process = proc
	d.extensions = d.extensionPaths(launchOpts)
	d.mu.Unlock()
	d.watchLog(proc)
	d.sup.WatchProcess(proc)

	wsURL, err := d.endpoint(ctx, proc, port)
	if err != nil {
		return nil, err
	}
	if err := d.ConnectProtocolToBrowser(ctx, wsURL); err != nil {
		return nil, err
	}
	proc.Attach(d.currentClient())
	if err := launcher.RunAfterLaunch(ctx, opts.Hooks, b, wsURL); err != nil {
		return nil, err
	}
	if err := d.attach(ctx, launcher.BlankURL); err != nil {
		return nil, err
	}
	d.installExtensions(ctx)
	if err := d.AttachListeners(ctx, opts); err != nil {
		return nil, err
	}
	if err := d.navigate(ctx, target); err != nil {
		return nil, err
	}
	d.logger.Info("Browser session opened.", zap.String("browser", b.Selector()), zap.Int("pid", proc.Pid()))
	return instance{Process: proc, sup: d.sup}, nil
}

// prepareProfile writes user.js with the automation defaults, the download folder and any
// preference overrides.
func (d *Driver) prepareProfile(dir string, launchOpts launcher.Options) error {
	if err := d.profiles.Prepare(dir, d.cfg.Profile.CleanCache); err != nil {
		return err
	}
	if d.cfg.PreferencesDisabled() {
		d.logger.Debug("Preference handling disabled; leaving user.js untouched.", zap.String("dir", dir))
		return nil
	}
	prefs := make(map[string]any, len(profile.DefaultFirefoxPrefs)+len(launchOpts.Preferences.Default)+1)
	for k, v := range profile.DefaultFirefoxPrefs {
		prefs[k] = v
	}
	prefs["browser.download.dir"] = d.downloads.Dir()
	for k, v := range launchOpts.Preferences.Default {
		prefs[k] = v
	}
	return profile.WriteFirefoxUserPrefs(dir, prefs)
}

// extensionPaths lists the internal extension followed by plugin extensions.
func (d *Driver) extensionPaths(launchOpts launcher.Options) []string {
	var paths []string
	if src := d.cfg.Launch.ExtensionSource; src != "" {
		paths = append(paths, src)
	}
	return append(paths, launchOpts.Extensions...)
}

// installExtensions loads unpacked extensions as temporary add-ons. Failures are logged; a
// missing extension must not prevent the run.
func (d *Driver) installExtensions(ctx context.Context) {
	d.mu.Lock()
	paths := d.extensions
	d.mu.Unlock()
	browser := d.currentClient().Browser()
	for _, p := range paths {
		params := map[string]any{"extensionData": map[string]any{"type": "path", "path": p}}
		if err := browser.Execute(ctx, cmdInstallExtension, params, nil); err != nil {
			d.logger.Warn("Could not install extension.", zap.String("path", p), zap.Error(err))
		}
	}
}

// endpoint reads the BiDi address Firefox logs on startup.
func (d *Driver) endpoint(ctx context.Context, proc *launcher.Process, port int) (string, error) {
	d.mu.Lock()
	w := d.watcher
	d.mu.Unlock()
	if w == nil {
		return fmt.Sprintf("ws://%s:%d/session", launcher.DebugAddress, port), nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.Launch.EndpointTimeout)
	defer cancel()
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()
	ws, err := w.Endpoint(waitCtx)
	if proc.Exited() {
		return "", &session.ProcessExitedError{Browser: d.displayName(), Err: proc.ExitErr()}
	}
	if err != nil {
		return "", &protocol.ConnectionFailedError{Browser: d.displayName(), Err: err}
	}
	return sessionURL(ws), nil
}

// sessionURL appends the BiDi session path to a bare listening address.
func sessionURL(ws string) string {
	u, err := url.Parse(ws)
	if err != nil || (u.Path != "" && u.Path != "/") {
		return ws
	}
	u.Path = "/session"
	return u.String()
}

// ConnectToNewSpec points the session at target, in the current tab or, with IsolateTabs, in a
// new one. The previous tab is left open.
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
	var created struct {
		Context string `json:"context"`
	}
	if err := d.currentClient().Browser().Execute(ctx, cmdCreate, map[string]any{"type": "tab"}, &created); err != nil {
		_ = d.lc.Attach(old)
		return fmt.Errorf("failed to open a new tab: %w", err)
	}
	if err := d.lc.Attach(created.Context); err != nil {
		return err
	}
	if err := d.AttachListeners(ctx, opts); err != nil {
		return err
	}
	return d.navigate(ctx, target)
}

// ConnectToExisting connects to a running Firefox at opts.Endpoint and takes the tab whose url
// matches.
func (d *Driver) ConnectToExisting(ctx context.Context, b browsers.FoundBrowser, target string, opts session.OpenOptions) (err error) {
	if opts.OnError == nil {
		return errors.New("firefox: an error callback is required")
	}
	if opts.Endpoint == "" {
		return errors.New("firefox: connecting to a running browser needs its BiDi endpoint")
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

	if err := d.ConnectProtocolToBrowser(ctx, sessionURL(opts.Endpoint)); err != nil {
		return err
	}
	if err := d.attach(ctx, target); err != nil {
		return err
	}
	return d.AttachListeners(ctx, opts)
}

// ConnectProtocolToBrowser opens the BiDi connection and its session.
func (d *Driver) ConnectProtocolToBrowser(ctx context.Context, endpoint string) error {
	client := protocol.NewClient(endpoint, protocol.Options{
		Dialect:           protocol.BiDi,
		Browser:           d.displayName(),
		Logger:            d.logger,
		OnReconnect:       d.onReconnect,
		OnLost:            d.onLost,
		ReconnectAttempts: d.cfg.Protocol.ReconnectAttempts,
		ReconnectBackoff:  d.cfg.Protocol.ReconnectBackoff,
		RequestTimeout:    d.cfg.Protocol.RequestTimeout,
	})
	if err := client.Connect(ctx); err != nil {
		return err
	}
	if err := d.newSession(ctx, client); err != nil {
		_ = client.Close()
		return err
	}

	d.mu.Lock()
	previous := d.client
	d.client = client
	d.installed = false
	d.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}
	return nil
}

// newSession starts the BiDi session and checks the browser's major version.
func (d *Driver) newSession(ctx context.Context, client *protocol.Client) error {
	var res sessionNewResult
	params := map[string]any{"capabilities": map[string]any{}}
	if err := client.Browser().Execute(ctx, cmdSessionNew, params, &res); err != nil {
		return &protocol.ConnectionFailedError{Browser: d.displayName(), Endpoint: client.Endpoint(), Err: err}
	}
	minimum := d.cfg.Browser.MinVersions[string(browsers.FamilyFirefox)]
	if minimum <= 0 {
		return nil
	}
	major := res.Capabilities.BrowserVersion
	if i := strings.IndexByte(major, '.'); i >= 0 {
		major = major[:i]
	}
	if _, err := strconv.Atoi(major); err != nil {
		d.logger.Debug("Unparseable browser version.", zap.String("version", res.Capabilities.BrowserVersion))
		return nil
	}
	return protocol.CheckVersion(d.displayName(), strconv.Itoa(minimum), major)
}

// CloseProtocolConnection ends the BiDi connection. Firefox keeps running.
func (d *Driver) CloseProtocolConnection(ctx context.Context) error {
	d.mu.Lock()
	client, sub := d.client, d.sub
	d.client, d.sub, d.installed = nil, nil, false
	d.mu.Unlock()
	if sub != nil {
		sub.Dispose()
	}
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil && !errors.Is(err, protocol.ErrClosed) {
		return fmt.Errorf("failed to close protocol connection: %w", err)
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
	proc := d.process
	d.process = nil
	d.mu.Unlock()
	if proc != nil {
		proc.Kill()
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
	watcher := d.watcher
	d.watcher = nil
	bridge := d.opts.Bridge
	d.mu.Unlock()
	if watcher != nil {
		watcher.Stop()
	}
	d.frames.Reset()
	if bridge != nil {
		bridge.Use(nil)
	}
}

func (d *Driver) setup(b browsers.FoundBrowser, opts session.OpenOptions) {
	if opts.Video != nil {
		d.logger.Debug("Video recording is not available over BiDi; ignoring the video controller.")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.browser = b
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

func (d *Driver) watchLog(proc *launcher.Process) {
	w := logwatch.New(proc.LogPath(), false, d.logger)
	if err := w.Start(context.Background()); err != nil {
		d.logger.Warn("Cannot follow the browser log.", zap.Error(err))
		return
	}
	d.mu.Lock()
	d.watcher = w
	d.mu.Unlock()
	d.sup.WatchLog(w.Lines())
}

// attach polls the top-level contexts until one matches target and makes it primary.
func (d *Driver) attach(ctx context.Context, target string) error {
	timeout := d.cfg.Protocol.AttachTimeout
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	browser := d.currentClient().Browser()
	limiter := rate.NewLimiter(rate.Every(d.cfg.Protocol.PollInterval), 1)
	for limiter.Wait(pollCtx) == nil {
		var tree getTreeResult
		if err := browser.Execute(pollCtx, cmdGetTree, map[string]any{"maxDepth": 0}, &tree); err != nil {
			if errors.Is(err, protocol.ErrClosed) {
				return err
			}
			d.logger.Debug("Listing browsing contexts failed while waiting to attach.", zap.Error(err))
			continue
		}
		if id := findContext(tree.Contexts, target); id != "" {
			return d.lc.Attach(id)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return &session.TargetNotFoundError{URL: target, Timeout: timeout}
}

func (d *Driver) navigate(ctx context.Context, target string) error {
	id := d.lc.Target()
	if id == "" {
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
	params := map[string]any{"context": id, "url": target, "wait": "none"}
	if err := d.currentClient().Browser().Execute(ctx, cmdNavigate, params, nil); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", target, err)
	}
	return nil
}

// onReconnect starts a new BiDi session on the fresh connection, since a session ends with its
// websocket, then reconciles frames and reinstalls listeners.
func (d *Driver) onReconnect(ctx context.Context, c *protocol.Client) error {
	if err := d.newSession(ctx, c); err != nil {
		return err
	}
	d.mu.Lock()
	d.installed = false
	d.mu.Unlock()
	id := d.lc.Target()
	if id == "" {
		return nil
	}
	var tree getTreeResult
	if err := c.Browser().Execute(ctx, cmdGetTree, map[string]any{"root": id}, &tree); err != nil {
		return err
	}
	d.push(ctx, d.frames.Reconcile(flattenContexts(tree.Contexts, ""))...)
	return d.install(ctx, c)
}

func (d *Driver) onLost(err error) {
	d.mu.Lock()
	proc, onError := d.process, d.opts.OnError
	d.mu.Unlock()
	if d.lc.State() == session.StateClosed {
		return
	}
	if proc == nil && onError != nil {
		onError(err)
	}
}

func (d *Driver) currentClient() *protocol.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
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
	if d.browser.DisplayName != "" {
		return d.browser.DisplayName
	}
	return "Firefox"
}
