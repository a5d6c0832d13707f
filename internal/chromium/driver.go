// File: internal/chromium/driver.go
// Package chromium drives Chromium family browsers, Electron-like hosts included, over the
// Chrome DevTools Protocol.
package chromium

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/page"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/browserkit/internal/automation"
	"github.com/xkilldash9x/browserkit/internal/browsers"
	"github.com/xkilldash9x/browserkit/internal/config"
	"github.com/xkilldash9x/browserkit/internal/launcher"
	"github.com/xkilldash9x/browserkit/internal/logwatch"
	"github.com/xkilldash9x/browserkit/internal/profile"
	"github.com/xkilldash9x/browserkit/internal/protocol"
	"github.com/xkilldash9x/browserkit/internal/session"
	"github.com/xkilldash9x/browserkit/internal/supervisor"
	"github.com/xkilldash9x/browserkit/internal/video"
)

// Driver is the session.Driver for Chromium. A Driver owns at most one browser; once closed it
// cannot be reopened.
type Driver struct {
	cfg      *config.Config
	logger   *zap.Logger
	ports    *launcher.PortProvider
	profiles *profile.Manager
	lc       session.Lifecycle

	mu          sync.Mutex
	browser     browsers.FoundBrowser
	opts        session.OpenOptions
	client      *protocol.Client
	primary     *protocol.Session
	browserSubs []*protocol.Subscription
	process     *launcher.Process
	watcher     *logwatch.Watcher
	sup         *supervisor.Supervisor
	recorder    *video.Recorder
	recording   *protocol.Session
	frames      *automation.FrameTree
	downloads   *automation.Downloads
	contexts    map[int64]string
}

var _ session.Driver = (*Driver)(nil)

// New creates a driver. Ports are shared between drivers so consecutive launches never reuse a
// debugging port; nil allocates from cfg.Launch.BasePort.
func New(cfg *config.Config, logger *zap.Logger, ports *launcher.PortProvider) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ports == nil {
		ports = launcher.NewPortProvider(cfg.Launch.BasePort)
	}
	return &Driver{
		cfg:      cfg,
		logger:   logger.Named("chromium"),
		ports:    ports,
		profiles: profile.NewManager(logger, cfg.PreferencesDisabled()),
		frames:   automation.NewFrameTree(),
		contexts: make(map[int64]string),
	}
}

// instance ties the launched process to the supervisor so a deliberate Kill is not reported as
// a crash.
type instance struct {
	*launcher.Process
	sup *supervisor.Supervisor
}

func (i instance) Kill() {
	i.sup.ExpectExit()
	i.Process.Kill()
}

// launchPlan is the result of the pre-launch barrier.
type launchPlan struct {
	port       int
	profileDir string
	cacheDir   string
	args       []string
	env        map[string]string
}

// Open launches b, connects to it, attaches to the initial blank page and navigates it to url.
func (d *Driver) Open(ctx context.Context, b browsers.FoundBrowser, url string, opts session.OpenOptions) (_ session.Instance, err error) {
	if opts.OnError == nil {
		return nil, errors.New("chromium: an error callback is required")
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
	plan, err := d.plan(b, opts, launchOpts)
	if err != nil {
		return nil, err
	}

	proc, err := launcher.Launch(ctx, launcher.Spec{
		Browser:     b,
		Args:        plan.args,
		Env:         plan.env,
		URL:         launcher.BlankURL,
		ProfileDir:  plan.profileDir,
		LogName:     d.cfg.Launch.BrowserLogName,
		GracePeriod: d.cfg.Launch.KillGracePeriod,
		Logger:      d.logger,
	})
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.process = proc
	d.mu.Unlock()
	d.watchLog(proc)
	d.sup.WatchProcess(proc)

	wsURL, err := d.endpoint(ctx, proc, plan.port)
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
	if err := d.AttachListeners(ctx, opts); err != nil {
		return nil, err
	}
	if err := d.startVideo(ctx); err != nil {
		return nil, err
	}
	if err := d.navigate(ctx, url); err != nil {
		return nil, err
	}
	d.logger.Info("Browser session opened.", zap.String("browser", b.Selector()), zap.Int("pid", proc.Pid()))
	return instance{Process: proc, sup: d.sup}, nil
}

// plan prepares the profile and picks a port concurrently, then builds the command line.
func (d *Driver) plan(b browsers.FoundBrowser, opts session.OpenOptions, launchOpts launcher.Options) (launchPlan, error) {
	interactive := opts.Interactive || d.cfg.Browser.Interactive
	dir, err := profile.Dir(d.cfg.Profile.AppDataDir, b, interactive, os.Getpid())
	if err != nil {
		return launchPlan{}, err
	}
	plan := launchPlan{profileDir: dir, cacheDir: profile.CacheDir(dir)}

	var internal []string
	var g errgroup.Group
	g.Go(func() error {
		port, err := d.ports.Next()
		plan.port = port
		return err
	})
	g.Go(func() error {
		if err := d.profiles.Prepare(dir, d.cfg.Profile.CleanCache); err != nil {
			return err
		}
		if _, err := d.profiles.ApplyPreferences(dir, launchOpts.Preferences); err != nil {
			return fmt.Errorf("failed to write browser preferences: %w", err)
		}
		if src := d.cfg.Launch.ExtensionSource; src != "" {
			path, err := profile.InstallExtension(src, dir)
			if err != nil {
				return err
			}
			internal = append(internal, path)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return launchPlan{}, err
	}

	userArgs := append(append([]string(nil), d.cfg.Launch.Args...), launchOpts.Args...)
	extra := profile.NormalizeExtensionArgs(userArgs, internal, launchOpts.Extensions, d.cfg.Launch.ThemePath, opts.Headless)
	width, height := d.viewport(opts)
	plan.args = launcher.ChromiumArgs(b, launcher.ArgsInput{
		Port:       plan.port,
		ProfileDir: dir,
		CacheDir:   plan.cacheDir,
		Headless:   opts.Headless,
		Extra:      extra,
		Width:      width,
		Height:     height,
	})

	plan.env = make(map[string]string, len(d.cfg.Launch.Env)+len(launchOpts.Env))
	for k, v := range d.cfg.Launch.Env {
		plan.env[k] = v
	}
	for k, v := range launchOpts.Env {
		plan.env[k] = v
	}
	return plan, nil
}

// endpoint waits for the DevTools endpoint. It gives up early when the process exits first.
func (d *Driver) endpoint(ctx context.Context, proc *launcher.Process, port int) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.Launch.EndpointTimeout)
	defer cancel()
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	httpEndpoint := fmt.Sprintf("http://%s:%d", launcher.DebugAddress, port)
	info, err := protocol.WaitForVersion(waitCtx, d.displayName(), httpEndpoint, d.cfg.Protocol.PollInterval)
	if proc.Exited() {
		return "", &session.ProcessExitedError{Browser: d.displayName(), Err: proc.ExitErr()}
	}
	if err != nil {
		return "", err
	}
	return info.WebSocketDebuggerURL, nil
}

// ConnectToNewSpec points the session at url. The primary target is reused unless
// opts.IsolateTabs asks for a fresh one.
func (d *Driver) ConnectToNewSpec(ctx context.Context, url string, opts session.OpenOptions) error {
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
		return d.navigate(ctx, url)
	}

	if err := d.lc.Reattach(); err != nil {
		return err
	}
	client, old := d.currentClient(), d.currentPrimary()
	next, err := d.openTarget(ctx, client)
	if err != nil {
		_ = d.lc.Attach(old.TargetID())
		return err
	}
	d.setPrimary(next)
	if err := d.lc.Attach(next.TargetID()); err != nil {
		return err
	}
	// The previous target keeps running; only our session on it goes away.
	if err := client.Detach(ctx, old); err != nil {
		d.logger.Debug("Detaching from the previous target failed.", zap.String("target", old.TargetID()), zap.Error(err))
	}
	if err := d.AttachListeners(ctx, opts); err != nil {
		return err
	}
	if err := d.startVideo(ctx); err != nil {
		return err
	}
	return d.navigate(ctx, url)
}

func (d *Driver) openTarget(ctx context.Context, client *protocol.Client) (*protocol.Session, error) {
	id, err := client.CreateTarget(ctx, launcher.BlankURL)
	if err != nil {
		return nil, err
	}
	return client.AttachToTarget(ctx, id)
}

// ConnectToExisting attaches to the page of an already running browser whose url matches.
func (d *Driver) ConnectToExisting(ctx context.Context, b browsers.FoundBrowser, url string, opts session.OpenOptions) (err error) {
	if opts.OnError == nil {
		return errors.New("chromium: an error callback is required")
	}
	if opts.Endpoint == "" {
		return errors.New("chromium: connecting to a running browser needs its debugging endpoint")
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
	if err := d.attach(ctx, url); err != nil {
		return err
	}
	if err := d.AttachListeners(ctx, opts); err != nil {
		return err
	}
	return d.startVideo(ctx)
}

// ConnectProtocolToBrowser connects to the browser target at endpoint, which may be the
// websocket url itself or the http address serving /json/version.
func (d *Driver) ConnectProtocolToBrowser(ctx context.Context, endpoint string) error {
	wsURL := endpoint
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		info, err := protocol.FetchVersion(ctx, endpoint)
		if err != nil {
			return &protocol.ConnectionFailedError{Browser: d.displayName(), Endpoint: endpoint, Err: err}
		}
		wsURL = info.WebSocketDebuggerURL
	}

	client := protocol.NewClient(wsURL, protocol.Options{
		Dialect:           protocol.CDP,
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
	if err := client.VerifyVersion(ctx, d.cfg.Protocol.MinCDPVersion); err != nil {
		_ = client.Close()
		return err
	}

	d.mu.Lock()
	previous := d.client
	d.client = client
	d.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}
	d.logger.Debug("Connected to the browser target.", zap.String("endpoint", wsURL))
	return nil
}

// CloseProtocolConnection drops every protocol session and the connection itself. The browser
// process is left alone.
func (d *Driver) CloseProtocolConnection(ctx context.Context) error {
	d.mu.Lock()
	client, primary, recording, subs := d.client, d.primary, d.recording, d.browserSubs
	d.client, d.primary, d.recording, d.browserSubs = nil, nil, nil, nil
	d.mu.Unlock()

	if d.recorder != nil {
		d.recorder.Stop(ctx)
	}
	for _, s := range subs {
		s.Dispose()
	}
	for _, s := range []*protocol.Session{primary, recording} {
		if s != nil {
			s.Dispose()
		}
	}
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil && !errors.Is(err, protocol.ErrClosed) {
		return fmt.Errorf("failed to close protocol connection: %w", err)
	}
	return nil
}

// State returns the lifecycle state.
func (d *Driver) State() session.State { return d.lc.State() }

// Close releases the connection and every cached piece of state. The process is not killed;
// the owner of the Instance does that.
func (d *Driver) Close(ctx context.Context) error {
	if !d.lc.Close() {
		return session.ErrClosed
	}
	d.teardown(ctx)
	d.logger.Debug("Browser session closed.")
	return nil
}

// abort undoes a failed Open or ConnectToExisting.
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
	d.contexts = make(map[int64]string)
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

// setup builds the per-session collaborators.
func (d *Driver) setup(b browsers.FoundBrowser, opts session.OpenOptions) {
	if opts.Hooks == nil {
		opts.Hooks = launcher.NoopHooks{}
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

	supOpts := supervisor.Options{
		Browser: d.displayNameLocked(),
		Primary: d.lc.Target,
		OnError: opts.OnError,
		Bridge:  opts.Bridge,
		Logger:  d.logger,
	}
	if opts.Video != nil {
		d.recorder = video.NewRecorder(d.logger, opts.Video, d.cfg.Video)
		supOpts.Video = d.recorder
	}
	d.sup = supervisor.New(supOpts)
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

// attach waits for a page at url and makes it the primary target.
func (d *Driver) attach(ctx context.Context, url string) error {
	sess, err := d.currentClient().AttachByURL(ctx, url, protocol.AttachOptions{
		Timeout:  d.cfg.Protocol.AttachTimeout,
		Interval: d.cfg.Protocol.PollInterval,
	})
	if err != nil {
		return err
	}
	d.setPrimary(sess)
	return d.lc.Attach(sess.TargetID())
}

func (d *Driver) navigate(ctx context.Context, url string) error {
	sess := d.currentPrimary()
	if sess == nil {
		return session.ErrNoTarget
	}
	if err := d.lc.Navigate(); err != nil {
		return err
	}
	defer func() {
		if err := d.lc.Attach(sess.TargetID()); err != nil {
			d.logger.Debug("Could not return to attached state.", zap.Error(err))
		}
	}()

	var ret page.NavigateReturns
	if err := sess.Execute(ctx, page.CommandNavigate, page.Navigate(url), &ret); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if ret.ErrorText != "" {
		return fmt.Errorf("failed to navigate to %s: %s", url, ret.ErrorText)
	}
	return nil
}

// startVideo records a clone of the primary target so screencast traffic never interferes with
// automation.
func (d *Driver) startVideo(ctx context.Context) error {
	if d.recorder == nil {
		return nil
	}
	client, primary := d.currentClient(), d.currentPrimary()
	if client == nil || primary == nil {
		return session.ErrNoTarget
	}
	clone, err := client.Clone(ctx, primary)
	if err != nil {
		return fmt.Errorf("failed to open a recording session: %w", err)
	}
	if err := d.recorder.Start(ctx, clone); err != nil {
		_ = client.Detach(ctx, clone)
		return err
	}
	d.mu.Lock()
	old := d.recording
	d.recording = clone
	d.mu.Unlock()
	if old != nil {
		if err := client.Detach(ctx, old); err != nil {
			d.logger.Debug("Detaching the previous recording session failed.", zap.Error(err))
		}
	}
	return nil
}

func (d *Driver) onLost(err error) {
	d.mu.Lock()
	proc, onError := d.process, d.opts.OnError
	d.mu.Unlock()
	if d.lc.State() == session.StateClosed {
		return
	}
	// With a process the supervisor reports its exit; without one this is the only signal.
	if proc == nil && onError != nil {
		onError(err)
	}
}

func (d *Driver) currentClient() *protocol.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

func (d *Driver) currentPrimary() *protocol.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.primary
}

func (d *Driver) setPrimary(s *protocol.Session) {
	d.mu.Lock()
	d.primary = s
	d.contexts = make(map[int64]string)
	d.mu.Unlock()
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
	if d.browser.Name != "" {
		return d.browser.Name
	}
	return "Chromium"
}
