package chromium

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browserkit/internal/automation"
	"github.com/xkilldash9x/browserkit/internal/browsers"
	"github.com/xkilldash9x/browserkit/internal/config"
	"github.com/xkilldash9x/browserkit/internal/launcher"
	"github.com/xkilldash9x/browserkit/internal/protocol"
	"github.com/xkilldash9x/browserkit/internal/protocol/protocoltest"
	"github.com/xkilldash9x/browserkit/internal/session"
)

const specURL = "http://localhost:3000/__/#/specs/runner?file=login.cy.ts"

var chrome = browsers.FoundBrowser{
	Name:         "chrome",
	Family:       browsers.FamilyChromium,
	Channel:      "stable",
	DisplayName:  "Chrome",
	Version:      "120.0.6099.71",
	MajorVersion: 120,
}

// fakeChrome answers the commands the driver sends. Target T1 shows the runner page.
type fakeChrome struct {
	*protocoltest.Server

	mu              sync.Mutex
	attaches        map[string]int
	protocolVersion string
}

func newFakeChrome(t *testing.T) *fakeChrome {
	f := &fakeChrome{Server: protocoltest.New(t), attaches: map[string]int{}, protocolVersion: "1.3"}
	f.SetReply(f.reply)
	return f
}

func pageInfo(id, url string) map[string]any {
	return map[string]any{"targetId": id, "type": "page", "title": "", "url": url, "attached": false, "canAccessOpener": false}
}

func (f *fakeChrome) reply(_ int, _, method string, params jsontext.Value) (any, bool) {
	switch method {
	case "Browser.getVersion":
		f.mu.Lock()
		defer f.mu.Unlock()
		return map[string]any{"protocolVersion": f.protocolVersion, "product": "Chrome/120.0.6099.71", "revision": "", "userAgent": "test", "jsVersion": "12.0"}, false
	case "Target.getTargets":
		return map[string]any{"targetInfos": []map[string]any{
			pageInfo("T0", "chrome://newtab/"),
			pageInfo("T1", specURL),
		}}, false
	case "Target.attachToTarget":
		var p struct {
			TargetID string `json:"targetId"`
		}
		_ = json.Unmarshal(params, &p)
		f.mu.Lock()
		f.attaches[p.TargetID]++
		n := f.attaches[p.TargetID]
		f.mu.Unlock()
		id := "S-" + p.TargetID
		if n > 1 {
			id = fmt.Sprintf("%s-%d", id, n)
		}
		return map[string]any{"sessionId": id}, false
	case "Target.createTarget":
		return map[string]any{"targetId": "T2"}, false
	case "Page.getFrameTree":
		return map[string]any{"frameTree": map[string]any{
			"frame": map[string]any{"id": "F1", "loaderId": "L1", "url": specURL},
			"childFrames": []map[string]any{
				{"frame": map[string]any{"id": "F2", "parentId": "F1", "loaderId": "L1", "url": "http://localhost:3000/aut"}},
			},
		}}, false
	case "Page.navigate":
		return map[string]any{"frameId": "F1", "loaderId": "L2"}, false
	case "Storage.getCookies":
		return map[string]any{"cookies": []map[string]any{
			{"name": "sid", "value": "1", "domain": ".example.com", "path": "/", "expires": -1, "size": 4, "httpOnly": true, "secure": true, "session": true},
			{"name": "theme", "value": "dark", "domain": "other.org", "path": "/", "expires": 1893456000, "size": 9, "httpOnly": false, "secure": false, "session": false, "sameSite": "Lax"},
		}}, false
	case "Page.captureScreenshot":
		return map[string]any{"data": base64.StdEncoding.EncodeToString([]byte("png-bytes"))}, false
	}
	return nil, false
}

func (f *fakeChrome) setProtocolVersion(v string) {
	f.mu.Lock()
	f.protocolVersion = v
	f.mu.Unlock()
}

// commands returns the recorded commands of method on the first connection.
func (f *fakeChrome) commands(method string) []protocoltest.Command {
	var out []protocoltest.Command
	for _, c := range f.Received(0) {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func indexOf(cmds []protocoltest.Command, sessionID, method string) int {
	for i, c := range cmds {
		if c.SessionID == sessionID && c.Method == method {
			return i
		}
	}
	return -1
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Protocol.AttachTimeout = 2 * time.Second
	cfg.Protocol.PollInterval = 10 * time.Millisecond
	cfg.Protocol.ReconnectAttempts = 0
	cfg.Downloads.Folder = t.TempDir()
	cfg.Profile.AppDataDir = t.TempDir()
	return cfg
}

func connect(t *testing.T, f *fakeChrome, opts session.OpenOptions) *Driver {
	t.Helper()
	d := New(testConfig(t), zaptest.NewLogger(t), nil)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	opts.Endpoint = f.HTTPURL()
	if opts.OnError == nil {
		opts.OnError = func(err error) { t.Errorf("unexpected session error: %v", err) }
	}
	require.NoError(t, d.ConnectToExisting(context.Background(), chrome, "http://localhost:3000/__/", opts))
	return d
}

func TestConnectToExisting_AttachesAndInstallsListeners(t *testing.T) {
	f := newFakeChrome(t)
	d := connect(t, f, session.OpenOptions{})

	assert.Equal(t, session.StateAttached, d.State())
	assert.Equal(t, "T1", d.lc.Target())

	cmds := f.Received(0)
	for _, m := range []string{"Page.enable", "Runtime.enable", "Runtime.addBinding", "Page.addScriptToEvaluateOnNewDocument", "Runtime.evaluate", "Page.getFrameTree"} {
		assert.GreaterOrEqual(t, indexOf(cmds, "S-T1", m), 0, "%s not sent to the primary session", m)
	}
	for _, m := range []string{"Target.setDiscoverTargets", "Browser.setDownloadBehavior"} {
		assert.GreaterOrEqual(t, indexOf(cmds, "", m), 0, "%s not sent to the browser", m)
	}

	var binding struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(f.commands("Runtime.addBinding")[0].Params, &binding))
	assert.Equal(t, automation.BindingName, binding.Name)

	assert.Equal(t, []automation.Frame{
		{ID: "F1", URL: specURL},
		{ID: "F2", ParentID: "F1", URL: "http://localhost:3000/aut"},
	}, d.frames.Snapshot())

	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, session.StateClosed, d.State())
	assert.ErrorIs(t, d.Close(context.Background()), session.ErrClosed)
	assert.Empty(t, d.frames.Snapshot())
}

func TestConnectToExisting_TargetNotFound(t *testing.T) {
	f := newFakeChrome(t)
	cfg := testConfig(t)
	cfg.Protocol.AttachTimeout = 100 * time.Millisecond
	d := New(cfg, zaptest.NewLogger(t), nil)

	err := d.ConnectToExisting(context.Background(), chrome, "http://localhost:4000/", session.OpenOptions{
		Endpoint: f.HTTPURL(),
		OnError:  func(error) {},
	})
	var notFound *session.TargetNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "http://localhost:4000/", notFound.URL)
	assert.Equal(t, session.StateDisconnected, d.State())
}

func TestConnectToExisting_VersionTooOld(t *testing.T) {
	f := newFakeChrome(t)
	f.setProtocolVersion("1.2")
	d := New(testConfig(t), zaptest.NewLogger(t), nil)

	err := d.ConnectToExisting(context.Background(), chrome, specURL, session.OpenOptions{
		Endpoint: f.HTTPURL(),
		OnError:  func(error) {},
	})
	var tooOld *protocol.VersionTooOldError
	require.ErrorAs(t, err, &tooOld)
	assert.False(t, protocol.IsRetryable(err))
	assert.Contains(t, err.Error(), "Chrome 64")
}

func TestConnectToExisting_RequiresEndpointAndCallback(t *testing.T) {
	d := New(testConfig(t), zaptest.NewLogger(t), nil)
	assert.Error(t, d.ConnectToExisting(context.Background(), chrome, specURL, session.OpenOptions{Endpoint: "ws://127.0.0.1:1"}))
	assert.Error(t, d.ConnectToExisting(context.Background(), chrome, specURL, session.OpenOptions{OnError: func(error) {}}))
	assert.Equal(t, session.StateDisconnected, d.State())
}

func TestConnectToNewSpec_ReusesPrimaryTarget(t *testing.T) {
	f := newFakeChrome(t)
	d := connect(t, f, session.OpenOptions{})

	require.NoError(t, d.ConnectToNewSpec(context.Background(), "http://localhost:3000/__/#/specs/runner?file=cart.cy.ts", session.OpenOptions{}))

	navs := f.commands("Page.navigate")
	require.Len(t, navs, 2)
	var urls []string
	for _, n := range navs {
		assert.Equal(t, "S-T1", n.SessionID)
		var p struct {
			URL string `json:"url"`
		}
		require.NoError(t, json.Unmarshal(n.Params, &p))
		urls = append(urls, p.URL)
	}
	assert.Equal(t, []string{"about:blank", "http://localhost:3000/__/#/specs/runner?file=cart.cy.ts"}, urls)
	assert.Empty(t, f.commands("Target.createTarget"))
	assert.Equal(t, session.StateAttached, d.State())
}

func TestConnectToNewSpec_IsolateTabs(t *testing.T) {
	f := newFakeChrome(t)
	errs := make(chan error, 2)
	d := connect(t, f, session.OpenOptions{OnError: func(err error) { errs <- err }})

	require.NoError(t, d.ConnectToNewSpec(context.Background(), "http://localhost:3000/next", session.OpenOptions{IsolateTabs: true}))
	assert.Equal(t, "T2", d.lc.Target())
	assert.Equal(t, session.StateAttached, d.State())

	detach := f.commands("Target.detachFromTarget")
	require.Len(t, detach, 1)
	var p struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(detach[0].Params, &p))
	assert.Equal(t, "S-T1", p.SessionID)
	assert.Empty(t, f.commands("Target.closeTarget"), "the previous target must stay open")

	cmds := f.Received(0)
	enable := indexOf(cmds, "S-T2", "Runtime.addBinding")
	nav := indexOf(cmds, "S-T2", "Page.navigate")
	require.GreaterOrEqual(t, enable, 0)
	require.GreaterOrEqual(t, nav, 0)
	assert.Less(t, enable, nav, "listeners must be installed before navigating")

	// Only the new primary target counts.
	f.Emit("", "Target.targetCrashed", map[string]any{"targetId": "T1", "status": "crashed", "errorCode": 1})
	f.Emit("", "Target.targetCrashed", map[string]any{"targetId": "T2", "status": "crashed", "errorCode": 133})
	select {
	case err := <-errs:
		var crashed *session.RendererCrashedError
		require.ErrorAs(t, err, &crashed)
		assert.Equal(t, "T2", crashed.TargetID)
		assert.Equal(t, 133, crashed.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("crash not reported")
	}
	assert.Empty(t, errs)
}

func TestConnectToNewSpec_AfterClose(t *testing.T) {
	f := newFakeChrome(t)
	d := connect(t, f, session.OpenOptions{})
	require.NoError(t, d.Close(context.Background()))
	assert.ErrorIs(t, d.ConnectToNewSpec(context.Background(), specURL, session.OpenOptions{}), session.ErrClosed)
}

func TestTargetCrashed_OnlyPrimaryIsReported(t *testing.T) {
	f := newFakeChrome(t)
	errs := make(chan error, 2)
	d := connect(t, f, session.OpenOptions{OnError: func(err error) { errs <- err }})
	_ = d

	f.Emit("", "Target.targetCrashed", map[string]any{"targetId": "T0", "status": "crashed", "errorCode": 5})
	f.Emit("", "Target.targetCrashed", map[string]any{"targetId": "T1", "status": "killed", "errorCode": 9})

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, session.ErrRendererCrashed)
		var crashed *session.RendererCrashedError
		require.ErrorAs(t, err, &crashed)
		assert.Equal(t, "T1", crashed.TargetID)
		assert.Equal(t, "killed", crashed.Status)
		assert.Equal(t, "Chrome", crashed.Browser)
	case <-time.After(2 * time.Second):
		t.Fatal("crash not reported")
	}
	assert.Empty(t, errs)
}

func receive(t *testing.T, ch <-chan automation.Message, bridge *automation.Bridge) automation.Event {
	t.Helper()
	select {
	case msg := <-ch:
		bridge.Acknowledge(msg)
		return msg.Event
	case <-time.After(2 * time.Second):
		t.Fatal("no automation event")
		return nil
	}
}

func TestDownloadsAndFramesReachTheBridge(t *testing.T) {
	f := newFakeChrome(t)
	bridge := automation.NewBridge(zaptest.NewLogger(t), 8)
	t.Cleanup(bridge.Shutdown)
	downloads, stopDownloads := bridge.Subscribe(automation.KindDownloadCreated, automation.KindDownloadCompleted)
	defer stopDownloads()
	frames, stopFrames := bridge.Subscribe(automation.KindFrameNavigated, automation.KindFrameRemoved)
	defer stopFrames()

	d := connect(t, f, session.OpenOptions{Bridge: bridge})

	f.Emit("", "Browser.downloadWillBegin", map[string]any{"frameId": "F1", "guid": "g1", "url": "http://localhost:3000/report.pdf", "suggestedFilename": "report.pdf"})
	f.Emit("", "Browser.downloadProgress", map[string]any{"guid": "g1", "totalBytes": 10, "receivedBytes": 10, "state": "completed"})

	path := filepath.Join(d.downloads.Dir(), "report.pdf")
	assert.Equal(t, automation.DownloadCreated{ID: "g1", URL: "http://localhost:3000/report.pdf", FilePath: path, MIME: "application/pdf"}, receive(t, downloads, bridge))
	assert.Equal(t, automation.DownloadCompleted{ID: "g1", FilePath: path}, receive(t, downloads, bridge))

	f.Emit("S-T1", "Page.frameNavigated", map[string]any{
		"frame": map[string]any{"id": "F3", "parentId": "F2", "loaderId": "L3", "url": "http://localhost:3000/iframe"},
		"type":  "Navigation",
	})
	f.Emit("S-T1", "Page.frameDetached", map[string]any{"frameId": "F2", "reason": "remove"})

	assert.Equal(t, automation.FrameNavigated{FrameID: "F3", ParentID: "F2", URL: "http://localhost:3000/iframe"}, receive(t, frames, bridge))
	assert.Equal(t, automation.FrameRemoved{FrameID: "F2"}, receive(t, frames, bridge))
	assert.Equal(t, automation.FrameRemoved{FrameID: "F3"}, receive(t, frames, bridge))
}

func TestBindingCallReachesSink(t *testing.T) {
	f := newFakeChrome(t)
	bridge := automation.NewBridge(zaptest.NewLogger(t), 8)
	t.Cleanup(bridge.Shutdown)
	clicks := make(chan automation.DownloadLinkClicked, 1)
	bridge.SetSink(automation.Sink{OnDownloadLinkClicked: func(e automation.DownloadLinkClicked) { clicks <- e }})

	connect(t, f, session.OpenOptions{Bridge: bridge})

	f.Emit("S-T1", "Runtime.executionContextCreated", map[string]any{"context": map[string]any{
		"id": 4, "origin": "http://localhost:3000", "name": "", "uniqueId": "u4",
		"auxData": map[string]any{"frameId": "F2", "isDefault": true, "type": "default"},
	}})
	f.Emit("S-T1", "Runtime.bindingCalled", map[string]any{
		"name":               automation.BindingName,
		"payload":            `{"type":"downloadLinkClicked","url":"http://localhost:3000/a.zip","filename":"a.zip"}`,
		"executionContextId": 4,
	})

	select {
	case e := <-clicks:
		assert.Equal(t, automation.DownloadLinkClicked{URL: "http://localhost:3000/a.zip", Filename: "a.zip", FrameID: "F2"}, e)
	case <-time.After(2 * time.Second):
		t.Fatal("binding call not relayed")
	}
}

func TestAutomationRequests(t *testing.T) {
	f := newFakeChrome(t)
	bridge := automation.NewBridge(zaptest.NewLogger(t), 8)
	t.Cleanup(bridge.Shutdown)
	connect(t, f, session.OpenOptions{Bridge: bridge})
	ctx := context.Background()

	t.Run("get cookies", func(t *testing.T) {
		res, err := bridge.Request(ctx, automation.RequestGetCookies, session.CookieFilter{Domain: "app.example.com"})
		require.NoError(t, err)
		assert.Equal(t, []session.Cookie{{Name: "sid", Value: "1", Domain: ".example.com", Path: "/", HTTPOnly: true, Secure: true}}, res)

		res, err = bridge.Request(ctx, automation.RequestGetCookies, nil)
		require.NoError(t, err)
		cookies := res.([]session.Cookie)
		require.Len(t, cookies, 2)
		assert.Equal(t, "Lax", cookies[1].SameSite)
		assert.Equal(t, float64(1893456000), cookies[1].Expires)
	})

	t.Run("set cookie", func(t *testing.T) {
		_, err := bridge.Request(ctx, automation.RequestSetCookie, session.Cookie{Name: "a", Value: "b", Domain: "localhost", Path: "/", SameSite: "Strict"})
		require.NoError(t, err)
		set := f.commands("Storage.setCookies")
		require.Len(t, set, 1)
		var p struct {
			Cookies []struct {
				Name     string `json:"name"`
				SameSite string `json:"sameSite"`
			} `json:"cookies"`
		}
		require.NoError(t, json.Unmarshal(set[0].Params, &p))
		require.Len(t, p.Cookies, 1)
		assert.Equal(t, "a", p.Cookies[0].Name)
		assert.Equal(t, "Strict", p.Cookies[0].SameSite)

		_, err = bridge.Request(ctx, automation.RequestSetCookie, "not a cookie")
		assert.Error(t, err)
	})

	t.Run("clear cookies", func(t *testing.T) {
		_, err := bridge.Request(ctx, automation.RequestClearCookies, nil)
		require.NoError(t, err)
		assert.True(t, f.Called("Storage.clearCookies"))
	})

	t.Run("screenshot", func(t *testing.T) {
		res, err := bridge.Request(ctx, automation.RequestTakeScreenshot, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte("png-bytes"), res)
	})

	t.Run("resize viewport", func(t *testing.T) {
		_, err := bridge.Request(ctx, automation.RequestResizeViewport, session.Viewport{Width: 800, Height: 600})
		require.NoError(t, err)
		metrics := f.commands("Emulation.setDeviceMetricsOverride")
		require.Len(t, metrics, 1)
		assert.Equal(t, "S-T1", metrics[0].SessionID)
		var p struct {
			Width  int64 `json:"width"`
			Height int64 `json:"height"`
		}
		require.NoError(t, json.Unmarshal(metrics[0].Params, &p))
		assert.Equal(t, int64(800), p.Width)
		assert.Equal(t, int64(600), p.Height)
	})

	t.Run("unknown request", func(t *testing.T) {
		_, err := bridge.Request(ctx, "reload:page", nil)
		assert.ErrorIs(t, err, session.ErrUnknownRequest)
	})
}

func TestClose_UnregistersBackend(t *testing.T) {
	f := newFakeChrome(t)
	bridge := automation.NewBridge(zaptest.NewLogger(t), 8)
	t.Cleanup(bridge.Shutdown)
	d := connect(t, f, session.OpenOptions{Bridge: bridge})

	require.NoError(t, d.Close(context.Background()))
	_, err := bridge.Request(context.Background(), automation.RequestClearCookies, nil)
	assert.ErrorIs(t, err, automation.ErrNoHandlers)
}

func TestOpen_FailsWithoutCallback(t *testing.T) {
	d := New(testConfig(t), zaptest.NewLogger(t), nil)
	_, err := d.Open(context.Background(), chrome, specURL, session.OpenOptions{})
	require.Error(t, err)
	assert.Equal(t, session.StateDisconnected, d.State())
}

func TestOpen_LaunchFailureLeavesSessionDisconnected(t *testing.T) {
	d := New(testConfig(t), zaptest.NewLogger(t), nil)
	b := chrome
	b.Path = filepath.Join(t.TempDir(), "missing-chrome")

	_, err := d.Open(context.Background(), b, specURL, session.OpenOptions{Headless: true, OnError: func(error) {}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, session.ErrClosed))
	assert.Equal(t, session.StateDisconnected, d.State())
}

func flagsWithPrefix(args []string, prefix string) []string {
	var out []string
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			out = append(out, a)
		}
	}
	return out
}

func TestPlan_CommandLine(t *testing.T) {
	ext := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ext, "manifest.json"), []byte(`{"manifest_version":3}`), 0o644))
	newDriver := func() *Driver {
		cfg := testConfig(t)
		cfg.Launch.ExtensionSource = ext
		cfg.Launch.ThemePath = "/theme"
		return New(cfg, zaptest.NewLogger(t), nil)
	}

	t.Run("headed loads every extension in one argument", func(t *testing.T) {
		d := newDriver()
		p, err := d.plan(chrome, session.OpenOptions{Headless: false}, launcher.Options{Extensions: []string{"/ext1"}})
		require.NoError(t, err)

		installed := filepath.Join(p.profileDir, "extensions", filepath.Base(ext))
		assert.Equal(t, []string{"--load-extension=" + installed + ",/ext1,/theme"}, flagsWithPrefix(p.args, "--load-extension="))
		assert.Empty(t, flagsWithPrefix(p.args, "--headless"))
		assert.FileExists(t, filepath.Join(installed, "manifest.json"))
	})

	t.Run("headless skips extensions", func(t *testing.T) {
		d := newDriver()
		b := chrome
		b.MajorVersion = 112
		p, err := d.plan(b, session.OpenOptions{Headless: true}, launcher.Options{Extensions: []string{"/ext1"}})
		require.NoError(t, err)

		assert.Contains(t, p.args, "--headless=new")
		assert.Contains(t, p.args, "--window-size=1280,720")
		assert.Contains(t, p.args, "--force-device-scale-factor=1")
		assert.Empty(t, flagsWithPrefix(p.args, "--load-extension="))
	})
}
