package chromium

import (
	"context"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserkit/internal/automation"
	"github.com/xkilldash9x/browserkit/internal/protocol"
	"github.com/xkilldash9x/browserkit/internal/session"
)

// executionContextCreated is decoded by hand; cdproto leaves auxData opaque.
type executionContextCreated struct {
	Context struct {
		ID      int64 `json:"id"`
		AuxData struct {
			FrameID string `json:"frameId"`
		} `json:"auxData"`
	} `json:"context"`
}

// AttachListeners installs crash, download, frame and utility binding listeners on the primary
// target and seeds the frame cache. Listeners from an earlier target are replaced.
func (d *Driver) AttachListeners(ctx context.Context, opts session.OpenOptions) error {
	sess := d.currentPrimary()
	if sess == nil {
		return session.ErrNoTarget
	}
	if err := d.install(ctx, sess); err != nil {
		return err
	}
	tree, err := page.GetFrameTree().Do(sess.WithExecutor(ctx))
	if err != nil {
		return err
	}
	d.frames.Reset()
	for _, f := range flattenFrames(tree) {
		d.frames.Navigated(f)
	}
	return nil
}

func (d *Driver) install(ctx context.Context, sess *protocol.Session) error {
	client := sess.Client()
	subs := []*protocol.Subscription{
		client.Subscribe("", d.onTargetEvent, cdproto.EventTargetTargetCrashed),
		client.Subscribe("", d.onDownloadEvent, cdproto.EventBrowserDownloadWillBegin, cdproto.EventBrowserDownloadProgress),
	}
	d.mu.Lock()
	old := d.browserSubs
	d.browserSubs = subs
	d.mu.Unlock()
	for _, s := range old {
		s.Dispose()
	}

	sess.Subscribe(d.onFrameEvent, cdproto.EventPageFrameNavigated, cdproto.EventPageFrameDetached)
	sess.Subscribe(d.onRuntimeEvent,
		cdproto.EventRuntimeExecutionContextCreated,
		cdproto.EventRuntimeExecutionContextsCleared,
		cdproto.EventRuntimeBindingCalled)

	err := client.Browser().Run(ctx,
		target.SetDiscoverTargets(true),
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(d.downloads.Dir()).
			WithEventsEnabled(true),
	)
	if err != nil {
		return err
	}
	return sess.Run(ctx,
		page.Enable(),
		runtime.Enable(),
		runtime.AddBinding(automation.BindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(automation.BindingScript).Do(ctx)
			return err
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, _, err := runtime.Evaluate(automation.BindingScript).Do(ctx)
			return err
		}),
	)
}

// onReconnect runs on the re-established connection before any queued command. Flat sessions
// do not survive a new websocket, so the primary target is attached again and the frame cache
// is reconciled against the live tree.
func (d *Driver) onReconnect(ctx context.Context, c *protocol.Client) error {
	old := d.currentPrimary()
	if old == nil {
		return nil
	}
	old.Dispose()
	sess, err := c.AttachToTarget(ctx, old.TargetID())
	if err != nil {
		return err
	}
	d.setPrimary(sess)

	tree, err := page.GetFrameTree().Do(sess.WithExecutor(ctx))
	if err != nil {
		return err
	}
	d.push(ctx, d.frames.Reconcile(flattenFrames(tree))...)
	if err := d.install(ctx, sess); err != nil {
		return err
	}
	if d.recorder != nil {
		d.recorder.Stop(ctx)
		if err := d.startVideo(ctx); err != nil {
			d.logger.Warn("Could not resume video after reconnecting.", zap.Error(err))
		}
	}
	return nil
}

func (d *Driver) onTargetEvent(ev protocol.Event) {
	var e target.EventTargetCrashed
	if err := ev.Decode(&e); err != nil {
		d.logger.Debug("Undecodable target event.", zap.String("method", ev.Method), zap.Error(err))
		return
	}
	d.sup.HandleTargetCrashed(context.Background(), string(e.TargetID), e.Status, int(e.ErrorCode))
}

func (d *Driver) onDownloadEvent(ev protocol.Event) {
	ctx := context.Background()
	switch ev.Method {
	case cdproto.EventBrowserDownloadWillBegin:
		var e browser.EventDownloadWillBegin
		if err := ev.Decode(&e); err != nil {
			d.logger.Debug("Undecodable download event.", zap.Error(err))
			return
		}
		d.push(ctx, d.downloads.WillBegin(e.GUID, e.URL, e.SuggestedFilename)...)
	case cdproto.EventBrowserDownloadProgress:
		var e browser.EventDownloadProgress
		if err := ev.Decode(&e); err != nil {
			d.logger.Debug("Undecodable download event.", zap.Error(err))
			return
		}
		d.push(ctx, d.downloads.Progress(e.GUID, string(e.State), int64(e.ReceivedBytes), int64(e.TotalBytes))...)
	}
}

func (d *Driver) onFrameEvent(ev protocol.Event) {
	ctx := context.Background()
	switch ev.Method {
	case cdproto.EventPageFrameNavigated:
		var e page.EventFrameNavigated
		if err := ev.Decode(&e); err != nil || e.Frame == nil {
			return
		}
		f := automation.Frame{ID: string(e.Frame.ID), ParentID: string(e.Frame.ParentID), URL: e.Frame.URL}
		if d.frames.Navigated(f) {
			d.push(ctx, automation.FrameNavigated{FrameID: f.ID, ParentID: f.ParentID, URL: f.URL})
		}
	case cdproto.EventPageFrameDetached:
		var e page.EventFrameDetached
		if err := ev.Decode(&e); err != nil {
			return
		}
		// A swapped frame moved to another process and lives on.
		if string(e.Reason) == "swap" {
			return
		}
		for _, id := range d.frames.Detached(string(e.FrameID)) {
			d.push(ctx, automation.FrameRemoved{FrameID: id})
		}
	}
}

func (d *Driver) onRuntimeEvent(ev protocol.Event) {
	switch ev.Method {
	case cdproto.EventRuntimeExecutionContextCreated:
		var e executionContextCreated
		if err := ev.Decode(&e); err != nil {
			return
		}
		d.mu.Lock()
		d.contexts[e.Context.ID] = e.Context.AuxData.FrameID
		d.mu.Unlock()
	case cdproto.EventRuntimeExecutionContextsCleared:
		d.mu.Lock()
		d.contexts = make(map[int64]string)
		d.mu.Unlock()
	case cdproto.EventRuntimeBindingCalled:
		var e runtime.EventBindingCalled
		if err := ev.Decode(&e); err != nil || e.Name != automation.BindingName {
			return
		}
		d.mu.Lock()
		frameID := d.contexts[int64(e.ExecutionContextID)]
		bridge := d.opts.Bridge
		d.mu.Unlock()
		if bridge == nil {
			return
		}
		if err := bridge.HandleBindingPayload(context.Background(), frameID, e.Payload); err != nil {
			d.logger.Debug("Ignoring utility binding call.", zap.Error(err))
		}
	}
}

func (d *Driver) push(ctx context.Context, events ...automation.Event) {
	d.mu.Lock()
	bridge := d.opts.Bridge
	d.mu.Unlock()
	if bridge == nil || len(events) == 0 {
		return
	}
	if err := bridge.PushAll(ctx, events); err != nil {
		d.logger.Debug("Could not publish automation events.", zap.Error(err))
	}
}

func flattenFrames(tree *page.FrameTree) []automation.Frame {
	if tree == nil || tree.Frame == nil {
		return nil
	}
	out := []automation.Frame{{ID: string(tree.Frame.ID), ParentID: string(tree.Frame.ParentID), URL: tree.Frame.URL}}
	for _, child := range tree.ChildFrames {
		out = append(out, flattenFrames(child)...)
	}
	return out
}
