package firefox

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserkit/internal/automation"
	"github.com/xkilldash9x/browserkit/internal/protocol"
	"github.com/xkilldash9x/browserkit/internal/session"
)

// AttachListeners makes sure the connection-wide subscriptions and preload script exist, runs
// the utility script in the primary tab and seeds the frame cache from it.
func (d *Driver) AttachListeners(ctx context.Context, opts session.OpenOptions) error {
	id := d.lc.Target()
	client := d.currentClient()
	if id == "" || client == nil {
		return session.ErrNoTarget
	}
	if err := d.install(ctx, client); err != nil {
		return err
	}

	browser := client.Browser()
	call := map[string]any{
		"functionDeclaration": utilityFunction,
		"awaitPromise":        false,
		"target":              map[string]any{"context": id},
		"arguments":           utilityArguments(),
	}
	if err := browser.Execute(ctx, cmdCallFunction, call, nil); err != nil {
		return fmt.Errorf("failed to install the utility script: %w", err)
	}

	var tree getTreeResult
	if err := browser.Execute(ctx, cmdGetTree, map[string]any{"root": id}, &tree); err != nil {
		return err
	}
	d.frames.Reset()
	for _, f := range flattenContexts(tree.Contexts, "") {
		d.frames.Navigated(f)
	}
	return nil
}

// install subscribes once per BiDi session; subscriptions and preload scripts are global.
func (d *Driver) install(ctx context.Context, client *protocol.Client) error {
	d.mu.Lock()
	if d.installed {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	methods := make([]string, 0, len(coreEvents)+len(downloadEvents))
	methods = append(append(methods, coreEvents...), downloadEvents...)
	sub := client.Subscribe("", d.onEvent, methods...)
	d.mu.Lock()
	old := d.sub
	d.sub = sub
	d.mu.Unlock()
	if old != nil {
		old.Dispose()
	}

	browser := client.Browser()
	if err := browser.Execute(ctx, cmdSessionSubscribe, map[string]any{"events": coreEvents}, nil); err != nil {
		return fmt.Errorf("failed to subscribe to browsing context events: %w", err)
	}
	if err := browser.Execute(ctx, cmdSessionSubscribe, map[string]any{"events": downloadEvents}, nil); err != nil {
		d.logger.Debug("Download events are not supported by this Firefox.", zap.Error(err))
	}
	behavior := map[string]any{"downloadBehavior": map[string]any{"type": "allowed", "destinationFolder": d.downloads.Dir()}}
	if err := browser.Execute(ctx, cmdSetDownloadBehavior, behavior, nil); err != nil {
		d.logger.Debug("Could not set the download folder; relying on user.js.", zap.Error(err))
	}
	preload := map[string]any{"functionDeclaration": utilityFunction, "arguments": utilityArguments()}
	if err := browser.Execute(ctx, cmdAddPreloadScript, preload, nil); err != nil {
		return fmt.Errorf("failed to register the utility script: %w", err)
	}

	d.mu.Lock()
	d.installed = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) onEvent(ev protocol.Event) {
	ctx := context.Background()
	switch ev.Method {
	case evContextCreated:
		var info contextInfo
		if err := ev.Decode(&info); err != nil || !d.belongs(info.Context, info.Parent) {
			return
		}
		d.navigated(ctx, automation.Frame{ID: info.Context, ParentID: info.Parent, URL: info.URL})
	case evContextDestroyed:
		var info contextInfo
		if err := ev.Decode(&info); err != nil {
			return
		}
		for _, id := range d.frames.Detached(info.Context) {
			d.push(ctx, automation.FrameRemoved{FrameID: id})
		}
	case evLoad, evFragmentNavigated:
		var nav navigationInfo
		if err := ev.Decode(&nav); err != nil {
			return
		}
		parent, known := d.parentOf(nav.Context)
		if !known && nav.Context != d.lc.Target() {
			return
		}
		d.navigated(ctx, automation.Frame{ID: nav.Context, ParentID: parent, URL: nav.URL})
	case evDownloadWillBegin:
		var nav navigationInfo
		if err := ev.Decode(&nav); err != nil {
			return
		}
		d.push(ctx, d.downloads.WillBegin(nav.Navigation, nav.URL, nav.SuggestedFilename)...)
	case evDownloadEnd:
		var nav navigationInfo
		if err := ev.Decode(&nav); err != nil {
			return
		}
		state := automation.DownloadStateCanceled
		if nav.Status == "complete" {
			state = automation.DownloadStateCompleted
		}
		d.push(ctx, d.downloads.Progress(nav.Navigation, state, 0, 0)...)
	case evScriptMessage:
		var msg scriptMessage
		if err := ev.Decode(&msg); err != nil || msg.Channel != utilityChannel || msg.Data.Type != "string" {
			return
		}
		d.mu.Lock()
		bridge := d.opts.Bridge
		d.mu.Unlock()
		if bridge == nil {
			return
		}
		if err := bridge.HandleBindingPayload(ctx, msg.Source.Context, msg.Data.Value); err != nil {
			d.logger.Debug("Ignoring utility binding call.", zap.Error(err))
		}
	}
}

// belongs reports whether a context is the primary tab or nested in it.
func (d *Driver) belongs(id, parent string) bool {
	if id != "" && id == d.lc.Target() {
		return true
	}
	if parent == "" {
		return false
	}
	if parent == d.lc.Target() {
		return true
	}
	_, known := d.parentOf(parent)
	return known
}

func (d *Driver) parentOf(id string) (string, bool) {
	for _, f := range d.frames.Snapshot() {
		if f.ID == id {
			return f.ParentID, true
		}
	}
	return "", false
}

func (d *Driver) navigated(ctx context.Context, f automation.Frame) {
	if d.frames.Navigated(f) {
		d.push(ctx, automation.FrameNavigated{FrameID: f.ID, ParentID: f.ParentID, URL: f.URL})
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
