package webkit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserkit/internal/automation"
	"github.com/xkilldash9x/browserkit/internal/session"
)

// AttachListeners exposes the utility binding on the browser context, subscribes to the primary
// page's frame, download and crash events and seeds the frame cache.
func (d *Driver) AttachListeners(ctx context.Context, opts session.OpenOptions) error {
	d.mu.Lock()
	bctx, page := d.bctx, d.page
	exposed := d.exposed[bctx]
	listening := d.listening[page]
	d.mu.Unlock()
	if page == nil || bctx == nil || d.lc.Target() == "" {
		return session.ErrNoTarget
	}

	if !exposed {
		if err := bctx.ExposeBinding(automation.BindingName, d.onBinding); err != nil {
			return fmt.Errorf("failed to expose the utility binding: %w", err)
		}
		script := automation.BindingScript
		if err := bctx.AddInitScript(playwright.Script{Content: &script}); err != nil {
			return fmt.Errorf("failed to register the utility script: %w", err)
		}
		d.mu.Lock()
		d.exposed[bctx] = true
		d.mu.Unlock()
	}

	if !listening {
		id := d.lc.Target()
		page.OnFrameNavigated(func(f playwright.Frame) { d.onFrameNavigated(f) })
		page.OnFrameDetached(func(f playwright.Frame) { d.onFrameDetached(f) })
		page.OnDownload(func(dl playwright.Download) { d.onDownload(dl) })
		page.OnCrash(func(playwright.Page) {
			d.mu.Lock()
			sup := d.sup
			d.mu.Unlock()
			if sup != nil {
				sup.HandleTargetCrashed(context.Background(), id, "crashed", 0)
			}
		})
		d.mu.Lock()
		d.listening[page] = true
		d.mu.Unlock()
	}

	if _, err := page.Evaluate(automation.BindingScript); err != nil {
		d.logger.Debug("Could not run the utility script in the current document.", zap.Error(err))
	}

	d.frames.Reset()
	for _, f := range d.flattenFrames(page.MainFrame()) {
		d.frames.Navigated(f)
	}
	return nil
}

// onBinding receives the utility script's payload from any frame of the context.
func (d *Driver) onBinding(source *playwright.BindingSource, args ...interface{}) interface{} {
	if len(args) == 0 {
		return nil
	}
	payload, ok := args[0].(string)
	if !ok {
		return nil
	}
	d.mu.Lock()
	bridge := d.opts.Bridge
	d.mu.Unlock()
	if bridge == nil {
		return nil
	}
	var frameID string
	if source != nil && source.Frame != nil {
		frameID = d.frameID(source.Frame)
	}
	if err := bridge.HandleBindingPayload(context.Background(), frameID, payload); err != nil {
		d.logger.Debug("Ignoring utility binding call.", zap.Error(err))
	}
	return nil
}

func (d *Driver) onFrameNavigated(f playwright.Frame) {
	frame := d.frame(f)
	if d.frames.Navigated(frame) {
		d.push(context.Background(), automation.FrameNavigated{FrameID: frame.ID, ParentID: frame.ParentID, URL: frame.URL})
	}
}

func (d *Driver) onFrameDetached(f playwright.Frame) {
	d.mu.Lock()
	id, ok := d.frameIDs[f]
	delete(d.frameIDs, f)
	d.mu.Unlock()
	if !ok {
		return
	}
	ctx := context.Background()
	for _, removed := range d.frames.Detached(id) {
		d.push(ctx, automation.FrameRemoved{FrameID: removed})
	}
}

// onDownload saves the file into the downloads folder and reports its outcome.
func (d *Driver) onDownload(dl playwright.Download) {
	ctx := context.Background()
	id := uuid.NewString()
	events := d.downloads.WillBegin(id, dl.URL(), dl.SuggestedFilename())
	if len(events) == 0 {
		return
	}
	d.push(ctx, events...)
	created, ok := events[0].(automation.DownloadCreated)
	if !ok {
		return
	}
	go func() {
		state := automation.DownloadStateCompleted
		if err := dl.SaveAs(created.FilePath); err != nil {
			d.logger.Debug("Download did not complete.", zap.String("url", created.URL), zap.Error(err))
			state = automation.DownloadStateCanceled
		}
		d.push(ctx, d.downloads.Progress(id, state, 0, 0)...)
	}()
}

// frameID returns the id of f, assigning one on first sight.
func (d *Driver) frameID(f playwright.Frame) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.frameIDs[f]
	if !ok {
		id = "frame-" + uuid.NewString()
		d.frameIDs[f] = id
	}
	return id
}

func (d *Driver) frame(f playwright.Frame) automation.Frame {
	out := automation.Frame{ID: d.frameID(f), URL: f.URL()}
	if parent := f.ParentFrame(); parent != nil {
		out.ParentID = d.frameID(parent)
	}
	return out
}

func (d *Driver) flattenFrames(root playwright.Frame) []automation.Frame {
	if root == nil {
		return nil
	}
	out := []automation.Frame{d.frame(root)}
	for _, child := range root.ChildFrames() {
		out = append(out, d.flattenFrames(child)...)
	}
	return out
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
