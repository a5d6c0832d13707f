package launcher

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/browserkit/internal/browsers"
)

// Hooks is the plugin surface around a launch.
type Hooks interface {
	// BeforeBrowserLaunch may return an override for the launch options, or nil to keep them.
	BeforeBrowserLaunch(ctx context.Context, browser browsers.FoundBrowser, opts Options) (map[string]any, error)
	// AfterBrowserLaunch runs once the protocol endpoint is known.
	AfterBrowserLaunch(ctx context.Context, browser browsers.FoundBrowser, webSocketDebuggerURL string) error
}

// NoopHooks is used when no plugin is registered.
type NoopHooks struct{}

func (NoopHooks) BeforeBrowserLaunch(context.Context, browsers.FoundBrowser, Options) (map[string]any, error) {
	return nil, nil
}

func (NoopHooks) AfterBrowserLaunch(context.Context, browsers.FoundBrowser, string) error {
	return nil
}

// RunBeforeLaunch asks hooks for an override and applies it to opts.
func RunBeforeLaunch(ctx context.Context, hooks Hooks, browser browsers.FoundBrowser, opts *Options) error {
	if hooks == nil {
		return nil
	}
	override, err := hooks.BeforeBrowserLaunch(ctx, browser, opts.Clone())
	if err != nil {
		return fmt.Errorf("before:browser:launch failed: %w", err)
	}
	return opts.ApplyOverride(override)
}

// RunAfterLaunch notifies hooks of the debugger endpoint.
func RunAfterLaunch(ctx context.Context, hooks Hooks, browser browsers.FoundBrowser, wsURL string) error {
	if hooks == nil {
		return nil
	}
	if err := hooks.AfterBrowserLaunch(ctx, browser, wsURL); err != nil {
		return fmt.Errorf("after:browser:launch failed: %w", err)
	}
	return nil
}
