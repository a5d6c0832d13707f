package session

import (
	"context"

	"github.com/xkilldash9x/browserkit/internal/automation"
	"github.com/xkilldash9x/browserkit/internal/browsers"
	"github.com/xkilldash9x/browserkit/internal/launcher"
)

// Instance is the running browser a driver owns.
type Instance interface {
	// Kill closes the protocol connection, then ends the browser. It is idempotent.
	Kill()
	// Done is closed once the browser is gone.
	Done() <-chan struct{}
}

// FrameWriter receives screencast frames.
type FrameWriter interface {
	WriteVideoFrame(frame []byte) error
}

// ErrorHandler receives errors that happen after the call that caused them returned, such as
// renderer crashes.
type ErrorHandler func(err error)

// OpenOptions are passed to every driver entry point.
type OpenOptions struct {
	Headless    bool
	IsolateTabs bool
	Interactive bool
	// Endpoint is the browser-level debugging address used by ConnectToExisting.
	Endpoint string
	// Launch holds the user supplied args, env, preferences and extensions.
	Launch launcher.Options
	Hooks  launcher.Hooks
	// OnError is required; crashes cannot be dropped.
	OnError ErrorHandler
	Bridge  *automation.Bridge
	Video   FrameWriter
	// Viewport in CSS pixels; zero uses the configured default.
	ViewportWidth, ViewportHeight int
}

// Cookie is the browser-neutral cookie shape relayed by drivers.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expirationDate,omitempty"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// CookieFilter narrows GetCookies. Empty fields match everything.
type CookieFilter struct {
	Domain string
	Name   string
}

// Match reports whether c passes the filter. Domain matches the cookie's domain or any parent
// domain it is scoped to.
func (f CookieFilter) Match(c Cookie) bool {
	if f.Name != "" && f.Name != c.Name {
		return false
	}
	if f.Domain == "" {
		return true
	}
	d := c.Domain
	if len(d) > 0 && d[0] == '.' {
		d = d[1:]
	}
	if f.Domain == d {
		return true
	}
	return len(f.Domain) > len(d) && f.Domain[len(f.Domain)-len(d)-1:] == "."+d
}

// Driver is implemented once per browser family.
type Driver interface {
	// Open launches browser, connects, attaches to the initial blank target, installs listeners
	// and navigates to url.
	Open(ctx context.Context, browser browsers.FoundBrowser, url string, opts OpenOptions) (Instance, error)
	// ConnectToNewSpec points the session at url, reusing the primary target or, with
	// IsolateTabs, moving to a fresh one.
	ConnectToNewSpec(ctx context.Context, url string, opts OpenOptions) error
	// ConnectToExisting attaches to the target of an already running browser whose url matches.
	ConnectToExisting(ctx context.Context, browser browsers.FoundBrowser, url string, opts OpenOptions) error
	// ConnectProtocolToBrowser opens the browser-level protocol connection at endpoint.
	ConnectProtocolToBrowser(ctx context.Context, endpoint string) error
	// CloseProtocolConnection closes the protocol connection, leaving the process alone.
	CloseProtocolConnection(ctx context.Context) error
	// AttachListeners installs crash, download, frame and binding listeners on the primary target.
	AttachListeners(ctx context.Context, opts OpenOptions) error
	State() State
	// Close releases the protocol connection and all cached state. Errors are logged, not returned,
	// except when the session is already closed.
	Close(ctx context.Context) error

	GetCookies(ctx context.Context, filter CookieFilter) ([]Cookie, error)
	SetCookie(ctx context.Context, cookie Cookie) error
	ClearCookies(ctx context.Context) error
	Screenshot(ctx context.Context) ([]byte, error)
	ResizeViewport(ctx context.Context, width, height int) error
}
