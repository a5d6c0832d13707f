package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/browserkit/internal/automation"
)

// ErrUnknownRequest is returned by Relay for request names no driver implements.
var ErrUnknownRequest = errors.New("unknown automation request")

// Viewport is the payload of a resize request.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Relay adapts d to the automation bridge so requests reach whichever driver is active.
func Relay(d Driver) automation.Handlers {
	return automation.HandlersFunc(func(ctx context.Context, name string, data any) (any, error) {
		switch name {
		case automation.RequestGetCookies:
			filter, _ := data.(CookieFilter)
			return d.GetCookies(ctx, filter)
		case automation.RequestSetCookie:
			c, ok := data.(Cookie)
			if !ok {
				return nil, fmt.Errorf("%s: expected a cookie, got %T", name, data)
			}
			return nil, d.SetCookie(ctx, c)
		case automation.RequestClearCookies:
			return nil, d.ClearCookies(ctx)
		case automation.RequestTakeScreenshot:
			return d.Screenshot(ctx)
		case automation.RequestResizeViewport:
			v, ok := data.(Viewport)
			if !ok || v.Width <= 0 || v.Height <= 0 {
				return nil, fmt.Errorf("%s: invalid viewport %v", name, data)
			}
			return nil, d.ResizeViewport(ctx, v.Width, v.Height)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, name)
	})
}
