package firefox

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/xkilldash9x/browserkit/internal/protocol"
	"github.com/xkilldash9x/browserkit/internal/session"
)

func (d *Driver) browserSession() (*protocol.Session, error) {
	client := d.currentClient()
	if client == nil {
		return nil, session.ErrClosed
	}
	return client.Browser(), nil
}

// GetCookies returns the cookies of the default user context that pass filter.
func (d *Driver) GetCookies(ctx context.Context, filter session.CookieFilter) ([]session.Cookie, error) {
	s, err := d.browserSession()
	if err != nil {
		return nil, err
	}
	var res getCookiesResult
	if err := s.Execute(ctx, cmdGetCookies, map[string]any{}, &res); err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	out := make([]session.Cookie, 0, len(res.Cookies))
	for _, c := range res.Cookies {
		sc := c.toSession()
		if filter.Match(sc) {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (d *Driver) SetCookie(ctx context.Context, c session.Cookie) error {
	s, err := d.browserSession()
	if err != nil {
		return err
	}
	if err := s.Execute(ctx, cmdSetCookie, map[string]any{"cookie": fromSession(c)}, nil); err != nil {
		return fmt.Errorf("failed to set cookie %s: %w", c.Name, err)
	}
	return nil
}

func (d *Driver) ClearCookies(ctx context.Context) error {
	s, err := d.browserSession()
	if err != nil {
		return err
	}
	if err := s.Execute(ctx, cmdDeleteCookies, map[string]any{}, nil); err != nil {
		return fmt.Errorf("failed to clear cookies: %w", err)
	}
	return nil
}

// Screenshot captures the primary tab's viewport as PNG.
func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	s, err := d.browserSession()
	if err != nil {
		return nil, err
	}
	id := d.lc.Target()
	if id == "" {
		return nil, session.ErrNoTarget
	}
	var res struct {
		Data string `json:"data"`
	}
	params := map[string]any{"context": id, "format": map[string]any{"type": "image/png"}}
	if err := s.Execute(ctx, cmdCaptureScreenshot, params, &res); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	buf, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, fmt.Errorf("screenshot is not valid base64: %w", err)
	}
	return buf, nil
}

func (d *Driver) ResizeViewport(ctx context.Context, width, height int) error {
	s, err := d.browserSession()
	if err != nil {
		return err
	}
	id := d.lc.Target()
	if id == "" {
		return session.ErrNoTarget
	}
	params := map[string]any{"context": id, "viewport": map[string]any{"width": width, "height": height}}
	if err := s.Execute(ctx, cmdSetViewport, params, nil); err != nil {
		return fmt.Errorf("failed to resize viewport to %dx%d: %w", width, height, err)
	}
	return nil
}
