package chromium

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/browserkit/internal/session"
)

// GetCookies returns every cookie of the default browser context that passes filter.
func (d *Driver) GetCookies(ctx context.Context, filter session.CookieFilter) ([]session.Cookie, error) {
	client := d.currentClient()
	if client == nil {
		return nil, session.ErrClosed
	}
	cookies, err := storage.GetCookies().Do(client.Browser().WithExecutor(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	out := make([]session.Cookie, 0, len(cookies))
	for _, c := range cookies {
		sc := fromNetworkCookie(c)
		if filter.Match(sc) {
			out = append(out, sc)
		}
	}
	return out, nil
}

// SetCookie creates or replaces one cookie.
func (d *Driver) SetCookie(ctx context.Context, c session.Cookie) error {
	client := d.currentClient()
	if client == nil {
		return session.ErrClosed
	}
	param := &network.CookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	if c.SameSite != "" {
		param.SameSite = network.CookieSameSite(c.SameSite)
	}
	if c.Expires > 0 {
		sec, frac := math.Modf(c.Expires)
		t := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
		param.Expires = &t
	}
	if err := storage.SetCookies([]*network.CookieParam{param}).Do(client.Browser().WithExecutor(ctx)); err != nil {
		return fmt.Errorf("failed to set cookie %s: %w", c.Name, err)
	}
	return nil
}

// ClearCookies removes every cookie of the default browser context.
func (d *Driver) ClearCookies(ctx context.Context) error {
	client := d.currentClient()
	if client == nil {
		return session.ErrClosed
	}
	if err := storage.ClearCookies().Do(client.Browser().WithExecutor(ctx)); err != nil {
		return fmt.Errorf("failed to clear cookies: %w", err)
	}
	return nil
}

// Screenshot captures the primary target's viewport as PNG.
func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	sess := d.currentPrimary()
	if sess == nil {
		return nil, session.ErrNoTarget
	}
	buf, err := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(sess.WithExecutor(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// ResizeViewport emulates a width x height viewport on the primary target.
func (d *Driver) ResizeViewport(ctx context.Context, width, height int) error {
	sess := d.currentPrimary()
	if sess == nil {
		return session.ErrNoTarget
	}
	if err := sess.Run(ctx, chromedp.EmulateViewport(int64(width), int64(height))); err != nil {
		return fmt.Errorf("failed to resize viewport to %dx%d: %w", width, height, err)
	}
	return nil
}

func fromNetworkCookie(c *network.Cookie) session.Cookie {
	sc := session.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: string(c.SameSite),
	}
	if !c.Session && c.Expires > 0 {
		sc.Expires = c.Expires
	}
	return sc
}
