package webkit

import (
	"context"
	"fmt"

	"github.com/playwright-community/playwright-go"

	"github.com/xkilldash9x/browserkit/internal/session"
)

func (d *Driver) current() (playwright.BrowserContext, playwright.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bctx == nil || d.page == nil {
		if d.lc.State() == session.StateClosed {
			return nil, nil, session.ErrClosed
		}
		return nil, nil, session.ErrNoTarget
	}
	return d.bctx, d.page, nil
}

// GetCookies returns the browser context's cookies that pass filter.
func (d *Driver) GetCookies(ctx context.Context, filter session.CookieFilter) ([]session.Cookie, error) {
	bctx, _, err := d.current()
	if err != nil {
		return nil, err
	}
	cookies, err := bctx.Cookies()
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	out := make([]session.Cookie, 0, len(cookies))
	for _, c := range cookies {
		sc := fromPlaywright(c)
		if filter.Match(sc) {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (d *Driver) SetCookie(ctx context.Context, c session.Cookie) error {
	bctx, _, err := d.current()
	if err != nil {
		return err
	}
	if err := bctx.AddCookies([]playwright.OptionalCookie{toPlaywright(c)}); err != nil {
		return fmt.Errorf("failed to set cookie %s: %w", c.Name, err)
	}
	return nil
}

func (d *Driver) ClearCookies(ctx context.Context) error {
	bctx, _, err := d.current()
	if err != nil {
		return err
	}
	if err := bctx.ClearCookies(); err != nil {
		return fmt.Errorf("failed to clear cookies: %w", err)
	}
	return nil
}

// Screenshot captures the primary page's viewport as PNG.
func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	_, page, err := d.current()
	if err != nil {
		return nil, err
	}
	buf, err := page.Screenshot(playwright.PageScreenshotOptions{Type: playwright.ScreenshotTypePng})
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

func (d *Driver) ResizeViewport(ctx context.Context, width, height int) error {
	_, page, err := d.current()
	if err != nil {
		return err
	}
	if err := page.SetViewportSize(width, height); err != nil {
		return fmt.Errorf("failed to resize viewport to %dx%d: %w", width, height, err)
	}
	return nil
}

// fromPlaywright converts a cookie; session cookies report Expires -1 and map to 0.
func fromPlaywright(c playwright.Cookie) session.Cookie {
	out := session.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HttpOnly,
		Secure:   c.Secure,
	}
	if c.Expires > 0 {
		out.Expires = c.Expires
	}
	if c.SameSite != nil {
		out.SameSite = string(*c.SameSite)
	}
	return out
}

func toPlaywright(c session.Cookie) playwright.OptionalCookie {
	out := playwright.OptionalCookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   playwright.String(c.Domain),
		Path:     playwright.String(c.Path),
		HttpOnly: playwright.Bool(c.HTTPOnly),
		Secure:   playwright.Bool(c.Secure),
	}
	if c.Path == "" {
		out.Path = playwright.String("/")
	}
	if c.Expires > 0 {
		out.Expires = playwright.Float(c.Expires)
	}
	switch c.SameSite {
	case "Strict":
		out.SameSite = playwright.SameSiteAttributeStrict
	case "Lax":
		out.SameSite = playwright.SameSiteAttributeLax
	case "None":
		out.SameSite = playwright.SameSiteAttributeNone
	}
	return out
}
