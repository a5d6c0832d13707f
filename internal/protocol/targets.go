package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/browserkit/internal/session"
)

// VerifyVersion checks the CDP protocol version of the connected browser against minimum.
func (c *Client) VerifyVersion(ctx context.Context, minimum string) error {
	var ret browser.GetVersionReturns
	if err := c.Send(ctx, "", browser.CommandGetVersion, nil, &ret); err != nil {
		return &ConnectionFailedError{Browser: c.opts.Browser, Endpoint: c.endpoint, Err: err}
	}
	return CheckVersion(c.opts.Browser, minimum, ret.ProtocolVersion)
}

// Targets lists the browser's targets.
func (c *Client) Targets(ctx context.Context) ([]*target.Info, error) {
	var ret target.GetTargetsReturns
	if err := c.Send(ctx, "", target.CommandGetTargets, target.GetTargets(), &ret); err != nil {
		return nil, err
	}
	return ret.TargetInfos, nil
}

// AttachToTarget opens a flat session on targetID.
func (c *Client) AttachToTarget(ctx context.Context, targetID string) (*Session, error) {
	var ret target.AttachToTargetReturns
	params := target.AttachToTarget(target.ID(targetID)).WithFlatten(true)
	if err := c.Send(ctx, "", target.CommandAttachToTarget, params, &ret); err != nil {
		return nil, fmt.Errorf("failed to attach to target %s: %w", targetID, err)
	}
	return c.NewSession(string(ret.SessionID), targetID), nil
}

// AttachOptions bound AttachByURL.
type AttachOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// AttachByURL polls the target list until a page whose url matches appears, then attaches to
// it. An exact match wins over a prefix match. It fails with *session.TargetNotFoundError after
// opts.Timeout.
func (c *Client) AttachByURL(ctx context.Context, url string, opts AttachOptions) (*Session, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	pollCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(opts.Interval), 1)
	for {
		if err := limiter.Wait(pollCtx); err != nil {
			break
		}
		infos, err := c.Targets(pollCtx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil, err
			}
			c.logger.Debug("Listing targets failed while waiting to attach.", zap.Error(err))
			continue
		}
		if id := matchTarget(infos, url); id != "" {
			return c.AttachToTarget(ctx, id)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, &session.TargetNotFoundError{URL: url, Timeout: opts.Timeout}
}

func matchTarget(infos []*target.Info, url string) string {
	var prefix string
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		if info.URL == url {
			return string(info.TargetID)
		}
		if prefix == "" && url != "" && strings.HasPrefix(info.URL, url) {
			prefix = string(info.TargetID)
		}
	}
	return prefix
}

// Clone opens an independent session on the same target as s. Commands and subscriptions of
// the clone never affect s.
func (c *Client) Clone(ctx context.Context, s *Session) (*Session, error) {
	if s.TargetID() == "" {
		return nil, errors.New("cannot clone a session without a target")
	}
	return c.AttachToTarget(ctx, s.TargetID())
}

// CreateTarget opens a new page target at url.
func (c *Client) CreateTarget(ctx context.Context, url string) (string, error) {
	var ret target.CreateTargetReturns
	if err := c.Send(ctx, "", target.CommandCreateTarget, target.CreateTarget(url), &ret); err != nil {
		return "", fmt.Errorf("failed to create target: %w", err)
	}
	return string(ret.TargetID), nil
}

// Detach disposes s and detaches its protocol session. The target itself keeps running.
func (c *Client) Detach(ctx context.Context, s *Session) error {
	s.Dispose()
	if s.ID() == "" {
		return nil
	}
	params := target.DetachFromTarget().WithSessionID(target.SessionID(s.ID()))
	return c.Send(ctx, "", target.CommandDetachFromTarget, params, nil)
}

// CloseTarget closes the target with id.
func (c *Client) CloseTarget(ctx context.Context, id string) error {
	return c.Send(ctx, "", target.CommandCloseTarget, target.CloseTarget(target.ID(id)), nil)
}
