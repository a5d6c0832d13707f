package protocol

import (
	"context"
	"errors"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
)

// ErrSessionDisposed is returned by commands on a disposed session.
var ErrSessionDisposed = errors.New("protocol session disposed")

// Session is a view of the client scoped to one attached target. It implements cdp.Executor,
// so cdproto command builders and chromedp actions run against it.
type Session struct {
	client   *Client
	id       string
	targetID string

	mu       sync.Mutex
	subs     []*Subscription
	disposed bool
}

var _ cdp.Executor = (*Session)(nil)

// NewSession wraps an existing protocol session id. Use the empty id for the browser target and
// for BiDi.
func (c *Client) NewSession(sessionID, targetID string) *Session {
	return &Session{client: c, id: sessionID, targetID: targetID}
}

// Browser returns a session addressing the browser target.
func (c *Client) Browser() *Session {
	return c.NewSession("", "")
}

func (s *Session) ID() string       { return s.id }
func (s *Session) TargetID() string { return s.targetID }
func (s *Session) Client() *Client  { return s.client }

// Execute sends method with params and decodes into res.
func (s *Session) Execute(ctx context.Context, method string, params, res any) error {
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return ErrSessionDisposed
	}
	return s.client.Send(ctx, s.id, method, params, res)
}

// WithExecutor returns ctx carrying s as the cdproto executor.
func (s *Session) WithExecutor(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, s)
}

// Run executes chromedp actions in order against this session.
func (s *Session) Run(ctx context.Context, actions ...chromedp.Action) error {
	return chromedp.Tasks(actions).Do(s.WithExecutor(ctx))
}

// Subscribe registers handler for this session's events. The subscription is disposed with
// the session.
func (s *Session) Subscribe(handler func(Event), methods ...string) *Subscription {
	sub := s.client.Subscribe(s.id, handler, methods...)
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		sub.Dispose()
		return sub
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub
}

// Dispose drops every subscription of the session and rejects further commands. It does not
// detach from the target.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Dispose()
	}
}

// Disposed reports whether Dispose was called.
func (s *Session) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}
