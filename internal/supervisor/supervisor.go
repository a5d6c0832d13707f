// Package supervisor turns renderer crashes and unexpected browser exits into typed errors for
// the session's error callback.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserkit/internal/automation"
	"github.com/xkilldash9x/browserkit/internal/logwatch"
	"github.com/xkilldash9x/browserkit/internal/observability"
	"github.com/xkilldash9x/browserkit/internal/session"
)

// maxFatalLines bounds the fatal log lines kept for crash reports.
const maxFatalLines = 8

// VideoStopper is the part of the video recorder the supervisor needs.
type VideoStopper interface {
	Stop(ctx context.Context)
}

// Process is the part of a launched browser the supervisor watches.
type Process interface {
	Done() <-chan struct{}
	ExitErr() error
}

// Options configure a Supervisor. OnError is required by the time a crash is handled.
type Options struct {
	Browser string
	// Primary returns the id of the target currently driving automation.
	Primary func() string
	OnError session.ErrorHandler
	Video   VideoStopper
	Bridge  *automation.Bridge
	Logger  *zap.Logger
}

// Supervisor watches one browser session.
type Supervisor struct {
	opts   Options
	logger *zap.Logger

	expectExit atomic.Bool

	mu    sync.Mutex
	fatal []string

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Primary == nil {
		opts.Primary = func() string { return "" }
	}
	return &Supervisor{
		opts:   opts,
		logger: opts.Logger.Named("supervisor").With(zap.String("browser", opts.Browser)),
		stop:   make(chan struct{}),
	}
}

// HandleTargetCrashed reports a crash of targetID when it is the primary target and returns
// whether it did. Crashes of background targets are only logged. Video recording is stopped
// before the error callback runs. A nil error callback panics: a crash must never be dropped.
func (s *Supervisor) HandleTargetCrashed(ctx context.Context, targetID, status string, code int) bool {
	primary := s.opts.Primary()
	if targetID == "" || targetID != primary {
		s.logger.Debug("Ignoring crash of a background target.",
			zap.String("target", targetID), zap.String("primary", primary))
		return false
	}
	if s.opts.OnError == nil {
		panic("supervisor: renderer crashed but no error callback is registered")
	}

	s.logger.Error("Renderer crashed.",
		zap.String("target", targetID),
		zap.String("status", status),
		zap.Int("code", code),
		zap.Strings("fatal_log", s.FatalLines()))
	observability.RecordCrash(s.opts.Browser)

	if s.opts.Video != nil {
		s.opts.Video.Stop(ctx)
	}
	if s.opts.Bridge != nil {
		ev := automation.TargetCrashed{Browser: s.opts.Browser, TargetID: targetID, Status: status, ErrorCode: int64(code)}
		if err := s.opts.Bridge.Push(ctx, ev); err != nil {
			s.logger.Debug("Could not publish crash event.", zap.Error(err))
		}
	}
	s.opts.OnError(&session.RendererCrashedError{Browser: s.opts.Browser, TargetID: targetID, Status: status, Code: code})
	return true
}

// ExpectExit marks the next process exit as intentional, typically right before Kill.
func (s *Supervisor) ExpectExit() {
	s.expectExit.Store(true)
}

// WatchProcess reports an exit of p that was not announced with ExpectExit. The error callback
// runs after the watcher has left the wait group, so it may tear the session down and call Stop.
func (s *Supervisor) WatchProcess(p Process) {
	s.wg.Add(1)
	go func() {
		exited := false
		select {
		case <-p.Done():
			exited = true
		case <-s.stop:
		}
		s.wg.Done()
		if !exited || s.expectExit.Load() {
			return
		}
		err := &session.ProcessExitedError{Browser: s.opts.Browser, Err: p.ExitErr()}
		s.logger.Error("Browser process exited unexpectedly.", zap.Error(err), zap.Strings("fatal_log", s.FatalLines()))
		if s.opts.OnError == nil {
			panic("supervisor: browser exited but no error callback is registered")
		}
		s.opts.OnError(err)
	}()
}

// WatchLog records fatal lines from the browser log so crash reports can include them.
func (s *Supervisor) WatchLog(lines <-chan logwatch.Line) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case l, ok := <-lines:
				if !ok {
					return
				}
				if l.Kind != logwatch.KindFatal {
					continue
				}
				s.logger.Warn("Browser logged a fatal error.", zap.String("text", l.Text))
				s.mu.Lock()
				s.fatal = append(s.fatal, l.Text)
				if len(s.fatal) > maxFatalLines {
					s.fatal = s.fatal[len(s.fatal)-maxFatalLines:]
				}
				s.mu.Unlock()
			case <-s.stop:
				return
			}
		}
	}()
}

// FatalLines returns the most recent fatal log entries.
func (s *Supervisor) FatalLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fatal...)
}

// Stop ends the watchers and waits for them.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}
