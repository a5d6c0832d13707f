// internal/logwatch/watcher.go
package logwatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"
)

// Kind classifies an interesting browser log line.
type Kind int

const (
	// KindEndpoint carries the remote debugging websocket url.
	KindEndpoint Kind = iota + 1
	// KindFatal is a crash report, with any trailing stack lines folded into Text.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindEndpoint:
		return "endpoint"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Line is one classified entry from the browser log.
type Line struct {
	Kind Kind
	Text string
	URL  string
	At   time.Time
}

var (
	endpointRegex = regexp.MustCompile(`(?:DevTools|WebDriver BiDi) listening on (ws://\S+)`)
	fatalRegex    = regexp.MustCompile(`(:FATAL:|Check failed|Received signal|Fatal error|Crash Annotation|ExceptionHandler|Segmentation fault)`)
	// Chromium prefixes every log entry with [pid:tid:date/time:LEVEL:source].
	newEntryRegex = regexp.MustCompile(`^(\[\d+:\d+:|\d{10,}\s|DevTools|WebDriver BiDi|\*\*\*)`)
)

// ErrStopped is returned by Endpoint when the watcher stops before an endpoint appears.
var ErrStopped = errors.New("log watcher stopped")

const flushAfter = 100 * time.Millisecond

// Watcher follows a browser's log file and reports the debugging endpoint and fatal lines.
type Watcher struct {
	logger *zap.Logger
	path   string
	poll   bool

	lines    chan Line
	endpoint chan string
	stopped  chan struct{}

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher for path. Poll selects stat polling over inotify, for filesystems that
// do not deliver change notifications.
func New(path string, poll bool, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		logger:   logger.Named("logwatch"),
		path:     path,
		poll:     poll,
		lines:    make(chan Line, 16),
		endpoint: make(chan string, 1),
		stopped:  make(chan struct{}),
	}
}

// Start follows the file from its beginning until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	t, err := tail.TailFile(w.path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      w.poll,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to follow browser log %s: %w", w.path, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.monitorLoop(ctx, t)
	return nil
}

// Lines delivers endpoint and fatal lines. It is closed when the watcher stops.
func (w *Watcher) Lines() <-chan Line { return w.lines }

// Endpoint blocks until the debugging endpoint is logged.
func (w *Watcher) Endpoint(ctx context.Context) (string, error) {
	select {
	case url := <-w.endpoint:
		w.keep(url)
		return url, nil
	default:
	}
	select {
	case url := <-w.endpoint:
		w.keep(url)
		return url, nil
	case <-w.stopped:
		return "", ErrStopped
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for the debugging endpoint in %s: %w", w.path, ctx.Err())
	}
}

// keep puts url back for later Endpoint callers.
func (w *Watcher) keep(url string) {
	select {
	case w.endpoint <- url:
	default:
	}
}

// Stop ends the watcher and waits for it to release the file.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
	})
	w.wg.Wait()
}

func (w *Watcher) monitorLoop(ctx context.Context, t *tail.Tail) {
	defer func() {
		// The tail goroutine blocks sending lines nobody reads, so drain until it closes Lines.
		go func() {
			for range t.Lines {
			}
		}()
		_ = t.Stop()
		t.Cleanup()
		close(w.stopped)
		close(w.lines)
		w.wg.Done()
	}()

	var trace []string
	timeout := time.NewTimer(flushAfter)
	if !timeout.Stop() {
		<-timeout.C
	}

	flush := func() {
		if len(trace) == 0 {
			return
		}
		w.emit(ctx, Line{Kind: KindFatal, Text: strings.Join(trace, "\n"), At: time.Now()})
		trace = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case line, ok := <-t.Lines:
			if !ok {
				flush()
				return
			}
			if line.Err != nil {
				w.logger.Debug("Error reading browser log.", zap.Error(line.Err))
				continue
			}
			text := strings.TrimRight(line.Text, "\r")

			if len(trace) > 0 && newEntryRegex.MatchString(text) {
				flush()
				if !timeout.Stop() {
					select {
					case <-timeout.C:
					default:
					}
				}
			}

			if m := endpointRegex.FindStringSubmatch(text); m != nil {
				select {
				case w.endpoint <- m[1]:
				default:
				}
				w.emit(ctx, Line{Kind: KindEndpoint, Text: text, URL: m[1], At: line.Time})
				continue
			}

			switch {
			case fatalRegex.MatchString(text) && len(trace) == 0:
				trace = append(trace, text)
				timeout.Reset(flushAfter)
			case len(trace) > 0:
				trace = append(trace, text)
				timeout.Reset(flushAfter)
			}

		case <-timeout.C:
			flush()
		}
	}
}

func (w *Watcher) emit(ctx context.Context, l Line) {
	select {
	case w.lines <- l:
	case <-ctx.Done():
	default:
		w.logger.Warn("Dropping browser log line; no reader.", zap.Stringer("kind", l.Kind))
	}
}
