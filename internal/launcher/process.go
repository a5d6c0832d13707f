// File: internal/launcher/process.go
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserkit/internal/browsers"
	"github.com/xkilldash9x/browserkit/internal/observability"
)

// Closer is whatever protocol connection the process owns. It is closed before the process is
// terminated.
type Closer interface {
	Close() error
}

// Spec describes one browser process to spawn.
type Spec struct {
	Browser browsers.FoundBrowser
	Args    []string
	Env     map[string]string
	// URL is always BlankURL for real launches; tests may override it.
	URL        string
	ProfileDir string
	// LogName is the file inside ProfileDir receiving the browser's stdout and stderr.
	LogName     string
	GracePeriod time.Duration
	Logger      *zap.Logger
}

// Process owns one browser OS process.
type Process struct {
	cmd     *exec.Cmd
	logger  *zap.Logger
	logPath string
	grace   time.Duration
	logFile *os.File

	mu     sync.Mutex
	closer Closer

	killOnce sync.Once
	done     chan struct{}
	exitErr  error
}

// Launch starts the browser and returns once the OS process exists. It does not wait for the
// debugging endpoint.
func Launch(ctx context.Context, spec Spec) (*Process, error) {
	logger := spec.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("launcher").With(zap.String("browser", spec.Browser.Selector()))

	if spec.Browser.Path == "" {
		return nil, fmt.Errorf("browser %s has no executable path", spec.Browser.Selector())
	}
	url := spec.URL
	if url == "" {
		url = BlankURL
	}
	logName := spec.LogName
	if logName == "" {
		logName = "browser.log"
	}
	grace := spec.GracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}

	if err := os.MkdirAll(spec.ProfileDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile dir: %w", err)
	}
	logPath := filepath.Join(spec.ProfileDir, logName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open browser log: %w", err)
	}

	args := append(append([]string(nil), spec.Args...), url)
	// Not CommandContext: the process outlives the launch call and is ended by Kill.
	cmd := exec.Command(spec.Browser.Path, args...)
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	if err := ctx.Err(); err != nil {
		logFile.Close()
		return nil, err
	}
	logger.Debug("Spawning browser.", zap.String("path", spec.Browser.Path), zap.Strings("args", args))
	if err := cmd.Start(); err != nil {
		logFile.Close()
		observability.RecordLaunch(string(spec.Browser.Family), err)
		return nil, fmt.Errorf("failed to start %s: %w", spec.Browser.DisplayName, err)
	}
	observability.RecordLaunch(string(spec.Browser.Family), nil)

	p := &Process{
		cmd:     cmd,
		logger:  logger.With(zap.Int("pid", cmd.Process.Pid)),
		logPath: logPath,
		grace:   grace,
		logFile: logFile,
		done:    make(chan struct{}),
	}
	go p.wait()
	p.logger.Info("Browser process started.")
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	_ = p.logFile.Close()
	p.logger.Debug("Browser process exited.", zap.Error(err))
	close(p.done)
}

// Pid of the browser process.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// LogPath is the file receiving the browser's output.
func (p *Process) LogPath() string { return p.logPath }

// Done is closed exactly once, when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr is the result of waiting on the process; nil until Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Exited reports whether the process is gone.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Attach registers the protocol connection that Kill closes first.
func (p *Process) Attach(c Closer) {
	p.mu.Lock()
	p.closer = c
	p.mu.Unlock()
}

// Kill closes the attached protocol connection, then terminates the process group. Repeated
// calls are no-ops, a process that already exited is not an error, and Kill returns only after
// Done is closed.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		p.mu.Lock()
		closer := p.closer
		p.closer = nil
		p.mu.Unlock()

		if closer != nil {
			if err := closer.Close(); err != nil {
				p.logger.Debug("Ignoring protocol close error during kill.", zap.Error(err))
			}
		}

		if p.Exited() {
			return
		}
		if err := killProcessGroup(p.cmd, false); err != nil && !isGone(err) {
			p.logger.Debug("Graceful termination failed.", zap.Error(err))
		}
		select {
		case <-p.done:
			return
		case <-time.After(p.grace):
		}
		p.logger.Warn("Browser ignored termination, killing it.", zap.Duration("grace_period", p.grace))
		if err := killProcessGroup(p.cmd, true); err != nil && !isGone(err) {
			p.logger.Debug("Forced kill failed.", zap.Error(err))
		}
	})
	<-p.done
}

func isGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || isNoSuchProcess(err)
}

// mergeEnv overlays extra onto base, KEY=VALUE style, with stable output order for extra keys.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				name = kv[:i]
				break
			}
		}
		if _, overridden := extra[name]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
