//go:build !windows

package launcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browserkit/internal/browsers"
)

// fakeBrowser writes a shell script that echoes its arguments to stderr and then sleeps.
func fakeBrowser(t *testing.T, body string) browsers.FoundBrowser {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-browser")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return browsers.FoundBrowser{Name: "fake", Family: browsers.FamilyChromium, DisplayName: "Fake", Path: path}
}

type closeRecorder struct {
	proc    *Process
	calls   atomic.Int32
	exited  atomic.Bool
	failure error
}

func (c *closeRecorder) Close() error {
	c.calls.Add(1)
	c.exited.Store(c.proc.Exited())
	return c.failure
}

func TestProcess_KillTwice(t *testing.T) {
	b := fakeBrowser(t, `echo "args: $@" >&2; exec sleep 30`)
	profileDir := t.TempDir()

	p, err := Launch(context.Background(), Spec{
		Browser:     b,
		Args:        []string{"--foo"},
		ProfileDir:  profileDir,
		GracePeriod: time.Second,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	closer := &closeRecorder{proc: p, failure: assert.AnError}
	p.Attach(closer)

	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(p.LogPath())
		return len(data) > 0
	}, 5*time.Second, 20*time.Millisecond)

	p.Kill()
	p.Kill()

	assert.Equal(t, int32(1), closer.calls.Load())
	assert.False(t, closer.exited.Load(), "protocol closes before the process is terminated")
	assert.True(t, p.Exited())

	select {
	case <-p.Done():
	default:
		t.Fatal("Done must be closed after Kill")
	}

	data, err := os.ReadFile(filepath.Join(profileDir, "browser.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "args: --foo about:blank")
}

func TestProcess_KillAfterExit(t *testing.T) {
	b := fakeBrowser(t, "exit 3")
	p, err := Launch(context.Background(), Spec{Browser: b, ProfileDir: t.TempDir(), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	<-p.Done()
	assert.Error(t, p.ExitErr())

	assert.NotPanics(t, func() {
		p.Kill()
		p.Kill()
	})
}

func TestLaunch_MissingPath(t *testing.T) {
	_, err := Launch(context.Background(), Spec{Browser: browsers.FoundBrowser{Name: "x"}, ProfileDir: t.TempDir()})
	assert.Error(t, err)
}
