package launcher

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/browserkit/internal/browsers"
	"github.com/xkilldash9x/browserkit/internal/profile"
)

func TestApplyOverride(t *testing.T) {
	base := func() Options {
		return Options{
			Args:       []string{"--a"},
			Env:        map[string]string{"KEEP": "1", "REPLACE": "old"},
			Extensions: []string{"/ext0"},
			Preferences: profile.Preferences{
				Default:    map[string]any{"x": 1},
				LocalState: map[string]any{"y": 2},
			},
		}
	}

	t.Run("unexpected keys are rejected before anything changes", func(t *testing.T) {
		opts := base()
		err := opts.ApplyOverride(map[string]any{"args": []any{"--b"}, "windowSize": "1x1", "foo": 1})

		var propErr *UnexpectedPropertiesError
		require.ErrorAs(t, err, &propErr)
		assert.Equal(t, []string{"foo", "windowSize"}, propErr.Keys)
		assert.Contains(t, err.Error(), "args, env, extensions, preferences")
		assert.Equal(t, []string{"--a"}, opts.Args)
	})

	t.Run("lists replace and objects shallow merge", func(t *testing.T) {
		opts := base()
		err := opts.ApplyOverride(map[string]any{
			"args":        []any{"--b", "--c"},
			"extensions":  []string{"/ext1"},
			"env":         map[string]any{"REPLACE": "new", "ADDED": 5},
			"preferences": map[string]any{"default": map[string]any{"z": true}},
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"--b", "--c"}, opts.Args)
		assert.Equal(t, []string{"/ext1"}, opts.Extensions)
		assert.Equal(t, map[string]string{"KEEP": "1", "REPLACE": "new", "ADDED": "5"}, opts.Env)
		assert.Equal(t, map[string]any{"z": true}, opts.Preferences.Default)
		assert.Equal(t, map[string]any{"y": 2}, opts.Preferences.LocalState)
	})

	t.Run("nil override is a no-op", func(t *testing.T) {
		opts := base()
		require.NoError(t, opts.ApplyOverride(nil))
		assert.Equal(t, base(), opts)
	})

	t.Run("wrong value type", func(t *testing.T) {
		opts := base()
		err := opts.ApplyOverride(map[string]any{"args": "--not-a-list"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"args"`)
	})
}

type recordingHooks struct {
	override map[string]any
	gotWS    string
}

func (h *recordingHooks) BeforeBrowserLaunch(_ context.Context, _ browsers.FoundBrowser, opts Options) (map[string]any, error) {
	opts.Args = append(opts.Args, "--mutated-copy")
	return h.override, nil
}

func (h *recordingHooks) AfterBrowserLaunch(_ context.Context, _ browsers.FoundBrowser, ws string) error {
	h.gotWS = ws
	return nil
}

func TestHooks(t *testing.T) {
	ctx := context.Background()
	hooks := &recordingHooks{override: map[string]any{"extensions": []any{"/ext1"}}}
	opts := Options{Args: []string{"--a"}}

	require.NoError(t, RunBeforeLaunch(ctx, hooks, browsers.FoundBrowser{Name: "chrome"}, &opts))
	assert.Equal(t, []string{"--a"}, opts.Args, "hooks receive a copy")
	assert.Equal(t, []string{"/ext1"}, opts.Extensions)

	require.NoError(t, RunAfterLaunch(ctx, hooks, browsers.FoundBrowser{}, "ws://127.0.0.1:1/devtools/browser/x"))
	assert.Equal(t, "ws://127.0.0.1:1/devtools/browser/x", hooks.gotWS)

	require.NoError(t, RunBeforeLaunch(ctx, NoopHooks{}, browsers.FoundBrowser{}, &opts))
}

func TestChromiumArgs(t *testing.T) {
	chrome := browsers.FoundBrowser{Name: "chrome", Family: browsers.FamilyChromium, MajorVersion: 112}

	t.Run("headless new on 112", func(t *testing.T) {
		args := ChromiumArgs(chrome, ArgsInput{Port: 40001, ProfileDir: "/p", CacheDir: "/p/CacheData", Headless: true, GOOS: "darwin"})
		assert.Contains(t, args, "--headless=new")
		assert.NotContains(t, args, "--headless")
		assert.Contains(t, args, "--window-size=1280,720")
		assert.Contains(t, args, "--force-device-scale-factor=1")
		assert.Contains(t, args, "--remote-debugging-port=40001")
		assert.Contains(t, args, "--remote-debugging-address=127.0.0.1")
		assert.Contains(t, args, "--user-data-dir=/p")
		assert.Contains(t, args, "--disk-cache-dir=/p/CacheData")
		assert.NotContains(t, args, "--no-sandbox")
	})

	t.Run("old headless", func(t *testing.T) {
		old := chrome
		old.MajorVersion = 100
		args := ChromiumArgs(old, ArgsInput{Headless: true})
		assert.Contains(t, args, "--headless")
		assert.NotContains(t, args, "--headless=new")
	})

	t.Run("linux flags", func(t *testing.T) {
		args := ChromiumArgs(chrome, ArgsInput{GOOS: "linux"})
		assert.Contains(t, args, "--disable-gpu")
		assert.Contains(t, args, "--no-sandbox")
	})

	t.Run("headed has no headless flags", func(t *testing.T) {
		args := ChromiumArgs(chrome, ArgsInput{GOOS: "windows"})
		for _, a := range args {
			assert.False(t, strings.HasPrefix(a, "--headless"), a)
			assert.False(t, strings.HasPrefix(a, "--window-size"), a)
		}
	})

	t.Run("extra flags replace computed ones", func(t *testing.T) {
		args := ChromiumArgs(chrome, ArgsInput{Headless: true, Extra: []string{"--window-size=800,600", "--lang=de"}})
		assert.Contains(t, args, "--window-size=800,600")
		assert.NotContains(t, args, "--window-size=1280,720")
		assert.Equal(t, "--lang=de", args[len(args)-1])
	})
}

func TestFirefoxArgs(t *testing.T) {
	args := FirefoxArgs(browsers.FoundBrowser{Name: "firefox"}, ArgsInput{Port: 9222, ProfileDir: "/p", Headless: true})
	assert.Equal(t, []string{
		"-profile", "/p", "-no-remote", "-new-instance",
		"--remote-debugging-port=9222", "--remote-allow-hosts=127.0.0.1",
		"-headless", "-width", "1280", "-height", "720",
	}, args)
}

func TestPortProvider(t *testing.T) {
	p := NewPortProvider(0)
	first, err := p.Next()
	require.NoError(t, err)
	second, err := p.Next()
	require.NoError(t, err)
	third, err := p.Next()
	require.NoError(t, err)

	assert.Greater(t, second, first)
	assert.Greater(t, third, second)
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3", "C": "4"})
	assert.Equal(t, []string{"A=1", "B=3", "C=4"}, got)
}

func TestUnexpectedPropertiesErrorIsTyped(t *testing.T) {
	var err error = &UnexpectedPropertiesError{Keys: []string{"x"}, Allowed: AllowedOverrideKeys}
	var target *UnexpectedPropertiesError
	assert.True(t, errors.As(err, &target))
}
