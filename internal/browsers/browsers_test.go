package browsers

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browserkit/internal/config"
)

// fakeBinary creates an empty file standing in for a browser executable.
func fakeBinary(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755))
	return p
}

func fakeProbe(outputs map[string]string) VersionProbe {
	return func(_ context.Context, path string) (string, error) {
		out, ok := outputs[path]
		if !ok {
			return "", errors.New("exec: not runnable")
		}
		return out, nil
	}
}

func testOptions(t *testing.T, candidates []Candidate, outputs map[string]string) Options {
	return Options{
		Logger:      zaptest.NewLogger(t),
		Candidates:  candidates,
		Probe:       fakeProbe(outputs),
		MinVersions: map[string]int{"chromium": 64, "firefox": 86},
		LookPath:    func(string) (string, error) { return "", errors.New("not in PATH") },
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	stable := fakeBinary(t, dir, "chrome-stable")
	beta := fakeBinary(t, dir, "chrome-beta")
	oldFF := fakeBinary(t, dir, "firefox")
	broken := fakeBinary(t, dir, "broken")

	candidates := []Candidate{
		{Name: "firefox", Family: FamilyFirefox, Channel: "stable", DisplayName: "Firefox", VersionRegex: firefoxVersion, Binaries: []string{oldFF}},
		{Name: "chrome", Family: FamilyChromium, Channel: "stable", DisplayName: "Chrome", VersionRegex: chromeVersion, Binaries: []string{filepath.Join(dir, "missing"), stable}},
		{Name: "chrome", Family: FamilyChromium, Channel: "beta", DisplayName: "Chrome Beta", VersionRegex: chromeVersion, Binaries: []string{beta}},
		{Name: "chromium", Family: FamilyChromium, Channel: "stable", DisplayName: "Chromium", VersionRegex: chromiumVersion, Binaries: []string{broken}},
	}
	outputs := map[string]string{
		stable: "Google Chrome 120.0.6099.109 \n",
		beta:   "Google Chrome 121.0.6167.16 beta\n",
		oldFF:  "Mozilla Firefox 78.0\n",
		broken: "segfault",
	}

	opts := testOptions(t, candidates, outputs)
	opts.Host = config.HostConfig{Name: "Desktop Shell", ChromiumVersion: "118.0.5993.159", Path: "/opt/shell/shell"}

	found, err := Discover(context.Background(), opts)
	require.NoError(t, err)

	var sel []string
	for _, b := range found {
		sel = append(sel, b.Selector())
	}
	assert.Equal(t, []string{"chrome:beta", "chrome:stable", "electron:stable", "firefox:stable"}, sel)

	assert.Equal(t, 120, found[1].MajorVersion)
	assert.Equal(t, stable, found[1].Path)

	electron := found[2]
	assert.True(t, electron.IsElectron())
	assert.Equal(t, FamilyChromium, electron.Family)
	assert.Equal(t, 118, electron.MajorVersion)

	ff := found[3]
	assert.True(t, ff.UnsupportedVersion)
	assert.Contains(t, ff.Warning, "86")
}

func TestDiscover_DedupesAndSortsByVersion(t *testing.T) {
	dir := t.TempDir()
	a := fakeBinary(t, dir, "a")
	b := fakeBinary(t, dir, "b")

	candidates := []Candidate{
		{Name: "chrome", Family: FamilyChromium, Channel: "stable", VersionRegex: chromeVersion, Binaries: []string{b}},
		{Name: "chrome", Family: FamilyChromium, Channel: "stable", VersionRegex: chromeVersion, Binaries: []string{a}},
		{Name: "chrome", Family: FamilyChromium, Channel: "stable", VersionRegex: chromeVersion, Binaries: []string{a}},
	}
	outputs := map[string]string{
		a: "Google Chrome 99.0.1",
		b: "Google Chrome 100.0.1",
	}

	found, err := Discover(context.Background(), testOptions(t, candidates, outputs))
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "99.0.1", found[0].Version)
	assert.Equal(t, "100.0.1", found[1].Version)
}

func TestFindByNameOrPath(t *testing.T) {
	list := []FoundBrowser{
		{Name: "chrome", Channel: "beta", Version: "121.0"},
		{Name: "chrome", Channel: "stable", Version: "99.0"},
		{Name: "chrome", Channel: "stable", Version: "120.0"},
		{Name: "firefox", Channel: "stable", Version: "120.0"},
	}
	ctx := context.Background()
	opts := testOptions(t, nil, nil)

	t.Run("highest stable version wins", func(t *testing.T) {
		b, err := FindByNameOrPath(ctx, list, "chrome", opts)
		require.NoError(t, err)
		assert.Equal(t, "stable", b.Channel)
		assert.Equal(t, "120.0", b.Version)
	})

	t.Run("explicit channel", func(t *testing.T) {
		b, err := FindByNameOrPath(ctx, list, "chrome:beta", opts)
		require.NoError(t, err)
		assert.Equal(t, "121.0", b.Version)
	})

	t.Run("unknown name lists the valid selectors", func(t *testing.T) {
		_, err := FindByNameOrPath(ctx, list, "opera", opts)
		var nameErr *NotFoundByNameError
		require.ErrorAs(t, err, &nameErr)
		assert.Equal(t, []string{"chrome:beta", "chrome:stable", "firefox:stable"}, nameErr.Available)
		assert.Contains(t, err.Error(), "name[:channel]")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := FindByNameOrPath(ctx, list, "/nope/bin/chrome", opts)
		var pathErr *NotFoundByPathError
		require.ErrorAs(t, err, &pathErr)
		assert.ErrorIs(t, err, fs.ErrNotExist)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("existing path is probed", func(t *testing.T) {
		bin := fakeBinary(t, t.TempDir(), "custom-edge")
		opts := testOptions(t, nil, map[string]string{bin: "Microsoft Edge 119.0.2151.97"})

		b, err := FindByNameOrPath(ctx, list, bin, opts)
		require.NoError(t, err)
		assert.Equal(t, "edge", b.Name)
		assert.Equal(t, FamilyChromium, b.Family)
		assert.Equal(t, 119, b.MajorVersion)
		assert.Equal(t, bin, b.Path)
	})
}

func TestParseSelector(t *testing.T) {
	name, channel, ok := ParseSelector("firefox:nightly")
	assert.True(t, ok)
	assert.Equal(t, "firefox", name)
	assert.Equal(t, "nightly", channel)

	_, channel, ok = ParseSelector("edge")
	assert.True(t, ok)
	assert.Equal(t, DefaultChannel, channel)

	_, _, ok = ParseSelector(`C:\Program Files\chrome.exe`)
	assert.False(t, ok)
}

func TestChannelFromVersion(t *testing.T) {
	assert.Equal(t, "nightly", channelFromVersion(FamilyFirefox, "122.0a1"))
	assert.Equal(t, "dev", channelFromVersion(FamilyFirefox, "121.0b9"))
	assert.Equal(t, "stable", channelFromVersion(FamilyFirefox, "120.0.1"))
	assert.Equal(t, "stable", channelFromVersion(FamilyChromium, "120.0a"))
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, -1, compareVersions("99.0", "100.0"))
	assert.Equal(t, 1, compareVersions("120.0.2", "120.0.1"))
	assert.Equal(t, 0, compareVersions("1.2.3", "1.2.3"))
	assert.Equal(t, -1, compareVersions("120", "120.0"))
}
