// File: internal/browsers/discover.go
package browsers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/browserkit/internal/config"
)

// ElectronName is the name of the pseudo-browser synthesized for the host runtime.
const ElectronName = "electron"

var playwrightRevision = regexp.MustCompile(`webkit-(\d+)`)

// VersionProbe runs `<path> --version` and returns its combined output.
type VersionProbe func(ctx context.Context, path string) (string, error)

// Options tunes discovery. The zero value probes the table for the running OS.
type Options struct {
	Host         config.HostConfig
	ExtraPaths   []string
	ProbeTimeout time.Duration
	// MinVersions is keyed by family name.
	MinVersions map[string]int
	Logger      *zap.Logger

	// Candidates replaces the built-in table when non-nil.
	Candidates []Candidate
	Probe      VersionProbe
	LookPath   func(string) (string, error)
}

// OptionsFromConfig maps the browser section of the configuration onto discovery options.
func OptionsFromConfig(cfg config.BrowserConfig, logger *zap.Logger) Options {
	return Options{
		Host:         cfg.Host,
		ExtraPaths:   cfg.ExtraPaths,
		ProbeTimeout: cfg.VersionProbe,
		MinVersions:  cfg.MinVersions,
		Logger:       logger,
	}
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.Candidates == nil {
		o.Candidates = KnownBrowsers(runtime.GOOS)
	}
	if o.Probe == nil {
		o.Probe = execProbe
	}
	if o.LookPath == nil {
		o.LookPath = exec.LookPath
	}
}

func execProbe(ctx context.Context, path string) (string, error) {
	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to run %s --version: %w", path, err)
	}
	return string(out), nil
}

// Discover enumerates installed browsers. Apart from executable probes it has no side effects.
// Browsers whose version probe fails are skipped, never reported as errors.
func Discover(ctx context.Context, opts Options) ([]FoundBrowser, error) {
	opts.defaults()
	logger := opts.Logger.Named("discovery")

	var (
		mu    sync.Mutex
		found []FoundBrowser
	)
	add := func(b FoundBrowser) {
		mu.Lock()
		found = append(found, b)
		mu.Unlock()
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, c := range opts.Candidates {
		c := c
		path, ok := resolveBinary(c.Binaries, opts.LookPath)
		if !ok {
			continue
		}
		g.Go(func() error {
			b, err := probeCandidate(gCtx, c, path, opts)
			if err != nil {
				logger.Debug("Skipping browser candidate.", zap.String("browser", c.Name), zap.String("path", path), zap.Error(err))
				return nil
			}
			add(b)
			return nil
		})
	}
	for _, p := range opts.ExtraPaths {
		p := p
		g.Go(func() error {
			b, err := DetectByPath(gCtx, p, opts)
			if err != nil {
				logger.Warn("Configured browser path could not be detected.", zap.String("path", p), zap.Error(err))
				return nil
			}
			add(b)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("browser discovery canceled: %w", err)
	}

	if opts.Host.Name != "" {
		found = append(found, hostBrowser(opts.Host))
	}

	found = dedupe(found)
	sortBrowsers(found)
	logger.Debug("Browser discovery complete.", zap.Int("count", len(found)))
	return found, nil
}

// DetectByPath identifies the browser at path by running its --version.
func DetectByPath(ctx context.Context, path string, opts Options) (FoundBrowser, error) {
	opts.defaults()
	if _, err := os.Stat(path); err != nil {
		return FoundBrowser{}, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, opts.ProbeTimeout)
	defer cancel()
	out, err := opts.Probe(probeCtx, path)
	if err != nil {
		return FoundBrowser{}, err
	}

	c, version, ok := identify(out)
	if !ok {
		return FoundBrowser{}, fmt.Errorf("unable to identify the browser from its version output %q", strings.TrimSpace(out))
	}
	b := newFoundBrowser(c, path, version)
	b.Channel = channelFromVersion(c.Family, version)
	b.Info = fmt.Sprintf("Loaded from %s", path)
	return applyMinVersion(b, opts.MinVersions), nil
}

func probeCandidate(ctx context.Context, c Candidate, path string, opts Options) (FoundBrowser, error) {
	if c.Family == FamilyWebKit {
		// Playwright's WebKit build has no --version; the install dir carries the revision.
		m := playwrightRevision.FindStringSubmatch(path)
		if m == nil {
			return FoundBrowser{}, fmt.Errorf("no playwright revision in %s", path)
		}
		return applyMinVersion(newFoundBrowser(c, path, m[1]), opts.MinVersions), nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, opts.ProbeTimeout)
	defer cancel()
	out, err := opts.Probe(probeCtx, path)
	if err != nil {
		return FoundBrowser{}, err
	}
	m := c.VersionRegex.FindStringSubmatch(out)
	if m == nil {
		return FoundBrowser{}, fmt.Errorf("unrecognized version output %q", strings.TrimSpace(out))
	}
	return applyMinVersion(newFoundBrowser(c, path, m[1]), opts.MinVersions), nil
}

func newFoundBrowser(c Candidate, path, version string) FoundBrowser {
	return FoundBrowser{
		Name:         c.Name,
		Family:       c.Family,
		Channel:      c.Channel,
		DisplayName:  c.DisplayName,
		Version:      version,
		MajorVersion: parseMajor(version),
		Path:         path,
		IsHeaded:     true,
		IsHeadless:   true,
	}
}

func hostBrowser(host config.HostConfig) FoundBrowser {
	return FoundBrowser{
		Name:         ElectronName,
		Family:       FamilyChromium,
		Channel:      DefaultChannel,
		DisplayName:  "Electron",
		Version:      host.ChromiumVersion,
		MajorVersion: parseMajor(host.ChromiumVersion),
		Path:         host.Path,
		IsHeaded:     true,
		IsHeadless:   true,
		Info:         fmt.Sprintf("Electron is the browser bundled with %s.", host.Name),
	}
}

// channelFromVersion guesses the Firefox channel from pre-release markers in the version.
func channelFromVersion(family Family, version string) string {
	if family != FamilyFirefox {
		return DefaultChannel
	}
	switch {
	case strings.Contains(version, "a"):
		return "nightly"
	case strings.Contains(version, "b"):
		return "dev"
	}
	return DefaultChannel
}

func applyMinVersion(b FoundBrowser, min map[string]int) FoundBrowser {
	floor, ok := min[string(b.Family)]
	if !ok || b.MajorVersion == 0 || b.MajorVersion >= floor {
		return b
	}
	b.UnsupportedVersion = true
	b.Warning = fmt.Sprintf(
		"%s version %d is not supported. Install version %d or newer of %s to use it.",
		b.DisplayName, b.MajorVersion, floor, b.DisplayName)
	return b
}

// resolveBinary returns the first existing binary. Glob patterns pick their last match so the
// newest install revision wins.
func resolveBinary(binaries []string, lookPath func(string) (string, error)) (string, bool) {
	for _, bin := range binaries {
		if bin == "" {
			continue
		}
		if strings.ContainsAny(bin, "*?[") {
			matches, err := filepath.Glob(bin)
			if err == nil && len(matches) > 0 {
				sort.Strings(matches)
				return matches[len(matches)-1], true
			}
			continue
		}
		if filepath.Base(bin) == bin {
			if p, err := lookPath(bin); err == nil {
				return p, true
			}
			continue
		}
		if info, err := os.Stat(bin); err == nil && !info.IsDir() {
			return bin, true
		}
	}
	return "", false
}

func dedupe(list []FoundBrowser) []FoundBrowser {
	type key struct{ name, channel, path string }
	seen := make(map[key]struct{}, len(list))
	out := list[:0]
	for _, b := range list {
		k := key{b.Name, b.Channel, b.Path}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, b)
	}
	return out
}

func sortBrowsers(list []FoundBrowser) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Channel != b.Channel {
			return a.Channel < b.Channel
		}
		return compareVersions(a.Version, b.Version) < 0
	})
}
