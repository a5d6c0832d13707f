package browsers

import (
	"os"
	"path/filepath"
	"regexp"
)

// Candidate describes where a browser of a given name and channel is usually installed.
type Candidate struct {
	Name        string
	Family      Family
	Channel     string
	DisplayName string
	// VersionRegex must capture the version in its first group from `<binary> --version` output.
	VersionRegex *regexp.Regexp
	// Binaries are tried in order. Bare names are resolved through PATH; glob patterns are
	// expanded and the last match wins.
	Binaries []string
}

var (
	chromeVersion   = regexp.MustCompile(`Google Chrome(?: for Testing)? (\S+)`)
	chromiumVersion = regexp.MustCompile(`Chromium (\S+)`)
	edgeVersion     = regexp.MustCompile(`Microsoft Edge (\S+)`)
	braveVersion    = regexp.MustCompile(`Brave Browser (\S+)`)
	firefoxVersion  = regexp.MustCompile(`Mozilla Firefox (\S+)`)
	webkitVersion   = regexp.MustCompile(`WebKit (\S+)`)
)

// KnownBrowsers returns the probe table for goos.
func KnownBrowsers(goos string) []Candidate {
	switch goos {
	case "darwin":
		return darwinBrowsers()
	case "windows":
		return windowsBrowsers()
	default:
		return linuxBrowsers()
	}
}

func linuxBrowsers() []Candidate {
	home, _ := os.UserHomeDir()
	return []Candidate{
		{Name: "chrome", Family: FamilyChromium, Channel: "stable", DisplayName: "Chrome", VersionRegex: chromeVersion, Binaries: []string{"google-chrome", "google-chrome-stable"}},
		{Name: "chrome", Family: FamilyChromium, Channel: "beta", DisplayName: "Chrome Beta", VersionRegex: chromeVersion, Binaries: []string{"google-chrome-beta"}},
		{Name: "chrome", Family: FamilyChromium, Channel: "dev", DisplayName: "Chrome Dev", VersionRegex: chromeVersion, Binaries: []string{"google-chrome-unstable"}},
		{Name: "chromium", Family: FamilyChromium, Channel: "stable", DisplayName: "Chromium", VersionRegex: chromiumVersion, Binaries: []string{"chromium", "chromium-browser"}},
		{Name: "edge", Family: FamilyChromium, Channel: "stable", DisplayName: "Edge", VersionRegex: edgeVersion, Binaries: []string{"microsoft-edge", "microsoft-edge-stable"}},
		{Name: "edge", Family: FamilyChromium, Channel: "beta", DisplayName: "Edge Beta", VersionRegex: edgeVersion, Binaries: []string{"microsoft-edge-beta"}},
		{Name: "edge", Family: FamilyChromium, Channel: "dev", DisplayName: "Edge Dev", VersionRegex: edgeVersion, Binaries: []string{"microsoft-edge-dev"}},
		{Name: "brave", Family: FamilyChromium, Channel: "stable", DisplayName: "Brave", VersionRegex: braveVersion, Binaries: []string{"brave-browser", "brave"}},
		{Name: "firefox", Family: FamilyFirefox, Channel: "stable", DisplayName: "Firefox", VersionRegex: firefoxVersion, Binaries: []string{"firefox"}},
		{Name: "firefox", Family: FamilyFirefox, Channel: "dev", DisplayName: "Firefox Developer Edition", VersionRegex: firefoxVersion, Binaries: []string{"firefox-developer-edition"}},
		{Name: "firefox", Family: FamilyFirefox, Channel: "nightly", DisplayName: "Firefox Nightly", VersionRegex: firefoxVersion, Binaries: []string{"firefox-nightly", "firefox-trunk"}},
		{Name: "webkit", Family: FamilyWebKit, Channel: "stable", DisplayName: "WebKit", VersionRegex: webkitVersion, Binaries: []string{filepath.Join(home, ".cache", "ms-playwright", "webkit-*", "pw_run.sh")}},
	}
}

func darwinBrowsers() []Candidate {
	home, _ := os.UserHomeDir()
	app := func(bundle, binary string) string {
		return filepath.Join("/Applications", bundle+".app", "Contents", "MacOS", binary)
	}
	return []Candidate{
		{Name: "chrome", Family: FamilyChromium, Channel: "stable", DisplayName: "Chrome", VersionRegex: chromeVersion, Binaries: []string{app("Google Chrome", "Google Chrome")}},
		{Name: "chrome", Family: FamilyChromium, Channel: "beta", DisplayName: "Chrome Beta", VersionRegex: chromeVersion, Binaries: []string{app("Google Chrome Beta", "Google Chrome Beta")}},
		{Name: "chrome", Family: FamilyChromium, Channel: "canary", DisplayName: "Chrome Canary", VersionRegex: chromeVersion, Binaries: []string{app("Google Chrome Canary", "Google Chrome Canary")}},
		{Name: "chromium", Family: FamilyChromium, Channel: "stable", DisplayName: "Chromium", VersionRegex: chromiumVersion, Binaries: []string{app("Chromium", "Chromium")}},
		{Name: "edge", Family: FamilyChromium, Channel: "stable", DisplayName: "Edge", VersionRegex: edgeVersion, Binaries: []string{app("Microsoft Edge", "Microsoft Edge")}},
		{Name: "edge", Family: FamilyChromium, Channel: "canary", DisplayName: "Edge Canary", VersionRegex: edgeVersion, Binaries: []string{app("Microsoft Edge Canary", "Microsoft Edge Canary")}},
		{Name: "brave", Family: FamilyChromium, Channel: "stable", DisplayName: "Brave", VersionRegex: braveVersion, Binaries: []string{app("Brave Browser", "Brave Browser")}},
		{Name: "firefox", Family: FamilyFirefox, Channel: "stable", DisplayName: "Firefox", VersionRegex: firefoxVersion, Binaries: []string{app("Firefox", "firefox")}},
		{Name: "firefox", Family: FamilyFirefox, Channel: "dev", DisplayName: "Firefox Developer Edition", VersionRegex: firefoxVersion, Binaries: []string{app("Firefox Developer Edition", "firefox")}},
		{Name: "firefox", Family: FamilyFirefox, Channel: "nightly", DisplayName: "Firefox Nightly", VersionRegex: firefoxVersion, Binaries: []string{app("Firefox Nightly", "firefox")}},
		{Name: "webkit", Family: FamilyWebKit, Channel: "stable", DisplayName: "WebKit", VersionRegex: webkitVersion, Binaries: []string{filepath.Join(home, "Library", "Caches", "ms-playwright", "webkit-*", "pw_run.sh")}},
	}
}

func windowsBrowsers() []Candidate {
	programFiles := os.Getenv("ProgramFiles")
	programFilesX86 := os.Getenv("ProgramFiles(x86)")
	localAppData := os.Getenv("LOCALAPPDATA")
	in := func(base string, parts ...string) string {
		return filepath.Join(append([]string{base}, parts...)...)
	}
	return []Candidate{
		{Name: "chrome", Family: FamilyChromium, Channel: "stable", DisplayName: "Chrome", VersionRegex: chromeVersion, Binaries: []string{
			in(programFiles, "Google", "Chrome", "Application", "chrome.exe"),
			in(programFilesX86, "Google", "Chrome", "Application", "chrome.exe"),
			in(localAppData, "Google", "Chrome", "Application", "chrome.exe"),
		}},
		{Name: "chrome", Family: FamilyChromium, Channel: "beta", DisplayName: "Chrome Beta", VersionRegex: chromeVersion, Binaries: []string{in(programFiles, "Google", "Chrome Beta", "Application", "chrome.exe")}},
		{Name: "chrome", Family: FamilyChromium, Channel: "canary", DisplayName: "Chrome Canary", VersionRegex: chromeVersion, Binaries: []string{in(localAppData, "Google", "Chrome SxS", "Application", "chrome.exe")}},
		{Name: "chromium", Family: FamilyChromium, Channel: "stable", DisplayName: "Chromium", VersionRegex: chromiumVersion, Binaries: []string{in(localAppData, "Chromium", "Application", "chrome.exe")}},
		{Name: "edge", Family: FamilyChromium, Channel: "stable", DisplayName: "Edge", VersionRegex: edgeVersion, Binaries: []string{
			in(programFilesX86, "Microsoft", "Edge", "Application", "msedge.exe"),
			in(programFiles, "Microsoft", "Edge", "Application", "msedge.exe"),
		}},
		{Name: "brave", Family: FamilyChromium, Channel: "stable", DisplayName: "Brave", VersionRegex: braveVersion, Binaries: []string{in(programFiles, "BraveSoftware", "Brave-Browser", "Application", "brave.exe")}},
		{Name: "firefox", Family: FamilyFirefox, Channel: "stable", DisplayName: "Firefox", VersionRegex: firefoxVersion, Binaries: []string{in(programFiles, "Mozilla Firefox", "firefox.exe")}},
		{Name: "firefox", Family: FamilyFirefox, Channel: "dev", DisplayName: "Firefox Developer Edition", VersionRegex: firefoxVersion, Binaries: []string{in(programFiles, "Firefox Developer Edition", "firefox.exe")}},
		{Name: "firefox", Family: FamilyFirefox, Channel: "nightly", DisplayName: "Firefox Nightly", VersionRegex: firefoxVersion, Binaries: []string{in(programFiles, "Firefox Nightly", "firefox.exe")}},
		{Name: "webkit", Family: FamilyWebKit, Channel: "stable", DisplayName: "WebKit", VersionRegex: webkitVersion, Binaries: []string{in(localAppData, "ms-playwright", "webkit-*", "Playwright.exe")}},
	}
}

// identify matches --version output against every known family regex.
func identify(output string) (Candidate, string, bool) {
	for _, c := range linuxBrowsers() {
		if c.Channel != DefaultChannel {
			continue
		}
		if m := c.VersionRegex.FindStringSubmatch(output); m != nil {
			return c, m[1], true
		}
	}
	return Candidate{}, "", false
}
