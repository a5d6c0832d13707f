package launcher

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/xkilldash9x/browserkit/internal/browsers"
)

// DebugAddress is the only interface the remote debugging server ever binds to.
const DebugAddress = "127.0.0.1"

// BlankURL is the first page every launched browser opens, so the protocol connection exists
// before any real navigation.
const BlankURL = "about:blank"

// headlessNewMajor is the first Chromium major where --headless=new is available.
const headlessNewMajor = 112

// defaultChromiumFlags keep Chromium quiet, deterministic and free of background work.
var defaultChromiumFlags = []string{
	"--test-type",
	"--ignore-certificate-errors",
	"--start-maximized",
	"--silent-debugger-extension-api",
	"--no-default-browser-check",
	"--no-first-run",
	"--noerrdialogs",
	"--enable-fixed-layout",
	"--disable-popup-blocking",
	"--disable-password-generation",
	"--disable-single-click-autofill",
	"--disable-prompt-on-repeat",
	"--disable-background-timer-throttling",
	"--disable-renderer-backgrounding",
	"--disable-renderer-throttling",
	"--disable-backgrounding-occluded-windows",
	"--disable-restore-session-state",
	"--disable-new-profile-management",
	"--disable-new-avatar-menu",
	"--allow-insecure-localhost",
	"--reduce-security-for-testing",
	"--enable-automation",
	"--disable-print-preview",
	"--disable-component-extensions-with-background-pages",
	"--disable-device-discovery-notifications",
	"--autoplay-policy=no-user-gesture-required",
	"--disable-site-isolation-trials",
	"--metrics-recording-only",
	"--disable-prompt-on-repost",
	"--disable-hang-monitor",
	"--disable-sync",
	"--disable-web-resources",
	"--safebrowsing-disable-download-protection",
	"--disable-client-side-phishing-detection",
	"--disable-component-update",
	"--disable-default-apps",
	"--use-fake-ui-for-media-stream",
	"--use-fake-device-for-media-stream",
	"--disable-ipc-flooding-protection",
	"--disable-background-networking",
	"--disable-breakpad",
	"--password-store=basic",
	"--use-mock-keychain",
	"--disable-dev-shm-usage",
}

// ArgsInput carries the per-launch values the flag builders need.
type ArgsInput struct {
	Port       int
	ProfileDir string
	CacheDir   string
	Headless   bool
	// GOOS defaults to runtime.GOOS.
	GOOS string
	// User and plugin supplied args, appended after the computed ones. A flag repeated here
	// replaces the computed flag of the same name.
	Extra []string
	// Window size for headless runs; 1280x720 when unset.
	Width, Height int
}

func (in ArgsInput) goos() string {
	if in.GOOS == "" {
		return runtime.GOOS
	}
	return in.GOOS
}

func (in ArgsInput) size() (int, int) {
	w, h := in.Width, in.Height
	if w <= 0 || h <= 0 {
		return 1280, 720
	}
	return w, h
}

// ChromiumArgs builds the command line for a Chromium family browser, without the initial url.
func ChromiumArgs(b browsers.FoundBrowser, in ArgsInput) []string {
	args := append([]string(nil), defaultChromiumFlags...)
	args = append(args,
		"--remote-debugging-port="+strconv.Itoa(in.Port),
		"--remote-debugging-address="+DebugAddress,
		"--user-data-dir="+in.ProfileDir,
	)
	if in.CacheDir != "" {
		args = append(args, "--disk-cache-dir="+in.CacheDir)
	}
	if in.goos() == "linux" {
		args = append(args, "--disable-gpu", "--no-sandbox")
	}
	if in.Headless {
		if b.MajorVersion >= headlessNewMajor {
			args = append(args, "--headless=new")
		} else {
			args = append(args, "--headless")
		}
		w, h := in.size()
		args = append(args, fmt.Sprintf("--window-size=%d,%d", w, h), "--force-device-scale-factor=1")
	}
	return MergeFlags(args, in.Extra)
}

// FirefoxArgs builds the command line for Firefox with WebDriver BiDi enabled.
func FirefoxArgs(b browsers.FoundBrowser, in ArgsInput) []string {
	args := []string{
		"-profile", in.ProfileDir,
		"-no-remote",
		"-new-instance",
		"--remote-debugging-port=" + strconv.Itoa(in.Port),
		"--remote-allow-hosts=" + DebugAddress,
	}
	if in.Headless {
		w, h := in.size()
		args = append(args, "-headless", "-width", strconv.Itoa(w), "-height", strconv.Itoa(h))
	}
	return append(args, in.Extra...)
}

// MergeFlags appends extra to base. An extra flag whose name (the part before "=") already
// appears in base replaces it in place.
func MergeFlags(base, extra []string) []string {
	out := append([]string(nil), base...)
	index := make(map[string]int, len(out))
	for i, a := range out {
		if name := flagName(a); name != "" {
			index[name] = i
		}
	}
	for _, a := range extra {
		name := flagName(a)
		if i, ok := index[name]; ok && name != "" {
			out[i] = a
			continue
		}
		if name != "" {
			index[name] = len(out)
		}
		out = append(out, a)
	}
	return out
}

func flagName(arg string) string {
	if !strings.HasPrefix(arg, "--") {
		return ""
	}
	name, _, _ := strings.Cut(arg, "=")
	return name
}
