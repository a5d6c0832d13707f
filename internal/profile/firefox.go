package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-json-experiment/json"
)

// FirefoxUserPrefsFile is read by Firefox at startup and overrides prefs.js.
const FirefoxUserPrefsFile = "user.js"

// DefaultFirefoxPrefs keep Firefox quiet and automatable.
var DefaultFirefoxPrefs = map[string]any{
	"browser.shell.checkDefaultBrowser":          false,
	"browser.startup.homepage_override.mstone":   "ignore",
	"browser.tabs.warnOnClose":                   false,
	"datareporting.policy.dataSubmissionEnabled": false,
	"remote.enabled":                             true,
	"remote.active-protocols":                    1,
	"toolkit.telemetry.reportingpolicy.firstRun": false,
	"browser.download.folderList":                2,
	"browser.helperApps.neverAsk.saveToDisk":     "application/octet-stream",
}

// WriteFirefoxUserPrefs writes prefs as user_pref lines, sorted by key.
func WriteFirefoxUserPrefs(profileDir string, prefs map[string]any) error {
	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		name, err := json.Marshal(k)
		if err != nil {
			return err
		}
		value, err := json.Marshal(prefs[k])
		if err != nil {
			return fmt.Errorf("failed to encode firefox pref %s: %w", k, err)
		}
		fmt.Fprintf(&b, "user_pref(%s, %s);\n", name, value)
	}

	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(profileDir, FirefoxUserPrefsFile), []byte(b.String()), 0o644)
}
