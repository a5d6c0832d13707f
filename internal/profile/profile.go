// File: internal/profile/profile.go
package profile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserkit/internal/browsers"
)

const (
	interactiveSlot = "interactive"
	cacheDirName    = "CacheData"
)

// Dir computes the user data directory for b. Headless runs are partitioned by pid so that
// concurrent runs never share a profile; interactive sessions share one fixed slot.
func Dir(appData string, b browsers.FoundBrowser, interactive bool, pid int) (string, error) {
	root, err := homedir.Expand(appData)
	if err != nil {
		return "", fmt.Errorf("failed to expand app data dir %q: %w", appData, err)
	}
	channel := b.Channel
	if channel == "" {
		channel = browsers.DefaultChannel
	}
	slot := fmt.Sprintf("run-%d", pid)
	if interactive {
		slot = interactiveSlot
	}
	return filepath.Join(root, b.Name+"-"+channel, slot), nil
}

// CacheDir is the disk cache directory inside a profile.
func CacheDir(profileDir string) string {
	return filepath.Join(profileDir, cacheDirName)
}

// EnsureCleanCache removes and recreates the profile's cache directory.
func EnsureCleanCache(profileDir string) (string, error) {
	dir := CacheDir(profileDir)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to remove cache dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache dir: %w", err)
	}
	return dir, nil
}

// Manager prepares profile directories before launch.
type Manager struct {
	logger *zap.Logger
	// skip disables every preference read and write.
	skip bool
}

func NewManager(logger *zap.Logger, skipPreferences bool) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger.Named("profile"), skip: skipPreferences}
}

// ApplyPreferences merges overrides into the preference files under dir and writes the ones that
// changed. It does nothing when preferences are disabled or overrides is empty.
func (m *Manager) ApplyPreferences(dir string, overrides Preferences) ([]PrefFile, error) {
	if m.skip {
		m.logger.Debug("Preference handling disabled; leaving profile untouched.", zap.String("dir", dir))
		return nil, nil
	}
	if overrides.IsEmpty() {
		return nil, nil
	}
	original, err := ReadPreferences(dir)
	if err != nil {
		return nil, err
	}
	written, err := WritePreferences(dir, original, MergePreferences(original, overrides))
	if err != nil {
		return written, err
	}
	if len(written) > 0 {
		m.logger.Debug("Wrote browser preferences.", zap.String("dir", dir), zap.Any("files", written))
	}
	return written, nil
}

// Prepare creates dir and, when cleanCache is set, resets its disk cache.
func (m *Manager) Prepare(dir string, cleanCache bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create profile dir: %w", err)
	}
	if !cleanCache {
		return nil
	}
	_, err := EnsureCleanCache(dir)
	return err
}
