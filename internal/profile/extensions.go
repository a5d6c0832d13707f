package profile

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const loadExtensionFlag = "--load-extension="

// ExtensionsDir is where installed extensions live inside a profile.
func ExtensionsDir(profileDir string) string {
	return filepath.Join(profileDir, "extensions")
}

// InstallExtension copies the extension tree at src into the profile, replacing any earlier copy,
// and returns the installed path.
func InstallExtension(src, profileDir string) (string, error) {
	dest := filepath.Join(ExtensionsDir(profileDir), filepath.Base(src))
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("failed to clear extension dir: %w", err)
	}
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
	if err != nil {
		return "", fmt.Errorf("failed to install extension from %s: %w", src, err)
	}
	return dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// NormalizeExtensionArgs folds every --load-extension argument together with the internal,
// plugin-provided and theme extensions into a single argument appended at the end. The order is
// internal, user supplied, plugin, theme; duplicates keep their first position. Headless
// Chromium cannot load extensions, so headless args are returned unchanged.
func NormalizeExtensionArgs(args, internal, plugin []string, theme string, headless bool) []string {
	if headless {
		return append([]string(nil), args...)
	}

	var (
		rest []string
		user []string
	)
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, loadExtensionFlag); ok {
			user = append(user, splitList(v)...)
			continue
		}
		rest = append(rest, a)
	}

	var paths []string
	seen := map[string]struct{}{}
	add := func(list ...string) {
		for _, p := range list {
			if p == "" {
				continue
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			paths = append(paths, p)
		}
	}
	add(internal...)
	add(user...)
	add(plugin...)
	add(theme)

	if len(paths) == 0 {
		return rest
	}
	return append(rest, loadExtensionFlag+strings.Join(paths, ","))
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
