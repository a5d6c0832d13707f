package browsers

import (
	"context"
	"path/filepath"
	"regexp"
)

var selectorPattern = regexp.MustCompile(`^([\w-]+)(?::([\w-]+))?$`)

// ParseSelector splits "name[:channel]". The channel defaults to "stable". ok is false when the
// string is not a selector at all, e.g. a filesystem path.
func ParseSelector(s string) (name, channel string, ok bool) {
	m := selectorPattern.FindStringSubmatch(s)
	if m == nil {
		return "", "", false
	}
	channel = m[2]
	if channel == "" {
		channel = DefaultChannel
	}
	return m[1], channel, true
}

// FindByNameOrPath resolves spec against a sorted discovery result. Among several matches the
// last one wins, which is the highest version. When no name matches and spec looks like a path,
// the binary at that path is probed instead.
func FindByNameOrPath(ctx context.Context, list []FoundBrowser, spec string, opts Options) (FoundBrowser, error) {
	if name, channel, ok := ParseSelector(spec); ok {
		var (
			match FoundBrowser
			found bool
		)
		for _, b := range list {
			if b.Name == name && b.Channel == channel {
				match, found = b, true
			}
		}
		if found {
			return match, nil
		}
	}

	if filepath.Base(spec) != spec {
		b, err := DetectByPath(ctx, spec, opts)
		if err != nil {
			return FoundBrowser{}, &NotFoundByPathError{Path: spec, Err: err}
		}
		return b, nil
	}

	return FoundBrowser{}, &NotFoundByNameError{Name: spec, Available: selectors(list)}
}

func selectors(list []FoundBrowser) []string {
	seen := make(map[string]struct{}, len(list))
	var out []string
	for _, b := range list {
		s := b.Selector()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
