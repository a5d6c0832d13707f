// File: internal/profile/preferences.go
package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-json-experiment/json"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// PrefFile names one of the JSON preference files Chromium keeps in a user data dir.
type PrefFile string

const (
	FileDefault       PrefFile = "Default/Preferences"
	FileDefaultSecure PrefFile = "Default/Secure Preferences"
	FileLocalState    PrefFile = "Local State"
)

// PrefFiles lists the preference files in the order they are written.
var PrefFiles = []PrefFile{FileDefault, FileDefaultSecure, FileLocalState}

// Preferences holds the parsed content of every preference file.
type Preferences struct {
	Default       map[string]any `json:"default,omitempty"`
	DefaultSecure map[string]any `json:"defaultSecure,omitempty"`
	LocalState    map[string]any `json:"localState,omitempty"`
}

// Get returns the tree for f.
func (p Preferences) Get(f PrefFile) map[string]any {
	switch f {
	case FileDefault:
		return p.Default
	case FileDefaultSecure:
		return p.DefaultSecure
	case FileLocalState:
		return p.LocalState
	}
	return nil
}

func (p *Preferences) set(f PrefFile, m map[string]any) {
	switch f {
	case FileDefault:
		p.Default = m
	case FileDefaultSecure:
		p.DefaultSecure = m
	case FileLocalState:
		p.LocalState = m
	}
}

// IsEmpty reports whether no file carries any key.
func (p Preferences) IsEmpty() bool {
	return len(p.Default) == 0 && len(p.DefaultSecure) == 0 && len(p.LocalState) == 0
}

// ReadPreferences loads every preference file under dir. A missing file reads as an empty tree;
// any other I/O or parse error is returned.
func ReadPreferences(dir string) (Preferences, error) {
	var prefs Preferences
	for _, f := range PrefFiles {
		m, err := readPrefFile(filepath.Join(dir, filepath.FromSlash(string(f))))
		if err != nil {
			return Preferences{}, fmt.Errorf("failed to read %s: %w", f, err)
		}
		prefs.set(f, m)
	}
	return prefs, nil
}

func readPrefFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// MergePreferences deep-merges overrides into a copy of original, file by file.
func MergePreferences(original, overrides Preferences) Preferences {
	var out Preferences
	for _, f := range PrefFiles {
		out.set(f, MergeTree(original.Get(f), overrides.Get(f)))
	}
	return out
}

// MergeTree deep-merges overrides into a copy of base. A nil override value deletes the key.
// Nested objects merge recursively; any other value replaces the existing one.
func MergeTree(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = deepCopy(v)
	}
	for k, v := range overrides {
		if v == nil {
			delete(out, k)
			continue
		}
		if ov, ok := v.(map[string]any); ok {
			if bv, ok := out[k].(map[string]any); ok {
				out[k] = MergeTree(bv, ov)
				continue
			}
			out[k] = MergeTree(nil, ov)
			continue
		}
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = deepCopy(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = deepCopy(e)
		}
		return s
	default:
		return v
	}
}

// WritePreferences writes the files whose merged tree differs from original and returns the
// ones it wrote. Writes are not atomic across files.
func WritePreferences(dir string, original, merged Preferences) ([]PrefFile, error) {
	var written []PrefFile
	for _, f := range PrefFiles {
		changed, data, err := diff(original.Get(f), merged.Get(f))
		if err != nil {
			return written, fmt.Errorf("failed to encode %s: %w", f, err)
		}
		if !changed {
			continue
		}
		path := filepath.Join(dir, filepath.FromSlash(string(f)))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return written, fmt.Errorf("failed to create directory for %s: %w", f, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", f, err)
		}
		written = append(written, f)
	}
	return written, nil
}

// diff compares both trees after a JSON round trip so that Go ints and decoded float64s of the
// same value compare equal. It returns the encoded merged tree.
func diff(original, merged map[string]any) (bool, []byte, error) {
	data, err := json.Marshal(nonNil(merged), json.Deterministic(true))
	if err != nil {
		return false, nil, err
	}
	var normalized map[string]any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return false, nil, err
	}
	base, err := roundTrip(original)
	if err != nil {
		return false, nil, err
	}
	if cmp.Equal(base, normalized, cmpopts.EquateEmpty()) {
		return false, data, nil
	}
	return true, data, nil
}

func roundTrip(m map[string]any) (map[string]any, error) {
	data, err := json.Marshal(nonNil(m))
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
