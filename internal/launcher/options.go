// File: internal/launcher/options.go
package launcher

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xkilldash9x/browserkit/internal/profile"
)

// Options is the launch configuration handed to plugins and then to the process launcher.
type Options struct {
	Args        []string            `json:"args"`
	Env         map[string]string   `json:"env"`
	Preferences profile.Preferences `json:"preferences"`
	Extensions  []string            `json:"extensions"`
}

// AllowedOverrideKeys are the only top-level keys a plugin override may carry.
var AllowedOverrideKeys = []string{"args", "env", "extensions", "preferences"}

// UnexpectedPropertiesError rejects a plugin override with keys outside AllowedOverrideKeys.
type UnexpectedPropertiesError struct {
	Keys    []string
	Allowed []string
}

func (e *UnexpectedPropertiesError) Error() string {
	return fmt.Sprintf(
		"the launch options returned by before:browser:launch contain unexpected properties: %s. Only these properties may be set: %s",
		strings.Join(e.Keys, ", "), strings.Join(e.Allowed, ", "))
}

// Clone returns a deep enough copy for a plugin to mutate freely.
func (o Options) Clone() Options {
	c := Options{
		Args:        append([]string(nil), o.Args...),
		Extensions:  append([]string(nil), o.Extensions...),
		Env:         make(map[string]string, len(o.Env)),
		Preferences: profile.MergePreferences(o.Preferences, profile.Preferences{}),
	}
	for k, v := range o.Env {
		c.Env[k] = v
	}
	return c
}

// ApplyOverride folds a plugin override into o. Object values shallow-merge with the existing
// value; everything else replaces it. A nil override is a no-op. The override is validated in
// full before o is touched.
func (o *Options) ApplyOverride(override map[string]any) error {
	if override == nil {
		return nil
	}

	var unexpected []string
	for k := range override {
		if !isAllowed(k) {
			unexpected = append(unexpected, k)
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return &UnexpectedPropertiesError{Keys: unexpected, Allowed: AllowedOverrideKeys}
	}

	next := o.Clone()
	for k, v := range override {
		var err error
		switch k {
		case "args":
			next.Args, err = toStrings(k, v)
		case "extensions":
			next.Extensions, err = toStrings(k, v)
		case "env":
			var env map[string]string
			if env, err = toStringMap(v); err == nil {
				for ek, ev := range env {
					next.Env[ek] = ev
				}
			}
		case "preferences":
			err = mergePreferenceOverride(&next.Preferences, v)
		}
		if err != nil {
			return err
		}
	}
	*o = next
	return nil
}

func isAllowed(k string) bool {
	for _, a := range AllowedOverrideKeys {
		if a == k {
			return true
		}
	}
	return false
}

func toStrings(key string, v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("launch option %q must be a list of strings, found %T", key, e)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("launch option %q must be a list of strings, found %T", key, v)
}

func toStringMap(v any) (map[string]string, error) {
	switch t := v.(type) {
	case map[string]string:
		return t, nil
	case map[string]any:
		out := make(map[string]string, len(t))
		for k, e := range t {
			out[k] = fmt.Sprint(e)
		}
		return out, nil
	}
	return nil, fmt.Errorf("launch option \"env\" must be an object, found %T", v)
}

// mergePreferenceOverride shallow-merges per file: a file present in the override replaces the
// corresponding tree.
func mergePreferenceOverride(p *profile.Preferences, v any) error {
	switch t := v.(type) {
	case profile.Preferences:
		if t.Default != nil {
			p.Default = t.Default
		}
		if t.DefaultSecure != nil {
			p.DefaultSecure = t.DefaultSecure
		}
		if t.LocalState != nil {
			p.LocalState = t.LocalState
		}
		return nil
	case map[string]any:
		for k, e := range t {
			tree, ok := e.(map[string]any)
			if !ok {
				return fmt.Errorf("launch option \"preferences.%s\" must be an object, found %T", k, e)
			}
			switch k {
			case "default":
				p.Default = tree
			case "defaultSecure":
				p.DefaultSecure = tree
			case "localState":
				p.LocalState = tree
			default:
				return fmt.Errorf("unknown preference file %q, expected default, defaultSecure or localState", k)
			}
		}
		return nil
	}
	return fmt.Errorf("launch option \"preferences\" must be an object, found %T", v)
}
