// File: internal/browsers/browsers.go
package browsers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Family groups browsers that speak the same automation protocol.
type Family string

const (
	FamilyChromium Family = "chromium"
	FamilyFirefox  Family = "firefox"
	FamilyWebKit   Family = "webkit"
)

// DefaultChannel is assumed when a selector omits the channel.
const DefaultChannel = "stable"

// FoundBrowser identifies one installed browser. It is a value type and is never mutated after
// discovery returns it.
type FoundBrowser struct {
	Name               string `json:"name"`
	Family             Family `json:"family"`
	Channel            string `json:"channel"`
	DisplayName        string `json:"displayName"`
	Version            string `json:"version"`
	MajorVersion       int    `json:"majorVersion"`
	Path               string `json:"path"`
	IsHeaded           bool   `json:"isHeaded"`
	IsHeadless         bool   `json:"isHeadless"`
	ProfilePath        string `json:"profilePath,omitempty"`
	Warning            string `json:"warning,omitempty"`
	Info               string `json:"info,omitempty"`
	UnsupportedVersion bool   `json:"unsupportedVersion,omitempty"`
}

// Selector returns the "name:channel" string that FindByNameOrPath resolves back to this browser.
func (b FoundBrowser) Selector() string {
	if b.Channel == "" {
		return b.Name
	}
	return b.Name + ":" + b.Channel
}

// IsElectron reports whether this is the synthesized entry for the host runtime.
func (b FoundBrowser) IsElectron() bool {
	return b.Name == ElectronName
}

// ErrNotFound matches every discovery lookup failure via errors.Is.
var ErrNotFound = errors.New("browser not found")

// NotFoundByNameError is returned when no discovered browser matches a name[:channel] selector.
type NotFoundByNameError struct {
	Name      string
	Available []string
}

func (e *NotFoundByNameError) Error() string {
	available := "none"
	if len(e.Available) > 0 {
		available = strings.Join(e.Available, ", ")
	}
	return fmt.Sprintf(
		"browser %q was not found on this system or is not supported. Specify a browser as name[:channel] (for example chrome:beta). Available browsers: %s",
		e.Name, available)
}

func (e *NotFoundByNameError) Is(target error) bool { return target == ErrNotFound }

// NotFoundByPathError is returned when a path-like selector cannot be resolved to a browser.
type NotFoundByPathError struct {
	Path string
	Err  error
}

func (e *NotFoundByPathError) Error() string {
	return fmt.Sprintf("could not find a browser at path %q: %v", e.Path, e.Err)
}

func (e *NotFoundByPathError) Unwrap() error { return e.Err }

func (e *NotFoundByPathError) Is(target error) bool { return target == ErrNotFound }

// parseMajor returns the leading integer of a dotted version string, or 0.
func parseMajor(version string) int {
	end := strings.IndexFunc(version, func(r rune) bool { return r < '0' || r > '9' })
	if end == -1 {
		end = len(version)
	}
	n, err := strconv.Atoi(version[:end])
	if err != nil {
		return 0
	}
	return n
}

// compareVersions orders dotted versions segment by segment, numerically where both segments
// are numbers.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xn, xerr := strconv.Atoi(x)
		yn, yerr := strconv.Atoi(y)
		switch {
		case xerr == nil && yerr == nil:
			if xn != yn {
				if xn < yn {
					return -1
				}
				return 1
			}
		case x != y:
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}
