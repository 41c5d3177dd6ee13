// Package alpm implements pacman-style package version parsing and ordering.
//
// The comparison follows the segment-wise alphanumeric algorithm used by
// libalpm's vercmp: the epoch is compared first, then the upstream version,
// then the release, with each string compared as alternating numeric and
// alphabetic runs.
package alpm

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a pacman package version triple.
type Version struct {
	Epoch    int
	Upstream string
	Release  string
}

// Parse parses a version of the form "[epoch:]pkgver-pkgrel".
func Parse(s string) (Version, error) {
	var v Version

	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		epoch, err := strconv.Atoi(s[:idx])
		if err != nil || epoch < 0 {
			return Version{}, fmt.Errorf("invalid epoch in version %q", s)
		}
		v.Epoch = epoch
		s = s[idx+1:]
	}

	idx := strings.LastIndexByte(s, '-')
	if idx < 0 {
		return Version{}, fmt.Errorf("version %q is missing a release", s)
	}

	v.Upstream = s[:idx]
	v.Release = s[idx+1:]
	if v.Upstream == "" || v.Release == "" {
		return Version{}, fmt.Errorf("malformed version %q", s)
	}

	return v, nil
}

func (v Version) String() string {
	if v.Epoch > 0 {
		return fmt.Sprintf("%d:%s-%s", v.Epoch, v.Upstream, v.Release)
	}
	return fmt.Sprintf("%s-%s", v.Upstream, v.Release)
}

// Sanitized returns the version rewritten to be a legal registry tag.
// ':' and '+' are not allowed in tags; the projection is lossy if two
// distinct versions sanitize identically.
func (v Version) Sanitized() string {
	return SanitizeTag(v.String())
}

// SanitizeTag rewrites an arbitrary version string into registry tag syntax.
func SanitizeTag(s string) string {
	s = strings.ReplaceAll(s, ":", "-")
	return strings.ReplaceAll(s, "+", "_")
}

// Compare returns -1, 0 or 1 if a is older than, equal to, or newer than b.
func Compare(a, b Version) int {
	if a.Epoch != b.Epoch {
		if a.Epoch < b.Epoch {
			return -1
		}
		return 1
	}
	if rc := vercmp(a.Upstream, b.Upstream); rc != 0 {
		return rc
	}
	return vercmp(a.Release, b.Release)
}

// Equal reports ordering equality, not structural equality: cosmetically
// different strings can compare equal under vercmp rules.
func (v Version) Equal(o Version) bool { return Compare(v, o) == 0 }

// Newer reports whether v is strictly newer than o.
func (v Version) Newer(o Version) bool { return Compare(v, o) > 0 }

// Older reports whether v is strictly older than o.
func (v Version) Older(o Version) bool { return Compare(v, o) < 0 }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isAlnum(c byte) bool { return isDigit(c) || isAlpha(c) }

// vercmp compares two plain version strings the way libalpm does.
func vercmp(a, b string) int {
	if a == b {
		return 0
	}

	i, j := 0, 0
	for i < len(a) && j < len(b) {
		// skip separator runs
		si, sj := i, j
		for i < len(a) && !isAlnum(a[i]) {
			i++
		}
		for j < len(b) && !isAlnum(b[j]) {
			j++
		}
		if i >= len(a) || j >= len(b) {
			break
		}

		// separator runs of different length decide the comparison
		if (i - si) != (j - sj) {
			if (i - si) < (j - sj) {
				return -1
			}
			return 1
		}

		// grab the next run: all digits or all letters
		var segA, segB string
		numeric := isDigit(a[i])
		if numeric {
			ei, ej := i, j
			for ei < len(a) && isDigit(a[ei]) {
				ei++
			}
			for ej < len(b) && isDigit(b[ej]) {
				ej++
			}
			segA, segB = a[i:ei], b[j:ej]
			i, j = ei, ej
		} else {
			ei, ej := i, j
			for ei < len(a) && isAlpha(a[ei]) {
				ei++
			}
			for ej < len(b) && isAlpha(b[ej]) {
				ej++
			}
			segA, segB = a[i:ei], b[j:ej]
			i, j = ei, ej
		}

		// mismatched run types: a numeric run is newer than an alphabetic one
		if segB == "" {
			if numeric {
				return 1
			}
			return -1
		}

		if numeric {
			segA = strings.TrimLeft(segA, "0")
			segB = strings.TrimLeft(segB, "0")
			if len(segA) != len(segB) {
				if len(segA) > len(segB) {
					return 1
				}
				return -1
			}
		}

		if rc := strings.Compare(segA, segB); rc != 0 {
			return rc
		}
	}

	if i >= len(a) && j >= len(b) {
		return 0
	}

	// a trailing alphabetic segment never beats an empty remainder
	if (i >= len(a) && !(j < len(b) && isAlpha(b[j]))) || (i < len(a) && isAlpha(a[i])) {
		return -1
	}
	return 1
}

// RecoverFromTag attempts to reverse tag sanitization. Best effort: the
// projection is not injective, so a tag whose epoch reading and plain reading
// are both valid resolves to the epoch one.
func RecoverFromTag(tag string) (Version, bool) {
	// ':' only ever appears between epoch and pkgver, so the first '-'
	// of an epoch-carrying tag came from sanitizing a ':'
	if idx := strings.IndexByte(tag, '-'); idx > 0 && strings.ContainsRune(tag[idx+1:], '-') {
		if _, err := strconv.Atoi(tag[:idx]); err == nil {
			if v, err := Parse(tag[:idx] + ":" + tag[idx+1:]); err == nil {
				return v, true
			}
		}
	}
	if v, err := Parse(tag); err == nil {
		return v, true
	}
	return Version{}, false
}
