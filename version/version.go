// Package version implements the lenient version-string comparator used by
// appVersion/platformVersion segmentation filters. Unlike strict semver, it
// extracts the first run of dot-separated digits from a string and compares
// numerically, tolerating arbitrary prefixes/suffixes and differing part
// counts.
package version

import (
	"regexp"
	"strconv"
	"strings"
)

var versionRunRE = regexp.MustCompile(`(\d+\.)*\d+`)

// extract returns the numeric parts of the first run of the form
// "\d+(\.\d+)*" in s, along with the byte range it matched. ok is false if s
// contains no such run.
func extract(s string) (parts []uint64, start, end int, ok bool) {
	loc := versionRunRE.FindStringIndex(s)
	if loc == nil {
		return nil, 0, 0, false
	}
	match := s[loc[0]:loc[1]]
	for _, p := range strings.Split(match, ".") {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			continue
		}
		parts = append(parts, n)
	}
	return parts, loc[0], loc[1], true
}

// Compare returns -1, 0, or 1 according to whether v1 is less than, equal
// to, or greater than v2, comparing the numeric dot-separated parts
// component by component. Missing trailing components are treated as zero.
// ok is false if either string contains no extractable version run.
func Compare(v1, v2 string) (cmp int, ok bool) {
	p1, _, _, ok1 := extract(v1)
	p2, _, _, ok2 := extract(v2)
	if !ok1 || !ok2 {
		return 0, false
	}

	minLen := len(p1)
	if len(p2) < minLen {
		minLen = len(p2)
	}
	for i := 0; i < minLen; i++ {
		if p1[i] > p2[i] {
			return 1, true
		}
		if p1[i] < p2[i] {
			return -1, true
		}
	}

	if len(p1) > len(p2) {
		for _, p := range p1[minLen:] {
			if p > 0 {
				return 1, true
			}
		}
	} else if len(p2) > len(p1) {
		for _, p := range p2[minLen:] {
			if p > 0 {
				return -1, true
			}
		}
	}
	return 0, true
}

// CompareEqual reports whether v1 and v2 denote the same version: the same
// number of numeric parts, identical parts, and identical non-numeric
// prefix/suffix text (suffix comparison ignores leading dots).
func CompareEqual(v1, v2 string) bool {
	p1, s1, e1, ok1 := extract(v1)
	p2, s2, e2, ok2 := extract(v2)
	if !ok1 || !ok2 {
		return false
	}
	if len(p1) != len(p2) {
		return false
	}
	for i := range p1 {
		if p1[i] != p2[i] {
			return false
		}
	}

	v1HasPrefix := s1 > 0
	v2HasPrefix := s2 > 0
	v1Suffix := strings.TrimLeft(v1[e1:], ".")
	v2Suffix := strings.TrimLeft(v2[e2:], ".")
	v1HasSuffix := v1Suffix != ""
	v2HasSuffix := v2Suffix != ""

	if v1HasPrefix != v2HasPrefix || v1HasSuffix != v2HasSuffix {
		return false
	}
	if v1HasSuffix && v1Suffix != v2Suffix {
		return false
	}
	if v1HasPrefix && v1[:s1] != v2[:s2] {
		return false
	}
	return true
}
