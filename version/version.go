// Package version orders release tags. Tags that parse as semantic versions
// are compared per semver precedence; anything else degrades to a tokenized
// comparison so that ordering never fails outright.
package version

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Result is the outcome of comparing two version strings.
type Result int

const (
	Less    Result = -1
	Equal   Result = 0
	Greater Result = 1
)

// Compare returns the ordering of a relative to b. Both operands are parsed
// as semantic versions (optional leading v/V, missing minor/patch treated as
// zero, build metadata ignored). If either fails to parse, both are compared
// token-by-token instead.
func Compare(a, b string) Result {
	va, errA := semver.NewVersion(strings.TrimSpace(a))
	vb, errB := semver.NewVersion(strings.TrimSpace(b))
	if errA == nil && errB == nil {
		switch c := va.Compare(vb); {
		case c < 0:
			return Less
		case c > 0:
			return Greater
		default:
			return Equal
		}
	}
	return compareTokens(a, b)
}

// IsNewer reports whether candidate sorts strictly after baseline.
func IsNewer(candidate, baseline string) bool {
	return Compare(candidate, baseline) == Greater
}

var tokenSplit = regexp.MustCompile(`[.\-_]`)

func compareTokens(a, b string) Result {
	ta := tokenSplit.Split(normalize(a), -1)
	tb := tokenSplit.Split(normalize(b), -1)

	n := max(len(ta), len(tb))
	for i := range n {
		ka, kb := "0", "0"
		if i < len(ta) {
			ka = ta[i]
		}
		if i < len(tb) {
			kb = tb[i]
		}

		na, okA := parseInt(ka)
		nb, okB := parseInt(kb)
		switch {
		case okA && okB:
			if na != nb {
				if na < nb {
					return Less
				}
				return Greater
			}
		default:
			if ka != kb {
				if ka < kb {
					return Less
				}
				return Greater
			}
		}
	}
	return Equal
}

// normalize strips the optional v prefix and build metadata so the token
// comparison sees only the ordering-relevant part of the tag.
func normalize(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 1 && (v[0] == 'v' || v[0] == 'V') {
		v = v[1:]
	}
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i]
	}
	return v
}

func parseInt(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

// prereleaseToken matches prerelease markers bounded by non-alphanumeric
// characters, so "1.2.3-rc.1" matches but "precise" does not.
var prereleaseToken = regexp.MustCompile(`(?i)(^|[^a-z0-9])(alpha|beta|rc|pre|dev|snapshot|nightly)([^a-z0-9]|$)`)

// IsPrerelease reports whether v looks like a prerelease: either its parsed
// form carries a prerelease part, or the raw tag contains a known prerelease
// marker. Build metadata after + is never inspected.
func IsPrerelease(v string) bool {
	if sv, err := semver.NewVersion(strings.TrimSpace(v)); err == nil {
		if sv.Prerelease() != "" {
			return true
		}
	}
	return prereleaseToken.MatchString(normalize(v))
}
