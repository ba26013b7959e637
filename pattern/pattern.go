// Package pattern filters release asset names with ordered glob patterns.
// A leading ! marks a pattern as an exclusion. A name matches when at least
// one include pattern matches it and no exclusion does; a list holding only
// exclusions selects every name that none of them matches.
package pattern

import (
	"path"
	"strings"
)

// Matches reports whether filename is selected by patterns. Only the base
// name is considered; matching is case-sensitive. An empty pattern list
// selects every name. Malformed patterns never match.
func Matches(filename string, patterns []string) bool {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if len(patterns) == 0 {
		return true
	}

	includes := false
	included := false
	for _, p := range patterns {
		if excluded, ok := strings.CutPrefix(p, "!"); ok {
			if matched, err := path.Match(excluded, name); err == nil && matched {
				return false
			}
			continue
		}
		includes = true
		if matched, err := path.Match(p, name); err == nil && matched {
			included = true
		}
	}
	// A list of exclusions only acts as "everything except".
	if !includes {
		return true
	}
	return included
}

// Filter returns the subset of names selected by patterns, preserving order.
func Filter(names []string, patterns []string) []string {
	var out []string
	for _, n := range names {
		if Matches(n, patterns) {
			out = append(out, n)
		}
	}
	return out
}
