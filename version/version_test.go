package version

import "testing"

func TestCompare(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected Result
	}{
		{name: "patch bump is greater", a: "v1.2.4", b: "v1.2.3", expected: Greater},
		{name: "equal tags", a: "v1.2.3", b: "v1.2.3", expected: Equal},
		{name: "prefix is ignored", a: "V1.2.3", b: "1.2.3", expected: Equal},
		{name: "missing components are zero", a: "v1", b: "v1.0.0", expected: Equal},
		{name: "major beats minor", a: "2.0.0", b: "1.9.9", expected: Greater},
		{name: "release beats prerelease", a: "1.0.0", b: "1.0.0-rc.1", expected: Greater},
		{name: "numeric prerelease identifiers order numerically", a: "1.0.0-rc.10", b: "1.0.0-rc.2", expected: Greater},
		{name: "alpha before beta", a: "1.0.0-alpha", b: "1.0.0-beta", expected: Less},
		{name: "numeric identifier before alphanumeric", a: "1.0.0-1", b: "1.0.0-alpha", expected: Less},
		{name: "build metadata is ignored", a: "1.0.0+build.5", b: "1.0.0+build.9", expected: Equal},
		{name: "four component falls back to tokens", a: "1.2.3.4", b: "1.2.3.3", expected: Greater},
		{name: "four component against three", a: "1.2.3.1", b: "1.2.3", expected: Greater},
		{name: "underscore separated tokens", a: "release_2024_02", b: "release_2024_01", expected: Greater},
		{name: "non numeric tokens compare lexically", a: "apple", b: "banana", expected: Less},
		{name: "shorter sequence padded with zero", a: "1.2", b: "1.2.0.0", expected: Equal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if actual := Compare(tt.a, tt.b); actual != tt.expected {
				t.Errorf("Compare(%q, %q) = %d, expected %d", tt.a, tt.b, actual, tt.expected)
			}
		})
	}
}

func TestIsNewer(t *testing.T) {
	t.Run("strictly newer", func(t *testing.T) {
		if !IsNewer("v1.3.0", "v1.2.9") {
			t.Error("expected v1.3.0 to be newer than v1.2.9")
		}
	})
	t.Run("equal is not newer", func(t *testing.T) {
		if IsNewer("v1.2.3", "1.2.3") {
			t.Error("equal versions must not report newer")
		}
	})
	t.Run("antisymmetric", func(t *testing.T) {
		pairs := [][2]string{
			{"1.0.0", "2.0.0"},
			{"1.0.0-rc.1", "1.0.0"},
			{"0.9.0", "0.10.0"},
		}
		for _, p := range pairs {
			if IsNewer(p[0], p[1]) == IsNewer(p[1], p[0]) {
				t.Errorf("IsNewer must hold in exactly one direction for %q and %q", p[0], p[1])
			}
		}
	})
	t.Run("transitive", func(t *testing.T) {
		a, b, c := "1.0.0", "1.1.0", "2.0.0-rc.1"
		if !IsNewer(c, b) || !IsNewer(b, a) {
			t.Fatal("ordering precondition failed")
		}
		if !IsNewer(c, a) {
			t.Errorf("expected %q newer than %q by transitivity", c, a)
		}
	})
}

func TestIsPrerelease(t *testing.T) {
	tests := []struct {
		tag      string
		expected bool
	}{
		{tag: "v1.2.3", expected: false},
		{tag: "v1.2.3-rc.1", expected: true},
		{tag: "v3.21.0-beta.0", expected: true},
		{tag: "1.0.0-alpha.2", expected: true},
		{tag: "2024.05-SNAPSHOT", expected: true},
		{tag: "v2.0.0-dev", expected: true},
		{tag: "nightly-2024-05-01", expected: true},
		{tag: "v1.0.0-pre", expected: true},
		{tag: "precise-pangolin", expected: false},
		{tag: "v1.2.3+beta", expected: false},
		{tag: "predator-1.0", expected: false},
		{tag: "v1.0.0+rc", expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			if actual := IsPrerelease(tt.tag); actual != tt.expected {
				t.Errorf("IsPrerelease(%q) = %v, expected %v", tt.tag, actual, tt.expected)
			}
		})
	}
}
