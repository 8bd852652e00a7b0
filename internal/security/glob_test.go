package security

import "testing"

func TestCompileGlob(t *testing.T) {
	cases := []struct {
		pattern string
		input   string
		match   bool
	}{
		{"*.log", "/ws/app/debug.log", true},
		{"*.log", "/ws/app/debug.logs", true}, // unanchored: substring semantics
		{"*.log", "/ws/app/debug.txt", false},
		{"node_modules", "/ws/node_modules/x", true},
		{"cache?", "/ws/cache1/y", true},
		{"cache?", "/ws/cache/y", true}, // '?' matches any single character, separators included
		{"a.b", "/ws/a.b", true},
		{"a.b", "/ws/aXb", false}, // '.' is literal, not a regex wildcard
	}
	for _, tc := range cases {
		re, err := CompileGlob(tc.pattern)
		if err != nil {
			t.Fatalf("pattern %q: %v", tc.pattern, err)
		}
		if got := re.MatchString(tc.input); got != tc.match {
			t.Errorf("pattern %q vs %q: match = %v, want %v", tc.pattern, tc.input, got, tc.match)
		}
	}
}

func TestCompileGlobEmpty(t *testing.T) {
	if _, err := CompileGlob(""); err == nil {
		t.Error("expected error for empty pattern")
	}
}

func TestMatchAnyEmptyList(t *testing.T) {
	if MatchAny(nil, "/anything") {
		t.Error("empty pattern list must match nothing")
	}
}
