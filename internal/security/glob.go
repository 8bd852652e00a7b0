package security

import (
	"fmt"
	"regexp"
	"strings"
)

// CompileGlob converts a glob pattern to a compiled regex using the one
// canonical grammar for the whole program: '*' matches any run of characters
// (including separators), '?' matches a single character, every other regex
// metacharacter is taken literally. The result is unanchored, so a pattern
// matches anywhere in the candidate string.
func CompileGlob(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty glob pattern")
	}
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compile glob %q: %w", pattern, err)
	}
	return re, nil
}

// CompileGlobs compiles a list of glob patterns, failing on the first bad one.
func CompileGlobs(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := CompileGlob(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// MatchAny reports whether any compiled pattern matches s. An empty pattern
// list matches nothing.
func MatchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
