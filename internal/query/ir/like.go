package ir

import (
	"fmt"
	"regexp"
	"strings"
)

// LikeMatcher matches strings against a SQL-style LIKE pattern: '%' matches
// any run of characters, '_' matches exactly one, and '\' escapes the next
// character (including another '\', '%', or '_').
type LikeMatcher struct {
	re *regexp.Regexp
}

// CompileLike compiles a LIKE pattern into a matcher.
func CompileLike(pattern string) (*LikeMatcher, error) {
	var sb strings.Builder
	sb.WriteString("^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '\\':
			i++
			if i >= len(runes) {
				return nil, fmt.Errorf("ir: dangling escape in LIKE pattern %q", pattern)
			}
			sb.WriteString(regexp.QuoteMeta(string(runes[i])))
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile("(?s)" + sb.String())
	if err != nil {
		return nil, fmt.Errorf("ir: compile LIKE pattern %q: %w", pattern, err)
	}
	return &LikeMatcher{re: re}, nil
}

// Match reports whether s satisfies the pattern.
func (m *LikeMatcher) Match(s string) bool {
	return m.re.MatchString(s)
}
