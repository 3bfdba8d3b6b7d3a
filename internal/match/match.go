// Package match provides the glob and pattern primitives shared by the policy
// resolver and the permission manager.
//
// Two glob dialects exist:
//
//   - Path globs ([Glob]) are separator aware: "*" and "?" never cross a "/",
//     "**" spans directories. Both the pattern and the path are normalized to
//     forward slashes first, so "fs/**" behaves the same on every platform.
//   - Wildcards ([Wildcard]) are used for command strings and host names, where
//     "/" carries no meaning: "*" and "**" match any run of characters.
//
// Nothing here returns an error for a bad pattern. A pattern that does not
// compile simply never matches.
package match

import (
	"regexp"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// compiled caches translated patterns. A nil entry marks a pattern that failed to compile.
var compiled sync.Map // string -> *regexp.Regexp

// NormalizePath converts every backslash to a forward slash.
func NormalizePath(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// Glob reports whether name matches the path glob pattern. Matching is case-sensitive.
func Glob(pattern, name string) bool {
	if pattern == "" {
		return false
	}
	ok, err := doublestar.Match(NormalizePath(pattern), NormalizePath(name))
	return err == nil && ok
}

// FirstGlob returns the first pattern matching name.
func FirstGlob(patterns []string, name string) (string, bool) {
	for _, p := range patterns {
		if Glob(p, name) {
			return p, true
		}
	}
	return "", false
}

// WildcardToRegexp translates a wildcard into an anchored regular expression
// source. "*" (and "**") match any run of characters, "?" matches one character,
// everything else is literal.
func WildcardToRegexp(pattern string) string {
	var sb strings.Builder
	sb.WriteString(`(?s)^`)
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			for i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
			}
			sb.WriteString(`.*`)
		case '?':
			sb.WriteString(`.`)
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString(`$`)
	return sb.String()
}

// Wildcard reports whether s matches the wildcard pattern.
func Wildcard(pattern, s string) bool {
	if pattern == "" {
		return false
	}
	re := cached("w:"+pattern, func() string { return WildcardToRegexp(pattern) })
	return re != nil && re.MatchString(s)
}

// FirstWildcard returns the first wildcard pattern matching s.
func FirstWildcard(patterns []string, s string) (string, bool) {
	for _, p := range patterns {
		if Wildcard(p, s) {
			return p, true
		}
	}
	return "", false
}

// Regex reports whether s matches the regular expression, ignoring case.
// An invalid expression never matches.
func Regex(pattern, s string) bool {
	re := cached("r:"+pattern, func() string { return "(?i)" + pattern })
	return re != nil && re.MatchString(s)
}

// ValidRegex reports whether pattern compiles.
func ValidRegex(pattern string) bool {
	return cached("r:"+pattern, func() string { return "(?i)" + pattern }) != nil
}

func cached(key string, source func() string) *regexp.Regexp {
	if v, ok := compiled.Load(key); ok {
		return v.(*regexp.Regexp)
	}
	re, err := regexp.Compile(source())
	if err != nil {
		re = nil
	}
	compiled.Store(key, re)
	return re
}
