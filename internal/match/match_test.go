package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlob(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{"double star spans directories", "fs/**", "fs/a/b.txt", true},
		{"double star on windows separators", `fs\**`, `fs\a\b.txt`, true},
		{"mixed separators", "fs/**", `fs\a/b.txt`, true},
		{"single star stays in segment", "fs/*", "fs/a/b.txt", false},
		{"single star within segment", "fs/*.txt", "fs/b.txt", true},
		{"question mark", "fs/?.txt", "fs/b.txt", true},
		{"question mark needs one char", "fs/?.txt", "fs/.txt", false},
		{"case sensitive", "FS/**", "fs/a", false},
		{"any depth dotenv", "**/.env", "/home/me/project/.env", true},
		{"absolute prefix", "/work/**", "/work/src/main.go", true},
		{"outside prefix", "/work/**", "/etc/passwd", false},
		{"empty pattern", "", "anything", false},
		{"malformed pattern", "fs/[", "fs/[", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Glob(tt.pattern, tt.path))
		})
	}
}

func TestFirstGlob(t *testing.T) {
	p, ok := FirstGlob([]string{"**/*.key", "**/.env"}, "/srv/app/.env")
	assert.True(t, ok)
	assert.Equal(t, "**/.env", p)

	_, ok = FirstGlob(nil, "/srv/app/.env")
	assert.False(t, ok)
}

func TestWildcard(t *testing.T) {
	tests := []struct {
		pattern string
		s       string
		want    bool
	}{
		{"git *", "git status", true},
		{"git *", "git", false},
		{"git *", "gitk --all", false},
		{"rm -rf /*", "rm -rf /usr", true},
		{"*.example.com", "api.example.com", true},
		{"*.example.com", "example.com", false},
		{"npm ?est", "npm test", true},
		{"*", "anything at all", true},
		{"echo (a+b)", "echo (a+b)", true},
		{"echo (a+b)", "echo aab", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.s, func(t *testing.T) {
			assert.Equal(t, tt.want, Wildcard(tt.pattern, tt.s))
		})
	}
}

func TestWildcardToRegexp(t *testing.T) {
	assert.Equal(t, `(?s)^git .*$`, WildcardToRegexp("git *"))
	assert.Equal(t, `(?s)^a.*b$`, WildcardToRegexp("a**b"))
	assert.Equal(t, `(?s)^a\.b.$`, WildcardToRegexp("a.b?"))
}

func TestRegex(t *testing.T) {
	assert.True(t, Regex(`secret`, "MY_SECRET_TOKEN"))
	assert.True(t, Regex(`^DROP\s+TABLE`, "drop   table users"))
	assert.False(t, Regex(`^drop`, "select 1"))

	// Invalid expressions never match and never panic.
	assert.False(t, Regex(`([a-z`, "abc"))
	assert.False(t, ValidRegex(`([a-z`))
	assert.True(t, ValidRegex(`[a-z]+`))
}
