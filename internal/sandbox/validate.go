package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// dangerousPattern is a command shape rejected before anything is spawned.
type dangerousPattern struct {
	name  string
	re    *regexp.Regexp
	match func(string) bool
}

func (p dangerousPattern) matches(command string) bool {
	if p.match != nil {
		return p.match(command)
	}
	return p.re.MatchString(command)
}

var dangerousPatterns = []dangerousPattern{
	{name: "recursive delete of root or home", re: regexp.MustCompile(`\brm\s+(?:-\S*\s+)*(?:/|/\*|~/?\*?|\$\{?HOME\}?/?\*?)(?:[\s;&|)]|$)`)},
	{name: "raw write to a block device", re: regexp.MustCompile(`\bdd\b[^|;&]*\bof=/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk)`)},
	{name: "redirect to a block device", re: regexp.MustCompile(`>\s*/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk)`)},
	{name: "filesystem format", re: regexp.MustCompile(`\bmkfs(?:\.\w+)?\b`)},
	{name: "fork bomb", match: isForkBomb},
	{name: "recursive world-writable chmod of root", re: regexp.MustCompile(`\bchmod\s+(?:-\S*R\S*\s+0?777|0?777\s+-\S*R\S*)\s+/(?:[\s;&|*]|$)`)},
	{name: "download piped to a shell", re: regexp.MustCompile(`\b(?:curl|wget)\b[^|]*\|\s*(?:sudo\s+)?(?:ba|z|da|k)?sh\b`)},
	{name: "eval of command substitution", re: regexp.MustCompile("\\beval\\s+[\"']?(?:\\$\\(|`)")},
}

// functionDef matches a shell function definition, "name() { body }" or
// "function name { body }", capturing the name and the body.
var functionDef = regexp.MustCompile(`(?:\bfunction\s+([A-Za-z_:][\w:.-]*)\s*(?:\(\s*\))?|([A-Za-z_:][\w:.-]*)\s*\(\s*\))\s*\{([^}]*)\}`)

// isForkBomb reports whether command defines a function whose body pipes
// the function into itself in the background.
func isForkBomb(command string) bool {
	for _, m := range functionDef.FindAllStringSubmatch(command, -1) {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		q := regexp.QuoteMeta(name)
		self := regexp.MustCompile(`(?:^|[^\w:.-])` + q + `\s*\|\s*` + q + `\s*&`)
		if self.MatchString(m[3]) {
			return true
		}
	}
	return false
}

// ValidationError explains why a command was rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "command rejected: " + e.Reason
}

// Validate checks command against the dangerous-pattern list and the
// blocked paths. Blocked paths match as substrings, in both their written
// and home-expanded forms.
func Validate(command string, blockedPaths []string) error {
	for _, p := range dangerousPatterns {
		if p.matches(command) {
			return &ValidationError{Reason: p.name}
		}
	}
	for _, blocked := range blockedPaths {
		blocked = strings.TrimSpace(blocked)
		if blocked == "" {
			continue
		}
		if strings.Contains(command, blocked) {
			return &ValidationError{Reason: fmt.Sprintf("references blocked path %s", blocked)}
		}
		if expanded := expandHome(blocked); expanded != blocked && strings.Contains(command, expanded) {
			return &ValidationError{Reason: fmt.Sprintf("references blocked path %s", blocked)}
		}
		if rest, ok := strings.CutPrefix(blocked, "~/"); ok {
			for _, alias := range []string{"$HOME/" + rest, "${HOME}/" + rest} {
				if strings.Contains(command, alias) {
					return &ValidationError{Reason: fmt.Sprintf("references blocked path %s", blocked)}
				}
			}
		}
	}
	return nil
}
