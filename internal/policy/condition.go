package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/phuetz/code-buddy-sub007/internal/match"
)

// Argument keys inspected by path and command conditions, in lookup order.
var (
	pathKeys    = []string{"path", "file", "target", "filePath", "file_path"}
	commandKeys = []string{"command", "cmd"}
)

// Evaluate reports whether c holds for args at now. The negate flag is applied.
// Conditions that cannot be evaluated (missing argument, bad glob or regex,
// unknown type) are false before negation.
func (c Condition) Evaluate(args map[string]any, now time.Time) bool {
	return c.holds(args, now) != c.Negate
}

func (c Condition) holds(args map[string]any, now time.Time) bool {
	switch c.Type {
	case ConditionPath:
		p, ok := firstString(args, pathKeys)
		return ok && match.Glob(c.Value, p)
	case ConditionCommand:
		cmd, ok := firstString(args, commandKeys)
		return ok && c.Value != "" && strings.Contains(cmd, c.Value)
	case ConditionPattern:
		for _, v := range args {
			if s, ok := v.(string); ok && match.Regex(c.Value, s) {
				return true
			}
		}
		return false
	case ConditionTime:
		return InTimeBucket(c.Value, now)
	case ConditionCustom:
		return true
	}
	return false
}

// evaluateAll applies AND semantics over conds.
func evaluateAll(conds []Condition, args map[string]any, now time.Time) bool {
	for _, c := range conds {
		if !c.Evaluate(args, now) {
			return false
		}
	}
	return true
}

// InTimeBucket reports whether t falls in the named bucket: business_hours
// (Mon-Fri, 09:00 to 17:00), weekend (Sat, Sun) or night (before 06:00 or
// from 22:00). Hyphens and case are ignored. Unknown buckets are false.
func InTimeBucket(bucket string, t time.Time) bool {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(bucket)), "-", "_") {
	case TimeBusinessHours:
		wd := t.Weekday()
		h := t.Hour()
		return wd >= time.Monday && wd <= time.Friday && h >= 9 && h < 17
	case TimeWeekend:
		wd := t.Weekday()
		return wd == time.Saturday || wd == time.Sunday
	case TimeNight:
		h := t.Hour()
		return h < 6 || h >= 22
	}
	return false
}

// Validate checks a condition for problems that make it never match.
func (c Condition) Validate() error {
	switch c.Type {
	case ConditionPath, ConditionCommand, ConditionCustom:
		return nil
	case ConditionPattern:
		if !match.ValidRegex(c.Value) {
			return fmt.Errorf("invalid pattern %q", c.Value)
		}
		return nil
	case ConditionTime:
		switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(c.Value)), "-", "_") {
		case TimeBusinessHours, TimeWeekend, TimeNight:
			return nil
		}
		return fmt.Errorf("unknown time bucket %q", c.Value)
	}
	return fmt.Errorf("unknown condition type %q", c.Type)
}

func firstString(args map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		if s, ok := args[k].(string); ok {
			return s, true
		}
	}
	return "", false
}
