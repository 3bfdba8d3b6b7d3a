package policy

import (
	"errors"
	"fmt"
	"sort"

	tg "github.com/phuetz/code-buddy-sub007/internal/toolgroup"
)

// Built-in profile names.
const (
	ProfileMinimal   = "minimal"
	ProfileCoding    = "coding"
	ProfileMessaging = "messaging"
	ProfileFull      = "full"
)

// ErrUnknownProfile is returned when a profile name is not defined.
var ErrUnknownProfile = errors.New("unknown policy profile")

// ErrProfileCycle is returned when extends chains loop.
var ErrProfileCycle = errors.New("profile inheritance cycle")

var builtinProfiles = map[string]Profile{
	ProfileMinimal: {
		Name:        ProfileMinimal,
		Description: "Read-only filesystem access and session status",
		Rules: []Rule{
			{Group: tg.FSRead, Action: ActionAllow, Reason: "reading files is allowed"},
			{Group: tg.Sessions, Action: ActionAllow, Reason: "session tools are allowed"},
			{Group: tg.FSWrite, Action: ActionDeny, Reason: "writing files is disabled in the minimal profile"},
			{Group: tg.FSDelete, Action: ActionDeny, Reason: "deleting files is disabled in the minimal profile"},
			{Group: tg.Runtime, Action: ActionDeny, Reason: "command execution is disabled in the minimal profile"},
			{Group: tg.Web, Action: ActionDeny, Reason: "web access is disabled in the minimal profile"},
			{Group: tg.Messaging, Action: ActionDeny, Reason: "messaging is disabled in the minimal profile"},
			{Group: tg.Automation, Action: ActionDeny, Reason: "automation is disabled in the minimal profile"},
		},
	},
	ProfileCoding: {
		Name:        ProfileCoding,
		Description: "Filesystem, shell, search and version control for software work",
		Extends:     ProfileMinimal,
		Rules: []Rule{
			{Group: tg.FSDelete, Action: ActionConfirm, Reason: "deleting files requires confirmation"},
			{Group: tg.FS, Action: ActionAllow, Reason: "filesystem access is allowed for coding"},
			{Group: tg.RuntimeShell, Action: ActionAllow, Reason: "shell commands are allowed for coding"},
			{Group: tg.RuntimeCode, Action: ActionConfirm, Reason: "running code requires confirmation"},
			{Group: tg.WebSearch, Action: ActionAllow, Reason: "web search is allowed for coding"},
			{Group: tg.WebFetch, Action: ActionConfirm, Reason: "fetching web pages requires confirmation"},
			{Group: tg.Memory, Action: ActionAllow, Reason: "memory tools are allowed for coding"},
			{Group: tg.VCS, Action: ActionAllow, Reason: "version control is allowed for coding"},
			{Group: tg.Agents, Action: ActionConfirm, Reason: "delegating to sub-agents requires confirmation"},
		},
	},
	ProfileMessaging: {
		Name:        ProfileMessaging,
		Description: "Messaging and session tools",
		Extends:     ProfileMinimal,
		Rules: []Rule{
			{Group: tg.Messaging, Action: ActionAllow, Reason: "messaging is allowed"},
			{Group: tg.Sessions, Action: ActionAllow, Reason: "session tools are allowed"},
		},
	},
	ProfileFull: {
		Name:        ProfileFull,
		Description: "Every tool is allowed",
		Rules: []Rule{
			{Group: tg.All, Action: ActionAllow, Reason: "the full profile allows every tool"},
		},
	},
}

// IsBuiltinProfile reports whether name is one of the built-in profiles.
func IsBuiltinProfile(name string) bool {
	_, ok := builtinProfiles[name]
	return ok
}

// BuiltinProfiles returns copies of the built-in profiles.
func BuiltinProfiles() map[string]Profile {
	out := make(map[string]Profile, len(builtinProfiles))
	for name, p := range builtinProfiles {
		out[name] = cloneProfile(p)
	}
	return out
}

// lookupProfile finds name among custom then built-in profiles. Custom
// profiles may not shadow built-in ones.
func lookupProfile(name string, custom map[string]Profile) (Profile, bool) {
	if p, ok := builtinProfiles[name]; ok {
		return p, true
	}
	p, ok := custom[name]
	if ok && p.Name == "" {
		p.Name = name
	}
	return p, ok
}

// Flatten returns the effective rule list of a profile: its own rules
// followed by those of each ancestor, child first.
func Flatten(name string, custom map[string]Profile) ([]Rule, error) {
	var rules []Rule
	seen := make(map[string]bool)
	for cur := name; cur != ""; {
		if seen[cur] {
			return nil, fmt.Errorf("%w: %s", ErrProfileCycle, cur)
		}
		seen[cur] = true

		p, ok := lookupProfile(cur, custom)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, cur)
		}
		rules = append(rules, p.Rules...)
		cur = p.Extends
	}
	return rules, nil
}

// ProfileInfo summarizes a profile for listing.
type ProfileInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Extends     string `json:"extends,omitempty"`
	Builtin     bool   `json:"builtin"`
	Active      bool   `json:"active"`
	Rules       int    `json:"rules"`
}

func profileInfos(active string, custom map[string]Profile) []ProfileInfo {
	names := make([]string, 0, len(builtinProfiles)+len(custom))
	for name := range builtinProfiles {
		names = append(names, name)
	}
	for name := range custom {
		if !IsBuiltinProfile(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]ProfileInfo, 0, len(names))
	for _, name := range names {
		p, _ := lookupProfile(name, custom)
		rules, _ := Flatten(name, custom)
		out = append(out, ProfileInfo{
			Name:        name,
			Description: p.Description,
			Extends:     p.Extends,
			Builtin:     IsBuiltinProfile(name),
			Active:      name == active,
			Rules:       len(rules),
		})
	}
	return out
}

func cloneProfile(p Profile) Profile {
	p.Rules = cloneRules(p.Rules)
	return p
}

func cloneRules(rules []Rule) []Rule {
	if rules == nil {
		return nil
	}
	out := make([]Rule, len(rules))
	for i, r := range rules {
		r.Conditions = append([]Condition(nil), r.Conditions...)
		out[i] = r
	}
	return out
}
