// Package toolgroup defines the closed set of hierarchical capability groups
// and the mapping from concrete tool names to those groups.
//
// Groups use a colon hierarchy: "group:fs:write" is a descendant of "group:fs".
// A rule written against an ancestor applies to every descendant.
package toolgroup

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Group is a hierarchical capability tag.
type Group string

// Prefix is the common prefix of every group except All.
const Prefix = "group:"

// The closed set of groups.
const (
	// All matches every tool, including tools with no group.
	All Group = "*"

	FS       Group = "group:fs"
	FSRead   Group = "group:fs:read"
	FSWrite  Group = "group:fs:write"
	FSDelete Group = "group:fs:delete"

	Runtime        Group = "group:runtime"
	RuntimeShell   Group = "group:runtime:shell"
	RuntimeProcess Group = "group:runtime:process"
	RuntimeCode    Group = "group:runtime:code"

	Web        Group = "group:web"
	WebFetch   Group = "group:web:fetch"
	WebSearch  Group = "group:web:search"
	WebBrowser Group = "group:web:browser"

	Sessions   Group = "group:sessions"
	Memory     Group = "group:memory"
	Messaging  Group = "group:messaging"
	Automation Group = "group:automation"
	Agents     Group = "group:agents"
	VCS        Group = "group:vcs"
	MCP        Group = "group:mcp"
	Plugins    Group = "group:plugins"
)

// ErrUnknownGroup is returned when a group outside the closed set is referenced.
var ErrUnknownGroup = errors.New("unknown tool group")

var known = map[Group]bool{
	All: true,
	FS: true, FSRead: true, FSWrite: true, FSDelete: true,
	Runtime: true, RuntimeShell: true, RuntimeProcess: true, RuntimeCode: true,
	Web: true, WebFetch: true, WebSearch: true, WebBrowser: true,
	Sessions: true, Memory: true, Messaging: true, Automation: true,
	Agents: true, VCS: true, MCP: true, Plugins: true,
}

// Known reports whether g belongs to the closed set.
func Known(g Group) bool {
	return known[g]
}

// Groups returns the closed set in lexical order.
func Groups() []Group {
	out := make([]Group, 0, len(known))
	for g := range known {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Parse accepts "group:fs:write", "fs:write" or "*".
func Parse(s string) (Group, error) {
	s = strings.TrimSpace(s)
	g := Group(s)
	if s != string(All) && !strings.HasPrefix(s, Prefix) {
		g = Group(Prefix + s)
	}
	if !Known(g) {
		return "", fmt.Errorf("%w: %q", ErrUnknownGroup, s)
	}
	return g, nil
}

// IsDescendant reports whether child equals parent or sits below it.
func IsDescendant(child, parent Group) bool {
	if parent == All {
		return true
	}
	return child == parent || strings.HasPrefix(string(child), string(parent)+":")
}

// Parent returns the direct ancestor of g, or "" for a top-level group.
func (g Group) Parent() Group {
	s := strings.TrimPrefix(string(g), Prefix)
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return ""
	}
	return Group(Prefix + s[:i])
}

func (g Group) String() string { return string(g) }

type prefixRule struct {
	prefix string
	group  Group
}

// Taxonomy maps tool names to groups. Names are matched case-insensitively.
type Taxonomy struct {
	mu       sync.RWMutex
	tools    map[string][]Group
	prefixes []prefixRule
}

// New returns a taxonomy seeded with the built-in tool and prefix mappings.
func New() *Taxonomy {
	t := &Taxonomy{tools: make(map[string][]Group, len(builtinTools))}
	for name, groups := range builtinTools {
		t.tools[name] = append([]Group(nil), groups...)
	}
	t.prefixes = append(t.prefixes, builtinPrefixes...)
	return t
}

// Register adds groups to a tool name. Every group must be known.
func (t *Taxonomy) Register(tool string, groups ...Group) error {
	for _, g := range groups {
		if !Known(g) || g == All {
			return fmt.Errorf("register %q: %w: %q", tool, ErrUnknownGroup, g)
		}
	}
	key := strings.ToLower(strings.TrimSpace(tool))
	if key == "" {
		return fmt.Errorf("register: empty tool name")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools[key] = dedupe(append(t.tools[key], groups...))
	return nil
}

// RegisterPrefix tags every tool whose name starts with prefix with group.
func (t *Taxonomy) RegisterPrefix(prefix string, group Group) error {
	if !Known(group) || group == All {
		return fmt.Errorf("register prefix %q: %w: %q", prefix, ErrUnknownGroup, group)
	}
	if prefix == "" {
		return fmt.Errorf("register prefix: empty prefix")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.prefixes = append(t.prefixes, prefixRule{prefix: strings.ToLower(prefix), group: group})
	// Longest prefix first so "mcp__" is tried before "mcp".
	sort.SliceStable(t.prefixes, func(i, j int) bool {
		return len(t.prefixes[i].prefix) > len(t.prefixes[j].prefix)
	})
	return nil
}

// GroupsOf returns the groups a tool belongs to, sorted. Unknown tools
// yield an empty set.
func (t *Taxonomy) GroupsOf(tool string) []Group {
	name := strings.ToLower(strings.TrimSpace(tool))
	if name == "" {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Group
	out = append(out, t.tools[name]...)

	for _, p := range t.prefixes {
		if !strings.HasPrefix(name, p.prefix) {
			continue
		}
		out = append(out, p.group)
		base := name[len(p.prefix):]
		out = append(out, t.tools[base]...)
		if i := lastSeparator(base); i >= 0 {
			out = append(out, t.tools[base[i:]]...)
		}
		break
	}
	return dedupe(out)
}

// lastSeparator returns the index just past the last "__" or ":" in s, or -1.
func lastSeparator(s string) int {
	i := strings.LastIndex(s, "__")
	if i >= 0 {
		i += 2
	}
	if j := strings.LastIndexByte(s, ':'); j >= 0 && j+1 > i {
		i = j + 1
	}
	if i >= len(s) {
		return -1
	}
	return i
}

func dedupe(groups []Group) []Group {
	if len(groups) == 0 {
		return nil
	}
	seen := make(map[Group]bool, len(groups))
	out := groups[:0:0]
	for _, g := range groups {
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
