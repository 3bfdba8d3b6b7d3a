package policy

import (
	"time"

	"github.com/phuetz/code-buddy-sub007/internal/toolgroup"
)

// Action is the outcome of a policy rule.
type Action string

const (
	ActionAllow   Action = "allow"
	ActionDeny    Action = "deny"
	ActionConfirm Action = "confirm"
)

// Valid reports whether a is one of allow, deny or confirm.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionConfirm:
		return true
	}
	return false
}

// Source identifies the precedence level that produced a decision.
type Source string

const (
	SourceSession  Source = "session"
	SourceGlobal   Source = "global"
	SourceProvider Source = "provider"
	SourceAgent    Source = "agent"
	SourceProfile  Source = "profile"
	SourceDefault  Source = "default"
)

// ConditionType selects how a condition inspects the invocation.
type ConditionType string

const (
	ConditionPath    ConditionType = "path"
	ConditionCommand ConditionType = "command"
	ConditionPattern ConditionType = "pattern"
	ConditionTime    ConditionType = "time"
	ConditionCustom  ConditionType = "custom"
)

// Time buckets accepted by a time condition.
const (
	TimeBusinessHours = "business_hours"
	TimeWeekend       = "weekend"
	TimeNight         = "night"
)

// Condition narrows a rule to invocations whose arguments (or the clock) match.
type Condition struct {
	Type   ConditionType `json:"type"`
	Value  string        `json:"value"`
	Negate bool          `json:"negate,omitempty"`
}

// Rule maps a tool group to an action. Group may also be a literal tool name.
type Rule struct {
	Group      toolgroup.Group `json:"group"`
	Action     Action          `json:"action"`
	Conditions []Condition     `json:"conditions,omitempty"`
	Priority   int             `json:"priority,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// Profile is a named, ordered rule list. Extends names a single parent.
type Profile struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Extends     string `json:"extends,omitempty"`
	Rules       []Rule `json:"rules"`
}

// Context carries the per-call inputs to Resolve. It is never persisted.
type Context struct {
	AgentID          string
	Provider         string
	Args             map[string]any
	SessionOverrides map[string]Action
	GlobalOverrides  map[string]Action
	// Now overrides the resolver clock for time conditions.
	Now time.Time
}

// Decision is the result of one Resolve call.
type Decision struct {
	Tool        string            `json:"tool"`
	Groups      []toolgroup.Group `json:"groups,omitempty"`
	Action      Action            `json:"action"`
	Reason      string            `json:"reason"`
	Source      Source            `json:"source"`
	MatchedRule *Rule             `json:"matchedRule,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Allowed reports whether the action is allow.
func (d Decision) Allowed() bool { return d.Action == ActionAllow }

// Denied reports whether the action is deny.
func (d Decision) Denied() bool { return d.Action == ActionDeny }

// NeedsConfirmation reports whether the action is confirm.
func (d Decision) NeedsConfirmation() bool { return d.Action == ActionConfirm }

// Scope selects a rule list for the mutation API.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeAgent    Scope = "agent"
	ScopeProvider Scope = "provider"
	ScopeProfile  Scope = "profile"
)
