package event

import "time"

// PolicyDecisionData is the data for policy.decision and policy.denied events.
type PolicyDecisionData struct {
	Tool     string   `json:"tool"`
	Groups   []string `json:"groups,omitempty"`
	Action   string   `json:"action"`
	Source   string   `json:"source"`
	Reason   string   `json:"reason"`
	Rule     string   `json:"rule,omitempty"`
	AgentID  string   `json:"agentId,omitempty"`
	Provider string   `json:"provider,omitempty"`
}

// ProfileChangedData is the data for policy.profile_changed events.
type ProfileChangedData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RuleChangedData is the data for policy.rule_added and policy.rule_removed events.
type RuleChangedData struct {
	Scope    string `json:"scope"`
	Key      string `json:"key,omitempty"`
	Group    string `json:"group"`
	Action   string `json:"action,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Count    int    `json:"count,omitempty"`
}

// ConfigData is the data for config.saved and config.reloaded events.
type ConfigData struct {
	// Document is "permissions" or "policy".
	Document string `json:"document"`
	Path     string `json:"path,omitempty"`
	Error    string `json:"error,omitempty"`
}

// PermissionDeniedData is the data for permission.denied events.
type PermissionDeniedData struct {
	// Check is one of read, write, delete, command, tool, network, size.
	Check   string `json:"check"`
	Subject string `json:"subject"`
	Reason  string `json:"reason"`
}

// SandboxProbedData is the data for sandbox.probed events.
type SandboxProbedData struct {
	Available map[string]bool `json:"available"`
	Best      string          `json:"best"`
}

// SandboxSessionData is the data for sandbox.session_created and sandbox.session_closed events.
type SandboxSessionData struct {
	SessionID     string `json:"sessionId"`
	WorkspaceRoot string `json:"workspaceRoot"`
	Cwd           string `json:"cwd"`
	Commands      int    `json:"commands,omitempty"`
}

// SandboxExecStartedData is the data for sandbox.exec_started events.
type SandboxExecStartedData struct {
	ExecID    string `json:"execId"`
	SessionID string `json:"sessionId,omitempty"`
	Command   string `json:"command"`
	Method    string `json:"method"`
}

// SandboxExecCompletedData is the data for sandbox.exec_completed events.
type SandboxExecCompletedData struct {
	ExecID    string        `json:"execId"`
	SessionID string        `json:"sessionId,omitempty"`
	Command   string        `json:"command"`
	Method    string        `json:"method"`
	Sandboxed bool          `json:"sandboxed"`
	ExitCode  int           `json:"exitCode"`
	TimedOut  bool          `json:"timedOut"`
	Killed    bool          `json:"killed"`
	Rejected  bool          `json:"rejected"`
	DryRun    bool          `json:"dryRun,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}
