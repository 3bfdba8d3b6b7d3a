// Package permission checks filesystem paths, shell commands, tool names and
// network hosts against a configuration document.
//
// A Manager answers each check with a Result: allowed, denied with a reason,
// or allowed pending confirmation. Denials are values. Callers that prefer
// error flow use Result.Err, which yields a *RejectedError.
//
//	m := permission.NewManager(permission.DefaultConfig())
//	res := m.CheckCommandPermission("git status && rm -rf build")
//	if !res.Allowed {
//		return res.Err()
//	}
//
// # Paths
//
// Path checks match doublestar globs after separator normalization. Blocked
// globs win over allowed ones. Write checks also consult the allowCreate flag
// and a per-session operation counter capped by maxOperationsPerSession.
//
// # Commands
//
// Command lines are split into simple commands with mvdan.cc/sh. Blocked
// wildcards are matched against the whole line and every command; any hit
// denies. A sudo command is denied unless allowSudo is set. Unless
// allowArbitraryCommands is set, every command must match an allowed
// wildcard. Path arguments that hit a blocked path glob deny the command.
// With confirmDestructive, destructive commands (rm, mv, dd, chmod,
// git reset --hard, ...) are allowed pending confirmation.
//
// # Modes
//
// EnableSandbox forbids arbitrary commands, sudo and deletion. EnableDryRun
// sets the flag the executor uses to skip real execution. Both change the
// in-memory configuration only; Update persists.
package permission
