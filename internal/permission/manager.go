package permission

import (
	"context"
	"net"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/phuetz/code-buddy-sub007/internal/config"
	"github.com/phuetz/code-buddy-sub007/internal/event"
	"github.com/phuetz/code-buddy-sub007/internal/logging"
	"github.com/phuetz/code-buddy-sub007/internal/match"
	"github.com/phuetz/code-buddy-sub007/internal/storage"
)

// Manager answers permission checks against a Config.
// It is safe for concurrent use.
type Manager struct {
	mu   sync.RWMutex
	file Config // as persisted
	cfg  Config // effective: file plus environment and runtime modes
	ops  int

	sandbox bool
	dryRun  bool
	env     config.EnvOverrides
	baseDir string

	store *storage.Storage
	path  string

	bus *event.Bus
	log zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithBus publishes denials and configuration changes to bus.
func WithBus(bus *event.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithStorage enables Save, Update persistence and Reload against the
// document at path.
func WithStorage(store *storage.Storage, path string) Option {
	return func(m *Manager) {
		m.store = store
		m.path = path
	}
}

// WithBaseDir resolves relative paths against dir before matching.
func WithBaseDir(dir string) Option {
	return func(m *Manager) { m.baseDir = dir }
}

// WithEnv applies environment overrides on top of the document. They are
// never persisted.
func WithEnv(env config.EnvOverrides) Option {
	return func(m *Manager) { m.env = env }
}

// NewManager creates a manager over cfg.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{log: logging.Component("permission")}
	for _, opt := range opts {
		opt(m)
	}
	m.file = cfg.Clone()
	m.cfg = m.effective()
	return m
}

// Load creates a manager from the document at path. Load errors are logged
// and the defaults are used.
func Load(store *storage.Storage, path string, opts ...Option) *Manager {
	cfg, err := LoadConfig(store, path)
	if err != nil {
		log := logging.Component("permission")
		log.Warn().Err(err).Str("path", path).Msg("permissions document unreadable, using defaults")
	}
	return NewManager(cfg, append([]Option{WithStorage(store, path)}, opts...)...)
}

// effective computes the configuration checks run against. Callers hold mu
// for writing, except NewManager.
func (m *Manager) effective() Config {
	c := m.file.ApplyEnv(m.env)
	if m.sandbox {
		c.applySandbox()
	}
	if m.dryRun {
		c.Safety.DryRunMode = true
	}
	return c
}

// Config returns a copy of the effective configuration.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

// CheckReadPermission checks whether path may be read.
func (m *Manager) CheckReadPermission(path string) Result {
	m.mu.RLock()
	res := m.checkPathLocked(CheckRead, path)
	m.mu.RUnlock()
	return m.report(res)
}

// CheckWritePermission checks whether path may be written. isCreate marks a
// file that does not exist yet. It does not count the operation; see
// RecordOperation and CheckAndRecordWrite.
func (m *Manager) CheckWritePermission(path string, isCreate bool) Result {
	m.mu.RLock()
	res := m.checkWriteLocked(CheckWrite, path, isCreate)
	m.mu.RUnlock()
	return m.report(res)
}

// CheckAndRecordWrite checks a write and, when it is allowed, counts it
// against the session limit in the same critical section.
func (m *Manager) CheckAndRecordWrite(path string, isCreate bool) Result {
	m.mu.Lock()
	res := m.checkWriteLocked(CheckWrite, path, isCreate)
	if res.Allowed {
		m.ops++
	}
	m.mu.Unlock()
	return m.report(res)
}

// CheckDeletePermission checks whether path may be deleted. Deletion always
// requires confirmation when confirmDestructive is set.
func (m *Manager) CheckDeletePermission(path string) Result {
	m.mu.RLock()
	res := m.checkDeleteLocked(path)
	m.mu.RUnlock()
	return m.report(res)
}

func (m *Manager) checkDeleteLocked(path string) Result {
	if !m.cfg.FileSystem.AllowDelete {
		if m.cfg.Safety.SandboxMode {
			return deny(CheckDelete, path, "deleting files is disabled in sandbox mode")
		}
		return deny(CheckDelete, path, "deleting files is disabled")
	}
	res := m.checkWriteLocked(CheckDelete, path, false)
	if res.Allowed && m.cfg.Safety.ConfirmDestructive {
		return confirm(CheckDelete, path, "deleting files requires confirmation")
	}
	return res
}

// CheckFileSize checks a file size in bytes against maxFileSize.
func (m *Manager) CheckFileSize(size int64) Result {
	m.mu.RLock()
	limit := m.cfg.FileSystem.MaxFileSize
	m.mu.RUnlock()

	if limit > 0 && size > limit {
		return m.report(deny(CheckFileSize, "", "file size %d exceeds the limit of %d bytes", size, limit))
	}
	return allow(CheckFileSize, "")
}

func (m *Manager) checkPathLocked(check Check, path string) Result {
	if strings.TrimSpace(path) == "" {
		return deny(check, path, "empty path")
	}
	p := m.resolvePath(path)
	if pat, ok := match.FirstGlob(m.cfg.FileSystem.BlockedPaths, p); ok {
		return deny(check, path, "path matches blocked pattern %q", pat)
	}
	if _, ok := match.FirstGlob(m.cfg.FileSystem.AllowedPaths, p); !ok {
		return deny(check, path, "path is outside the allowed paths")
	}
	return allow(check, path)
}

func (m *Manager) checkWriteLocked(check Check, path string, isCreate bool) Result {
	if res := m.checkPathLocked(check, path); !res.Allowed {
		return res
	}
	if isCreate && !m.cfg.FileSystem.AllowCreate {
		return deny(check, path, "creating files is disabled")
	}
	if limit := m.cfg.Safety.MaxOperationsPerSession; limit > 0 && m.ops >= limit {
		return deny(check, path, "operation limit of %d reached for this session", limit)
	}
	return allow(check, path)
}

func (m *Manager) resolvePath(path string) string {
	p := strings.TrimSpace(path)
	if m.baseDir != "" && !filepath.IsAbs(p) && !strings.HasPrefix(p, "~") {
		p = filepath.Join(m.baseDir, p)
	}
	return filepath.Clean(p)
}

// CheckCommandPermission checks a shell command line. Every simple command
// in the line must pass.
func (m *Manager) CheckCommandPermission(command string) Result {
	m.mu.RLock()
	res := m.checkCommandLocked(command)
	m.mu.RUnlock()
	return m.report(res)
}

func (m *Manager) checkCommandLocked(command string) Result {
	line := strings.TrimSpace(command)
	if line == "" {
		return deny(CheckCommand, command, "empty command")
	}
	cfg := m.cfg.Commands

	cmds, err := ParseCommand(line)
	if err != nil {
		m.log.Debug().Err(err).Str("command", line).Msg("command not parseable, checking it whole")
	}
	if len(cmds) == 0 {
		cmds = []Command{fallbackCommand(line)}
	}

	if pat, ok := match.FirstWildcard(cfg.BlockedCommands, line); ok {
		return deny(CheckCommand, command, "command matches blocked pattern %q", pat)
	}
	for _, c := range cmds {
		if pat, ok := match.FirstWildcard(cfg.BlockedCommands, c.Raw); ok {
			return deny(CheckCommand, command, "command matches blocked pattern %q", pat)
		}
		if inner, ok := unwrapSudo(c); ok && c.Name == "sudo" {
			text := strings.Join(append([]string{inner.Name}, inner.Args...), " ")
			if pat, ok := match.FirstWildcard(cfg.BlockedCommands, text); ok {
				return deny(CheckCommand, command, "command matches blocked pattern %q", pat)
			}
		}
		for _, p := range ExtractPaths(c) {
			if pat, ok := match.FirstGlob(m.cfg.FileSystem.BlockedPaths, m.resolvePath(p)); ok {
				return deny(CheckCommand, command, "argument %q matches blocked path %q", p, pat)
			}
		}
	}

	redirects, _ := RedirectTargets(line)
	for _, p := range redirects {
		if pat, ok := match.FirstGlob(m.cfg.FileSystem.BlockedPaths, m.resolvePath(p)); ok {
			return deny(CheckCommand, command, "redirection to %q matches blocked path %q", p, pat)
		}
	}

	for _, c := range cmds {
		if c.Name == "sudo" && !cfg.AllowSudo {
			return deny(CheckCommand, command, "sudo is not allowed")
		}
	}

	if !cfg.AllowArbitraryCommands {
		for _, c := range cmds {
			if _, ok := match.FirstWildcard(cfg.AllowedCommands, c.Raw); !ok {
				return deny(CheckCommand, command, "command %q is not in the allowed list", c.Name)
			}
		}
	}

	if m.cfg.Safety.ConfirmDestructive {
		for _, c := range cmds {
			if IsDestructive(c) {
				return confirm(CheckCommand, command, "destructive command "+c.Name+" requires confirmation")
			}
		}
	}
	return allow(CheckCommand, command)
}

// CheckToolPermission checks a tool name. Names are compared
// case-insensitively and list entries may use wildcards.
func (m *Manager) CheckToolPermission(tool string) Result {
	name := strings.ToLower(strings.TrimSpace(tool))

	m.mu.RLock()
	cfg := m.cfg.Tools
	var res Result
	switch {
	case name == "":
		res = deny(CheckTool, tool, "empty tool name")
	case matchesTool(cfg.Disabled, name):
		res = deny(CheckTool, tool, "tool %q is disabled", name)
	case matchesTool(cfg.AutoApproved, name):
		res = allow(CheckTool, tool)
	case matchesTool(cfg.RequireConfirmation, name):
		res = confirm(CheckTool, tool, "tool "+name+" requires confirmation")
	default:
		res = allow(CheckTool, tool)
	}
	m.mu.RUnlock()
	return m.report(res)
}

func matchesTool(patterns []string, name string) bool {
	for _, p := range patterns {
		if match.Wildcard(strings.ToLower(p), name) {
			return true
		}
	}
	return false
}

// CheckNetworkPermission checks an outgoing connection to host. host may
// carry a port or be a URL.
func (m *Manager) CheckNetworkPermission(host string) Result {
	h := NormalizeHost(host)

	m.mu.RLock()
	cfg := m.cfg.Network
	m.mu.RUnlock()

	var res Result
	switch {
	case h == "":
		res = deny(CheckNetwork, host, "empty host")
	case !cfg.AllowOutgoing:
		res = deny(CheckNetwork, host, "outgoing network access is disabled")
	case IsLocalhost(h):
		if cfg.AllowLocalhost {
			res = allow(CheckNetwork, host)
		} else {
			res = deny(CheckNetwork, host, "localhost access is disabled")
		}
	case matchesHost(cfg.BlockedHosts, h):
		res = deny(CheckNetwork, host, "host %q is blocked", h)
	case matchesHost(cfg.AllowedHosts, h):
		res = allow(CheckNetwork, host)
	default:
		res = deny(CheckNetwork, host, "host %q is not in the allowed list", h)
	}
	return m.report(res)
}

// NormalizeHost lowercases host and strips any scheme, port, brackets and
// trailing dot.
func NormalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	if strings.Contains(h, "://") {
		if u, err := url.Parse(h); err == nil {
			h = u.Hostname()
		}
	} else if hh, _, err := net.SplitHostPort(h); err == nil {
		h = hh
	}
	return strings.TrimSuffix(strings.Trim(h, "[]"), ".")
}

// IsLocalhost reports whether a normalized host names the local machine.
func IsLocalhost(h string) bool {
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

// matchesHost matches wildcard host patterns. "*.example.com" also matches
// example.com itself.
func matchesHost(patterns []string, h string) bool {
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if match.Wildcard(p, h) {
			return true
		}
		if strings.HasPrefix(p, "*.") && h == p[2:] {
			return true
		}
	}
	return false
}

// RecordOperation counts one operation against the session limit and
// returns the new count.
func (m *Manager) RecordOperation() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	return m.ops
}

// ResetOperationCount clears the session operation counter. Call it when a
// session starts.
func (m *Manager) ResetOperationCount() {
	m.mu.Lock()
	m.ops = 0
	m.mu.Unlock()
}

// OperationCount returns the session operation counter.
func (m *Manager) OperationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ops
}

// EnableSandbox turns on sandbox mode for this process, which forbids
// arbitrary commands, sudo and deletion.
func (m *Manager) EnableSandbox() {
	m.mu.Lock()
	m.sandbox = true
	m.cfg = m.effective()
	m.mu.Unlock()
	m.log.Info().Msg("sandbox mode enabled")
}

// EnableDryRun turns on dry-run mode for this process.
func (m *Manager) EnableDryRun() {
	m.mu.Lock()
	m.dryRun = true
	m.cfg = m.effective()
	m.mu.Unlock()
	m.log.Info().Msg("dry-run mode enabled")
}

// SandboxMode reports whether sandbox mode is in effect.
func (m *Manager) SandboxMode() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Safety.SandboxMode
}

// DryRun reports whether dry-run mode is in effect.
func (m *Manager) DryRun() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Safety.DryRunMode
}

// Update applies fn to the persisted configuration, re-merges the result
// over the defaults and saves it. The in-memory change stands even when the
// save fails; the error is logged and returned.
func (m *Manager) Update(ctx context.Context, fn func(*Config)) error {
	m.mu.Lock()
	c := m.file.Clone()
	fn(&c)
	extra := c.Extra
	c = Merge(DefaultConfig(), c.document())
	c.Extra = extra
	m.file = c
	m.cfg = m.effective()
	m.mu.Unlock()

	if err := m.Save(ctx); err != nil {
		m.log.Error().Err(err).Str("path", m.path).Msg("failed to save permissions")
		return err
	}
	return nil
}

// Reload re-reads the permissions document. On failure the current
// configuration is kept and the error returned.
func (m *Manager) Reload() error {
	if m.store == nil {
		return nil
	}
	cfg, err := LoadConfig(m.store, m.path)
	data := event.ConfigData{Document: config.PermissionsDocument, Path: m.path}
	if err != nil {
		m.log.Warn().Err(err).Str("path", m.path).Msg("permissions reload failed, keeping current configuration")
		data.Error = err.Error()
		m.bus.Publish(event.Event{Type: event.ConfigReloaded, Data: data})
		return err
	}

	m.mu.Lock()
	m.file = cfg
	m.cfg = m.effective()
	m.mu.Unlock()

	m.log.Info().Str("path", m.path).Msg("permissions reloaded")
	m.bus.Publish(event.Event{Type: event.ConfigReloaded, Data: data})
	return nil
}

// Save writes the persisted configuration to the permissions document.
// Environment overrides and runtime modes are not written.
func (m *Manager) Save(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	m.mu.RLock()
	cfg := m.file.Clone()
	m.mu.RUnlock()

	err := config.Save(ctx, m.store, m.path, cfg)
	data := event.ConfigData{Document: config.PermissionsDocument, Path: m.path}
	if err != nil {
		data.Error = err.Error()
	}
	m.bus.Publish(event.Event{Type: event.ConfigSaved, Data: data})
	return err
}

func (m *Manager) report(res Result) Result {
	if res.Allowed {
		if res.RequiresConfirmation {
			m.log.Debug().Str("check", string(res.Check)).Str("subject", res.Subject).Msg("permission needs confirmation")
		}
		return res
	}
	m.log.Info().
		Str("check", string(res.Check)).
		Str("subject", res.Subject).
		Str("reason", res.Reason).
		Msg("permission denied")
	m.bus.Publish(event.Event{Type: event.PermissionDenied, Data: event.PermissionDeniedData{
		Check:   string(res.Check),
		Subject: res.Subject,
		Reason:  res.Reason,
	}})
	return res
}
