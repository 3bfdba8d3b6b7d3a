// Package guard is the composition root of the authorization and isolation
// core. A Guard owns the event bus, the policy resolver, the permission
// manager and the sandboxed executor, and runs the control flow that ties
// them together: a tool call is resolved against policy, then checked
// against the permission document, and only then executed.
package guard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/phuetz/code-buddy-sub007/internal/config"
	"github.com/phuetz/code-buddy-sub007/internal/event"
	"github.com/phuetz/code-buddy-sub007/internal/logging"
	"github.com/phuetz/code-buddy-sub007/internal/metrics"
	"github.com/phuetz/code-buddy-sub007/internal/permission"
	"github.com/phuetz/code-buddy-sub007/internal/policy"
	"github.com/phuetz/code-buddy-sub007/internal/sandbox"
	"github.com/phuetz/code-buddy-sub007/internal/storage"
	"github.com/phuetz/code-buddy-sub007/internal/toolgroup"
)

// Options configures New. The zero value reads documents from the standard
// config directory on the OS filesystem and probes the host.
type Options struct {
	// ConfigDir holds permissions.json and policy.json.
	ConfigDir string
	// Fs backs document storage. Defaults to the OS filesystem.
	Fs afero.Fs
	// Env overrides the process environment when set.
	Env *config.EnvOverrides

	// Sandbox is the base executor configuration.
	Sandbox sandbox.Config
	// Prober replaces host capability probing.
	Prober sandbox.Prober
	// RequireIsolation refuses to run commands when no isolation method is
	// available.
	RequireIsolation bool

	// Tools registers extra tool names with their groups.
	Tools map[string][]toolgroup.Group

	// Bus is used instead of a private bus. The caller closes it.
	Bus *event.Bus
	// Registry receives the guard metrics. Defaults to a private registry.
	Registry *prometheus.Registry
	// Watch reloads both documents when they change on disk.
	Watch bool
}

// Guard wires the core components together.
type Guard struct {
	Bus         *event.Bus
	Taxonomy    *toolgroup.Taxonomy
	Policy      *policy.Resolver
	Permissions *permission.Manager
	Executor    *sandbox.Executor
	Metrics     *metrics.Collector

	PermissionsPath string
	PolicyPath      string

	workspace        string
	requireIsolation bool
	ownsBus          bool
	watcher          *config.Watcher
	log              zerolog.Logger
}

// New builds a Guard. Unreadable or malformed documents fall back to the
// built-in defaults; only invalid options and watcher setup fail.
func New(opts Options) (*Guard, error) {
	log := logging.Component("guard")

	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	dir := opts.ConfigDir
	if dir == "" {
		dir = config.GetPaths().Config
	}
	env := config.LoadEnv()
	if opts.Env != nil {
		env = *opts.Env
	}

	g := &Guard{
		Bus:              opts.Bus,
		Taxonomy:         toolgroup.New(),
		workspace:        opts.Sandbox.WorkspaceRoot,
		requireIsolation: opts.RequireIsolation,
		log:              log,
	}
	if g.Bus == nil {
		g.Bus = event.NewBus()
		g.ownsBus = true
	}
	g.Metrics = metrics.New(opts.Registry)
	g.Metrics.Attach(g.Bus)

	for tool, groups := range opts.Tools {
		if err := g.Taxonomy.Register(tool, groups...); err != nil {
			g.shutdown()
			return nil, fmt.Errorf("register tool %s: %w", tool, err)
		}
	}

	store := storage.New(fs)
	paths := &config.Paths{Config: dir}
	g.PermissionsPath = paths.PermissionsPath(fs)
	g.PolicyPath = paths.PolicyPath(fs)

	g.Policy = policy.Load(store, g.PolicyPath,
		policy.WithTaxonomy(g.Taxonomy),
		policy.WithBus(g.Bus),
		policy.WithProfileOverride(env.Profile),
	)
	g.Permissions = permission.Load(store, g.PermissionsPath,
		permission.WithBus(g.Bus),
		permission.WithEnv(env),
		permission.WithBaseDir(opts.Sandbox.WorkspaceRoot),
	)

	sbCfg := opts.Sandbox.Clone()
	if env.SandboxMethod != "" {
		m, err := sandbox.ParseMethod(env.SandboxMethod)
		if err != nil {
			log.Warn().Err(err).Str("env", config.EnvSandboxMethod).Msg("ignoring sandbox method override")
		} else {
			sbCfg.Method = m
		}
	}
	exOpts := []sandbox.Option{sandbox.WithBus(g.Bus)}
	if opts.Prober != nil {
		exOpts = append(exOpts, sandbox.WithProber(opts.Prober))
	}
	g.Executor = sandbox.New(sbCfg, exOpts...)

	if opts.Watch {
		if err := g.watch(); err != nil {
			g.shutdown()
			return nil, err
		}
	}

	log.Debug().
		Str("permissions", g.PermissionsPath).
		Str("policy", g.PolicyPath).
		Str("profile", g.Policy.ActiveProfile()).
		Msg("guard ready")
	return g, nil
}

func (g *Guard) watch() error {
	w, err := config.NewWatcher(0)
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	for _, dir := range []string{filepath.Dir(g.PermissionsPath), filepath.Dir(g.PolicyPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = w.Stop()
			return fmt.Errorf("config watcher: %w", err)
		}
	}
	if err := w.Watch(g.PermissionsPath, func() { _ = g.Permissions.Reload() }); err != nil {
		_ = w.Stop()
		return fmt.Errorf("watch %s: %w", g.PermissionsPath, err)
	}
	if err := w.Watch(g.PolicyPath, func() { _ = g.Policy.Reload() }); err != nil {
		_ = w.Stop()
		return fmt.Errorf("watch %s: %w", g.PolicyPath, err)
	}
	w.Start()
	g.watcher = w
	return nil
}

// Close stops watching, closes every session and releases the bus if the
// guard created it.
func (g *Guard) Close() error {
	if g.Executor != nil {
		g.Executor.CloseAll()
	}
	return g.shutdown()
}

func (g *Guard) shutdown() error {
	var errs []error
	if g.watcher != nil {
		errs = append(errs, g.watcher.Stop())
		g.watcher = nil
	}
	if g.Metrics != nil {
		g.Metrics.Detach()
	}
	if g.ownsBus {
		errs = append(errs, g.Bus.Close())
	}
	return errors.Join(errs...)
}

// Stage names the component that produced a verdict.
type Stage string

const (
	StagePolicy     Stage = "policy"
	StagePermission Stage = "permission"
	StageSandbox    Stage = "sandbox"
)

// Verdict is the combined outcome of the policy and permission stages.
type Verdict struct {
	Action   policy.Action       `json:"action"`
	Reason   string              `json:"reason"`
	Stage    Stage               `json:"stage"`
	Decision policy.Decision     `json:"decision"`
	Checks   []permission.Result `json:"checks,omitempty"`
}

// Allowed reports whether the call may proceed now.
func (v Verdict) Allowed() bool { return v.Action == policy.ActionAllow }

// NeedsConfirmation reports whether the call may proceed once confirmed.
func (v Verdict) NeedsConfirmation() bool { return v.Action == policy.ActionConfirm }

// Err returns nil for an allowed call and a *permission.RejectedError
// otherwise.
func (v Verdict) Err() error {
	if v.Allowed() {
		return nil
	}
	subject := v.Decision.Tool
	check := permission.CheckTool
	if n := len(v.Checks); n > 0 && v.Stage == StagePermission {
		check, subject = v.Checks[n-1].Check, v.Checks[n-1].Subject
	}
	msg := v.Reason
	if v.NeedsConfirmation() {
		msg = "confirmation required: " + msg
	}
	return &permission.RejectedError{Check: check, Subject: subject, Message: msg}
}

// ToolRequest is one tool invocation to authorize.
type ToolRequest struct {
	Tool             string
	AgentID          string
	Provider         string
	Args             map[string]any
	SessionOverrides map[string]policy.Action
	GlobalOverrides  map[string]policy.Action
	// Confirmed is set when the user already approved this call.
	Confirmed bool
}

// Argument names inspected for path, command and host checks.
var (
	pathArgs    = []string{"path", "file_path", "filePath", "file", "target"}
	commandArgs = []string{"command", "cmd"}
	hostArgs    = []string{"url", "host", "uri"}
)

// AuthorizeTool resolves req against policy and then the permission
// document. A deny from either stage wins. A confirm from either stage
// yields confirm unless req.Confirmed is set. Write-class calls that end up
// allowed count against the session operation limit.
func (g *Guard) AuthorizeTool(_ context.Context, req ToolRequest) Verdict {
	return g.authorize(req, false)
}

// authorize runs AuthorizeTool. With shell set the "command" argument is
// checked as a shell command whatever groups the tool belongs to.
func (g *Guard) authorize(req ToolRequest, shell bool) Verdict {
	d := g.Policy.Resolve(req.Tool, policy.Context{
		AgentID:          req.AgentID,
		Provider:         req.Provider,
		Args:             req.Args,
		SessionOverrides: req.SessionOverrides,
		GlobalOverrides:  req.GlobalOverrides,
	})
	v := Verdict{Action: d.Action, Reason: d.Reason, Stage: StagePolicy, Decision: d}
	if d.Denied() {
		return v
	}
	confirm := d.NeedsConfirmation()

	checks := []permission.Result{g.Permissions.CheckToolPermission(req.Tool)}
	checks = append(checks, g.argumentChecks(d.Groups, req.Args, shell)...)
	write := isWrite(d.Groups)
	for _, res := range checks {
		v.Checks = append(v.Checks, res)
		if !res.Allowed {
			v.Action, v.Reason, v.Stage = policy.ActionDeny, res.Reason, StagePermission
			return v
		}
		if res.RequiresConfirmation && !confirm {
			confirm = true
			v.Reason, v.Stage = res.Reason, StagePermission
		}
	}

	if confirm && !req.Confirmed {
		v.Action = policy.ActionConfirm
		return v
	}
	v.Action = policy.ActionAllow
	if write {
		g.Permissions.RecordOperation()
	}
	return v
}

// argumentChecks runs the permission checks implied by the tool's groups
// and arguments.
func (g *Guard) argumentChecks(groups []toolgroup.Group, args map[string]any, shell bool) []permission.Result {
	var out []permission.Result
	if p, ok := stringArg(args, pathArgs); ok {
		switch {
		case inGroup(groups, toolgroup.FSDelete):
			out = append(out, g.Permissions.CheckDeletePermission(p))
		case inGroup(groups, toolgroup.FSWrite):
			out = append(out, g.Permissions.CheckWritePermission(p, !g.exists(p)))
		case inGroup(groups, toolgroup.FS):
			out = append(out, g.Permissions.CheckReadPermission(p))
		}
	}
	if inGroup(groups, toolgroup.FSWrite) {
		if content, ok := stringArg(args, []string{"content"}); ok {
			out = append(out, g.Permissions.CheckFileSize(int64(len(content))))
		}
	}
	if c, ok := stringArg(args, commandArgs); ok && (shell || inGroup(groups, toolgroup.Runtime)) {
		out = append(out, g.Permissions.CheckCommandPermission(c))
	}
	if h, ok := stringArg(args, hostArgs); ok && inGroup(groups, toolgroup.Web) {
		out = append(out, g.Permissions.CheckNetworkPermission(h))
	}
	return out
}

// CommandRequest is a shell command to authorize and run.
type CommandRequest struct {
	Command  string
	AgentID  string
	Provider string
	// Tool is the tool name the command is attributed to. Defaults to "bash".
	Tool string
	// SessionID runs the command in an open sandbox session.
	SessionID string
	Confirmed bool
	Overrides []sandbox.Override
}

// CommandOutcome is the verdict and, when the command ran, its result.
type CommandOutcome struct {
	Verdict Verdict         `json:"verdict"`
	Result  *sandbox.Result `json:"result,omitempty"`
}

// Ran reports whether the command was handed to the executor.
func (o CommandOutcome) Ran() bool { return o.Result != nil }

// RunCommand authorizes req as a shell tool call and, when allowed, runs it
// through the executor. The command is checked against the permission
// document whatever tool carries it. Dry-run mode and the command time limit
// from the permission document apply. The error is only for an unknown
// session.
func (g *Guard) RunCommand(ctx context.Context, req CommandRequest) (CommandOutcome, error) {
	tool := req.Tool
	if tool == "" {
		tool = "bash"
	}
	v := g.authorize(ToolRequest{
		Tool:      tool,
		AgentID:   req.AgentID,
		Provider:  req.Provider,
		Args:      map[string]any{"command": req.Command},
		Confirmed: req.Confirmed,
	}, true)
	out := CommandOutcome{Verdict: v}
	if !v.Allowed() {
		g.log.Info().Str("command", req.Command).Str("action", string(v.Action)).Str("stage", string(v.Stage)).
			Str("reason", v.Reason).Msg("command not run")
		return out, nil
	}

	cfg := g.Permissions.Config()
	overrides := []sandbox.Override{}
	if ms := cfg.Commands.MaxExecutionTime; ms > 0 {
		overrides = append(overrides, sandbox.UseTimeout(time.Duration(ms)*time.Millisecond))
	}
	if cfg.Safety.DryRunMode {
		overrides = append(overrides, sandbox.UseDryRun(true))
	}
	overrides = append(overrides, req.Overrides...)

	if g.requireIsolation {
		method, err := g.requestedMethod(req.SessionID, overrides)
		if err != nil {
			return out, err
		}
		if g.Executor.Capabilities(ctx).Select(method) == sandbox.MethodNone {
			out.Verdict.Action = policy.ActionDeny
			out.Verdict.Stage = StageSandbox
			out.Verdict.Reason = "no isolation method is available"
			return out, nil
		}
	}

	var res sandbox.Result
	if req.SessionID != "" {
		var err error
		// Session configuration is fixed at creation; per-call overrides
		// do not apply.
		res, err = g.Executor.ExecuteInSession(ctx, req.SessionID, req.Command)
		if err != nil {
			return out, err
		}
	} else {
		res = g.Executor.Execute(ctx, req.Command, overrides...)
	}
	out.Result = &res
	return out, nil
}

// requestedMethod is the isolation method a command will ask for: the
// session's fixed method, or the executor default with overrides applied.
func (g *Guard) requestedMethod(sessionID string, overrides []sandbox.Override) (sandbox.Method, error) {
	if sessionID != "" {
		s, ok := g.Executor.Session(sessionID)
		if !ok {
			return "", fmt.Errorf("%w: %s", sandbox.ErrSessionNotFound, sessionID)
		}
		return s.Config.Method, nil
	}
	cfg := g.Executor.Config()
	for _, o := range overrides {
		o(&cfg)
	}
	return cfg.Method, nil
}

// OpenSession creates a sandbox session. Dry-run mode and the command time
// limit from the permission document apply to it.
func (g *Guard) OpenSession(overrides ...sandbox.Override) (*sandbox.Session, error) {
	cfg := g.Permissions.Config()
	base := []sandbox.Override{}
	if ms := cfg.Commands.MaxExecutionTime; ms > 0 {
		base = append(base, sandbox.UseTimeout(time.Duration(ms)*time.Millisecond))
	}
	if cfg.Safety.DryRunMode {
		base = append(base, sandbox.UseDryRun(true))
	}
	return g.Executor.CreateSession(append(base, overrides...)...)
}

// exists reports whether p exists, resolving relative paths against the
// workspace root.
func (g *Guard) exists(p string) bool {
	if !filepath.IsAbs(p) && g.workspace != "" {
		p = filepath.Join(g.workspace, p)
	}
	_, err := os.Stat(p)
	return err == nil
}

func isWrite(groups []toolgroup.Group) bool {
	return inGroup(groups, toolgroup.FSWrite) || inGroup(groups, toolgroup.FSDelete)
}

// inGroup reports whether any of groups sits at or below parent.
func inGroup(groups []toolgroup.Group, parent toolgroup.Group) bool {
	for _, g := range groups {
		if toolgroup.IsDescendant(g, parent) {
			return true
		}
	}
	return false
}

func stringArg(args map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		if s, ok := args[k].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
