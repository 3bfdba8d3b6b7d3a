package sandbox

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/phuetz/code-buddy-sub007/internal/event"
	"github.com/phuetz/code-buddy-sub007/internal/logging"
)

// Result is the outcome of one execution. It is always filled in, including
// for rejected, failed and timed-out commands.
type Result struct {
	ExecID    string        `json:"execId"`
	SessionID string        `json:"sessionId,omitempty"`
	Command   string        `json:"command"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exitCode"`
	TimedOut  bool          `json:"timedOut"`
	Killed    bool          `json:"killed"`
	Sandboxed bool          `json:"sandboxed"`
	Method    Method        `json:"method"`
	Requested Method        `json:"requested"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated,omitempty"`

	// Rejected is set when validation refused the command; no process ran.
	Rejected bool   `json:"rejected,omitempty"`
	Reason   string `json:"reason,omitempty"`

	DryRun     bool     `json:"dryRun,omitempty"`
	Invocation []string `json:"invocation,omitempty"`
	Cwd        string   `json:"cwd,omitempty"`
}

// Executor runs shell commands under the strongest available isolation.
type Executor struct {
	cfg    Config
	bus    *event.Bus
	log    zerolog.Logger
	prober Prober

	capsMu sync.Mutex
	caps   *Capabilities

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures an Executor.
type Option func(*Executor)

// WithBus publishes execution and session events to bus.
func WithBus(bus *event.Bus) Option {
	return func(e *Executor) { e.bus = bus }
}

// WithProber replaces host probing.
func WithProber(p Prober) Option {
	return func(e *Executor) { e.prober = p }
}

// New creates an executor with cfg as the base configuration.
func New(cfg Config, opts ...Option) *Executor {
	e := &Executor{
		cfg:      cfg.Clone(),
		log:      logging.Component("sandbox"),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.prober == nil {
		e.prober = SystemProber(cfg.LandlockHelper)
	}
	return e
}

// Config returns a copy of the base configuration.
func (e *Executor) Config() Config {
	return e.cfg.Clone()
}

// Capabilities returns the probed capabilities, probing once on first use.
func (e *Executor) Capabilities(ctx context.Context) Capabilities {
	e.capsMu.Lock()
	defer e.capsMu.Unlock()
	if e.caps == nil {
		e.probeLocked(ctx)
	}
	return *e.caps
}

// Reprobe discards cached capabilities and probes again.
func (e *Executor) Reprobe(ctx context.Context) Capabilities {
	e.capsMu.Lock()
	defer e.capsMu.Unlock()
	e.probeLocked(ctx)
	return *e.caps
}

func (e *Executor) probeLocked(ctx context.Context) {
	caps := e.prober(ctx)
	if caps.Available == nil {
		caps.Available = make(map[Method]bool)
	}
	e.caps = &caps
	e.log.Info().Strs("methods", caps.Methods()).Str("best", string(caps.Best())).
		Bool("systemdRun", caps.SystemdRun).Int("landlockABI", caps.LandlockABI).
		Msg("sandbox capabilities probed")
	e.bus.Publish(event.Event{Type: event.SandboxProbed, Data: event.SandboxProbedData{
		Available: caps.availableMap(),
		Best:      string(caps.Best()),
	}})
}

// Execute runs command once from the workspace root. It never returns an
// error: rejections, spawn failures and timeouts are all in the Result.
func (e *Executor) Execute(ctx context.Context, command string, overrides ...Override) Result {
	cfg := e.cfg.Clone()
	for _, o := range overrides {
		o(&cfg)
	}
	return e.execute(ctx, cfg, command, "", nil)
}

// execute validates, selects a method, builds the invocation and runs it.
// An empty workdir means the workspace root.
func (e *Executor) execute(ctx context.Context, cfg Config, command, workdir string, s *Session) Result {
	res := Result{
		ExecID:    ulid.Make().String(),
		Command:   command,
		Method:    MethodNone,
		Requested: cfg.Method,
	}
	if s != nil {
		res.SessionID = s.ID
	}

	if err := cfg.normalize(); err != nil {
		return e.reject(res, err)
	}
	res.Requested = cfg.Method
	if workdir == "" {
		workdir = cfg.WorkspaceRoot
	}
	res.Cwd = workdir

	if strings.TrimSpace(command) == "" {
		return e.reject(res, &ValidationError{Reason: "empty command"})
	}
	if err := Validate(command, cfg.BlockedPaths); err != nil {
		return e.reject(res, err)
	}

	caps := e.Capabilities(ctx)
	bc := buildContext{cfg: cfg, caps: caps, command: command, workdir: workdir, execID: res.ExecID}
	var inv invocation
	for _, m := range caps.Candidates(cfg.Method) {
		built, err := build(m, bc)
		if err != nil {
			e.log.Warn().Err(err).Str("method", string(m)).Msg("cannot build sandbox invocation, trying next method")
			continue
		}
		inv, res.Method = built, m
		break
	}
	if cfg.Method != MethodAuto && res.Method != cfg.Method {
		e.log.Info().Str("requested", string(cfg.Method)).Str("method", string(res.Method)).
			Msg("requested sandbox method unavailable, falling back")
	}
	res.Sandboxed = res.Method != MethodNone
	res.Invocation = inv.argv

	if cfg.DryRun {
		res.DryRun = true
		res.Stdout = "[dry-run] " + strings.Join(inv.argv, " ") + "\n"
		e.completed(res)
		return res
	}

	env := commandEnv(cfg)
	if res.Method == MethodDocker {
		env = clientEnv()
	}
	req := runRequest{
		argv:      inv.argv,
		dir:       workdir,
		env:       env,
		timeout:   cfg.Timeout(),
		maxOutput: cfg.MaxOutputSize,
		onKill:    inv.onKill,
	}
	if s != nil {
		req.onStart, req.onExit = s.track, s.untrack
	}

	e.bus.Publish(event.Event{Type: event.SandboxExecStarted, Data: event.SandboxExecStartedData{
		ExecID:    res.ExecID,
		SessionID: res.SessionID,
		Command:   command,
		Method:    string(res.Method),
	}})

	out := run(ctx, req)
	res.Stdout = out.stdout
	res.Stderr = out.stderr
	res.ExitCode = out.exitCode
	res.TimedOut = out.timedOut
	res.Killed = out.killed
	res.Truncated = out.truncated
	res.Duration = out.duration
	if out.err != nil {
		res.Reason = out.err.Error()
		e.log.Warn().Err(out.err).Str("execId", res.ExecID).Str("method", string(res.Method)).Msg("sandboxed command failed to run")
	}
	if out.timedOut {
		e.log.Warn().Str("execId", res.ExecID).Dur("timeout", cfg.Timeout()).Msg("sandboxed command timed out")
	}

	e.completed(res)
	return res
}

func (e *Executor) reject(res Result, err error) Result {
	res.ExitCode = 1
	res.Rejected = true
	res.Reason = err.Error()
	res.Stderr = err.Error() + "\n"
	var ve *ValidationError
	if errors.As(err, &ve) {
		e.log.Info().Str("execId", res.ExecID).Str("reason", ve.Reason).Msg("command rejected")
	} else {
		e.log.Warn().Err(err).Str("execId", res.ExecID).Msg("command rejected")
	}
	e.completed(res)
	return res
}

func (e *Executor) completed(res Result) {
	e.log.Debug().
		Str("execId", res.ExecID).
		Str("method", string(res.Method)).
		Int("exitCode", res.ExitCode).
		Dur("duration", res.Duration).
		Bool("timedOut", res.TimedOut).
		Msg("sandboxed command completed")
	e.bus.Publish(event.Event{Type: event.SandboxExecCompleted, Data: event.SandboxExecCompletedData{
		ExecID:    res.ExecID,
		SessionID: res.SessionID,
		Command:   res.Command,
		Method:    string(res.Method),
		Sandboxed: res.Sandboxed,
		ExitCode:  res.ExitCode,
		TimedOut:  res.TimedOut,
		Killed:    res.Killed,
		Rejected:  res.Rejected,
		DryRun:    res.DryRun,
		Truncated: res.Truncated,
		Duration:  res.Duration,
	}})
}

// clientEnv is the environment of the docker client itself; the container
// gets only what buildDocker passes explicitly.
func clientEnv() []string {
	var out []string
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if !injectionVar(k) {
			out = append(out, kv)
		}
	}
	return out
}
