package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// waitDelay bounds how long Wait blocks on I/O after the process is killed.
const waitDelay = 2 * time.Second

// exitSpawnFailed is reported when the process could not be started.
const exitSpawnFailed = 127

// limitedBuffer keeps the first max bytes written to it and drops the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - len(b.buf)
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *limitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// runRequest is one process to spawn.
type runRequest struct {
	argv      []string
	dir       string
	env       []string
	timeout   time.Duration
	maxOutput int
	onKill    func()
	// onStart and onExit let sessions track the process group they own.
	onStart func(pid int)
	onExit  func(pid int)
}

// runOutput is what came back from a spawned process.
type runOutput struct {
	stdout    string
	stderr    string
	exitCode  int
	timedOut  bool
	killed    bool
	truncated bool
	duration  time.Duration
	err       error
}

// run spawns req and waits for it. On timeout or cancellation the whole
// process group is killed. It never returns an error; failures are reported
// in the output.
func run(ctx context.Context, req runRequest) runOutput {
	runCtx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()

	stdout := newLimitedBuffer(req.maxOutput)
	stderr := newLimitedBuffer(req.maxOutput)

	cmd := exec.CommandContext(runCtx, req.argv[0], req.argv[1:]...)
	cmd.Dir = req.dir
	cmd.Env = req.env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)
	cmd.Cancel = func() error {
		err := killProcessGroup(cmd.Process.Pid)
		if req.onKill != nil {
			req.onKill()
		}
		return err
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return runOutput{
			stderr:   err.Error(),
			exitCode: exitSpawnFailed,
			duration: time.Since(start),
			err:      err,
		}
	}
	pid := cmd.Process.Pid
	if req.onStart != nil {
		req.onStart(pid)
	}
	err := cmd.Wait()
	if req.onExit != nil {
		req.onExit(pid)
	}

	out := runOutput{
		stdout:    stdout.String(),
		stderr:    stderr.String(),
		truncated: stdout.Truncated() || stderr.Truncated(),
		duration:  time.Since(start),
	}
	if ctx.Err() != nil {
		out.killed = true
	} else if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		out.timedOut = true
		out.killed = true
	}

	switch code, ok := exitStatus(err); {
	case err == nil:
		out.exitCode = 0
	case ok:
		out.exitCode = code
		if out.killed && code == -1 {
			out.exitCode = 128 + 9
		}
	case out.killed:
		out.exitCode = 128 + 9
	default:
		out.exitCode = 1
		out.err = err
	}
	return out
}

// unsafeEnv lists variables that change how the shell or the dynamic linker
// behave before the command runs.
var unsafeEnv = map[string]bool{
	"LD_PRELOAD":      true,
	"LD_LIBRARY_PATH": true,
	"LD_AUDIT":        true,
	"BASH_ENV":        true,
	"ENV":             true,
	"PROMPT_COMMAND":  true,
	"PS4":             true,
	"SHELLOPTS":       true,
	"BASHOPTS":        true,
	"IFS":             true,
	"CDPATH":          true,
	"GLOBIGNORE":      true,
}

func injectionVar(key string) bool {
	return unsafeEnv[key] || strings.HasPrefix(key, "DYLD_") || strings.HasPrefix(key, "BASH_FUNC_")
}

// commandEnv derives the child environment from the current one: injection
// variables are dropped, history is disabled, HOME points into the
// workspace, then the configured overrides apply.
func commandEnv(cfg Config) []string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || injectionVar(k) {
			continue
		}
		env[k] = v
	}
	env["HOME"] = cfg.WorkspaceRoot
	env["HISTFILE"] = os.DevNull
	env["HISTSIZE"] = "0"
	env["HISTFILESIZE"] = "0"
	for k, v := range cfg.Env {
		if injectionVar(k) {
			continue
		}
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
