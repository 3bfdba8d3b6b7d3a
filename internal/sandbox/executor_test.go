package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phuetz/code-buddy-sub007/internal/event"
)

// noTools probes a host with no isolation tool installed.
func noTools(context.Context) Capabilities {
	return Capabilities{Available: map[Method]bool{}, ProbedAt: time.Now()}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
}

func newTestExecutor(t *testing.T, opts ...Option) (*Executor, string) {
	t.Helper()
	requireShell(t)
	ws := t.TempDir()
	cfg := DefaultConfig()
	cfg.WorkspaceRoot = ws
	cfg.Shell = "/bin/sh"
	return New(cfg, append([]Option{WithProber(noTools)}, opts...)...), ws
}

func TestCandidates(t *testing.T) {
	caps := Capabilities{Available: map[Method]bool{MethodDocker: true, MethodBubblewrap: true}}

	assert.Equal(t, []Method{MethodBubblewrap, MethodDocker, MethodNone}, caps.Candidates(MethodAuto))
	assert.Equal(t, []Method{MethodDocker, MethodBubblewrap, MethodNone}, caps.Candidates(MethodDocker))
	assert.Equal(t, []Method{MethodBubblewrap, MethodDocker, MethodNone}, caps.Candidates(MethodFirejail))
	assert.Equal(t, []Method{MethodNone, MethodBubblewrap, MethodDocker}, caps.Candidates(MethodNone))
	assert.Equal(t, MethodBubblewrap, caps.Best())
	assert.Equal(t, MethodNone, Capabilities{}.Best())
	assert.Equal(t, []string{"bubblewrap", "docker", "none"}, caps.Methods())
}

func TestParseMethod(t *testing.T) {
	for in, want := range map[string]Method{
		"":          MethodAuto,
		"auto":      MethodAuto,
		"bwrap":     MethodBubblewrap,
		"Firejail":  MethodFirejail,
		"unshare":   MethodNamespace,
		"container": MethodDocker,
		"landlock":  MethodLandlock,
		"off":       MethodNone,
	} {
		got, err := ParseMethod(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMethod("chroot")
	assert.Error(t, err)
}

func TestExecuteFallsBackToNone(t *testing.T) {
	e, _ := newTestExecutor(t)

	res := e.Execute(context.Background(), "echo hello", UseMethod(MethodNamespace))

	assert.False(t, res.Sandboxed)
	assert.Equal(t, MethodNone, res.Method)
	assert.Equal(t, MethodNamespace, res.Requested)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.NotEmpty(t, res.ExecID)
}

func TestExecuteExitCode(t *testing.T) {
	e, _ := newTestExecutor(t)

	res := e.Execute(context.Background(), "echo oops >&2; exit 3")
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.False(t, res.Rejected)
}

func TestExecuteTimeout(t *testing.T) {
	e, _ := newTestExecutor(t)

	start := time.Now()
	res := e.Execute(context.Background(), "sleep 5", UseTimeout(200*time.Millisecond))

	assert.True(t, res.TimedOut)
	assert.True(t, res.Killed)
	assert.Equal(t, 128+9, res.ExitCode)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecuteCallerCancel(t *testing.T) {
	e, _ := newTestExecutor(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	res := e.Execute(ctx, "sleep 5")

	assert.True(t, res.Killed)
	assert.False(t, res.TimedOut)
	assert.NotEqual(t, 0, res.ExitCode)
}

func TestExecuteTruncatesOutput(t *testing.T) {
	e, _ := newTestExecutor(t)

	res := e.Execute(context.Background(), "printf '%0100d' 0", UseMaxOutput(10))
	assert.Len(t, res.Stdout, 10)
	assert.True(t, res.Truncated)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecuteRejectsDangerousCommand(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	var started atomic.Int32
	bus.Subscribe(event.SandboxExecStarted, func(event.Event) { started.Add(1) })
	completed := make(chan event.SandboxExecCompletedData, 1)
	bus.Subscribe(event.SandboxExecCompleted, func(ev event.Event) {
		completed <- ev.Data.(event.SandboxExecCompletedData)
	})

	e, ws := newTestExecutor(t, WithBus(bus))
	marker := filepath.Join(ws, "marker")

	res := e.Execute(context.Background(), "touch "+marker+"; rm -rf /")

	assert.True(t, res.Rejected)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, MethodNone, res.Method)
	assert.Contains(t, res.Reason, "recursive delete")
	assert.NoFileExists(t, marker)

	select {
	case data := <-completed:
		assert.True(t, data.Rejected)
	case <-time.After(2 * time.Second):
		t.Fatal("no completion event")
	}
	assert.Zero(t, started.Load())
}

func TestExecuteRejectsEmptyCommand(t *testing.T) {
	e, _ := newTestExecutor(t)
	res := e.Execute(context.Background(), "   ")
	assert.True(t, res.Rejected)
	assert.Equal(t, 1, res.ExitCode)
}

func TestExecuteEnvironment(t *testing.T) {
	e, ws := newTestExecutor(t)

	res := e.Execute(context.Background(), `printf '%s|%s|%s|%s' "$HOME" "$FOO" "${LD_PRELOAD:-unset}" "$HISTFILE"`,
		UseEnv("FOO", "bar"), UseEnv("LD_PRELOAD", "/tmp/evil.so"))
	require.Equal(t, 0, res.ExitCode, res.Stderr)

	parts := strings.Split(res.Stdout, "|")
	require.Len(t, parts, 4)
	assert.Equal(t, ws, parts[0])
	assert.Equal(t, "bar", parts[1])
	assert.Equal(t, "unset", parts[2])
	assert.Equal(t, os.DevNull, parts[3])
}

func TestExecuteRunsInWorkspace(t *testing.T) {
	e, ws := newTestExecutor(t)
	res := e.Execute(context.Background(), "pwd -P")
	resolved, err := filepath.EvalSymlinks(ws)
	require.NoError(t, err)
	assert.Equal(t, resolved+"\n", res.Stdout)
}

func TestExecuteDryRun(t *testing.T) {
	e, ws := newTestExecutor(t)
	marker := filepath.Join(ws, "marker")

	res := e.Execute(context.Background(), "touch "+marker, UseDryRun(true))

	assert.True(t, res.DryRun)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"/bin/sh", "-c", "touch " + marker}, res.Invocation)
	assert.Contains(t, res.Stdout, "[dry-run]")
	assert.NoFileExists(t, marker)
}

func TestCapabilitiesProbedOnce(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	prober := func(ctx context.Context) Capabilities {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return noTools(ctx)
	}

	bus := event.NewBus()
	defer bus.Close()
	var probed atomic.Int32
	bus.Subscribe(event.SandboxProbed, func(event.Event) { probed.Add(1) })

	e := New(DefaultConfig(), WithProber(prober), WithBus(bus))
	ctx := context.Background()
	e.Capabilities(ctx)
	e.Capabilities(ctx)
	assert.Equal(t, 1, calls)

	e.Reprobe(ctx)
	assert.Equal(t, 2, calls)
	assert.Eventually(t, func() bool { return probed.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestLimitedBuffer(t *testing.T) {
	b := newLimitedBuffer(5)
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, _ = b.Write([]byte("defg"))
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcde", b.String())
	assert.True(t, b.Truncated())
}

func TestCommandEnvDropsInjectionVars(t *testing.T) {
	t.Setenv("BASH_ENV", "/tmp/x")
	t.Setenv("DYLD_INSERT_LIBRARIES", "/tmp/y")
	cfg := DefaultConfig()
	cfg.WorkspaceRoot = "/work"

	env := strings.Join(commandEnv(cfg), "\n")
	assert.NotContains(t, env, "BASH_ENV=")
	assert.NotContains(t, env, "DYLD_INSERT_LIBRARIES=")
	assert.Contains(t, env, "HOME=/work")
	assert.Contains(t, env, "HISTSIZE=0")
}
