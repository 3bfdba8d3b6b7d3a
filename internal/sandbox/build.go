package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"mvdan.cc/sh/v3/syntax"
)

// invocation is a fully assembled command line for one mechanism.
type invocation struct {
	argv []string
	// onKill runs when the execution is cancelled, after the process group
	// is signalled. Docker uses it to remove the container.
	onKill func()
}

// buildContext carries everything a builder needs.
type buildContext struct {
	cfg     Config
	caps    Capabilities
	command string
	workdir string
	execID  string
}

type builder func(bc buildContext) (invocation, error)

var builders = map[Method]builder{
	MethodNone:       buildNone,
	MethodFirejail:   buildFirejail,
	MethodBubblewrap: buildBubblewrap,
	MethodNamespace:  buildNamespace,
	MethodDocker:     buildDocker,
	MethodLandlock:   buildLandlock,
}

// build assembles the invocation of command under method.
func build(method Method, bc buildContext) (invocation, error) {
	b, ok := builders[method]
	if !ok {
		return invocation{}, fmt.Errorf("no builder for method %q", method)
	}
	return b(bc)
}

// binary returns the probed path of a method's tool, or its bare name.
func (bc buildContext) binary(m Method) string {
	if p := bc.caps.Paths[m]; p != "" {
		return p
	}
	return probeBinaries[m]
}

// script is the text given to the shell. Without systemd scopes, a memory
// ceiling becomes a ulimit prefix for the mechanisms that have no flag of
// their own.
func (bc buildContext) script(method Method) string {
	if bc.cfg.MemoryMB <= 0 || bc.caps.SystemdRun {
		return bc.command
	}
	switch method {
	case MethodBubblewrap, MethodNamespace, MethodLandlock:
		return fmt.Sprintf("ulimit -v %d 2>/dev/null; %s", bc.cfg.MemoryMB*1024, bc.command)
	}
	return bc.command
}

// shellArgv runs script with the configured shell.
func (bc buildContext) shellArgv(script string) []string {
	return []string{bc.cfg.Shell, "-c", script}
}

func buildNone(bc buildContext) (invocation, error) {
	return invocation{argv: bc.shellArgv(bc.command)}, nil
}

func buildFirejail(bc buildContext) (invocation, error) {
	cfg := bc.cfg
	args := []string{bc.binary(MethodFirejail),
		"--quiet",
		"--noprofile",
		"--nonewprivs",
		"--caps.drop=all",
		"--seccomp",
	}
	if !cfg.Network {
		args = append(args, "--net=none")
	}
	for _, p := range existing(cfg.ReadOnlyPaths) {
		args = append(args, "--read-only="+p)
	}
	if home, err := os.UserHomeDir(); err == nil && within(home, cfg.WorkspaceRoot) && home != cfg.WorkspaceRoot {
		args = append(args, "--read-only="+home)
	}
	args = append(args, "--read-write="+cfg.WorkspaceRoot)
	for _, p := range existing(cfg.WritablePaths) {
		args = append(args, "--read-write="+p)
	}
	for _, p := range existing(cfg.BlockedPaths) {
		args = append(args, "--blacklist="+p)
	}
	if cfg.MemoryMB > 0 {
		args = append(args, fmt.Sprintf("--rlimit-as=%d", int64(cfg.MemoryMB)*1024*1024))
	}
	if cfg.MaxProcesses > 0 {
		args = append(args, fmt.Sprintf("--rlimit-nproc=%d", cfg.MaxProcesses))
	}
	args = append(args, "--timeout="+clock(cfg.Timeout()))
	args = append(args, "--")
	args = append(args, bc.shellArgv(bc.command)...)
	return invocation{argv: wrapSystemd(bc, MethodFirejail, args)}, nil
}

func buildBubblewrap(bc buildContext) (invocation, error) {
	cfg := bc.cfg
	args := []string{bc.binary(MethodBubblewrap), "--unshare-all"}
	if cfg.Network {
		args = append(args, "--share-net")
	}
	args = append(args, "--die-with-parent", "--new-session")

	mounts := []string{cfg.WorkspaceRoot}
	for _, p := range cfg.ReadOnlyPaths {
		p = expandHome(p)
		args = append(args, "--ro-bind-try", p, p)
		mounts = append(mounts, p)
	}
	args = append(args, "--proc", "/proc", "--dev", "/dev", "--tmpfs", "/tmp")
	args = append(args, "--bind", cfg.WorkspaceRoot, cfg.WorkspaceRoot)
	for _, p := range cfg.WritablePaths {
		p = expandHome(p)
		args = append(args, "--bind-try", p, p)
		mounts = append(mounts, p)
	}
	for _, d := range denials(cfg.BlockedPaths, mounts) {
		if d.dir {
			args = append(args, "--tmpfs", d.path)
		} else {
			args = append(args, "--ro-bind", os.DevNull, d.path)
		}
	}
	args = append(args, "--chdir", bc.workdir, "--")
	args = append(args, bc.shellArgv(bc.script(MethodBubblewrap))...)
	return invocation{argv: wrapSystemd(bc, MethodBubblewrap, args)}, nil
}

func buildNamespace(bc buildContext) (invocation, error) {
	cfg := bc.cfg
	args := []string{bc.binary(MethodNamespace),
		"--user", "--map-root-user",
		"--fork", "--pid", "--mount-proc",
		"--mount", "--ipc", "--uts",
	}
	if !cfg.Network {
		args = append(args, "--net")
	}
	args = append(args, "--")

	// Inside the new mount namespace, blocked paths are hidden before the
	// command runs. Failures are ignored so a missing mount binary does not
	// prevent execution.
	var prelude strings.Builder
	for _, d := range denials(cfg.BlockedPaths, nil) {
		q, err := quote(d.path)
		if err != nil {
			return invocation{}, err
		}
		if d.dir {
			fmt.Fprintf(&prelude, "mount -t tmpfs none %s 2>/dev/null; ", q)
		} else {
			fmt.Fprintf(&prelude, "mount --bind /dev/null %s 2>/dev/null; ", q)
		}
	}
	args = append(args, bc.shellArgv(prelude.String()+bc.script(MethodNamespace))...)
	return invocation{argv: wrapSystemd(bc, MethodNamespace, args)}, nil
}

func buildDocker(bc buildContext) (invocation, error) {
	cfg := bc.cfg
	docker := bc.binary(MethodDocker)
	name := "codebuddy-" + strings.ToLower(bc.execID)

	args := []string{docker, "run", "--rm", "-i", "--name", name}
	if !cfg.Network {
		args = append(args, "--network", "none")
	}
	if cfg.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", cfg.MemoryMB))
	}
	if cfg.CPUPercent > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(float64(cfg.CPUPercent)/100, 'f', 2, 64))
	}
	if cfg.MaxProcesses > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(cfg.MaxProcesses))
	}
	args = append(args, "--security-opt", "no-new-privileges", "--cap-drop", "ALL")
	if uid, gid := os.Getuid(), os.Getgid(); uid >= 0 && gid >= 0 {
		args = append(args, "--user", fmt.Sprintf("%d:%d", uid, gid))
	}

	mounts := []string{cfg.WorkspaceRoot}
	args = append(args, "-v", cfg.WorkspaceRoot+":"+cfg.WorkspaceRoot)
	for _, p := range existing(cfg.WritablePaths) {
		args = append(args, "-v", p+":"+p)
		mounts = append(mounts, p)
	}
	for _, d := range denials(cfg.BlockedPaths, mounts) {
		if d.dir {
			args = append(args, "--tmpfs", d.path)
		} else {
			args = append(args, "-v", os.DevNull+":"+d.path+":ro")
		}
	}
	args = append(args, "-w", bc.workdir)

	env := map[string]string{
		"HOME":     cfg.WorkspaceRoot,
		"HISTFILE": os.DevNull,
		"HISTSIZE": "0",
	}
	for k, v := range cfg.Env {
		if !injectionVar(k) {
			env[k] = v
		}
	}
	for _, k := range sortedKeys(env) {
		args = append(args, "-e", k+"="+env[k])
	}

	args = append(args, cfg.DockerImage, "sh", "-c", bc.command)
	return invocation{
		argv: args,
		onKill: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = exec.CommandContext(ctx, docker, "kill", name).Run()
		},
	}, nil
}

func buildLandlock(bc buildContext) (invocation, error) {
	cfg := bc.cfg
	if cfg.LandlockHelper == "" {
		return invocation{}, fmt.Errorf("landlock helper not configured")
	}
	args := []string{cfg.LandlockHelper, LandlockSubcommand}
	for _, p := range append([]string{cfg.WorkspaceRoot, "/tmp", os.DevNull}, cfg.WritablePaths...) {
		args = append(args, "--rw", expandHome(p))
	}
	for _, p := range append(append([]string(nil), cfg.ReadOnlyPaths...), "/proc", "/dev") {
		args = append(args, "--ro", expandHome(p))
	}
	if !cfg.Network {
		args = append(args, "--no-network")
	}
	args = append(args, "--")
	args = append(args, bc.shellArgv(bc.script(MethodLandlock))...)
	return invocation{argv: wrapSystemd(bc, MethodLandlock, args)}, nil
}

// wrapSystemd runs argv in a transient systemd scope carrying the resource
// ceilings, when scopes work and a ceiling is set. Docker applies its own.
func wrapSystemd(bc buildContext, method Method, argv []string) []string {
	cfg := bc.cfg
	if !bc.caps.SystemdRun || method == MethodDocker {
		return argv
	}
	if cfg.MemoryMB <= 0 && cfg.CPUPercent <= 0 && cfg.MaxProcesses <= 0 {
		return argv
	}
	args := []string{"systemd-run", "--user", "--scope", "--quiet", "--collect",
		"--unit=codebuddy-" + strings.ToLower(bc.execID)}
	if cfg.MemoryMB > 0 {
		args = append(args, fmt.Sprintf("--property=MemoryMax=%dM", cfg.MemoryMB))
	}
	if cfg.CPUPercent > 0 {
		args = append(args, fmt.Sprintf("--property=CPUQuota=%d%%", cfg.CPUPercent))
	}
	if cfg.MaxProcesses > 0 {
		args = append(args, fmt.Sprintf("--property=TasksMax=%d", cfg.MaxProcesses))
	}
	args = append(args, "--")
	return append(args, argv...)
}

// denial is a blocked path to mask inside the sandbox.
type denial struct {
	path string
	dir  bool
}

// denials returns the blocked paths that exist. When mounts is non-nil only
// paths visible through one of the mounts are returned.
func denials(blocked, mounts []string) []denial {
	var out []denial
	for _, p := range blocked {
		p = filepath.Clean(expandHome(strings.TrimSpace(p)))
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if mounts != nil && !withinAny(mounts, p) {
			continue
		}
		out = append(out, denial{path: p, dir: info.IsDir()})
	}
	return out
}

// existing expands and keeps the paths that exist.
func existing(paths []string) []string {
	var out []string
	for _, p := range paths {
		p = expandHome(strings.TrimSpace(p))
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func withinAny(roots []string, p string) bool {
	for _, r := range roots {
		if within(expandHome(r), p) {
			return true
		}
	}
	return false
}

// within reports whether p is root or below it.
func within(root, p string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// quote makes s safe to embed in a shell script.
func quote(s string) (string, error) {
	return syntax.Quote(s, syntax.LangBash)
}

// clock formats d as hh:mm:ss.
func clock(d time.Duration) string {
	s := int(d.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, s/60%60, s%60)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
