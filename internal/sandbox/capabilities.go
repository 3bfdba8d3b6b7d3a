package sandbox

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// probeTimeout bounds each version command.
const probeTimeout = 5 * time.Second

// probeBinaries maps each method to the binary whose version command proves
// it is installed.
var probeBinaries = map[Method]string{
	MethodFirejail:   "firejail",
	MethodBubblewrap: "bwrap",
	MethodNamespace:  "unshare",
	MethodDocker:     "docker",
}

// Capabilities records which isolation methods work on this host.
type Capabilities struct {
	Available   map[Method]bool   `json:"available"`
	Versions    map[Method]string `json:"versions,omitempty"`
	Paths       map[Method]string `json:"paths,omitempty"`
	SystemdRun  bool              `json:"systemdRun"`
	LandlockABI int               `json:"landlockABI"`
	ProbedAt    time.Time         `json:"probedAt"`
}

// Prober detects capabilities. Tests substitute their own.
type Prober func(ctx context.Context) Capabilities

// Has reports whether m can be used. MethodNone always can.
func (c Capabilities) Has(m Method) bool {
	return m == MethodNone || c.Available[m]
}

// Best returns the strongest available method.
func (c Capabilities) Best() Method {
	for _, m := range Preference {
		if c.Has(m) {
			return m
		}
	}
	return MethodNone
}

// Candidates lists the methods to try for a request, in order: the requested
// method when available, then every other available method strongest first,
// ending with MethodNone.
func (c Capabilities) Candidates(requested Method) []Method {
	var out []Method
	if requested != MethodAuto && requested != "" && c.Has(requested) {
		out = append(out, requested)
	}
	for _, m := range Preference {
		if m != requested && c.Has(m) {
			out = append(out, m)
		}
	}
	return out
}

// Select returns the method a request resolves to.
func (c Capabilities) Select(requested Method) Method {
	return c.Candidates(requested)[0]
}

// Methods returns the available methods in preference order.
func (c Capabilities) Methods() []string {
	var out []string
	for _, m := range Preference {
		if c.Has(m) {
			out = append(out, string(m))
		}
	}
	return out
}

// availableMap is the event payload form of Available.
func (c Capabilities) availableMap() map[string]bool {
	out := make(map[string]bool, len(Preference))
	for _, m := range Preference {
		out[string(m)] = c.Has(m)
	}
	return out
}

// SystemProber probes the host. landlockHelper enables the landlock method
// when the kernel supports it.
func SystemProber(landlockHelper string) Prober {
	return func(ctx context.Context) Capabilities {
		return ProbeSystem(ctx, landlockHelper)
	}
}

// ProbeSystem runs each candidate's version command and records which ones
// succeed.
func ProbeSystem(ctx context.Context, landlockHelper string) Capabilities {
	caps := Capabilities{
		Available: make(map[Method]bool),
		Versions:  make(map[Method]string),
		Paths:     make(map[Method]string),
		ProbedAt:  time.Now(),
	}

	methods := make([]Method, 0, len(probeBinaries))
	for m := range probeBinaries {
		methods = append(methods, m)
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i] < methods[j] })

	userns := userNamespacesEnabled()
	for _, m := range methods {
		if (m == MethodBubblewrap || m == MethodNamespace) && !userns {
			continue
		}
		path, version, ok := probeBinary(ctx, probeBinaries[m])
		if !ok {
			continue
		}
		caps.Available[m] = true
		caps.Paths[m] = path
		caps.Versions[m] = version
	}

	caps.LandlockABI = LandlockABI()
	if landlockHelper != "" && caps.LandlockABI > 0 {
		if _, err := os.Stat(landlockHelper); err == nil {
			caps.Available[MethodLandlock] = true
			caps.Paths[MethodLandlock] = landlockHelper
		}
	}

	caps.SystemdRun = systemdScopesWork(ctx)
	return caps
}

func probeBinary(ctx context.Context, name string) (path, version string, ok bool) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", "", false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return "", "", false
	}
	version, _, _ = strings.Cut(strings.TrimSpace(string(out)), "\n")
	return path, version, true
}

// userNamespacesEnabled checks the Debian-style sysctl. A missing file
// usually means unprivileged user namespaces are allowed.
func userNamespacesEnabled() bool {
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err != nil {
		return true
	}
	return strings.TrimSpace(string(data)) != "0"
}

// systemdScopesWork reports whether transient user scopes can be created.
func systemdScopesWork(ctx context.Context) bool {
	path, err := exec.LookPath("systemd-run")
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return exec.CommandContext(ctx, path, "--user", "--scope", "--quiet", "--", "true").Run() == nil
}
