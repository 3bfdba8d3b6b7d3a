package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Method is an isolation mechanism.
type Method string

const (
	MethodAuto       Method = "auto"
	MethodFirejail   Method = "firejail"
	MethodBubblewrap Method = "bubblewrap"
	MethodNamespace  Method = "namespace"
	MethodDocker     Method = "docker"
	MethodLandlock   Method = "landlock"
	MethodNone       Method = "none"
)

// Preference is the fallback order, strongest isolation first. MethodNone
// is always last and always available.
var Preference = []Method{
	MethodFirejail,
	MethodBubblewrap,
	MethodNamespace,
	MethodDocker,
	MethodLandlock,
	MethodNone,
}

// ParseMethod accepts a method name or one of its aliases. The empty string is auto.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return MethodAuto, nil
	case "firejail":
		return MethodFirejail, nil
	case "bubblewrap", "bwrap":
		return MethodBubblewrap, nil
	case "namespace", "namespaces", "unshare":
		return MethodNamespace, nil
	case "docker", "container":
		return MethodDocker, nil
	case "landlock":
		return MethodLandlock, nil
	case "none", "off":
		return MethodNone, nil
	}
	return "", fmt.Errorf("unknown sandbox method %q", s)
}

// Config describes how commands are isolated and limited. Zero limits disable
// the corresponding ceiling, except TimeoutMs and MaxOutputSize which fall
// back to their defaults.
type Config struct {
	Method        Method            `json:"method"`
	Network       bool              `json:"network"`
	WorkspaceRoot string            `json:"workspaceRoot"`
	ReadOnlyPaths []string          `json:"readOnlyPaths"`
	BlockedPaths  []string          `json:"blockedPaths"`
	WritablePaths []string          `json:"writablePaths"`
	MemoryMB      int               `json:"memoryMB"`
	CPUPercent    int               `json:"cpuPercent"`
	MaxProcesses  int               `json:"maxProcesses"`
	TimeoutMs     int               `json:"timeoutMs"`
	MaxOutputSize int               `json:"maxOutputSize"`
	Shell         string            `json:"shell"`
	Env           map[string]string `json:"env,omitempty"`
	DockerImage   string            `json:"dockerImage"`
	DryRun        bool              `json:"dryRun"`

	// LandlockHelper is the executable re-run with "landlock-exec" to apply
	// Landlock rules before exec. Empty disables the landlock method.
	LandlockHelper string `json:"landlockHelper,omitempty"`
}

const (
	DefaultTimeout       = 30 * time.Second
	DefaultMaxOutputSize = 1 << 20
	DefaultDockerImage   = "alpine:3.20"
)

// DefaultConfig returns the built-in executor configuration. The workspace
// root defaults to the working directory at execution time.
func DefaultConfig() Config {
	return Config{
		Method:        MethodAuto,
		ReadOnlyPaths: []string{"/usr", "/bin", "/sbin", "/lib", "/lib64", "/etc"},
		BlockedPaths:  []string{"~/.ssh", "~/.aws", "~/.gnupg", "~/.kube", "/etc/shadow", "/etc/sudoers"},
		MemoryMB:      512,
		CPUPercent:    100,
		MaxProcesses:  128,
		TimeoutMs:     int(DefaultTimeout / time.Millisecond),
		MaxOutputSize: DefaultMaxOutputSize,
		DockerImage:   DefaultDockerImage,
	}
}

// Timeout returns the wall-clock limit.
func (c Config) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	out.ReadOnlyPaths = append([]string(nil), c.ReadOnlyPaths...)
	out.BlockedPaths = append([]string(nil), c.BlockedPaths...)
	out.WritablePaths = append([]string(nil), c.WritablePaths...)
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	return out
}

// normalize fills defaults and makes the workspace root absolute.
func (c *Config) normalize() error {
	if c.Method == "" {
		c.Method = MethodAuto
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = int(DefaultTimeout / time.Millisecond)
	}
	if c.MaxOutputSize <= 0 {
		c.MaxOutputSize = DefaultMaxOutputSize
	}
	if c.Shell == "" {
		c.Shell = detectShell()
	}
	if c.DockerImage == "" {
		c.DockerImage = DefaultDockerImage
	}
	root := c.WorkspaceRoot
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("workspace root: %w", err)
		}
		root = wd
	}
	abs, err := filepath.Abs(expandHome(root))
	if err != nil {
		return fmt.Errorf("workspace root: %w", err)
	}
	c.WorkspaceRoot = abs
	return nil
}

// Override adjusts the configuration of a single execution or session.
type Override func(*Config)

// UseMethod requests an isolation method.
func UseMethod(m Method) Override {
	return func(c *Config) { c.Method = m }
}

// UseNetwork enables or disables network access.
func UseNetwork(enabled bool) Override {
	return func(c *Config) { c.Network = enabled }
}

// UseWorkspace sets the workspace root.
func UseWorkspace(dir string) Override {
	return func(c *Config) { c.WorkspaceRoot = dir }
}

// UseTimeout sets the wall-clock limit.
func UseTimeout(d time.Duration) Override {
	return func(c *Config) { c.TimeoutMs = int(d / time.Millisecond) }
}

// UseMaxOutput caps captured bytes per stream.
func UseMaxOutput(n int) Override {
	return func(c *Config) { c.MaxOutputSize = n }
}

// UseEnv sets an environment variable for the command.
func UseEnv(key, value string) Override {
	return func(c *Config) {
		if c.Env == nil {
			c.Env = make(map[string]string)
		}
		c.Env[key] = value
	}
}

// UseDryRun builds the invocation without running it.
func UseDryRun(enabled bool) Override {
	return func(c *Config) { c.DryRun = enabled }
}

// UseShell sets the shell used to interpret commands.
func UseShell(path string) Override {
	return func(c *Config) { c.Shell = path }
}

// detectShell prefers bash and falls back to /bin/sh.
func detectShell() string {
	if bash, err := exec.LookPath("bash"); err == nil {
		return bash
	}
	return "/bin/sh"
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
