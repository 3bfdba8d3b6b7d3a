package testutil

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/phuetz/code-buddy-sub007/internal/config"
	"github.com/phuetz/code-buddy-sub007/internal/guard"
	"github.com/phuetz/code-buddy-sub007/internal/sandbox"
)

// NoIsolation is a prober for a host with no sandboxing tool installed.
func NoIsolation(context.Context) sandbox.Capabilities {
	return sandbox.Capabilities{Available: map[sandbox.Method]bool{}}
}

// Harness is a guard over a temporary config directory and workspace.
type Harness struct {
	Guard     *guard.Guard
	ConfigDir *TempDir
	Workspace *TempDir
	Events    *EventRecorder
}

// HarnessOption adjusts the guard options before construction.
type HarnessOption func(*guard.Options)

// WithEnv sets the environment overrides.
func WithEnv(env config.EnvOverrides) HarnessOption {
	return func(o *guard.Options) { o.Env = &env }
}

// WithRequireIsolation refuses commands when no isolation method exists.
func WithRequireIsolation() HarnessOption {
	return func(o *guard.Options) { o.RequireIsolation = true }
}

// StartGuard creates the directories and a guard over them. Documents
// written to ConfigDir before calling Reload are picked up.
func StartGuard(docs map[string]any, opts ...HarnessOption) (*Harness, error) {
	cfgDir, err := NewTempDir()
	if err != nil {
		return nil, err
	}
	ws, err := NewTempDir()
	if err != nil {
		cfgDir.Cleanup()
		return nil, err
	}
	h := &Harness{ConfigDir: cfgDir, Workspace: ws}
	for name, doc := range docs {
		if _, err := cfgDir.WriteJSON(name, doc); err != nil {
			h.Stop()
			return nil, err
		}
	}

	sb := sandbox.DefaultConfig()
	sb.WorkspaceRoot = ws.Path
	sb.Shell = "/bin/sh"
	o := guard.Options{
		ConfigDir: cfgDir.Path,
		Env:       &config.EnvOverrides{},
		Sandbox:   sb,
		Prober:    NoIsolation,
		Registry:  prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	h.Guard, err = guard.New(o)
	if err != nil {
		h.Stop()
		return nil, err
	}
	h.Events = RecordEvents(h.Guard.Bus)
	return h, nil
}

// Stop closes the guard and removes the directories.
func (h *Harness) Stop() {
	if h.Events != nil {
		h.Events.Stop()
	}
	if h.Guard != nil {
		h.Guard.Close()
	}
	h.Workspace.Cleanup()
	h.ConfigDir.Cleanup()
}
