package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"mvdan.cc/sh/v3/syntax"

	"github.com/phuetz/code-buddy-sub007/internal/event"
)

var (
	// ErrSessionNotFound is returned for an unknown or closed session id.
	ErrSessionNotFound = errors.New("sandbox session not found")
	// ErrOutsideWorkspace is returned when cd would leave the workspace root.
	ErrOutsideWorkspace = errors.New("directory is outside the workspace")
)

// HistoryEntry is one command run in a session.
type HistoryEntry struct {
	Command  string    `json:"command"`
	Cwd      string    `json:"cwd"`
	ExitCode int       `json:"exitCode"`
	At       time.Time `json:"at"`
}

// Session is a long-lived terminal whose working directory persists across
// commands and never leaves Config.WorkspaceRoot.
type Session struct {
	ID        string    `json:"id"`
	Config    Config    `json:"config"`
	StartedAt time.Time `json:"startedAt"`

	mu      sync.Mutex
	cwd     string
	prevCwd string
	history []HistoryEntry
	procs   map[int]struct{}
}

// Cwd returns the current working directory.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// History returns a copy of the commands run so far.
func (s *Session) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryEntry(nil), s.history...)
}

// ChangeDir moves the session to target, resolved against the current
// directory. "~" and an empty target mean the workspace root and "-" the
// previous directory. Symlinks are resolved before the containment check.
// On error the working directory is unchanged.
func (s *Session) ChangeDir(target string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := s.Config.WorkspaceRoot
	var candidate string
	switch {
	case target == "" || target == "~":
		candidate = root
	case target == "-":
		if s.prevCwd == "" {
			return s.cwd, errors.New("cd: OLDPWD not set")
		}
		candidate = s.prevCwd
	case strings.HasPrefix(target, "~/"):
		candidate = filepath.Join(root, target[2:])
	case filepath.IsAbs(target):
		candidate = filepath.Clean(target)
	default:
		candidate = filepath.Join(s.cwd, target)
	}

	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if !within(root, candidate) {
			return s.cwd, fmt.Errorf("cd %s: %w", target, ErrOutsideWorkspace)
		}
		return s.cwd, fmt.Errorf("cd %s: no such directory", target)
	}
	if !within(root, resolved) {
		return s.cwd, fmt.Errorf("cd %s: %w", target, ErrOutsideWorkspace)
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return s.cwd, fmt.Errorf("cd %s: not a directory", target)
	}

	s.prevCwd, s.cwd = s.cwd, resolved
	return s.cwd, nil
}

func (s *Session) record(command, cwd string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, HistoryEntry{Command: command, Cwd: cwd, ExitCode: code, At: time.Now()})
}

func (s *Session) track(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[pid] = struct{}{}
}

func (s *Session) untrack(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, pid)
}

func (s *Session) data() event.SandboxSessionData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return event.SandboxSessionData{
		SessionID:     s.ID,
		WorkspaceRoot: s.Config.WorkspaceRoot,
		Cwd:           s.cwd,
		Commands:      len(s.history),
	}
}

// CreateSession starts a session from the base configuration plus overrides.
// The workspace root must be an existing directory.
func (e *Executor) CreateSession(overrides ...Override) (*Session, error) {
	cfg := e.cfg.Clone()
	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	root, err := filepath.EvalSymlinks(cfg.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", root)
	}
	cfg.WorkspaceRoot = root

	s := &Session{
		ID:        ulid.Make().String(),
		Config:    cfg,
		StartedAt: time.Now(),
		cwd:       root,
		procs:     make(map[int]struct{}),
	}
	e.mu.Lock()
	e.sessions[s.ID] = s
	e.mu.Unlock()

	e.log.Info().Str("sessionId", s.ID).Str("workspace", root).Msg("sandbox session created")
	e.bus.Publish(event.Event{Type: event.SandboxSessionCreated, Data: s.data()})
	return s, nil
}

// Session returns an open session.
func (e *Executor) Session(id string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	return s, ok
}

// ListSessions returns the open sessions, oldest first.
func (e *Executor) ListSessions() []*Session {
	e.mu.Lock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExecuteInSession runs command from the session's working directory. A
// plain "cd" is interpreted in process and changes the working directory
// without spawning anything. The error is only for an unknown session.
func (e *Executor) ExecuteInSession(ctx context.Context, id, command string) (Result, error) {
	s, ok := e.Session(id)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	if target, isCd := parseCd(command); isCd {
		res := Result{
			ExecID:    ulid.Make().String(),
			SessionID: s.ID,
			Command:   command,
			Method:    MethodNone,
			Requested: s.Config.Method,
		}
		cwd, err := s.ChangeDir(target)
		res.Cwd = cwd
		if err != nil {
			res.ExitCode = 1
			res.Stderr = err.Error() + "\n"
			res.Reason = err.Error()
			e.log.Info().Str("sessionId", s.ID).Str("target", target).Err(err).Msg("cd rejected")
		}
		s.record(command, cwd, res.ExitCode)
		return res, nil
	}

	cwd := s.Cwd()
	res := e.execute(ctx, s.Config.Clone(), command, cwd, s)
	s.record(command, cwd, res.ExitCode)
	return res, nil
}

// CloseSession removes a session and sends SIGTERM to any process group it
// still owns. Executions in flight still return their results.
func (e *Executor) CloseSession(id string) error {
	e.mu.Lock()
	s, ok := e.sessions[id]
	delete(e.sessions, id)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	s.mu.Lock()
	pids := make([]int, 0, len(s.procs))
	for pid := range s.procs {
		pids = append(pids, pid)
	}
	s.mu.Unlock()
	for _, pid := range pids {
		if err := terminateProcessGroup(pid); err != nil {
			e.log.Debug().Err(err).Int("pid", pid).Msg("terminate session process")
		}
	}

	e.log.Info().Str("sessionId", id).Int("terminated", len(pids)).Msg("sandbox session closed")
	e.bus.Publish(event.Event{Type: event.SandboxSessionClosed, Data: s.data()})
	return nil
}

// CloseAll closes every open session.
func (e *Executor) CloseAll() {
	for _, s := range e.ListSessions() {
		_ = e.CloseSession(s.ID)
	}
}

// parseCd recognizes a lone "cd [dir]" with a literal argument. Anything
// else, including cd in a list or with expansions, runs in the shell.
func parseCd(command string) (string, bool) {
	f, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(command), "")
	if err != nil || len(f.Stmts) != 1 {
		return "", false
	}
	st := f.Stmts[0]
	if st.Negated || st.Background || st.Coprocess || len(st.Redirs) > 0 {
		return "", false
	}
	call, ok := st.Cmd.(*syntax.CallExpr)
	if !ok || len(call.Assigns) > 0 || len(call.Args) == 0 || len(call.Args) > 2 {
		return "", false
	}
	if call.Args[0].Lit() != "cd" {
		return "", false
	}
	if len(call.Args) == 1 {
		return "", true
	}
	return literal(call.Args[1])
}

// literal returns the text of a word made only of literals and quotes.
func literal(w *syntax.Word) (string, bool) {
	var sb strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return "", false
				}
				sb.WriteString(lit.Value)
			}
		default:
			return "", false
		}
	}
	return sb.String(), true
}
