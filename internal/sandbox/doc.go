// Package sandbox runs shell commands under OS isolation.
//
// An Executor probes the host once for firejail, bubblewrap, unshare, docker
// and Landlock, then for each command:
//
//	validate -> select method -> build invocation -> spawn -> wait -> collect
//
// Validation refuses destructive patterns and blocked paths before anything
// is spawned. Selection takes the requested method when it is installed and
// otherwise falls back in Preference order down to MethodNone, which runs
// the shell directly. The method that actually ran is always reported in
// Result.Method and Result.Sandboxed.
//
// Output is captured up to MaxOutputSize bytes per stream. On timeout the
// whole process group is killed and the Result has TimedOut set.
//
// Sessions keep a working directory between commands. A lone "cd" is
// interpreted in process and may never leave the workspace root.
package sandbox
