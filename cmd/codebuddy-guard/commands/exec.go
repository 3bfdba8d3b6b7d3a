package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/phuetz/code-buddy-sub007/internal/guard"
	"github.com/phuetz/code-buddy-sub007/internal/sandbox"
)

var (
	execMethod           string
	execNetwork          bool
	execTimeout          time.Duration
	execDryRun           bool
	execYes              bool
	execRequireIsolation bool
	execAgent            string
	execJSON             bool
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- <command...>",
	Short: "Authorize and run a shell command in the sandbox",
	Long: `Authorize a shell command and run it under the strongest isolation method
available. The command's exit status becomes the exit status of exec.

Examples:
  codebuddy-guard exec -- ls -la
  codebuddy-guard exec --method bubblewrap --timeout 5s -- make test
  codebuddy-guard exec --dry-run -- rm -rf build`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVarP(&execMethod, "method", "m", "", "Isolation method (auto|firejail|bubblewrap|namespace|docker|landlock|none)")
	execCmd.Flags().BoolVar(&execNetwork, "network", false, "Allow network access")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "Command timeout")
	execCmd.Flags().BoolVar(&execDryRun, "dry-run", false, "Print the sandboxed invocation without running it")
	execCmd.Flags().BoolVarP(&execYes, "yes", "y", false, "Treat confirmation prompts as accepted")
	execCmd.Flags().BoolVar(&execRequireIsolation, "require-isolation", false, "Refuse to run without an isolation method")
	execCmd.Flags().StringVar(&execAgent, "agent", "", "Agent id used for policy resolution")
	execCmd.Flags().BoolVar(&execJSON, "json", false, "Print the full outcome as JSON")
}

func runExec(cmd *cobra.Command, args []string) error {
	overrides := []sandbox.Override{sandbox.UseNetwork(execNetwork)}
	if execMethod != "" {
		m, err := sandbox.ParseMethod(execMethod)
		if err != nil {
			return err
		}
		overrides = append(overrides, sandbox.UseMethod(m))
	}
	if execTimeout > 0 {
		overrides = append(overrides, sandbox.UseTimeout(execTimeout))
	}
	if execDryRun {
		overrides = append(overrides, sandbox.UseDryRun(true))
	}

	g, err := newGuard(guard.Options{RequireIsolation: execRequireIsolation})
	if err != nil {
		return err
	}
	defer g.Close()

	out, err := g.RunCommand(cmd.Context(), guard.CommandRequest{
		Command:   strings.Join(args, " "),
		AgentID:   execAgent,
		Confirmed: execYes,
		Overrides: overrides,
	})
	if err != nil {
		return err
	}
	if execJSON {
		if err := printJSON(cmd, out); err != nil {
			return err
		}
	}
	return report(cmd, out, !execJSON)
}

// report prints a command outcome and maps it to an exit status.
func report(cmd *cobra.Command, out guard.CommandOutcome, streams bool) error {
	if !out.Ran() {
		hint := ""
		if out.Verdict.NeedsConfirmation() {
			hint = " (re-run with --yes to accept)"
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s%s\n", out.Verdict.Action, out.Verdict.Reason, hint)
		return &ExitError{Code: 126}
	}
	res := out.Result
	if streams {
		fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
		fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
		if res.Truncated {
			fmt.Fprintln(cmd.ErrOrStderr(), "[output truncated]")
		}
		if res.TimedOut {
			fmt.Fprintf(cmd.ErrOrStderr(), "[timed out after %s]\n", res.Duration.Round(time.Millisecond))
		}
	}
	if res.ExitCode != 0 {
		return &ExitError{Code: res.ExitCode}
	}
	return nil
}
