package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/phuetz/code-buddy-sub007/internal/guard"
	"github.com/phuetz/code-buddy-sub007/internal/logging"
	"github.com/phuetz/code-buddy-sub007/internal/sandbox"
)

var (
	shellMethod      string
	shellNetwork     bool
	shellAgent       string
	shellMetricsAddr string
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive sandboxed session",
	Long: `Start a session whose working directory persists between commands and
never leaves the workspace. Every line is authorized before it runs; lines
that need confirmation prompt for it.

Built-ins: history, exit.`,
	RunE: runShell,
}

func init() {
	shellCmd.Flags().StringVarP(&shellMethod, "method", "m", "", "Isolation method")
	shellCmd.Flags().BoolVar(&shellNetwork, "network", false, "Allow network access")
	shellCmd.Flags().StringVar(&shellAgent, "agent", "", "Agent id used for policy resolution")
	shellCmd.Flags().StringVar(&shellMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
}

func runShell(cmd *cobra.Command, args []string) error {
	overrides := []sandbox.Override{sandbox.UseNetwork(shellNetwork)}
	if shellMethod != "" {
		m, err := sandbox.ParseMethod(shellMethod)
		if err != nil {
			return err
		}
		overrides = append(overrides, sandbox.UseMethod(m))
	}

	g, err := newGuard(guard.Options{Watch: true})
	if err != nil {
		return err
	}
	defer g.Close()

	if shellMetricsAddr != "" {
		srv := &http.Server{Addr: shellMetricsAddr, Handler: g.Metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log := logging.Component("cli")
				log.Error().Err(err).Str("addr", shellMetricsAddr).Msg("metrics server failed")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	s, err := g.OpenSession(overrides...)
	if err != nil {
		return err
	}
	defer g.Executor.CloseSession(s.ID)

	method := g.Executor.Capabilities(cmd.Context()).Select(s.Config.Method)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session %s (%s) in %s\n", s.ID, method, s.Cwd())

	in := bufio.NewReader(cmd.InOrStdin())
	for {
		fmt.Fprintf(out, "%s$ ", s.Cwd())
		line, err := in.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			fmt.Fprintln(out)
			return nil
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "history":
			for i, h := range s.History() {
				fmt.Fprintf(out, "%4d  %s  [%d] %s\n", i+1, h.At.Format(time.TimeOnly), h.ExitCode, h.Command)
			}
			continue
		}

		req := guard.CommandRequest{Command: line, AgentID: shellAgent, SessionID: s.ID}
		res, err := g.RunCommand(cmd.Context(), req)
		if err != nil {
			return err
		}
		if res.Verdict.NeedsConfirmation() {
			fmt.Fprintf(out, "%s. Run it? [y/N] ", res.Verdict.Reason)
			answer, _ := in.ReadString('\n')
			if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
				continue
			}
			req.Confirmed = true
			if res, err = g.RunCommand(cmd.Context(), req); err != nil {
				return err
			}
		}
		if err := report(cmd, res, true); err != nil {
			var exit *ExitError
			if !errors.As(err, &exit) {
				return err
			}
		}
	}
}
