package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/phuetz/code-buddy-sub007/internal/guard"
	"github.com/phuetz/code-buddy-sub007/internal/policy"
)

var (
	resolveAgent     string
	resolveProvider  string
	resolveArgs      []string
	resolveOverrides []string
	resolveFull      bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <tool>",
	Short: "Resolve a tool call against the policy",
	Long: `Resolve a tool call and print the decision.

By default only the policy document is consulted. With --full the
permissions document is checked as well, the way a tool call is authorized.

Examples:
  codebuddy-guard resolve bash
  codebuddy-guard resolve write --agent coder --arg path=src/main.go --full
  codebuddy-guard resolve webfetch --session-override webfetch=deny`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVar(&resolveAgent, "agent", "", "Agent id")
	resolveCmd.Flags().StringVar(&resolveProvider, "provider", "", "Provider id")
	resolveCmd.Flags().StringArrayVar(&resolveArgs, "arg", nil, "Invocation argument as key=value")
	resolveCmd.Flags().StringArrayVar(&resolveOverrides, "session-override", nil, "Session override as tool=action")
	resolveCmd.Flags().BoolVar(&resolveFull, "full", false, "Also run the permission checks")
}

func runResolve(cmd *cobra.Command, args []string) error {
	pairs, err := parsePairs(resolveArgs)
	if err != nil {
		return err
	}
	toolArgs := make(map[string]any, len(pairs))
	for k, v := range pairs {
		toolArgs[k] = v
	}
	raw, err := parsePairs(resolveOverrides)
	if err != nil {
		return err
	}
	overrides := make(map[string]policy.Action, len(raw))
	for tool, a := range raw {
		action := policy.Action(a)
		if !action.Valid() {
			return fmt.Errorf("invalid action %q for %s", a, tool)
		}
		overrides[tool] = action
	}

	g, err := newGuard(guard.Options{})
	if err != nil {
		return err
	}
	defer g.Close()

	if !resolveFull {
		d := g.Policy.Resolve(args[0], policy.Context{
			AgentID:          resolveAgent,
			Provider:         resolveProvider,
			Args:             toolArgs,
			SessionOverrides: overrides,
		})
		return printJSON(cmd, d)
	}

	v := g.AuthorizeTool(cmd.Context(), guard.ToolRequest{
		Tool:             args[0],
		AgentID:          resolveAgent,
		Provider:         resolveProvider,
		Args:             toolArgs,
		SessionOverrides: overrides,
	})
	return printJSON(cmd, v)
}
