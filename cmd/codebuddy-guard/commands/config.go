package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/phuetz/code-buddy-sub007/internal/guard"
	"github.com/phuetz/code-buddy-sub007/internal/logging"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:       "show [permissions|policy|sandbox]",
	Short:     "Print the effective configuration documents",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"permissions", "policy", "sandbox"},
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := newGuard(guard.Options{})
		if err != nil {
			return err
		}
		defer g.Close()

		which := ""
		if len(args) == 1 {
			which = args[0]
		}
		switch which {
		case "permissions":
			return printJSON(cmd, g.Permissions.Config())
		case "policy":
			return printJSON(cmd, g.Policy.Config())
		case "sandbox":
			return printJSON(cmd, g.Executor.Config())
		case "":
			return printJSON(cmd, map[string]any{
				"permissions": g.Permissions.Config(),
				"policy":      g.Policy.Config(),
				"sandbox":     g.Executor.Config(),
			})
		}
		return fmt.Errorf("unknown document %q", which)
	},
}

var configPathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Print the configuration document locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := newGuard(guard.Options{})
		if err != nil {
			return err
		}
		defer g.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "permissions: %s\n", g.PermissionsPath)
		fmt.Fprintf(cmd.OutOrStdout(), "policy:      %s\n", g.PolicyPath)
		if path := logging.GetLogFilePath(); path != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "log:         %s\n", path)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathsCmd)
}
