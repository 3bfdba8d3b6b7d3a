package commands

import (
	"github.com/spf13/cobra"

	"github.com/phuetz/code-buddy-sub007/internal/sandbox"
)

// landlockCmd restricts itself with Landlock and then execs the command. The
// executor re-runs this binary with it for the landlock method.
var landlockCmd = &cobra.Command{
	Use:                sandbox.LandlockSubcommand + " [--ro path]... [--rw path]... [--no-network] -- <command...>",
	Short:              "Apply Landlock rules and exec a command",
	Hidden:             true,
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, argv, err := sandbox.ParseLandlockArgs(args)
		if err != nil {
			return err
		}
		// Only returns on failure.
		if err := sandbox.LandlockExec(spec, argv); err != nil {
			return err
		}
		return &ExitError{Code: 127}
	},
}
