package commands

import (
	"github.com/spf13/cobra"

	"github.com/phuetz/code-buddy-sub007/internal/guard"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report the isolation methods available on this host",
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := newGuard(guard.Options{})
		if err != nil {
			return err
		}
		defer g.Close()

		caps := g.Executor.Reprobe(cmd.Context())
		return printJSON(cmd, struct {
			Methods  []string `json:"methods"`
			Selected string   `json:"selected"`
			Details  any      `json:"details"`
		}{
			Methods:  caps.Methods(),
			Selected: string(caps.Select(g.Executor.Config().Method)),
			Details:  caps,
		})
	},
}
