package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/phuetz/code-buddy-sub007/internal/guard"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "List, inspect and switch policy profiles",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List policy profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := newGuard(guard.Options{})
		if err != nil {
			return err
		}
		defer g.Close()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tEXTENDS\tRULES\tDESCRIPTION")
		for _, p := range g.Policy.Profiles() {
			name := p.Name
			if p.Active {
				name = "* " + name
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", name, p.Extends, p.Rules, p.Description)
		}
		return w.Flush()
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Print the effective rules of a profile",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := newGuard(guard.Options{})
		if err != nil {
			return err
		}
		defer g.Close()

		name := g.Policy.ActiveProfile()
		if len(args) == 1 {
			name = args[0]
		}
		rules, err := g.Policy.ProfileRules(name)
		if err != nil {
			return err
		}
		return printJSON(cmd, rules)
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Make a profile active and save the policy document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := newGuard(guard.Options{})
		if err != nil {
			return err
		}
		defer g.Close()

		if err := g.Policy.SetActiveProfile(args[0]); err != nil {
			return err
		}
		if err := g.Policy.Save(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "active profile: %s\n", args[0])
		return nil
	},
}

func init() {
	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileSetCmd)
}
