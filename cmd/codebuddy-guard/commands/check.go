package commands

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/phuetz/code-buddy-sub007/internal/guard"
	"github.com/phuetz/code-buddy-sub007/internal/permission"
)

var checkCreate bool

var checkCmd = &cobra.Command{
	Use:   "check <read|write|delete|size|command|tool|host> <subject>",
	Short: "Check a path, command, tool or host against the permissions",
	Long: `Run a single permission check and print the result. The exit status is
0 when allowed, 2 when confirmation is required and 1 when denied.

Examples:
  codebuddy-guard check read ~/.ssh/id_rsa
  codebuddy-guard check write --create build/out.txt
  codebuddy-guard check command "git status && rm -rf build"
  codebuddy-guard check host https://api.example.com:8443/v1`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"read", "write", "delete", "size", "command", "tool", "host"},
	RunE:      runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&checkCreate, "create", false, "Treat a write as creating a new file")
}

func runCheck(cmd *cobra.Command, args []string) error {
	g, err := newGuard(guard.Options{})
	if err != nil {
		return err
	}
	defer g.Close()

	m := g.Permissions
	subject := args[1]
	var res permission.Result
	switch args[0] {
	case "read":
		res = m.CheckReadPermission(subject)
	case "write":
		res = m.CheckWritePermission(subject, checkCreate)
	case "delete":
		res = m.CheckDeletePermission(subject)
	case "size":
		n, err := strconv.ParseInt(subject, 10, 64)
		if err != nil {
			return err
		}
		res = m.CheckFileSize(n)
	case "command":
		res = m.CheckCommandPermission(subject)
	case "tool":
		res = m.CheckToolPermission(subject)
	case "host":
		res = m.CheckNetworkPermission(subject)
	default:
		return cmd.Usage()
	}

	if err := printJSON(cmd, res); err != nil {
		return err
	}
	switch {
	case !res.Allowed:
		return &ExitError{Code: 1}
	case res.RequiresConfirmation:
		return &ExitError{Code: 2}
	}
	return nil
}
