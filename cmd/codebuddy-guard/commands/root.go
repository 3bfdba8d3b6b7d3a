// Package commands provides the CLI commands for codebuddy-guard.
package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/phuetz/code-buddy-sub007/internal/config"
	"github.com/phuetz/code-buddy-sub007/internal/guard"
	"github.com/phuetz/code-buddy-sub007/internal/logging"
	"github.com/phuetz/code-buddy-sub007/internal/sandbox"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	logLevel   string
	prettyLogs bool
	logToFile  bool
	envFile    string
	configDir  string
	workDir    string
)

// ExitError carries the exit status of a command run through the guard.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

var rootCmd = &cobra.Command{
	Use:   "codebuddy-guard",
	Short: "Authorize and sandbox tool calls",
	Long: `codebuddy-guard resolves tool calls against the policy document, checks
paths, commands and hosts against the permissions document, and runs shell
commands under the strongest isolation available on this host.`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty-logs", false, "Human-readable log output")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-file", false, "Also write logs to the state directory")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from a .env file")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Directory holding permissions.json and policy.json")
	rootCmd.PersistentFlags().StringVarP(&workDir, "directory", "C", "", "Workspace root (defaults to the working directory)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("codebuddy-guard %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(landlockCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// setup loads the env file and configures logging before any subcommand.
func setup(cmd *cobra.Command, args []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	level := logLevel
	if level == "" {
		level = os.Getenv(config.EnvLogLevel)
	}
	if level == "" {
		level = "WARN"
	}
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(level)
	cfg.Pretty = prettyLogs
	cfg.LogToFile = logToFile
	cfg.LogDir = config.GetPaths().LogDir()
	logging.Init(cfg)
	return nil
}

// newGuard builds a guard from the global flags. The running binary is the
// Landlock helper.
func newGuard(opts guard.Options) (*guard.Guard, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return nil, err
	}
	if opts.ConfigDir == "" {
		opts.ConfigDir = configDir
	}
	if opts.Sandbox.Method == "" {
		opts.Sandbox = sandbox.DefaultConfig()
	}
	opts.Sandbox.WorkspaceRoot = dir
	if exe, err := os.Executable(); err == nil {
		opts.Sandbox.LandlockHelper = exe
	}
	return guard.New(opts)
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// parsePairs splits key=value flags.
func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
