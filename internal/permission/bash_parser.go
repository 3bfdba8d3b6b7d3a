package permission

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Command is one simple command found in a shell command line.
type Command struct {
	Name       string   // Command name (e.g., "rm", "git")
	Args       []string // Command arguments
	Subcommand string   // First non-flag argument (e.g., "commit" in "git commit")
	Raw        string   // Source text from the command name to the last argument
}

// ParseCommand splits a shell command line into its simple commands.
// Pipelines, lists, subshells and command substitutions are all walked,
// so "a && b | c" and "echo $(d)" each yield every command they run.
func ParseCommand(command string) ([]Command, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}

	var commands []Command
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if cmd := extractCommand(command, call); cmd != nil {
				commands = append(commands, *cmd)
			}
		}
		return true
	})

	return commands, nil
}

// RedirectTargets returns the file operands of every input and output
// redirection in a shell command line. Heredocs and descriptor
// duplications such as 2>&1 are not files and are skipped.
func RedirectTargets(command string) ([]string, error) {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}

	var targets []string
	syntax.Walk(file, func(node syntax.Node) bool {
		r, ok := node.(*syntax.Redirect)
		if !ok || r.Word == nil {
			return true
		}
		switch r.Op {
		case syntax.RdrOut, syntax.AppOut, syntax.RdrIn, syntax.RdrInOut,
			syntax.ClbOut, syntax.RdrAll, syntax.AppAll:
			if t := wordToString(r.Word); t != "" {
				targets = append(targets, t)
			}
		case syntax.DplOut, syntax.DplIn:
			// ">& file" writes to a file; ">&2" and ">&-" do not.
			if t := wordToString(r.Word); t != "" && t != "-" && strings.Trim(t, "0123456789") != "" {
				targets = append(targets, t)
			}
		}
		return true
	})
	return targets, nil
}

// fallbackCommand treats an unparseable line as a single command.
func fallbackCommand(command string) Command {
	fields := strings.Fields(command)
	cmd := Command{Raw: strings.TrimSpace(command)}
	if len(fields) > 0 {
		cmd.Name = fields[0]
		cmd.Args = fields[1:]
	}
	for _, a := range cmd.Args {
		if !strings.HasPrefix(a, "-") {
			cmd.Subcommand = a
			break
		}
	}
	return cmd
}

// extractCommand extracts command name and arguments from a CallExpr.
// Leading variable assignments are not part of Raw.
func extractCommand(src string, call *syntax.CallExpr) *Command {
	if len(call.Args) == 0 {
		return nil
	}

	cmd := &Command{}
	cmd.Name = wordToString(call.Args[0])
	if cmd.Name == "" {
		return nil
	}

	for _, arg := range call.Args[1:] {
		argStr := wordToString(arg)
		cmd.Args = append(cmd.Args, argStr)

		if cmd.Subcommand == "" && !strings.HasPrefix(argStr, "-") {
			cmd.Subcommand = argStr
		}
	}

	start, end := call.Args[0].Pos().Offset(), call.End().Offset()
	if start < end && int(end) <= len(src) {
		cmd.Raw = src[start:end]
	} else {
		cmd.Raw = strings.TrimSpace(cmd.Name + " " + strings.Join(cmd.Args, " "))
	}
	return cmd
}

// wordToString converts a syntax.Word to a string.
func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

// destructiveCommands modify or remove data in ways that are hard to undo.
var destructiveCommands = map[string]bool{
	"rm":       true,
	"rmdir":    true,
	"mv":       true,
	"dd":       true,
	"chmod":    true,
	"chown":    true,
	"truncate": true,
	"shred":    true,
}

// IsDestructive reports whether cmd deletes or overwrites data. A sudo
// prefix is looked through.
func IsDestructive(cmd Command) bool {
	if cmd.Name == "sudo" {
		inner, ok := unwrapSudo(cmd)
		if !ok {
			return false
		}
		cmd = inner
	}
	if destructiveCommands[cmd.Name] {
		return true
	}
	if cmd.Name == "git" {
		switch cmd.Subcommand {
		case "clean":
			return true
		case "reset":
			for _, a := range cmd.Args {
				if a == "--hard" {
					return true
				}
			}
		}
	}
	return false
}

// unwrapSudo returns the command run by sudo.
func unwrapSudo(cmd Command) (Command, bool) {
	for i, a := range cmd.Args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		inner := Command{Name: a, Args: cmd.Args[i+1:], Raw: cmd.Raw}
		for _, b := range inner.Args {
			if !strings.HasPrefix(b, "-") {
				inner.Subcommand = b
				break
			}
		}
		return inner, true
	}
	return Command{}, false
}

// ExtractPaths extracts file paths from command arguments.
func ExtractPaths(cmd Command) []string {
	var paths []string
	for _, arg := range cmd.Args {
		if arg == "" || strings.HasPrefix(arg, "-") {
			continue
		}
		// Skip chmod mode arguments (numeric or symbolic like u+x)
		if cmd.Name == "chmod" {
			if arg[0] >= '0' && arg[0] <= '9' ||
				arg[0] == 'u' || arg[0] == 'g' || arg[0] == 'o' || arg[0] == 'a' ||
				arg[0] == '+' || arg[0] == '=' {
				continue
			}
		}
		paths = append(paths, arg)
	}
	return paths
}
