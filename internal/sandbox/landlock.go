package sandbox

import (
	"errors"
	"fmt"
)

// LandlockSubcommand is the hidden helper subcommand that applies Landlock
// rules to itself and then executes the sandboxed shell.
const LandlockSubcommand = "landlock-exec"

// ErrLandlockUnsupported is returned where the kernel or platform has no Landlock.
var ErrLandlockUnsupported = errors.New("landlock is not supported on this system")

// LandlockSpec is the rule set the helper applies.
type LandlockSpec struct {
	ReadOnly    []string
	ReadWrite   []string
	DenyNetwork bool
}

// ParseLandlockArgs reads the helper flags up to "--" and returns the rule set
// and the command that follows.
func ParseLandlockArgs(args []string) (LandlockSpec, []string, error) {
	var spec LandlockSpec
	for i := 0; i < len(args); i++ {
		switch a := args[i]; a {
		case "--":
			rest := args[i+1:]
			if len(rest) == 0 {
				return spec, nil, fmt.Errorf("landlock: missing command")
			}
			return spec, rest, nil
		case "--ro", "--rw":
			if i+1 >= len(args) {
				return spec, nil, fmt.Errorf("landlock: %s needs a path", a)
			}
			i++
			if a == "--ro" {
				spec.ReadOnly = append(spec.ReadOnly, args[i])
			} else {
				spec.ReadWrite = append(spec.ReadWrite, args[i])
			}
		case "--no-network":
			spec.DenyNetwork = true
		default:
			return spec, nil, fmt.Errorf("landlock: unknown flag %q", a)
		}
	}
	return spec, nil, fmt.Errorf("landlock: missing \"--\" before command")
}
