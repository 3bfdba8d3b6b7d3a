//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"os/exec"

	landlock "github.com/landlock-lsm/go-landlock/landlock"
	"golang.org/x/sys/unix"
)

// LandlockABI returns the kernel's Landlock ABI version, or 0 when Landlock
// is unavailable.
func LandlockABI() int {
	v, _, errno := unix.Syscall(unix.SYS_LANDLOCK_CREATE_RULESET, 0, 0, unix.LANDLOCK_CREATE_RULESET_VERSION)
	if errno != 0 {
		return 0
	}
	return int(v)
}

// LandlockExec restricts the current process to spec and replaces it with
// argv. It only returns on failure. Paths that do not exist are skipped.
func LandlockExec(spec LandlockSpec, argv []string) error {
	if LandlockABI() <= 0 {
		return ErrLandlockUnsupported
	}

	// Landlock rejects directory rights on regular files.
	var rules []landlock.Rule
	for _, p := range spec.ReadOnly {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.IsDir() {
			rules = append(rules, landlock.RODirs(p))
		} else {
			rules = append(rules, landlock.ROFiles(p))
		}
	}
	for _, p := range spec.ReadWrite {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.IsDir() {
			rules = append(rules, landlock.RWDirs(p))
		} else {
			rules = append(rules, landlock.RWFiles(p))
		}
	}

	cfg := landlock.V6.BestEffort()
	var err error
	if spec.DenyNetwork {
		// With no network rules, every TCP bind and connect is refused.
		err = cfg.Restrict(rules...)
	} else {
		err = cfg.RestrictPaths(rules...)
	}
	if err != nil {
		return fmt.Errorf("landlock restriction failed: %w", err)
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return err
	}
	return unix.Exec(path, argv, os.Environ())
}
