//go:build !linux

package sandbox

// LandlockABI always returns 0 off Linux.
func LandlockABI() int { return 0 }

// LandlockExec is unsupported off Linux.
func LandlockExec(LandlockSpec, []string) error {
	return ErrLandlockUnsupported
}
