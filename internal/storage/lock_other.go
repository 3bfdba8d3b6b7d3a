//go:build !unix

package storage

// FileLock is a no-op where flock is unavailable; the in-process lock still applies.
type FileLock struct{}

// NewFileLock creates a new file lock.
func NewFileLock(string) *FileLock {
	return &FileLock{}
}

// TryLock always succeeds.
func (l *FileLock) TryLock() (bool, error) { return true, nil }

// Unlock is a no-op.
func (l *FileLock) Unlock() error { return nil }
