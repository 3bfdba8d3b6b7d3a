// Package storage persists configuration documents with atomic, locked writes.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"
)

var (
	ErrNotFound = errors.New("not found")
	ErrLocked   = errors.New("document is locked by another writer")
)

const (
	// LockInitialInterval is the first wait between lock attempts.
	LockInitialInterval = 20 * time.Millisecond
	// LockMaxInterval caps the wait between lock attempts.
	LockMaxInterval = 500 * time.Millisecond
	// LockTimeout bounds the total time spent waiting for a lock.
	LockTimeout = 5 * time.Second
)

// Storage reads and writes documents on an afero filesystem. When backed by
// the OS filesystem, writers are serialized across processes with flock.
type Storage struct {
	fs       afero.Fs
	osLocks  bool
	mu       sync.Mutex
	pathLock map[string]*sync.Mutex
}

// New creates a Storage over fs.
func New(fs afero.Fs) *Storage {
	_, isOS := fs.(*afero.OsFs)
	return &Storage{
		fs:       fs,
		osLocks:  isOS,
		pathLock: make(map[string]*sync.Mutex),
	}
}

// NewOS creates a Storage over the real filesystem.
func NewOS() *Storage {
	return New(afero.NewOsFs())
}

// Fs returns the underlying filesystem.
func (s *Storage) Fs() afero.Fs {
	return s.fs
}

// Read returns the contents of path.
func (s *Storage) Read(path string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Exists checks if path exists.
func (s *Storage) Exists(path string) bool {
	ok, err := afero.Exists(s.fs, path)
	return err == nil && ok
}

// Put marshals v as indented JSON and writes it to path.
func (s *Storage) Put(ctx context.Context, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return s.WriteFile(ctx, path, append(data, '\n'))
}

// WriteFile writes data to path through a temp file and rename.
func (s *Storage) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	unlock, err := s.lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	tmpPath := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Delete removes path. Deleting a missing document is not an error.
func (s *Storage) Delete(ctx context.Context, path string) error {
	unlock, err := s.lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// lock takes the in-process lock for path and, on the OS filesystem, the
// advisory file lock. Contended file locks are retried with exponential backoff.
func (s *Storage) lock(ctx context.Context, path string) (func(), error) {
	mu := s.getLock(path)
	mu.Lock()
	if !s.osLocks {
		return mu.Unlock, nil
	}

	fl := NewFileLock(path)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = LockInitialInterval
	b.MaxInterval = LockMaxInterval
	b.MaxElapsedTime = LockTimeout

	var contended bool
	err := backoff.Retry(func() error {
		ok, err := fl.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		contended = !ok
		if contended {
			return ErrLocked
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		mu.Unlock()
		if contended {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	return func() {
		_ = fl.Unlock()
		mu.Unlock()
	}, nil
}

func (s *Storage) getLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	mu, ok := s.pathLock[path]
	if !ok {
		mu = &sync.Mutex{}
		s.pathLock[path] = mu
	}
	return mu
}
