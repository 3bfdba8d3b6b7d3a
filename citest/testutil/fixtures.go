package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/phuetz/code-buddy-sub007/internal/event"
)

// RandomString generates a random string of n characters
func RandomString(n int) string {
	bytes := make([]byte, n/2+1)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)[:n]
}

// TempDir creates a temporary directory
type TempDir struct {
	Path string
}

// NewTempDir creates a temp directory. Symlinks in the path are resolved so
// that session working directories compare equal to it.
func NewTempDir() (*TempDir, error) {
	path, err := os.MkdirTemp("", "codebuddy-test-*")
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return &TempDir{Path: path}, nil
}

// CreateFile creates a file in the temp directory
func (d *TempDir) CreateFile(name, content string) (string, error) {
	path := filepath.Join(d.Path, name)

	// Create parent directories if needed
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", err
	}
	return path, nil
}

// CreateSubDir creates a subdirectory
func (d *TempDir) CreateSubDir(name string) (string, error) {
	path := filepath.Join(d.Path, name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", err
	}
	return path, nil
}

// WriteJSON marshals v into name inside the directory.
func (d *TempDir) WriteJSON(name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return d.CreateFile(name, string(data))
}

// Cleanup removes the temp directory and all contents
func (d *TempDir) Cleanup() {
	os.RemoveAll(d.Path)
}

// ---- Event Recording ----

// EventRecorder collects events published on a bus.
type EventRecorder struct {
	mu     sync.Mutex
	events []event.Event
	stop   func()
}

// RecordEvents subscribes to every event on bus.
func RecordEvents(bus *event.Bus) *EventRecorder {
	r := &EventRecorder{}
	r.stop = bus.SubscribeAll(func(ev event.Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

// Stop unsubscribes the recorder.
func (r *EventRecorder) Stop() {
	if r.stop != nil {
		r.stop()
	}
}

// Events returns a copy of the recorded events.
func (r *EventRecorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

// HasType checks if any event has the given type
func (r *EventRecorder) HasType(t event.EventType) bool {
	return r.CountType(t) > 0
}

// CountType counts events of given type
func (r *EventRecorder) CountType(t event.EventType) int {
	return len(r.FilterType(t))
}

// FilterType returns events of given type
func (r *EventRecorder) FilterType(t event.EventType) []event.Event {
	var filtered []event.Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			filtered = append(filtered, ev)
		}
	}
	return filtered
}

// ---- Environment Helpers ----

// HasShell reports whether /bin/sh is present.
func HasShell() bool {
	_, err := os.Stat("/bin/sh")
	return err == nil
}
