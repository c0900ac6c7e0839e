package recovery

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Marker is the durable "recovery already completed for the current
// store state" flag. Its absence together with a store deficit is what
// triggers automatic recovery on restart; force recovery clears it
// first so a freshly updated export can be re-applied.
type Marker interface {
	Present() (bool, error)
	Set() error
	Clear() error
}

// FileMarker persists the flag as a sentinel file beside the data.
type FileMarker struct {
	path string
}

// NewFileMarker creates a marker at the given path. Conventionally the
// path is the store path plus ".recovered".
func NewFileMarker(path string) *FileMarker {
	return &FileMarker{path: path}
}

func (m *FileMarker) Present() (bool, error) {
	_, err := os.Stat(m.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat marker: %w", err)
}

// Set writes the sentinel. The content is a timestamp for operators;
// only existence matters to the engine.
func (m *FileMarker) Set() error {
	content := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(m.path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

func (m *FileMarker) Clear() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove marker: %w", err)
	}
	return nil
}

// MemMarker is an in-memory Marker for tests.
type MemMarker struct {
	mu      sync.Mutex
	present bool
}

func NewMemMarker(present bool) *MemMarker {
	return &MemMarker{present: present}
}

func (m *MemMarker) Present() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present, nil
}

func (m *MemMarker) Set() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.present = true
	return nil
}

func (m *MemMarker) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.present = false
	return nil
}
