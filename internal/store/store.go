// Package store persists the live snapshot sequence as a JSONL file:
// one self-contained JSON object per line, append-only during normal
// collection, replaced atomically (and only atomically) during recovery.
//
// The file format is deliberately dumb. Every line stands alone, so a
// process killed mid-append corrupts at most the final line, and readers
// can recover everything before it.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/de-bayes/IL9/internal/snapshot"
)

// ErrCorrupt reports content damage beyond the tolerated malformed tail:
// a line that fails to decode but has valid lines after it cannot be an
// interrupted append and is not silently skipped.
var ErrCorrupt = errors.New("store content corrupt")

// maxLineBytes bounds a single snapshot line. Snapshots hold a handful
// of candidates; 1 MiB is far above anything the collector writes.
const maxLineBytes = 1 << 20

// Store is a JSONL-backed snapshot sequence at a fixed path.
//
// Store performs no locking of its own. Callers that mutate the file
// (the collector's append, the orchestrator's replace) must hold the
// concurrency guard for the same path.
type Store struct {
	path string
}

// Open prepares a store at path, creating the parent directory if
// needed. The data file itself is created lazily on first append.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	return &Store{path: path}, nil
}

// Path returns the data file path. The concurrency guard keys on it.
func (s *Store) Path() string {
	return s.path
}

// ReadAll loads every snapshot in file order. A missing file reads as
// empty. Malformed trailing lines (an interrupted append) are skipped
// with a warning; a malformed line followed by valid data fails the
// read with ErrCorrupt.
func (s *Store) ReadAll() ([]snapshot.Snapshot, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer f.Close()

	var (
		snaps   []snapshot.Snapshot
		badLine int // first undecodable line, 0 = none
		badErr  error
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var snap snapshot.Snapshot
		if err := json.Unmarshal(line, &snap); err != nil {
			if badLine == 0 {
				badLine, badErr = lineNum, err
			}
			continue
		}
		if badLine != 0 {
			return nil, fmt.Errorf("%w: line %d (%v) precedes valid data", ErrCorrupt, badLine, badErr)
		}
		snaps = append(snaps, snap)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan store: %w", err)
	}
	if badLine != 0 {
		slog.Warn("skipping malformed trailing line",
			"path", s.path,
			"line", badLine,
			"error", badErr,
		)
	}
	return snaps, nil
}

// Count returns the number of records without decoding any of them.
// Used by the recovery deficit check, which runs on every startup and
// should not pay full deserialization on a large history.
func (s *Store) Count() (int, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open store: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	count := 0
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan store: %w", err)
	}
	return count, nil
}

// Last returns the most recent decodable snapshot, tolerating a
// malformed final line the same way ReadAll does.
func (s *Store) Last() (snapshot.Snapshot, bool, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return snapshot.Snapshot{}, false, nil
		}
		return snapshot.Snapshot{}, false, fmt.Errorf("open store: %w", err)
	}
	defer f.Close()

	// Keep the last two non-blank lines: if the final one is a torn
	// append, the one before it is still intact.
	var prev, last []byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		prev = last
		last = append([]byte(nil), line...)
	}
	if err := scanner.Err(); err != nil {
		return snapshot.Snapshot{}, false, fmt.Errorf("scan store: %w", err)
	}

	for _, candidate := range [][]byte{last, prev} {
		if len(candidate) == 0 {
			continue
		}
		var snap snapshot.Snapshot
		if err := json.Unmarshal(candidate, &snap); err == nil {
			return snap, true, nil
		}
	}
	return snapshot.Snapshot{}, false, nil
}

// Append writes one snapshot as a single durable write. The record is
// self-contained, so a crash mid-write never damages prior content.
func (s *Store) Append(snap snapshot.Snapshot) error {
	line, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open store for append: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync store: %w", err)
	}
	return nil
}

// ReplaceAll swaps the entire file content in one atomic rename.
// The new content is built in a temp file in the same directory; a
// concurrent reader sees either the old sequence or the new one, never
// a half-written file. On any failure the prior content is untouched.
//
// This is the only way recovery is allowed to mutate history.
func (s *Store) ReplaceAll(snaps []snapshot.Snapshot) (err error) {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, snap := range snaps {
		line, merr := json.Marshal(snap)
		if merr != nil {
			return fmt.Errorf("marshal snapshot: %w", merr)
		}
		if _, werr := w.Write(append(line, '\n')); werr != nil {
			return fmt.Errorf("write temp file: %w", werr)
		}
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("flush temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}

	// Persist the rename itself. Failure here is logged, not fatal: the
	// data file already has the new content.
	if d, derr := os.Open(dir); derr == nil {
		if serr := d.Sync(); serr != nil {
			slog.Warn("sync data directory", "dir", dir, "error", serr)
		}
		d.Close()
	}
	return nil
}
