// Package source loads the authoritative historical export: a CSV with
// one row per (timestamp, candidate) observation. Within its own
// timestamp bounds the export always wins over live data, so the loader
// reads it fresh on every recovery run and never caches.
package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/de-bayes/IL9/internal/snapshot"
)

// ErrUnavailable reports a missing, empty, or unparseable export.
// Recovery aborts and retries on the next trigger.
var ErrUnavailable = errors.New("authoritative source unavailable")

// expected CSV header, matching the site's own export endpoint.
var header = []string{"timestamp", "candidate", "probability", "hasKalshi"}

// Set is an immutable, time-bounded collection of historical snapshots.
// Min and Max are the covered range; everything inside it is
// authoritative.
type Set struct {
	Snapshots []snapshot.Snapshot
	Min, Max  time.Time
}

// Count returns the number of snapshots in the set.
func (s *Set) Count() int {
	return len(s.Snapshots)
}

// Covers reports whether t falls inside the authoritative range,
// bounds inclusive.
func (s *Set) Covers(t time.Time) bool {
	return !t.Before(s.Min) && !t.After(s.Max)
}

// Load reads a CSV export into a Set. Rows sharing a timestamp fold
// into one snapshot, candidates in row order; duplicate
// (timestamp, candidate) rows collapse to the first occurrence.
// Malformed rows are skipped with a warning. An export with zero usable
// rows is ErrUnavailable.
func Load(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer f.Close()
	return parse(f, path)
}

func parse(r io.Reader, path string) (*Set, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(header)

	first, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrUnavailable, err)
	}
	if !headerMatches(first) {
		return nil, fmt.Errorf("%w: unexpected header %v", ErrUnavailable, first)
	}

	var (
		order   []time.Time
		grouped = map[time.Time]*snapshot.Snapshot{}
		skipped int
	)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			slog.Warn("skipping malformed source row", "path", path, "error", err)
			continue
		}

		ts, err := snapshot.ParseTimestamp(row[0])
		if err != nil {
			skipped++
			slog.Warn("skipping source row with bad timestamp", "path", path, "value", row[0])
			continue
		}
		prob, err := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
		if err != nil {
			skipped++
			slog.Warn("skipping source row with bad probability", "path", path, "value", row[2])
			continue
		}
		hasKalshi := strings.EqualFold(strings.TrimSpace(row[3]), "true")
		name := norm.NFC.String(strings.TrimSpace(row[1]))

		snap, ok := grouped[ts]
		if !ok {
			snap = &snapshot.Snapshot{Timestamp: ts}
			grouped[ts] = snap
			order = append(order, ts)
		}
		if _, dup := snap.Entry(name); dup {
			continue
		}
		snap.Entries = append(snap.Entries, snapshot.Entry{
			Name:        name,
			Probability: prob,
			HasKalshi:   hasKalshi,
		})
	}

	if len(order) == 0 {
		return nil, fmt.Errorf("%w: no usable data rows in %s", ErrUnavailable, path)
	}
	if skipped > 0 {
		slog.Warn("source rows skipped", "path", path, "skipped", skipped)
	}

	snaps := make([]snapshot.Snapshot, 0, len(order))
	for _, ts := range order {
		snaps = append(snaps, *grouped[ts])
	}
	snapshot.SortByTimestamp(snaps)

	return &Set{
		Snapshots: snaps,
		Min:       snaps[0].Timestamp,
		Max:       snaps[len(snaps)-1].Timestamp,
	}, nil
}

func headerMatches(row []string) bool {
	if len(row) != len(header) {
		return false
	}
	for i, want := range header {
		if !strings.EqualFold(strings.TrimSpace(row[i]), want) {
			return false
		}
	}
	return true
}
