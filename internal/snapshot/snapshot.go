// Package snapshot defines the canonical record model for probability
// snapshots: one timestamped observation of every tracked candidate,
// plus the synthetic flag that separates generated bridge data from
// real observations.
package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Entry is one candidate's slice of a snapshot. The recovery engine
// copies entries verbatim and never interprets their meaning; only the
// interpolation engine does arithmetic on Probability.
type Entry struct {
	// Name identifies the candidate. Normalized to NFC on decode so
	// the same candidate exported by different tools compares equal.
	Name string `json:"name"`

	// Probability is the market probability in percent (0-100).
	Probability float64 `json:"probability"`

	// HasKalshi records whether a Kalshi market backed this value.
	HasKalshi bool `json:"hasKalshi"`
}

// Snapshot is a point-in-time observation of all tracked candidates.
//
// INVARIANT: after any write performed by this engine, the store holds
// snapshots sorted ascending by Timestamp with no duplicates.
type Snapshot struct {
	// Timestamp is always UTC. Serialized in canonical Z-suffixed form.
	Timestamp time.Time

	// Entries preserves the order the collector observed the candidates in.
	Entries []Entry

	// Synthetic marks generated bridge records. The flag must survive
	// every copy and merge; dropping it silently turns estimated data
	// into apparently real data downstream.
	Synthetic bool
}

// wireSnapshot is the JSONL wire shape, unchanged from the historical
// export format so old data files remain readable.
type wireSnapshot struct {
	Timestamp  string  `json:"timestamp"`
	Candidates []Entry `json:"candidates"`
	Synthetic  bool    `json:"synthetic,omitempty"`
}

// MarshalJSON serializes with the canonical timestamp format.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireSnapshot{
		Timestamp:  FormatTimestamp(s.Timestamp),
		Candidates: s.Entries,
		Synthetic:  s.Synthetic,
	})
}

// UnmarshalJSON accepts any of the historical timestamp formats and
// normalizes candidate names to NFC.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := ParseTimestamp(w.Timestamp)
	if err != nil {
		return fmt.Errorf("snapshot timestamp: %w", err)
	}
	for i := range w.Candidates {
		w.Candidates[i].Name = norm.NFC.String(w.Candidates[i].Name)
	}
	s.Timestamp = ts
	s.Entries = w.Candidates
	s.Synthetic = w.Synthetic
	return nil
}

// Clone returns a deep copy. Merge operations clone before mutating so
// source sets stay read-only.
func (s Snapshot) Clone() Snapshot {
	entries := make([]Entry, len(s.Entries))
	copy(entries, s.Entries)
	return Snapshot{Timestamp: s.Timestamp, Entries: entries, Synthetic: s.Synthetic}
}

// Entry returns the entry for a candidate name, if present.
func (s Snapshot) Entry(name string) (Entry, bool) {
	name = norm.NFC.String(name)
	for _, e := range s.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// SortByTimestamp sorts snapshots ascending by timestamp in place.
// The sort is stable so equal-timestamp records keep their input order
// for the caller to detect as duplicates.
func SortByTimestamp(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].Timestamp.Before(snaps[j].Timestamp)
	})
}

// FirstDuplicate scans a sorted slice and returns the timestamp of the
// first duplicate pair found, if any.
func FirstDuplicate(sorted []Snapshot) (time.Time, bool) {
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Timestamp.Equal(sorted[i-1].Timestamp) {
			return sorted[i].Timestamp, true
		}
	}
	return time.Time{}, false
}
