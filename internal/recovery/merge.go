package recovery

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/de-bayes/IL9/internal/bridge"
	"github.com/de-bayes/IL9/internal/snapshot"
	"github.com/de-bayes/IL9/internal/source"
)

// MergeResult is the computed timeline plus the bookkeeping the report
// and journal expose.
type MergeResult struct {
	Timeline []snapshot.Snapshot

	SourceCount int // authoritative records taken as-is
	Discarded   int // live records inside the authoritative range
	Retained    int // live records outside the authoritative range
	Bridged     int // synthetic records generated
}

// Merge computes the recovered timeline: the full authoritative set for
// its own range, a deterministic synthetic bridge across the gap after
// it, and every surviving live record outside the range.
//
// Precedence is derived purely from the timestamp range. The synthetic
// flag is carried through but never consulted: a flag can be dropped or
// miscopied across repeated recovery cycles, the range cannot.
func Merge(src *source.Set, live []snapshot.Snapshot, now time.Time, step time.Duration) (*MergeResult, error) {
	res := &MergeResult{SourceCount: src.Count()}

	// Defensive normalization of the live input: the collector is
	// assumed monotonic, but recovery re-sorts and drops exact
	// duplicate timestamps (keeping the first) before partitioning.
	live = append([]snapshot.Snapshot(nil), live...)
	snapshot.SortByTimestamp(live)
	live = dropExactDuplicates(live)

	// Partition: inside the authoritative range the export wins
	// outright, synthetic or not; outside it the live record survives.
	var retained []snapshot.Snapshot
	for _, s := range live {
		if src.Covers(s.Timestamp) {
			res.Discarded++
			continue
		}
		retained = append(retained, s)
	}
	res.Retained = len(retained)

	// Bridge from the export's last record to the first surviving live
	// record after it, or to the present for a fresh import. Endpoints
	// are excluded, so boundary timestamps never duplicate.
	gapStart := src.Snapshots[len(src.Snapshots)-1]
	gapEnd, ok := firstAfter(retained, src.Max)
	if !ok {
		// No live data past the range: anchor the bridge at "now"
		// with a flat trend ending on the export's final values.
		gapEnd = snapshot.Snapshot{Timestamp: now.UTC(), Entries: gapStart.Entries}
	}

	var bridged []snapshot.Snapshot
	if gapEnd.Timestamp.After(gapStart.Timestamp) {
		var err error
		bridged, err = bridge.Build(gapStart, gapEnd, step, bridge.Seed(gapStart.Timestamp, gapEnd.Timestamp))
		if err != nil {
			return nil, fmt.Errorf("build bridge: %w", err)
		}
	}
	res.Bridged = len(bridged)

	timeline := make([]snapshot.Snapshot, 0, len(src.Snapshots)+len(bridged)+len(retained))
	timeline = append(timeline, src.Snapshots...)
	timeline = append(timeline, bridged...)
	timeline = append(timeline, retained...)
	snapshot.SortByTimestamp(timeline)

	// Partitioning already guarantees one record per timestamp; a
	// duplicate here means the merge itself is broken. Abort loudly
	// rather than committing ambiguous data.
	if dup, found := snapshot.FirstDuplicate(timeline); found {
		slog.Error("duplicate timestamp after merge",
			"timestamp", snapshot.FormatTimestamp(dup),
			"source_count", res.SourceCount,
			"bridged", res.Bridged,
			"retained", res.Retained,
		)
		return nil, newError(CodeInvariantViolation,
			fmt.Sprintf("duplicate timestamp %s in merged timeline", snapshot.FormatTimestamp(dup)), nil)
	}

	res.Timeline = timeline
	return res, nil
}

// dropExactDuplicates removes records sharing a timestamp with their
// predecessor in a sorted slice, keeping the first occurrence.
func dropExactDuplicates(sorted []snapshot.Snapshot) []snapshot.Snapshot {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, s := range sorted[1:] {
		if s.Timestamp.Equal(out[len(out)-1].Timestamp) {
			slog.Warn("dropping duplicate live timestamp",
				"timestamp", snapshot.FormatTimestamp(s.Timestamp))
			continue
		}
		out = append(out, s)
	}
	return out
}

// firstAfter returns the earliest snapshot strictly after t.
func firstAfter(sorted []snapshot.Snapshot, t time.Time) (snapshot.Snapshot, bool) {
	for _, s := range sorted {
		if s.Timestamp.After(t) {
			return s, true
		}
	}
	return snapshot.Snapshot{}, false
}
