package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/de-bayes/IL9/internal/snapshot"
	"github.com/de-bayes/IL9/internal/source"
)

func snapAt(t time.Time, prob float64) snapshot.Snapshot {
	return snapshot.Snapshot{
		Timestamp: t,
		Entries:   []snapshot.Entry{{Name: "Alice", Probability: prob, HasKalshi: true}},
	}
}

func sourceSet(times ...time.Time) *source.Set {
	snaps := make([]snapshot.Snapshot, len(times))
	for i, t := range times {
		snaps[i] = snapAt(t, 10+float64(i))
	}
	return &source.Set{Snapshots: snaps, Min: times[0], Max: times[len(times)-1]}
}

var (
	jan1  = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	jan30 = time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC)
	feb1  = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
)

func TestMerge_FreshImportBridgesToNow(t *testing.T) {
	src := sourceSet(jan1, jan1.Add(12*time.Hour), jan30)

	res, err := Merge(src, nil, feb1, 6*time.Hour)
	require.NoError(t, err)

	// Full source range + bridge strictly inside (Jan 30, Feb 1).
	assert.Equal(t, 3, res.SourceCount)
	assert.Equal(t, 0, res.Retained)
	assert.Equal(t, 0, res.Discarded)
	assert.Equal(t, 7, res.Bridged) // 48h gap, 6h cadence, endpoints excluded

	tl := res.Timeline
	require.Len(t, tl, 10)
	assert.True(t, tl[0].Timestamp.Equal(jan1))
	assert.True(t, tl[len(tl)-1].Timestamp.Before(feb1))
	for _, s := range tl[3:] {
		assert.True(t, s.Synthetic, "bridge records must be flagged synthetic")
	}
	for _, s := range tl[:3] {
		assert.False(t, s.Synthetic)
	}
}

func TestMerge_RangeAuthorityDiscardsInsideLive(t *testing.T) {
	src := sourceSet(jan1, jan30)

	// All three live records, synthetic or not, fall inside the
	// authoritative range and must be discarded.
	live := []snapshot.Snapshot{
		snapAt(jan1.Add(time.Hour), 99),
		{Timestamp: jan1.Add(2 * time.Hour), Entries: []snapshot.Entry{{Name: "Alice", Probability: 98}}, Synthetic: true},
		snapAt(jan30, 97),
	}

	res, err := Merge(src, live, feb1, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Discarded)
	assert.Equal(t, 0, res.Retained)
	for _, s := range res.Timeline {
		if s.Timestamp.Equal(jan1) {
			assert.Equal(t, 10.0, s.Entries[0].Probability, "source record must win at shared timestamps")
		}
		assert.NotEqual(t, 99.0, s.Entries[0].Probability)
		assert.NotEqual(t, 97.0, s.Entries[0].Probability)
	}
}

func TestMerge_OutsideRangePreserved(t *testing.T) {
	src := sourceSet(jan1, jan30)

	before := snapAt(jan1.Add(-24*time.Hour), 5)
	after := snapAt(jan30.Add(48*time.Hour), 55)
	live := []snapshot.Snapshot{before, after}

	res, err := Merge(src, live, feb1, 6*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Retained)
	assert.True(t, res.Timeline[0].Timestamp.Equal(before.Timestamp))
	assert.Equal(t, 5.0, res.Timeline[0].Entries[0].Probability)

	last := res.Timeline[len(res.Timeline)-1]
	assert.True(t, last.Timestamp.Equal(after.Timestamp))
	assert.Equal(t, 55.0, last.Entries[0].Probability)
	assert.False(t, last.Synthetic)
}

func TestMerge_BridgeEndsAtFirstRetainedLive(t *testing.T) {
	src := sourceSet(jan1, jan30)
	after := snapAt(jan30.Add(12*time.Hour), 55)

	res, err := Merge(src, []snapshot.Snapshot{after}, feb1, 3*time.Hour)
	require.NoError(t, err)

	// Bridge covers (Jan 30 00:00, Jan 30 12:00) exclusive: 3 records.
	assert.Equal(t, 3, res.Bridged)
	for _, s := range res.Timeline {
		if s.Synthetic {
			assert.True(t, s.Timestamp.After(jan30))
			assert.True(t, s.Timestamp.Before(after.Timestamp))
		}
	}
}

func TestMerge_SortedUniqueAscending(t *testing.T) {
	src := sourceSet(jan1, jan30)
	live := []snapshot.Snapshot{
		snapAt(jan30.Add(30*time.Hour), 50),
		snapAt(jan1.Add(-time.Hour), 5),
		snapAt(jan30.Add(20*time.Hour), 48),
	}

	res, err := Merge(src, live, feb1, time.Hour)
	require.NoError(t, err)

	for i := 1; i < len(res.Timeline); i++ {
		assert.True(t, res.Timeline[i].Timestamp.After(res.Timeline[i-1].Timestamp),
			"timeline must be strictly ascending at index %d", i)
	}
}

func TestMerge_DuplicateLiveTimestampsDropped(t *testing.T) {
	src := sourceSet(jan1, jan30)
	dupTS := jan30.Add(10 * time.Hour)
	live := []snapshot.Snapshot{
		snapAt(dupTS, 40),
		snapAt(dupTS, 41), // collector glitch: same instant twice
	}

	res, err := Merge(src, live, feb1, 2*time.Hour)
	require.NoError(t, err)

	var seen int
	for _, s := range res.Timeline {
		if s.Timestamp.Equal(dupTS) {
			seen++
			assert.Equal(t, 40.0, s.Entries[0].Probability, "first occurrence wins")
		}
	}
	assert.Equal(t, 1, seen)
}

func TestMerge_ExtendedSourceWinsOverEarlyLive(t *testing.T) {
	// Regression for the prepend-only merge bug: the export grew from
	// Feb 10 to Feb 12 while live data already starts at Feb 10. The
	// re-applied export must own Feb 10-12 outright.
	feb10 := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	feb12 := time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)
	src := sourceSet(jan1, feb10, feb12)

	live := []snapshot.Snapshot{
		snapAt(feb10, 70),                   // inside new range: discarded
		snapAt(feb10.Add(12*time.Hour), 71), // inside: discarded
		snapAt(feb12.Add(6*time.Hour), 72),  // outside: retained
	}

	res, err := Merge(src, live, feb12.Add(12*time.Hour), time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Discarded)
	assert.Equal(t, 1, res.Retained)
	for _, s := range res.Timeline {
		if s.Timestamp.Equal(feb10) {
			assert.Equal(t, 11.0, s.Entries[0].Probability, "authoritative Feb 10 record wins")
		}
	}
}

func TestMerge_NoBridgeWhenLiveImmediatelyFollows(t *testing.T) {
	src := sourceSet(jan1, jan30)
	after := snapAt(jan30.Add(2*time.Minute), 50)

	res, err := Merge(src, []snapshot.Snapshot{after}, feb1, 3*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Bridged, "gap smaller than one step needs no bridge")
}

func TestMerge_FlagPropagation(t *testing.T) {
	src := sourceSet(jan1, jan30)
	syntheticSurvivor := snapshot.Snapshot{
		Timestamp: jan30.Add(36 * time.Hour),
		Entries:   []snapshot.Entry{{Name: "Alice", Probability: 44}},
		Synthetic: true,
	}

	res, err := Merge(src, []snapshot.Snapshot{syntheticSurvivor}, feb1, 6*time.Hour)
	require.NoError(t, err)

	var found bool
	for _, s := range res.Timeline {
		if s.Timestamp.Equal(syntheticSurvivor.Timestamp) {
			found = true
			assert.True(t, s.Synthetic, "pre-existing synthetic flag must survive the merge")
		}
	}
	assert.True(t, found)
}
