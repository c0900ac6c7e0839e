// Package bridge synthesizes snapshot sequences between two known
// records. Bridges fill the gap between the authoritative export's last
// record and the first surviving live record after a storage loss.
//
// Everything here is deterministic: the same boundary pair, step, and
// seed produce byte-identical output. Recovery's idempotence guarantee
// depends on that, so the random source is seeded from the boundary
// timestamps and nothing else.
package bridge

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/de-bayes/IL9/internal/snapshot"
)

const (
	// edgeFraction is the share of the bridge, at each end, over which
	// noise amplitude tapers linearly to zero. The first and last
	// synthetic values connect to real data in value, not just trend.
	edgeFraction = 0.1

	// meanReversion pulls the random walk back toward the trend line
	// each step, bounding drift over long bridges.
	meanReversion = 0.35

	// noiseScale is the per-step noise magnitude, in probability
	// points, for a field sitting at 50%. Fields near 0% or 100% get
	// proportionally less (see fieldSigma).
	noiseScale = 0.8
)

// Seed derives the bridge seed from the boundary timestamps. Pure
// function: re-running the same bridge always reuses the same seed.
func Seed(start, end time.Time) int64 {
	h := fnv.New64a()
	var buf [16]byte
	putInt64(buf[:8], start.UTC().UnixNano())
	putInt64(buf[8:], end.UTC().UnixNano())
	h.Write(buf[:])
	return int64(h.Sum64())
}

func putInt64(b []byte, v int64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// Build produces synthetic snapshots at a fixed cadence strictly
// between start.Timestamp and end.Timestamp, endpoints excluded. Every
// record carries Synthetic=true.
//
// A gap smaller than one step yields an empty slice, not an error.
//
// Per-field model: linear trend between the boundary values, perturbed
// by a mean-reverting random walk whose magnitude scales with the
// field's own plausible variance and tapers to zero near both ends.
func Build(start, end snapshot.Snapshot, step time.Duration, seed int64) ([]snapshot.Snapshot, error) {
	if step <= 0 {
		return nil, fmt.Errorf("bridge step must be positive, got %s", step)
	}
	startTS, endTS := start.Timestamp.UTC(), end.Timestamp.UTC()
	if endTS.Before(startTS) {
		return nil, fmt.Errorf("bridge end %s before start %s",
			snapshot.FormatTimestamp(endTS), snapshot.FormatTimestamp(startTS))
	}

	total := endTS.Sub(startTS)
	if total <= step {
		return nil, nil
	}

	rng := rand.New(rand.NewSource(seed))
	walks := make([]float64, len(start.Entries))

	var out []snapshot.Snapshot
	for ts := startTS.Add(step); ts.Before(endTS); ts = ts.Add(step) {
		frac := float64(ts.Sub(startTS)) / float64(total)
		damp := edgeDamp(frac)

		entries := make([]snapshot.Entry, len(start.Entries))
		for i, se := range start.Entries {
			target := se.Probability
			flag := se.HasKalshi
			if ee, ok := end.Entry(se.Name); ok {
				target = se.Probability + (ee.Probability-se.Probability)*frac
				if frac >= 0.5 {
					flag = ee.HasKalshi
				}
			}

			walks[i] = walks[i]*(1-meanReversion) + rng.NormFloat64()*fieldSigma(target)
			entries[i] = snapshot.Entry{
				Name:        se.Name,
				Probability: clampProbability(target + walks[i]*damp),
				HasKalshi:   flag,
			}
		}

		out = append(out, snapshot.Snapshot{
			Timestamp: ts,
			Entries:   entries,
			Synthetic: true,
		})
	}
	return out, nil
}

// fieldSigma scales noise by the field's plausible variance: maximal
// for toss-ups, near zero for near-certain or near-impossible values.
func fieldSigma(p float64) float64 {
	v := p * (100 - p)
	if v < 0 {
		v = 0
	}
	return noiseScale * math.Sqrt(v) / 50
}

// edgeDamp tapers noise linearly to zero within edgeFraction of both
// bridge ends.
func edgeDamp(frac float64) float64 {
	d := 1.0
	if frac < edgeFraction {
		d = frac / edgeFraction
	}
	if tail := (1 - frac) / edgeFraction; tail < d {
		d = tail
	}
	if d < 0 {
		return 0
	}
	return d
}

func clampProbability(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
