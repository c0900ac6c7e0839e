package collector

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/de-bayes/IL9/internal/lock"
	"github.com/de-bayes/IL9/internal/snapshot"
	"github.com/de-bayes/IL9/internal/store"
	"github.com/de-bayes/IL9/internal/testutil"
)

func fixedSampler(entries []snapshot.Entry) Sampler {
	return SamplerFunc(func(context.Context) ([]snapshot.Entry, error) {
		return entries, nil
	})
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "snapshots.jsonl"))
	require.NoError(t, err)
	return st
}

func TestCollectOnce_AppendsSnapshot(t *testing.T) {
	st := newTestStore(t)
	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	entries := []snapshot.Entry{
		{Name: "Alice", Probability: 61.5, HasKalshi: true},
		{Name: "Bob", Probability: 38.5},
	}

	c := New(st, lock.NewMemGuard(), fixedSampler(entries),
		WithClock(func() time.Time { return at }))

	snap, err := c.CollectOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Timestamp.Equal(at))
	assert.False(t, snap.Synthetic)

	stored, err := st.ReadAll()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, entries, stored[0].Entries)
}

func TestCollectOnce_SamplerFailure(t *testing.T) {
	st := newTestStore(t)
	c := New(st, lock.NewMemGuard(), SamplerFunc(func(context.Context) ([]snapshot.Entry, error) {
		return nil, errors.New("feed down")
	}))

	_, err := c.CollectOnce(context.Background())
	require.Error(t, err)

	count, err := st.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count, "failed sample must not append")
}

func TestCollectOnce_GuardHeld(t *testing.T) {
	st := newTestStore(t)
	guard := lock.NewMemGuard()
	c := New(st, guard, fixedSampler(nil), WithLockTimeout(50*time.Millisecond))

	lease, err := guard.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer lease.Release()

	_, err = c.CollectOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrTimeout)
}

func TestRun_AppendsOnEachTick(t *testing.T) {
	st := newTestStore(t)
	clk := testutil.NewTickingClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC), time.Minute)
	c := New(st, lock.NewMemGuard(), fixedSampler([]snapshot.Entry{{Name: "Alice", Probability: 50}}),
		WithInterval(10*time.Millisecond),
		WithClock(clk.Now))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	count, err := st.Count()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 3, "expected several ticks within the window")
}

func TestRun_ContinuesPastFailedTick(t *testing.T) {
	st := newTestStore(t)
	calls := 0
	sampler := SamplerFunc(func(context.Context) ([]snapshot.Entry, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient feed error")
		}
		return []snapshot.Entry{{Name: "Alice", Probability: 50}}, nil
	})

	clk := testutil.NewTickingClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC), time.Minute)
	c := New(st, lock.NewMemGuard(), sampler,
		WithInterval(10*time.Millisecond),
		WithClock(clk.Now))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = c.Run(ctx)

	assert.Greater(t, calls, 1, "loop must survive a failed tick")
	count, err := st.Count()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1)
}

func TestBridgeToNow_FillsGap(t *testing.T) {
	st := newTestStore(t)
	lastTS := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	now := lastTS.Add(30 * time.Minute)

	require.NoError(t, st.Append(snapshot.Snapshot{
		Timestamp: lastTS,
		Entries:   []snapshot.Entry{{Name: "Alice", Probability: 60, HasKalshi: true}},
	}))

	c := New(st, lock.NewMemGuard(), fixedSampler(nil),
		WithInterval(3*time.Minute),
		WithClock(func() time.Time { return now }))

	n, err := c.BridgeToNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, n) // 30min gap at 3min cadence, endpoints excluded

	snaps, err := st.ReadAll()
	require.NoError(t, err)
	require.Len(t, snaps, 10)
	for _, s := range snaps[1:] {
		assert.True(t, s.Synthetic)
		assert.True(t, s.Timestamp.After(lastTS))
		assert.True(t, s.Timestamp.Before(now))
	}
}

func TestBridgeToNow_EmptyStore(t *testing.T) {
	st := newTestStore(t)
	c := New(st, lock.NewMemGuard(), fixedSampler(nil))

	n, err := c.BridgeToNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBridgeToNow_SmallGapNoop(t *testing.T) {
	st := newTestStore(t)
	lastTS := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.Append(snapshot.Snapshot{
		Timestamp: lastTS,
		Entries:   []snapshot.Entry{{Name: "Alice", Probability: 60}},
	}))

	c := New(st, lock.NewMemGuard(), fixedSampler(nil),
		WithInterval(3*time.Minute),
		WithClock(func() time.Time { return lastTS.Add(2 * time.Minute) }))

	n, err := c.BridgeToNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	count, err := st.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
