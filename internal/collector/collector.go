// Package collector appends live probability snapshots to the store at
// a fixed cadence. It is the only writer besides recovery's atomic
// replace, and both serialize on the same guard.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/de-bayes/IL9/internal/bridge"
	"github.com/de-bayes/IL9/internal/lock"
	"github.com/de-bayes/IL9/internal/snapshot"
	"github.com/de-bayes/IL9/internal/store"
)

// Sampler produces the current probability readings. Implementations
// poll whatever upstream feeds the deployment uses; tests inject fixed
// values.
type Sampler interface {
	Sample(ctx context.Context) ([]snapshot.Entry, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context) ([]snapshot.Entry, error)

func (f SamplerFunc) Sample(ctx context.Context) ([]snapshot.Entry, error) {
	return f(ctx)
}

// DefaultInterval is the live sampling cadence. The bridge generator
// uses the same value so synthetic stretches are indistinguishable in
// rhythm from collected ones.
const DefaultInterval = 3 * time.Minute

// Collector samples on a ticker and appends each snapshot under the
// store guard.
type Collector struct {
	store    *store.Store
	guard    lock.Guard
	sampler  Sampler
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithInterval sets the sampling cadence.
func WithInterval(d time.Duration) Option {
	return func(c *Collector) { c.interval = d }
}

// WithLockTimeout sets how long one append waits on the guard. A
// recovery replace holds the guard briefly; an append that cannot get
// in within the timeout is dropped and logged.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Collector) { c.timeout = d }
}

// WithClock injects the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// New creates a collector for the given store and sampler.
func New(st *store.Store, guard lock.Guard, sampler Sampler, opts ...Option) *Collector {
	c := &Collector{
		store:    st,
		guard:    guard,
		sampler:  sampler,
		interval: DefaultInterval,
		timeout:  10 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CollectOnce samples and appends a single snapshot.
func (c *Collector) CollectOnce(ctx context.Context) (snapshot.Snapshot, error) {
	entries, err := c.sampler.Sample(ctx)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("sample: %w", err)
	}

	snap := snapshot.Snapshot{
		Timestamp: c.now().UTC(),
		Entries:   entries,
	}
	err = lock.With(ctx, c.guard, c.timeout, func() error {
		return c.store.Append(snap)
	})
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("append snapshot: %w", err)
	}
	return snap, nil
}

// Run samples at the configured cadence until ctx is cancelled.
//
// A failed sample or append is logged and the loop continues; one bad
// tick costs one record, and a later recovery bridges the hole. The
// loop never retries inside a tick.
func (c *Collector) Run(ctx context.Context) error {
	slog.Info("collector starting", "interval", c.interval)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("collector stopping: context cancelled")
			return ctx.Err()

		case <-ticker.C:
			snap, err := c.CollectOnce(ctx)
			if err != nil {
				slog.Error("collection tick failed", "error", err)
				continue
			}
			slog.Debug("snapshot appended",
				"timestamp", snapshot.FormatTimestamp(snap.Timestamp),
				"entries", len(snap.Entries),
			)
		}
	}
}

// BridgeToNow fills the gap between the last stored snapshot and the
// present with deterministic synthetic records, for a process that was
// down long enough to leave a visible hole but not long enough to lose
// data. Appends happen in one guarded batch. Returns the number of
// records written; zero when the gap is under one interval.
func (c *Collector) BridgeToNow(ctx context.Context) (int, error) {
	last, ok, err := c.store.Last()
	if err != nil {
		return 0, fmt.Errorf("read last snapshot: %w", err)
	}
	if !ok {
		// Empty store has nothing to extend; that is recovery's job.
		return 0, nil
	}

	now := c.now().UTC()
	end := snapshot.Snapshot{Timestamp: now, Entries: last.Entries}
	if !end.Timestamp.After(last.Timestamp) {
		return 0, nil
	}

	synth, err := bridge.Build(last, end, c.interval, bridge.Seed(last.Timestamp, end.Timestamp))
	if err != nil {
		return 0, fmt.Errorf("build bridge: %w", err)
	}
	if len(synth) == 0 {
		return 0, nil
	}

	err = lock.With(ctx, c.guard, c.timeout, func() error {
		for _, snap := range synth {
			if err := c.store.Append(snap); err != nil {
				return fmt.Errorf("append synthetic snapshot: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	slog.Info("bridged to present",
		"from", snapshot.FormatTimestamp(last.Timestamp),
		"to", snapshot.FormatTimestamp(now),
		"records", len(synth),
	)
	return len(synth), nil
}
