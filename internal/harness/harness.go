// Package harness executes yaml-defined recovery scenarios against a
// throwaway store and compares the resulting timeline against golden
// files. Scenarios pin the clock and seed the store, the marker, and
// the export, so every run is fully deterministic.
package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/de-bayes/IL9/internal/lock"
	"github.com/de-bayes/IL9/internal/recovery"
	"github.com/de-bayes/IL9/internal/snapshot"
	"github.com/de-bayes/IL9/internal/store"
)

// Result is the outcome of one scenario execution.
type Result struct {
	Report   *recovery.Report
	Timeline []snapshot.Snapshot

	// Raw is the store file content after the run, byte-exact. Golden
	// comparisons use it so serialization drift is caught too.
	Raw []byte
}

// Run executes a scenario in a fresh temp directory. A recovery
// failure is returned as an error with the partial report discarded;
// scenarios are expected to describe successful or skipped runs.
func Run(sc *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "il9-harness-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	sourcePath := filepath.Join(dir, "export.csv")
	if err := os.WriteFile(sourcePath, []byte(sc.Source), 0o644); err != nil {
		return nil, fmt.Errorf("write export fixture: %w", err)
	}

	st, err := store.Open(filepath.Join(dir, "snapshots.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	seed, err := sc.storeSnapshots()
	if err != nil {
		return nil, err
	}
	for _, snap := range seed {
		if err := st.Append(snap); err != nil {
			return nil, fmt.Errorf("seed store: %w", err)
		}
	}

	now, err := sc.now()
	if err != nil {
		return nil, err
	}
	step, err := sc.step()
	if err != nil {
		return nil, err
	}

	orch := recovery.New(st, lock.NewMemGuard(), recovery.NewMemMarker(sc.MarkerPresent), sourcePath,
		recovery.WithStep(step),
		recovery.WithClock(func() time.Time { return now }),
	)

	ctx := context.Background()
	var rep *recovery.Report
	if sc.Force {
		rep, err = orch.Force(ctx)
	} else {
		rep, err = orch.RunIfNeeded(ctx, recovery.TriggerManual)
	}
	if err != nil {
		return nil, fmt.Errorf("scenario %s: recovery failed: %w", sc.Name, err)
	}

	timeline, err := st.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read result timeline: %w", err)
	}
	raw, err := os.ReadFile(st.Path())
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read result bytes: %w", err)
	}

	return &Result{Report: rep, Timeline: timeline, Raw: raw}, nil
}
