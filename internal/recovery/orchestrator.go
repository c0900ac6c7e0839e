// Package recovery reconstructs a consistent snapshot timeline after
// storage loss. The orchestrator decides whether recovery must run,
// computes the merged timeline (authoritative export + synthetic bridge
// + surviving live data), and commits it exactly once through the
// store's atomic replace, all while the live collector keeps appending
// in the background.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/de-bayes/IL9/internal/lock"
	"github.com/de-bayes/IL9/internal/source"
	"github.com/de-bayes/IL9/internal/store"
)

// State is the orchestrator's position in the recovery state machine:
//
//	Idle → Deciding → Merging → Committing → Done
//	              ↘ Skipped            (healthy volume)
//	         Merging/Committing → Failed
type State string

const (
	StateIdle       State = "idle"
	StateDeciding   State = "deciding"
	StateMerging    State = "merging"
	StateCommitting State = "committing"
	StateDone       State = "done"
	StateSkipped    State = "skipped"
	StateFailed     State = "failed"
)

// Trigger records what started a recovery attempt.
type Trigger string

const (
	// TriggerStartup is the automatic check at process start.
	TriggerStartup Trigger = "startup"

	// TriggerSourceChange is the automatic re-check after the export
	// file changed on disk.
	TriggerSourceChange Trigger = "source-change"

	// TriggerManual is an operator-invoked "run if needed".
	TriggerManual Trigger = "manual"

	// TriggerForce clears the marker first, bypassing the healthy-
	// volume short circuit.
	TriggerForce Trigger = "force"
)

// automatic triggers never re-run after an in-process failure; the
// next opportunity is a restart or an explicit administrative trigger.
func (t Trigger) automatic() bool {
	return t == TriggerStartup || t == TriggerSourceChange
}

// Report describes one recovery attempt.
type Report struct {
	RunID       string    `json:"run_id"`
	Trigger     Trigger   `json:"trigger"`
	State       State     `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	CountBefore int       `json:"count_before"`
	CountAfter  int       `json:"count_after"`
	SourceCount int       `json:"source_count"`
	Bridged     int       `json:"bridged"`
	Retained    int       `json:"retained"`
	Discarded   int       `json:"discarded"`
	Reason      string    `json:"reason,omitempty"`
}

// Status is the externally visible recovery state.
type Status struct {
	State   State   `json:"state"`
	LastRun *Report `json:"last_run,omitempty"`
}

// Recorder persists recovery reports. Implemented by the journal;
// recording is best-effort and never fails a recovery.
type Recorder interface {
	Record(ctx context.Context, rep Report) error
}

const (
	// DefaultStep matches the live collector's 3-minute cadence.
	DefaultStep = 3 * time.Minute

	// DefaultLockTimeout bounds how long a recovery waits on the
	// guard before reporting LockTimeout instead of blocking forever.
	DefaultLockTimeout = 30 * time.Second
)

// Orchestrator runs the recovery state machine against one store.
type Orchestrator struct {
	store      *store.Store
	guard      lock.Guard
	marker     Marker
	sourcePath string

	loadSource  func(string) (*source.Set, error)
	step        time.Duration
	lockTimeout time.Duration
	now         func() time.Time
	recorder    Recorder

	mu         sync.Mutex
	state      State
	lastReport *Report
	failed     bool // a Failed run blocks further automatic triggers
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStep sets the bridge cadence.
func WithStep(step time.Duration) Option {
	return func(o *Orchestrator) { o.step = step }
}

// WithLockTimeout sets the guard acquisition timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.lockTimeout = d }
}

// WithClock injects the time source. Tests pin it; production uses
// time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRecorder attaches a run journal.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithSourceLoader overrides export loading. Tests use it to inject
// in-memory sets.
func WithSourceLoader(load func(string) (*source.Set, error)) Option {
	return func(o *Orchestrator) { o.loadSource = load }
}

// New creates an orchestrator in StateIdle.
func New(st *store.Store, guard lock.Guard, marker Marker, sourcePath string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       st,
		guard:       guard,
		marker:      marker,
		sourcePath:  sourcePath,
		loadSource:  source.Load,
		step:        DefaultStep,
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunIfNeeded evaluates the decision rules once and recovers if the
// store shows a deficit. Idempotent: a healthy store is a no-op, and
// re-running with unchanged inputs rewrites byte-identical content.
func (o *Orchestrator) RunIfNeeded(ctx context.Context, trigger Trigger) (*Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run(ctx, trigger)
}

// Force clears the recovery marker and re-runs the decision logic,
// letting an operator re-apply a freshly updated export even when the
// store looks healthy by count.
func (o *Orchestrator) Force(ctx context.Context) (*Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.marker.Clear(); err != nil {
		rep := o.newReport(TriggerForce)
		return o.fail(ctx, rep, newError(CodeStorageWrite, "clear recovery marker", err))
	}
	return o.run(ctx, TriggerForce)
}

// Status returns the current state and the last run's report.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{State: o.state}
	if o.lastReport != nil {
		rep := *o.lastReport
		st.LastRun = &rep
	}
	return st
}

// run executes one pass of the state machine. Caller holds o.mu.
func (o *Orchestrator) run(ctx context.Context, trigger Trigger) (*Report, error) {
	rep := o.newReport(trigger)

	if o.failed && trigger.automatic() {
		rep.State = StateSkipped
		rep.Reason = "previous attempt failed; waiting for restart or manual trigger"
		return o.finish(ctx, rep), nil
	}

	// Deciding.
	o.state = StateDeciding
	slog.Info("recovery deciding", "run_id", rep.RunID, "trigger", trigger)

	count, err := o.store.Count()
	if err != nil {
		return o.fail(ctx, rep, newError(CodeStorageRead, "count live store", err))
	}
	rep.CountBefore = count

	markerPresent, err := o.marker.Present()
	if err != nil {
		return o.fail(ctx, rep, newError(CodeStorageRead, "read recovery marker", err))
	}

	// The export is loaded fresh on every run so a new upload is
	// always reflected; nothing is cached across attempts.
	src, err := o.loadSource(o.sourcePath)
	if err != nil {
		return o.fail(ctx, rep, newError(CodeSourceUnavailable, "load authoritative source", err))
	}
	rep.SourceCount = src.Count()

	if markerPresent && count >= src.Count() {
		rep.State = StateSkipped
		rep.Reason = "healthy volume: marker present and live count covers source"
		rep.CountAfter = count
		slog.Info("recovery skipped", "run_id", rep.RunID, "live", count, "source", src.Count())
		return o.finish(ctx, rep), nil
	}

	if count == 0 {
		rep.Reason = "fresh store: full import plus bridge to present"
	} else {
		rep.Reason = "partial loss: merging source, bridge, and surviving data"
	}

	// Merging and Committing run entirely under the guard: the live
	// partition decision and the atomic replace see the same file, so
	// a concurrent append can never fall between them.
	o.state = StateMerging
	err = lock.With(ctx, o.guard, o.lockTimeout, func() error {
		live, rerr := o.store.ReadAll()
		if rerr != nil {
			return newError(CodeStorageRead, "read live store", rerr)
		}
		rep.CountBefore = len(live)

		merged, merr := Merge(src, live, o.now(), o.step)
		if merr != nil {
			if CodeOf(merr) != "" {
				return merr
			}
			return newError(CodeInvariantViolation, "merge timeline", merr)
		}
		rep.Bridged = merged.Bridged
		rep.Retained = merged.Retained
		rep.Discarded = merged.Discarded

		o.state = StateCommitting
		if werr := o.store.ReplaceAll(merged.Timeline); werr != nil {
			return newError(CodeStorageWrite, "replace store content", werr)
		}
		if werr := o.marker.Set(); werr != nil {
			// The timeline is committed but the marker is not: the
			// next restart re-runs recovery, which is idempotent.
			return newError(CodeStorageWrite, "write recovery marker", werr)
		}
		rep.CountAfter = len(merged.Timeline)
		return nil
	})
	if err != nil {
		return o.fail(ctx, rep, err)
	}

	// A successful commit clears the failure latch, so automatic
	// triggers are live again.
	o.failed = false

	rep.State = StateDone
	slog.Info("recovery committed",
		"run_id", rep.RunID,
		"count_before", rep.CountBefore,
		"count_after", rep.CountAfter,
		"source", rep.SourceCount,
		"bridged", rep.Bridged,
		"retained", rep.Retained,
		"discarded", rep.Discarded,
	)
	return o.finish(ctx, rep), nil
}

func (o *Orchestrator) newReport(trigger Trigger) *Report {
	return &Report{
		RunID:     uuid.Must(uuid.NewV7()).String(),
		Trigger:   trigger,
		StartedAt: o.now().UTC(),
	}
}

// finish records a terminal report and settles the public state.
func (o *Orchestrator) finish(ctx context.Context, rep *Report) *Report {
	rep.FinishedAt = o.now().UTC()
	o.state = rep.State
	o.lastReport = rep
	if o.recorder != nil {
		if err := o.recorder.Record(ctx, *rep); err != nil {
			slog.Warn("journal write failed", "run_id", rep.RunID, "error", err)
		}
	}
	return rep
}

func (o *Orchestrator) fail(ctx context.Context, rep *Report, err error) (*Report, error) {
	if CodeOf(err) == "" {
		// Anything uncategorized out of the guard is lock contention
		// or cancellation while waiting on it.
		err = newError(CodeLockTimeout, "acquire store guard", err)
	}
	rep.State = StateFailed
	rep.Reason = err.Error()
	o.failed = true
	slog.Error("recovery failed",
		"run_id", rep.RunID,
		"trigger", rep.Trigger,
		"code", CodeOf(err),
		"error", err,
	)
	return o.finish(ctx, rep), err
}

// Watch re-runs the decision logic whenever the export changes,
// until ctx is cancelled. Failures inside a run are logged and leave
// further automatic triggers suppressed per the retry policy.
func (o *Orchestrator) Watch(ctx context.Context, changes <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			if _, err := o.RunIfNeeded(ctx, TriggerSourceChange); err != nil {
				// Already logged with context by the run itself.
				continue
			}
		}
	}
}
