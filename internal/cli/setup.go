package cli

import (
	"log/slog"

	"github.com/de-bayes/IL9/internal/config"
	"github.com/de-bayes/IL9/internal/journal"
	"github.com/de-bayes/IL9/internal/lock"
	"github.com/de-bayes/IL9/internal/recovery"
	"github.com/de-bayes/IL9/internal/store"
)

// engine bundles the wired components every command works against.
type engine struct {
	cfg     config.Config
	store   *store.Store
	guard   lock.Guard
	marker  recovery.Marker
	journal *journal.Journal
	orch    *recovery.Orchestrator
}

// setup loads configuration and wires store, guard, marker, journal,
// and orchestrator. Callers must Close() the result.
func setup(opts *RootOptions) (*engine, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load configuration", err)
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open snapshot store", err)
	}

	guard := lock.NewFileGuardStale(cfg.StorePath(), cfg.LockStaleAfter.Std())
	marker := recovery.NewFileMarker(cfg.MarkerPath())

	jnl, err := journal.Open(cfg.JournalPath())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open run journal", err)
	}

	orch := recovery.New(st, guard, marker, cfg.SourcePath,
		recovery.WithStep(cfg.Interval.Std()),
		recovery.WithLockTimeout(cfg.LockTimeout.Std()),
		recovery.WithRecorder(jnl),
	)

	return &engine{
		cfg:     cfg,
		store:   st,
		guard:   guard,
		marker:  marker,
		journal: jnl,
		orch:    orch,
	}, nil
}

func (e *engine) Close() {
	if err := e.journal.Close(); err != nil {
		slog.Error("close run journal", "error", err)
	}
}

// recoveryExit maps a recovery failure onto an exit error, preserving
// the error code for JSON consumers.
func recoveryExit(err error) error {
	return WrapExitError(ExitFailure, string(recovery.CodeOf(err)), err)
}
