// Package journal keeps a durable history of recovery runs in SQLite.
// It implements recovery.Recorder; writes are best-effort and a journal
// failure never fails the recovery that produced the report.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/de-bayes/IL9/internal/recovery"
)

//go:embed schema.sql
var schemaSQL string

// Journal is a SQLite-backed log of recovery attempts.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path. Idempotent: the
// schema is applied with IF NOT EXISTS on every open.
//
// The database uses WAL mode so status queries can read while a run is
// being recorded, and a single writer connection to avoid SQLITE_BUSY.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect journal: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Record inserts one terminal report. Re-recording the same run ID is a
// conflict and fails; run IDs are unique per attempt.
func (j *Journal) Record(ctx context.Context, rep recovery.Report) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO recovery_runs (
			run_id, trigger_kind, state, started_at, finished_at,
			count_before, count_after, source_count,
			bridged, retained, discarded, reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.RunID,
		string(rep.Trigger),
		string(rep.State),
		rep.StartedAt.UTC().Format(time.RFC3339Nano),
		rep.FinishedAt.UTC().Format(time.RFC3339Nano),
		rep.CountBefore,
		rep.CountAfter,
		rep.SourceCount,
		rep.Bridged,
		rep.Retained,
		rep.Discarded,
		rep.Reason,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", rep.RunID, err)
	}
	return nil
}

// Latest returns the most recent run, or (nil, nil) for an empty journal.
func (j *Journal) Latest(ctx context.Context) (*recovery.Report, error) {
	rows, err := j.query(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// List returns up to limit runs, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]recovery.Report, error) {
	return j.query(ctx, limit)
}

func (j *Journal) query(ctx context.Context, limit int) ([]recovery.Report, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, trigger_kind, state, started_at, finished_at,
		       count_before, count_after, source_count,
		       bridged, retained, discarded, reason
		FROM recovery_runs
		ORDER BY started_at DESC, run_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []recovery.Report
	for rows.Next() {
		var (
			rep                   recovery.Report
			trigger, state        string
			startedAt, finishedAt string
		)
		if err := rows.Scan(
			&rep.RunID, &trigger, &state, &startedAt, &finishedAt,
			&rep.CountBefore, &rep.CountAfter, &rep.SourceCount,
			&rep.Bridged, &rep.Retained, &rep.Discarded, &rep.Reason,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rep.Trigger = recovery.Trigger(trigger)
		rep.State = recovery.State(state)
		if rep.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if rep.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		out = append(out, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}
