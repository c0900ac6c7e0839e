package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/de-bayes/IL9/internal/collector"
	"github.com/de-bayes/IL9/internal/recovery"
	"github.com/de-bayes/IL9/internal/snapshot"
	"github.com/de-bayes/IL9/internal/source"
)

// CollectOptions holds flags for the collect command.
type CollectOptions struct {
	*RootOptions
	EntriesFile string
	Once        bool
}

// NewCollectCommand creates the collect command.
func NewCollectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CollectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run the live snapshot collector",
		Long: `Run the live snapshot collector.

On startup the recovery decision runs once; if the store shows a
deficit against the export, the timeline is rebuilt before collection
begins. The collector then appends a snapshot every interval, reading
the current probabilities from the entries file on each tick. When
source watching is enabled, an export update re-triggers the recovery
decision while collecting continues.

The entries file holds a JSON array of {"name","probability","hasKalshi"}
objects, rewritten by whatever feed integration the deployment runs.

Example:
  il9 collect --entries entries.json
  il9 collect --entries entries.json --once`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.EntriesFile, "entries", "", "path to the current entries JSON file (required)")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "append a single snapshot and exit")
	_ = cmd.MarkFlagRequired("entries")

	return cmd
}

// fileSampler reads the entries file fresh on every tick.
func fileSampler(path string) collector.Sampler {
	return collector.SamplerFunc(func(context.Context) ([]snapshot.Entry, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read entries file: %w", err)
		}
		var entries []snapshot.Entry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parse entries file: %w", err)
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("entries file %s is empty", path)
		}
		return entries, nil
	})
}

func runCollect(opts *CollectOptions, cmd *cobra.Command) error {
	eng, err := setup(opts.RootOptions)
	if err != nil {
		return err
	}
	defer eng.Close()

	c := collector.New(eng.store, eng.guard, fileSampler(opts.EntriesFile),
		collector.WithInterval(eng.cfg.Interval.Std()),
		collector.WithLockTimeout(eng.cfg.LockTimeout.Std()),
	)

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	if opts.Once {
		snap, err := c.CollectOnce(cmd.Context())
		if err != nil {
			return WrapExitError(ExitFailure, "collect snapshot", err)
		}
		if opts.Format == "json" {
			return out.Success(snap)
		}
		return out.Success(fmt.Sprintf("appended snapshot at %s",
			snapshot.FormatTimestamp(snap.Timestamp)))
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Startup recovery. A failure is logged and collection proceeds:
	// the store may still be appendable, and automatic retries are
	// deliberately suppressed until the export changes or an operator
	// intervenes.
	if rep, err := eng.orch.RunIfNeeded(ctx, recovery.TriggerStartup); err != nil {
		slog.Error("startup recovery failed", "code", recovery.CodeOf(err), "error", err)
	} else if rep.State == recovery.StateDone {
		slog.Info("startup recovery committed",
			"count_before", rep.CountBefore, "count_after", rep.CountAfter)
	}

	if eng.cfg.WatchSource {
		watcher, werr := source.Watch(eng.cfg.SourcePath)
		if werr != nil {
			slog.Warn("source watching disabled", "error", werr)
		} else {
			defer watcher.Close()
			go eng.orch.Watch(ctx, watcher.C)
			slog.Info("watching export for changes", "path", eng.cfg.SourcePath)
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Collector started. Press Ctrl-C to stop.")
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "collector error", err)
	}

	slog.Info("collector stopped gracefully")
	return nil
}
