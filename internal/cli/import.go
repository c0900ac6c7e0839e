package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/de-bayes/IL9/internal/lock"
	"github.com/de-bayes/IL9/internal/recovery"
	"github.com/de-bayes/IL9/internal/source"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Source string
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Seed an empty store from a CSV export",
		Long: `Seed an empty store from a CSV export, without bridging to the
present. Refuses to run against a non-empty store; use recover for
that.

Example:
  il9 import
  il9 import --source /tmp/history.csv`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Source, "source", "", "CSV export path (defaults to the configured source)")

	return cmd
}

func runImport(opts *ImportOptions, cmd *cobra.Command) error {
	eng, err := setup(opts.RootOptions)
	if err != nil {
		return err
	}
	defer eng.Close()

	count, err := eng.store.Count()
	if err != nil {
		return WrapExitError(ExitCommandError, "count snapshot store", err)
	}
	if count > 0 {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("store already holds %d records; use recover instead", count))
	}

	path := opts.Source
	if path == "" {
		path = eng.cfg.SourcePath
	}
	src, err := source.Load(path)
	if err != nil {
		return WrapExitError(ExitFailure, string(recovery.CodeSourceUnavailable), err)
	}

	err = lock.With(cmd.Context(), eng.guard, eng.cfg.LockTimeout.Std(), func() error {
		if err := eng.store.ReplaceAll(src.Snapshots); err != nil {
			return err
		}
		return eng.marker.Set()
	})
	if err != nil {
		return WrapExitError(ExitFailure, "import export", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		return out.Success(map[string]int{"imported": src.Count()})
	}
	return out.Success(fmt.Sprintf("imported %d records from %s", src.Count(), path))
}
