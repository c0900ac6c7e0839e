package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/de-bayes/IL9/internal/recovery"
	"github.com/de-bayes/IL9/internal/snapshot"
)

// statusData is the status command's payload.
type statusData struct {
	StorePath     string           `json:"store_path"`
	Records       int              `json:"records"`
	LastTimestamp string           `json:"last_timestamp,omitempty"`
	LastSynthetic bool             `json:"last_synthetic,omitempty"`
	MarkerPresent bool             `json:"marker_present"`
	LastRun       *recovery.Report `json:"last_run,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store health and the last recovery run",
		Long: `Show store health and the last recovery run.

Reports the live record count, the newest snapshot, whether the recovery
marker is present, and the most recent entry in the run journal.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	eng, err := setup(opts)
	if err != nil {
		return err
	}
	defer eng.Close()

	data := statusData{StorePath: eng.store.Path()}

	if data.Records, err = eng.store.Count(); err != nil {
		return WrapExitError(ExitCommandError, "count snapshot store", err)
	}
	if last, ok, lerr := eng.store.Last(); lerr != nil {
		return WrapExitError(ExitCommandError, "read last snapshot", lerr)
	} else if ok {
		data.LastTimestamp = snapshot.FormatTimestamp(last.Timestamp)
		data.LastSynthetic = last.Synthetic
	}
	if data.MarkerPresent, err = eng.marker.Present(); err != nil {
		return WrapExitError(ExitCommandError, "read recovery marker", err)
	}
	if data.LastRun, err = eng.journal.Latest(cmd.Context()); err != nil {
		return WrapExitError(ExitCommandError, "read run journal", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		return out.Success(data)
	}
	return out.Success(statusText(data))
}

func statusText(data statusData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "store: %s\n", data.StorePath)
	fmt.Fprintf(&b, "  records: %d\n", data.Records)
	if data.LastTimestamp != "" {
		kind := "live"
		if data.LastSynthetic {
			kind = "synthetic"
		}
		fmt.Fprintf(&b, "  newest:  %s (%s)\n", data.LastTimestamp, kind)
	}
	fmt.Fprintf(&b, "  marker:  %v\n", data.MarkerPresent)
	if data.LastRun != nil {
		fmt.Fprintf(&b, "last recovery: %s (%s trigger) at %s",
			data.LastRun.State, data.LastRun.Trigger,
			data.LastRun.FinishedAt.UTC().Format(time.RFC3339))
	} else {
		b.WriteString("last recovery: none recorded")
	}
	return b.String()
}
