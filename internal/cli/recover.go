package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/de-bayes/IL9/internal/recovery"
	"github.com/de-bayes/IL9/internal/source"
)

// RecoverOptions holds flags for the recover command.
type RecoverOptions struct {
	*RootOptions
	Force  bool
	DryRun bool
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Recover the snapshot store from the authoritative export",
		Long: `Recover the snapshot store from the authoritative CSV export.

Evaluates the decision rules (store volume vs export volume, recovery
marker) and, on a deficit, rebuilds the timeline: the export wins inside
its own range, a deterministic synthetic bridge fills the gap after it,
and live data outside the range survives. Re-running with unchanged
inputs rewrites byte-identical content.

Example:
  il9 recover
  il9 recover --force          # re-apply a freshly updated export
  il9 recover --dry-run        # show the decision without writing`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "clear the recovery marker and re-run")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "evaluate and report without writing")

	return cmd
}

func runRecover(opts *RecoverOptions, cmd *cobra.Command) error {
	eng, err := setup(opts.RootOptions)
	if err != nil {
		return err
	}
	defer eng.Close()

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	if opts.DryRun {
		return dryRunRecover(eng, opts, out)
	}

	var rep *recovery.Report
	if opts.Force {
		rep, err = eng.orch.Force(cmd.Context())
	} else {
		rep, err = eng.orch.RunIfNeeded(cmd.Context(), recovery.TriggerManual)
	}
	if err != nil {
		_ = out.Error(string(recovery.CodeOf(err)), err.Error())
		return recoveryExit(err)
	}

	if opts.Format == "json" {
		return out.Success(rep)
	}
	return out.Success(reportText(rep))
}

// dryRunRecover evaluates the decision and previews the merge without
// taking the guard or writing anything.
func dryRunRecover(eng *engine, opts *RecoverOptions, out *OutputFormatter) error {
	count, err := eng.store.Count()
	if err != nil {
		return WrapExitError(ExitCommandError, "count snapshot store", err)
	}
	markerPresent, err := eng.marker.Present()
	if err != nil {
		return WrapExitError(ExitCommandError, "read recovery marker", err)
	}
	if opts.Force {
		markerPresent = false
	}

	src, err := source.Load(eng.cfg.SourcePath)
	if err != nil {
		_ = out.Error(string(recovery.CodeSourceUnavailable), err.Error())
		return recoveryExit(recoveryError(recovery.CodeSourceUnavailable, err))
	}

	if markerPresent && count >= src.Count() {
		return out.Success(fmt.Sprintf(
			"would skip: marker present, %d live records cover %d source records",
			count, src.Count()))
	}

	live, err := eng.store.ReadAll()
	if err != nil {
		return WrapExitError(ExitCommandError, "read snapshot store", err)
	}
	merged, err := recovery.Merge(src, live, time.Now(), eng.cfg.Interval.Std())
	if err != nil {
		_ = out.Error(string(recovery.CodeOf(err)), err.Error())
		return recoveryExit(err)
	}

	if opts.Format == "json" {
		return out.Success(map[string]any{
			"would_recover": true,
			"count_before":  count,
			"count_after":   len(merged.Timeline),
			"source_count":  merged.SourceCount,
			"bridged":       merged.Bridged,
			"retained":      merged.Retained,
			"discarded":     merged.Discarded,
		})
	}
	return out.Success(fmt.Sprintf(
		"would recover: %d -> %d records (%d source, %d bridged, %d retained, %d discarded)",
		count, len(merged.Timeline), merged.SourceCount, merged.Bridged,
		merged.Retained, merged.Discarded))
}

func recoveryError(code recovery.Code, err error) error {
	return &recovery.Error{Code: code, Message: "dry run", Err: err}
}

// reportText renders a recovery report for humans.
func reportText(rep *recovery.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "recovery %s (%s trigger)\n", rep.State, rep.Trigger)
	if rep.Reason != "" {
		fmt.Fprintf(&b, "  reason:    %s\n", rep.Reason)
	}
	fmt.Fprintf(&b, "  records:   %d -> %d\n", rep.CountBefore, rep.CountAfter)
	fmt.Fprintf(&b, "  source:    %d\n", rep.SourceCount)
	fmt.Fprintf(&b, "  bridged:   %d\n", rep.Bridged)
	fmt.Fprintf(&b, "  retained:  %d\n", rep.Retained)
	fmt.Fprintf(&b, "  discarded: %d\n", rep.Discarded)
	fmt.Fprintf(&b, "  duration:  %s", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	return b.String()
}
