package main

import (
	"fmt"
	"io"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/arthur-debert/consync/pkg/errors"
	"github.com/arthur-debert/consync/pkg/state"
	"github.com/arthur-debert/consync/pkg/syncer"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the engine state from the last run",
	Long: `Status reports the outcome of the last sync, open conflicts and the
snapshot inventory. It reads persisted state only and never touches the
repository or the network. The exit code is non-zero while a conflict
is open or the last run failed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, store, err := newOrchestrator(false)
		if err != nil {
			return err
		}

		status, err := syncer.ReadStatus(store, orch.Snapshots())
		if err != nil {
			return err
		}

		renderStatus(cmd.OutOrStdout(), status)

		switch status.Outcome {
		case state.OutcomeConflict:
			return errors.Newf(errors.ErrConflictOpen, "%d conflict(s) open", len(status.Conflicts))
		case state.OutcomeFailed:
			return errors.New(errors.ErrInternal, "last sync failed")
		}
		return nil
	},
}

// outcomeStyle maps a run outcome to a pterm style.
func outcomeStyle(outcome state.Outcome) *pterm.Style {
	switch outcome {
	case state.OutcomeSuccess:
		return pterm.NewStyle(pterm.FgGreen, pterm.Bold)
	case state.OutcomeConflict:
		return pterm.NewStyle(pterm.FgYellow, pterm.Bold)
	case state.OutcomeFailed:
		return pterm.NewStyle(pterm.FgRed, pterm.Bold)
	default:
		return pterm.NewStyle(pterm.FgGray)
	}
}

func renderStatus(w io.Writer, status syncer.Status) {
	fmt.Fprintf(w, "state:     %s\n", outcomeStyle(status.Outcome).Sprint(status.Outcome))

	if status.LastRun != nil {
		run := status.LastRun
		fmt.Fprintf(w, "last run:  %s  (%s)\n", run.ID, run.FinishedAt.Local().Format(time.RFC1123))
		if run.Commit != "" {
			fmt.Fprintf(w, "commit:    %s\n", run.Commit)
		}
		if run.Snapshot != "" {
			fmt.Fprintf(w, "snapshot:  %s\n", run.Snapshot)
		}
		for _, msg := range run.Errors {
			fmt.Fprintf(w, "  %s %s\n", pterm.NewStyle(pterm.FgRed).Sprint("error:"), msg)
		}
	}

	fmt.Fprintf(w, "baseline:  %d managed file(s)\n", status.Baseline)

	if len(status.Conflicts) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, pterm.NewStyle(pterm.FgYellow, pterm.Bold).Sprint("open conflicts"))
		for _, record := range status.Conflicts {
			fmt.Fprintf(w, "  %s\n", record.Path)
			fmt.Fprintf(w, "    expected: %s\n", record.Expected)
			fmt.Fprintf(w, "    local:    %s\n", record.Current)
			fmt.Fprintf(w, "    incoming: %s\n", record.Incoming)
			if record.Snapshot != "" {
				fmt.Fprintf(w, "    snapshot: %s\n", record.Snapshot)
			}
		}
	}

	if len(status.Snapshots) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "snapshots")
		for _, snap := range status.Snapshots {
			fmt.Fprintf(w, "  %s  %-6s %s\n", snap.Ref, snap.Backend,
				snap.CreatedAt.Local().Format(time.RFC1123))
		}
	}
}

func renderSyncResult(w io.Writer, result syncer.Result) {
	run := result.Run
	fmt.Fprintf(w, "run %s finished: %s\n", run.ID, outcomeStyle(run.Outcome).Sprint(run.Outcome))

	fmt.Fprintf(w, "  files:    %d deployed, %d unchanged, %d failed\n",
		len(result.Files.Deployed), len(result.Files.Skipped), len(result.Files.Failed))
	fmt.Fprintf(w, "  packages: %d installed, %d already present\n",
		len(result.Packages.Installed), len(result.Packages.Skipped))

	for _, fe := range result.FileErrors {
		fmt.Fprintf(w, "  %s %s\n", pterm.NewStyle(pterm.FgRed).Sprint("file error:"), fe.Error())
	}
	for _, failure := range result.Packages.Failures {
		fmt.Fprintf(w, "  %s bucket %s (%s): %v\n",
			pterm.NewStyle(pterm.FgRed).Sprint("packages:"), failure.Bucket, failure.Manager, failure.Err)
	}
	for _, record := range result.Conflicts {
		fmt.Fprintf(w, "  %s %s\n", pterm.NewStyle(pterm.FgYellow).Sprint("conflict:"), record.Path)
	}
}
