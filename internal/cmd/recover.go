package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ccorch/internal/errors"
	"github.com/Iron-Ham/ccorch/internal/model"
	"github.com/Iron-Ham/ccorch/internal/recovery"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Pause queues and groups left running by a crashed process",
	Long: `Recover finds every queue and group still marked running whose runner
process has exited and pauses it, so it can be inspected and resumed. Run and
resume do this automatically before they start; use this command after a crash
or before inspecting state.

Entities being run by a live ccorch process are reported and left alone.`,
	Args: cobra.NoArgs,
	RunE: runRecover,
}

var recoverCleanLocks bool

func init() {
	rootCmd.AddCommand(recoverCmd)
	recoverCmd.Flags().BoolVar(&recoverCleanLocks, "clean-locks", false, "also remove stale lock files")
}

func runRecover(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	report, err := current.recover(cmd.Context())
	if err != nil {
		return err
	}
	printResult(out, "queue", report.Queues)
	printResult(out, "group", report.Groups)

	if recoverCleanLocks {
		removed := 0
		for _, dir := range []string{current.queueRepo.Dir(), current.groupRepo.Dir()} {
			n, err := current.locks.CleanStale(dir)
			if err != nil {
				return err
			}
			removed += n
		}
		fmt.Fprintf(out, "Removed %d stale lock files\n", removed)
	}

	if n := len(report.Queues.Failures) + len(report.Groups.Failures); n > 0 {
		return fmt.Errorf("%d entities could not be paused", n)
	}
	return nil
}

func printResult(w io.Writer, kind string, r recovery.Result) {
	if r.Found == 0 {
		fmt.Fprintf(w, "No running %ss found\n", kind)
		return
	}
	fmt.Fprintf(w, "Paused %d of %d running %ss\n", len(r.Recovered), r.Found, kind)
	for _, id := range r.Recovered {
		fmt.Fprintf(w, "  %s %s\n", status("paused"), model.ShortID(id))
	}
	for _, id := range r.Owned {
		fmt.Fprintf(w, "  %s %s\n", status("running"), model.ShortID(id))
	}
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %s %s: %s\n", status("failed"), model.ShortID(f.ID), errors.UserMessage(f.Err))
	}
}
