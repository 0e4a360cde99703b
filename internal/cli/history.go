package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"simwatch/internal/recovery/state"
)

// DefaultHistoryLimit is the number of runs History lists by default.
const DefaultHistoryLimit = 10

// History prints the most recent ledger runs, newest first.
func History(inv Invocation, out io.Writer, limit int) (CLIResult, error) {
	cfg, err := LoadConfig(inv)
	if err != nil {
		return CLIResult{ExitCode: ExitCode(err)}, err
	}
	st, err := state.NewStore(cfg.StateDir)
	if err != nil {
		return CLIResult{ExitCode: ExitInternalError}, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	runs, err := st.RecentRuns(limit)
	if err != nil {
		return CLIResult{ExitCode: ExitInternalError}, fmt.Errorf("read run ledger: %w", err)
	}
	if err := writeHistory(out, runs); err != nil {
		return CLIResult{ExitCode: ExitInternalError}, err
	}
	return CLIResult{ExitCode: ExitSuccess}, nil
}

func writeHistory(out io.Writer, runs []state.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(out, "no recorded runs")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tOUTCOME\tSTAGES\tDURATION\tTRIGGER")
	for _, r := range runs {
		outcome := r.Outcome
		if outcome == "" {
			outcome = string(r.Status)
		}
		duration := "-"
		if r.FinishTime != nil {
			duration = r.FinishTime.Sub(r.StartTime).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.RunID,
			r.StartTime.Local().Format(time.DateTime),
			outcome,
			len(r.Stages),
			duration,
			r.Trigger)
	}
	return tw.Flush()
}
