package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/querytune/internal/logging"
	"github.com/danielpatrickdp/querytune/internal/trajectory"
)

// #region inspect
func newInspectCmd(a *app) *cobra.Command {
	var runID string
	var iteration, last int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List persisted runs, or show the iterations of one run",
		Example: `  querytune inspect
  querytune inspect --run 3f2a9c1e
  querytune inspect --run 3f2a9c1e --iteration 2 --json`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if iteration > 0 && runID == "" {
				return usagef("--iteration needs --run")
			}
			st, err := openStore(a.cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			if runID == "" {
				return runListMode(a.stdout, st, last, jsonOut)
			}
			id, err := resolveRun(st, runID)
			if err != nil {
				return err
			}
			if iteration > 0 {
				return runIterationMode(a.stdout, st, id, iteration, jsonOut)
			}
			return runDetailMode(a.stdout, st, id, jsonOut)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&runID, "run", "", "run id or unique prefix")
	fs.IntVar(&iteration, "iteration", 0, "show one iteration in detail")
	fs.IntVar(&last, "last", 20, "show N most recent runs")
	fs.BoolVar(&jsonOut, "json", false, "output as JSON instead of table")
	return cmd
}

// resolveRun accepts a full run id or a unique prefix of one.
func resolveRun(st *trajectory.SQLiteStore, prefix string) (string, error) {
	runs, err := st.ListRuns()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, r := range runs {
		if r.RunID == prefix {
			return r.RunID, nil
		}
		if strings.HasPrefix(r.RunID, prefix) {
			matches = append(matches, r.RunID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("run %q not found", prefix)
	case 1:
		return matches[0], nil
	}
	return "", usagef("run prefix %q is ambiguous (%d matches)", prefix, len(matches))
}

// #endregion inspect

// #region list-mode
type runRow struct {
	RunID      string  `json:"run_id"`
	AgentName  string  `json:"agent_name"`
	AgentID    string  `json:"agent_id,omitempty"`
	StartedAt  string  `json:"started_at"`
	Iterations int     `json:"iterations"`
	Best       float64 `json:"best_accuracy"`
	Final      float64 `json:"final_accuracy"`
}

func runListMode(w io.Writer, st *trajectory.SQLiteStore, last int, jsonOut bool) error {
	runs, err := st.ListRuns()
	if err != nil {
		return err
	}
	if last > 0 && len(runs) > last {
		runs = runs[:last]
	}
	rows := make([]runRow, 0, len(runs))
	for _, m := range runs {
		_, records, err := st.LoadRun(m.RunID)
		if err != nil {
			return err
		}
		row := runRow{
			RunID:      m.RunID,
			AgentName:  m.AgentName,
			AgentID:    m.AgentID,
			StartedAt:  m.StartTime.Format("2006-01-02T15:04:05Z"),
			Iterations: len(records),
		}
		if len(records) > 0 {
			s := trajectory.Summarize(records)
			row.Best, row.Final = s.Best.Accuracy, s.FinalAccuracy
		}
		rows = append(rows, row)
	}

	if jsonOut {
		return printJSON(w, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "no runs found")
		return nil
	}
	fmt.Fprintf(w, "%-10s  %-20s  %5s  %7s  %7s  %s\n", "Run", "Agent", "Iters", "Best", "Final", "Started")
	fmt.Fprintf(w, "%-10s+-%-20s+-%5s+-%7s+-%7s+-%s\n",
		"----------", "--------------------", "-----", "-------", "-------", "--------------------")
	for _, r := range rows {
		fmt.Fprintf(w, "%-10s  %-20s  %5d  %6.1f%%  %6.1f%%  %s\n",
			shortID(r.RunID), truncate(orDash(r.AgentName), 20), r.Iterations, r.Best, r.Final, r.StartedAt)
	}
	return nil
}

// #endregion list-mode

// #region detail-mode
type iterationRow struct {
	Sequence  int      `json:"sequence"`
	VersionID string   `json:"version_id"`
	Train     float64  `json:"train_accuracy"`
	HeldOut   *float64 `json:"held_out_accuracy,omitempty"`
	Failures  int      `json:"failures"`
	Decision  string   `json:"decision,omitempty"`
	Change    string   `json:"change_description"`
}

type runDetail struct {
	Run        trajectory.RunMeta        `json:"run"`
	Iterations []iterationRow            `json:"iterations"`
	Summary    trajectory.Summary        `json:"summary"`
	Decisions  []logging.ProvenanceEntry `json:"decisions"`
}

func runDetailMode(w io.Writer, st *trajectory.SQLiteStore, runID string, jsonOut bool) error {
	meta, records, err := st.LoadRun(runID)
	if err != nil {
		return err
	}
	decisions, err := logging.ListDecisions(st.DB(), runID)
	if err != nil {
		return err
	}
	out := runDetail{Run: meta, Decisions: decisions, Summary: trajectory.Summarize(records)}
	for _, r := range records {
		row := iterationRow{
			Sequence:  r.Sequence,
			VersionID: r.Configuration.VersionID,
			Train:     r.Train.Accuracy,
			Failures:  len(r.Failures),
			Change:    r.ChangeDescription,
		}
		if r.HeldOut != nil {
			h := r.HeldOut.Accuracy
			row.HeldOut = &h
		}
		if r.Proposal != nil {
			row.Decision = r.Proposal.Decision
		}
		out.Iterations = append(out.Iterations, row)
	}

	if jsonOut {
		return printJSON(w, out)
	}

	fmt.Fprintf(w, "Run:     %s\n", meta.RunID)
	fmt.Fprintf(w, "Agent:   %s %s\n", orDash(meta.AgentName), meta.AgentID)
	fmt.Fprintf(w, "Started: %s\n\n", meta.StartTime.Format("2006-01-02T15:04:05Z"))
	if len(out.Iterations) == 0 {
		fmt.Fprintln(w, "no iterations recorded")
		return nil
	}
	fmt.Fprintf(w, "%-4s  %-10s  %7s  %8s  %5s  %-8s  %s\n", "Iter", "Version", "Train", "Held-out", "Fails", "Decision", "Change")
	fmt.Fprintf(w, "%-4s+-%-10s+-%7s+-%8s+-%5s+-%-8s+-%s\n",
		"----", "----------", "-------", "--------", "-----", "--------", "--------------------")
	for _, r := range out.Iterations {
		held := "-"
		if r.HeldOut != nil {
			held = fmt.Sprintf("%.1f%%", *r.HeldOut)
		}
		fmt.Fprintf(w, "%-4d  %-10s  %6.1f%%  %8s  %5d  %-8s  %s\n",
			r.Sequence, shortID(r.VersionID), r.Train, held, r.Failures, orDash(r.Decision), truncate(r.Change, 60))
	}
	s := out.Summary
	fmt.Fprintf(w, "\nBest: iteration %d (%.1f%%)  Worst: iteration %d (%.1f%%)  Improvement: %+.1f\n",
		s.Best.Sequence, s.Best.Accuracy, s.Worst.Sequence, s.Worst.Accuracy, s.Improvement)

	if len(decisions) > 0 {
		fmt.Fprintf(w, "\nDecisions:\n")
		for _, d := range decisions {
			fmt.Fprintf(w, "  %-3d %-8s %-11s %s\n", d.Iteration, d.Decision, d.TriggerType, d.Reason)
		}
	}
	return nil
}

// #endregion detail-mode

// #region iteration-mode
type iterationDetail struct {
	Record     trajectory.Record      `json:"record"`
	Comparison *trajectory.Comparison `json:"comparison,omitempty"`
}

func runIterationMode(w io.Writer, st *trajectory.SQLiteStore, runID string, seq int, jsonOut bool) error {
	_, records, err := st.LoadRun(runID)
	if err != nil {
		return err
	}
	if seq > len(records) {
		return fmt.Errorf("run %s has %d iterations, no iteration %d", shortID(runID), len(records), seq)
	}
	rec := records[seq-1]
	out := iterationDetail{Record: rec}
	if seq > 1 {
		c := trajectory.CompareRecords(records[seq-2], rec)
		out.Comparison = &c
	}
	if jsonOut {
		return printJSON(w, out)
	}

	fmt.Fprintf(w, "Iteration: %d\n", rec.Sequence)
	fmt.Fprintf(w, "Version:   %s\n", rec.Configuration.VersionID)
	fmt.Fprintf(w, "Parent:    %s\n", orDash(rec.Configuration.ParentID))
	fmt.Fprintf(w, "Change:    %s\n", orDash(rec.ChangeDescription))
	printMetrics(w, rec.Train, 100)
	if rec.HeldOut != nil {
		printMetrics(w, *rec.HeldOut, 100)
	}
	if c := out.Comparison; c != nil {
		fmt.Fprintf(w, "\nVs iteration %d: %+.1f points, %d newly failing, %d resolved\n",
			seq-1, c.AccuracyDelta, len(c.NewFailures), len(c.Resolved))
	}
	if len(rec.Failures) > 0 {
		fmt.Fprintf(w, "\nFailures:\n")
		for _, f := range rec.Failures {
			fmt.Fprintf(w, "  %-16s %-20s %-16s %s\n", f.CaseID, f.Issue, orDash(f.Category), truncate(f.Input, 60))
		}
	}
	for _, e := range rec.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
	for _, warn := range rec.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	fmt.Fprintf(w, "\nConfiguration:\n%s\n", rec.Configuration.Render())
	return nil
}

// #endregion iteration-mode

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
