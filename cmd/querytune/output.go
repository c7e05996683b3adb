package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/danielpatrickdp/querytune/internal/eval"
	"github.com/danielpatrickdp/querytune/internal/orchestrator"
	"github.com/danielpatrickdp/querytune/internal/trajectory"
	"github.com/danielpatrickdp/querytune/internal/ux"
)

// #region iteration
func (a *app) iterationPrinter(target float64) func(trajectory.Record, *orchestrator.Warning) {
	return func(rec trajectory.Record, w *orchestrator.Warning) {
		fmt.Fprintln(a.stdout, renderIteration(rec, w, target))
	}
}

// renderIteration is the boxed console summary printed after each iteration.
func renderIteration(rec trajectory.Record, w *orchestrator.Warning, target float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  train %s",
		ux.Styles.Title.Render(fmt.Sprintf("Iteration %d", rec.Sequence)),
		ux.Accuracy(rec.Train.Accuracy, target))
	if rec.HeldOut != nil {
		fmt.Fprintf(&b, "  held-out %s", ux.Accuracy(rec.HeldOut.Accuracy, target))
	}
	fmt.Fprintf(&b, "\nversion %s  failures %d  errors %d  mean score %.1f",
		shortID(rec.Configuration.VersionID), rec.Train.Failures, rec.Train.Errors, rec.Train.MeanScore)
	if rec.ChangeDescription != "" {
		b.WriteString("\n" + ux.Styles.Muted.Render(rec.ChangeDescription))
	}
	if w != nil {
		b.WriteString("\n" + ux.Styles.Warning.Render("overfitting: "+w.Message))
	}
	return ux.Styles.Box.Render(b.String())
}

func (a *app) printOutcome(out orchestrator.Outcome, target float64) {
	fmt.Fprintf(a.stdout, "\n%s %s after %d iteration(s)\n",
		ux.Styles.Bold.Render("Stopped:"), out.StopReason, out.Iterations)
	fmt.Fprintf(a.stdout, "Final configuration: %s\n", out.Final.VersionID)
	if out.AgentID != "" {
		fmt.Fprintf(a.stdout, "Agent: %s\n", out.AgentID)
	}
	if n := len(out.Warnings); n > 0 {
		fmt.Fprintln(a.stdout, ux.Styles.Warning.Render(fmt.Sprintf("%d overfitting warning(s)", n)))
	}
}

// #endregion iteration

// #region metrics
func printMetrics(w io.Writer, m eval.Metrics, target float64) {
	fmt.Fprintf(w, "%s %s (%d cases x %d repeats)\n",
		ux.Styles.Title.Render(string(m.Split)), ux.Accuracy(m.Accuracy, target), m.Total, m.Repeats)
	fmt.Fprintf(w, "  exact %d  semantic %d  failures %d  errors %d  mean score %.1f  std dev %.1f\n",
		m.ExactMatches, m.SemanticMatches, m.Failures, m.Errors, m.MeanScore, m.AccuracyStdDev)
	for _, c := range m.Checks(target) {
		mark := ux.Styles.Success.Render("ok")
		if !c.Pass {
			mark = ux.Styles.Error.Render("fail")
		}
		fmt.Fprintf(w, "  %-24s %8.1f  %s\n", c.Name, c.Value, mark)
	}
}

// #endregion metrics

// #region helpers
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// #endregion helpers
