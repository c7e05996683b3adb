// Package report renders a finished trajectory as a markdown summary.
package report

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/danielpatrickdp/querytune/internal/agentcfg"
	"github.com/danielpatrickdp/querytune/internal/trajectory"
)

// #region options
// Options tune what Render includes.
type Options struct {
	// TargetAccuracy drives the pass column of the quality checks.
	TargetAccuracy float64
	// MaxFailures bounds the failing cases listed for the final iteration.
	MaxFailures int
	// StopReason is printed when set.
	StopReason string
}

// DefaultOptions lists up to 20 failures against a 100% target.
func DefaultOptions() Options {
	return Options{TargetAccuracy: 100, MaxFailures: 20}
}

// #endregion options

// #region render
// Render is a pure function of the run's records.
func Render(meta trajectory.RunMeta, records []trajectory.Record, opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Optimization report: %s\n\n", orDash(meta.AgentName))
	fmt.Fprintf(&b, "- Run: `%s`\n", meta.RunID)
	if meta.AgentID != "" {
		fmt.Fprintf(&b, "- Agent: `%s`\n", meta.AgentID)
	}
	if !meta.StartTime.IsZero() {
		fmt.Fprintf(&b, "- Started: %s\n", meta.StartTime.Format("2006-01-02T15:04:05Z"))
	}
	if opts.StopReason != "" {
		fmt.Fprintf(&b, "- Stopped: %s\n", opts.StopReason)
	}
	if len(records) == 0 {
		b.WriteString("\nNo iterations were recorded.\n")
		return b.String()
	}

	s := trajectory.Summarize(records)
	fmt.Fprintf(&b, "- Iterations: %d\n\n", s.Iterations)

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "| | Iteration | Train accuracy |\n|---|---|---|\n")
	fmt.Fprintf(&b, "| Best | %d | %.1f%% |\n", s.Best.Sequence, s.Best.Accuracy)
	fmt.Fprintf(&b, "| Worst | %d | %.1f%% |\n", s.Worst.Sequence, s.Worst.Accuracy)
	fmt.Fprintf(&b, "\nImprovement from first to final iteration: %+.1f points (%.1f%% -> %.1f%%).\n\n",
		s.Improvement, s.FirstAccuracy, s.FinalAccuracy)

	writeProgression(&b, records)
	writeChecks(&b, records[len(records)-1], opts.TargetAccuracy)
	writeWarnings(&b, records)
	writeFailures(&b, records[len(records)-1], opts.MaxFailures)
	writeChanges(&b, records)
	writeBestConfiguration(&b, records, s.Best.Sequence)
	return b.String()
}

// RenderStore renders the records held by s.
func RenderStore(s *trajectory.Store, opts Options) string {
	return Render(s.Meta(), s.Records(), opts)
}

// WriteFile renders to path.
func WriteFile(path string, meta trajectory.RunMeta, records []trajectory.Record, opts Options) error {
	if err := os.WriteFile(path, []byte(Render(meta, records, opts)), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// #endregion render

// #region sections
func writeProgression(b *strings.Builder, records []trajectory.Record) {
	b.WriteString("## Progression\n\n")
	b.WriteString("| Iteration | Train | Held-out | Mean score | Failures | Change |\n|---|---|---|---|---|---|\n")
	for _, r := range records {
		held := "-"
		if r.HeldOut != nil {
			held = fmt.Sprintf("%.1f%%", r.HeldOut.Accuracy)
		}
		fmt.Fprintf(b, "| %d | %.1f%% | %s | %.1f | %d | %s |\n",
			r.Sequence, r.Train.Accuracy, held, r.Train.MeanScore, len(r.Failures), cell(r.ChangeDescription))
	}
	b.WriteString("\n")
}

func writeChecks(b *strings.Builder, last trajectory.Record, target float64) {
	b.WriteString("## Final checks\n\n| Check | Value | Pass |\n|---|---|---|\n")
	for _, c := range last.Train.Checks(target) {
		mark := "no"
		if c.Pass {
			mark = "yes"
		}
		fmt.Fprintf(b, "| %s | %.1f | %s |\n", c.Name, c.Value, mark)
	}
	b.WriteString("\n")
}

func writeWarnings(b *strings.Builder, records []trajectory.Record) {
	var lines []string
	for _, r := range records {
		for _, w := range r.Warnings {
			lines = append(lines, fmt.Sprintf("- Iteration %d: %s", r.Sequence, w))
		}
	}
	if len(lines) == 0 {
		return
	}
	b.WriteString("## Warnings\n\n")
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\n")
}

func writeFailures(b *strings.Builder, last trajectory.Record, max int) {
	if len(last.Failures) == 0 {
		return
	}
	fmt.Fprintf(b, "## Failing cases (iteration %d)\n\n", last.Sequence)

	byCategory := map[string]int{}
	for _, f := range last.Failures {
		cat := f.Category
		if cat == "" {
			cat = string(f.Issue)
		}
		byCategory[cat]++
	}
	cats := make([]string, 0, len(byCategory))
	for c := range byCategory {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool {
		if byCategory[cats[i]] != byCategory[cats[j]] {
			return byCategory[cats[i]] > byCategory[cats[j]]
		}
		return cats[i] < cats[j]
	})
	for _, c := range cats {
		fmt.Fprintf(b, "- %s: %d\n", c, byCategory[c])
	}
	b.WriteString("\n| Case | Issue | Pass rate | Question |\n|---|---|---|---|\n")
	for i, f := range last.Failures {
		if max > 0 && i >= max {
			fmt.Fprintf(b, "\n(%d more failing cases omitted)\n", len(last.Failures)-max)
			break
		}
		fmt.Fprintf(b, "| %s | %s | %.0f%% | %s |\n", f.CaseID, f.Issue, f.PassRate*100, cell(f.Input))
	}
	b.WriteString("\n")
}

func writeChanges(b *strings.Builder, records []trajectory.Record) {
	var lines []string
	for _, r := range records {
		if r.Proposal == nil {
			continue
		}
		line := fmt.Sprintf("- Iteration %d: %s", r.Sequence, r.Proposal.Decision)
		if len(r.Proposal.Applied) > 0 {
			fields := make([]string, len(r.Proposal.Applied))
			for i, f := range r.Proposal.Applied {
				fields[i] = string(f)
			}
			line += " (" + strings.Join(fields, ", ") + ")"
		}
		if r.Proposal.Reason != "" {
			line += ": " + r.Proposal.Reason
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return
	}
	b.WriteString("## Decisions\n\n")
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\n")
}

func writeBestConfiguration(b *strings.Builder, records []trajectory.Record, bestSeq int) {
	first := records[0].Configuration
	var best agentcfg.Configuration
	for _, r := range records {
		if r.Sequence == bestSeq {
			best = r.Configuration
		}
	}
	fmt.Fprintf(b, "## Best configuration (iteration %d, `%s`)\n\n", bestSeq, best.VersionID)
	b.WriteString("```\n")
	b.WriteString(strings.TrimRight(best.Render(), "\n"))
	b.WriteString("\n```\n")

	diff, err := agentcfg.Diff(first, best)
	if err != nil || diff == "" {
		return
	}
	b.WriteString("\nChanges from the initial configuration:\n\n```diff\n")
	b.WriteString(diff)
	b.WriteString("```\n")
}

// #endregion sections

// #region helpers
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// #endregion helpers
