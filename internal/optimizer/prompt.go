package optimizer

import (
	"fmt"
	"strings"

	"github.com/danielpatrickdp/querytune/internal/agentcfg"
	"github.com/danielpatrickdp/querytune/internal/trajectory"
)

const optimizerSystem = "You are an expert in prompt engineering for natural-language-to-SQL agents. " +
	"You answer with a single JSON object and nothing else."

const analyzerSystem = "You review every field of an NL2SQL agent configuration independently. " +
	"You answer with a single JSON object and nothing else."

// #region proposal-prompt
// buildProposalPrompt renders the optimization context. Trajectory entries are
// listed in the order given (worst first) so the strongest sit closest to the task.
func buildProposalPrompt(base agentcfg.Configuration, in Input, s Strategy) string {
	var b strings.Builder

	b.WriteString("You are optimizing an agent that converts natural-language questions into BigQuery SQL.\n\n")

	if len(in.Trajectory) > 0 {
		b.WriteString("## Previous configurations (ascending by train accuracy)\n")
		for _, e := range in.Trajectory {
			fmt.Fprintf(&b, "\n### Iteration %d: accuracy %.1f%%, mean score %.1f\n", e.Sequence, e.Accuracy, e.MeanScore)
			if e.ChangeDescription != "" {
				fmt.Fprintf(&b, "Change: %s\n", e.ChangeDescription)
			}
			fmt.Fprintf(&b, "Configuration: %s\n", e.Summary)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Base configuration\n")
	b.WriteString(base.Render())

	b.WriteString("## Failing training cases\n")
	writeFailures(&b, in.Failures, s)

	fmt.Fprintf(&b, "\n## Task\n%s\n", s.Directive)
	fmt.Fprintf(&b, "Produce a configuration expected to score above the best observed train accuracy of %.1f%%.\n", in.BestAccuracy)
	b.WriteString(`Focus on root causes such as column over-selection, missing or wrong JOINs, date filtering,
aggregation and GROUP BY errors, and missing WHERE predicates.

Reply with JSON:
{
  "generation_instructions": "<full replacement text>",
  "change_description": "<one sentence describing what changed>",
  "rationale": "<why this should fix the failures>"
}
You may also include replacements for schema_description, secondary_instructions,
few_shot_examples (array of {input, expected_artifact, expected_response}),
allowed_targets or blocked_targets (arrays of table names). Omit fields you keep unchanged.
`)
	return b.String()
}

func writeFailures(b *strings.Builder, failures []trajectory.FailingCase, s Strategy) {
	if len(failures) == 0 {
		b.WriteString("(none)\n")
		return
	}
	shown := failures
	if s.MaxFailures > 0 && len(shown) > s.MaxFailures {
		shown = shown[:s.MaxFailures]
	}
	for i, f := range shown {
		fmt.Fprintf(b, "\n%d. Question: %q\n", i+1, f.Input)
		fmt.Fprintf(b, "   Expected SQL: %s\n", f.ExpectedArtifact)
		generated := f.GeneratedArtifact
		if generated == "" {
			generated = "None"
		}
		fmt.Fprintf(b, "   Generated SQL: %s\n", generated)
		fmt.Fprintf(b, "   Issue: %s", f.Issue)
		if f.Category != "" {
			fmt.Fprintf(b, " (%s)", f.Category)
		}
		fmt.Fprintf(b, ", pass rate %.0f%%\n", f.PassRate*100)
		if f.Explanation != "" {
			fmt.Fprintf(b, "   Judge: %s\n", truncate(f.Explanation, s.ExplanationChars))
		}
		if f.Counterexample != "" {
			fmt.Fprintf(b, "   Counterexample: %s\n", truncate(f.Counterexample, s.ExplanationChars))
		}
	}
	if rest := len(failures) - len(shown); rest > 0 {
		fmt.Fprintf(b, "\n(%d more failing cases omitted)\n", rest)
	}
}

// #endregion proposal-prompt

// #region analysis-prompt
func buildAnalysisPrompt(cfg agentcfg.Configuration, failures []trajectory.FailingCase) string {
	var b strings.Builder
	b.WriteString("Review this NL2SQL agent configuration against the failing training cases.\n\n")
	b.WriteString("## Configuration\n")
	b.WriteString(cfg.Render())
	b.WriteString("## Failing training cases\n")
	writeFailures(&b, failures, Strategies[StrategyBalanced])

	b.WriteString("\n## Task\nFor EACH of these fields decide independently whether it should change: ")
	names := make([]string, len(agentcfg.Fields))
	for i, f := range agentcfg.Fields {
		names[i] = string(f)
	}
	b.WriteString(strings.Join(names, ", "))
	b.WriteString(`.

Reply with JSON:
{
  "fields": [
    {
      "field": "<field name>",
      "modify": true,
      "priority": "low|medium|high",
      "rationale": "<reason>",
      "value": <replacement: a string for text fields, an array for list fields>
    }
  ]
}
Include every field. Omit "value" when modify is false.
`)
	return b.String()
}

// #endregion analysis-prompt

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
