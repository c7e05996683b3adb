package eval

import (
	"time"

	"github.com/danielpatrickdp/querytune/internal/cases"
	"github.com/danielpatrickdp/querytune/internal/judge"
)

// #region eval-config
// Config holds evaluator settings.
type Config struct {
	Workers      int
	QueryTimeout time.Duration
	Policy       Policy
}

// Policy decides whether a single verdict passes and whether a case fails.
type Policy struct {
	Mode judge.Mode
	// ScoreThreshold is the flexible-mode passing percentage.
	ScoreThreshold float64
	// CasePassRate is the aggregated pass rate below which a case is a failure.
	CasePassRate float64
}

// DefaultConfig returns 8 workers, a 60s query timeout and binary scoring.
func DefaultConfig() Config {
	return Config{
		Workers:      8,
		QueryTimeout: 60 * time.Second,
		Policy:       Policy{Mode: judge.ModeBinary, ScoreThreshold: 80, CasePassRate: 1.0},
	}
}

// Passes reports whether one verdict counts as correct. Binary mode uses the
// judge's equivalence; flexible mode compares the score to ScoreThreshold.
func (p Policy) Passes(v judge.Verdict) bool {
	if v.HardFailure {
		return false
	}
	if v.ExactMatch {
		return true
	}
	if p.Mode == judge.ModeFlexible {
		return v.Percent() >= p.ScoreThreshold
	}
	return v.SemanticallyEquivalent
}

// #endregion eval-config

// #region case-summary
// CaseSummary aggregates the repeats of one case. Scores are percentages of
// the judge scale; StdDev is the spread of pass outcomes in percentage points.
type CaseSummary struct {
	Measurements int     `json:"measurements"`
	Errors       int     `json:"errors"`
	MeanScore    float64 `json:"mean_score"`
	MinScore     float64 `json:"min_score"`
	MaxScore     float64 `json:"max_score"`
	ScoreStdDev  float64 `json:"score_std_dev"`
	PassRate     float64 `json:"pass_rate"`
	StdDev       float64 `json:"std_dev"`
	HardFailure  bool    `json:"hard_failure,omitempty"`
	ErrorDetail  string  `json:"error_detail,omitempty"`
}

// #endregion case-summary

// #region results
// Run is one repeat of one case.
type Run struct {
	Repeat   int           `json:"repeat"`
	Response string        `json:"natural_language_response,omitempty"`
	Thoughts string        `json:"thoughts,omitempty"`
	Artifact string        `json:"generated_artifact"`
	Duration time.Duration `json:"duration"`
	Verdict  judge.Verdict `json:"verdict"`
}

// CaseResult is everything observed for one case.
type CaseResult struct {
	Case    cases.Case  `json:"case"`
	Runs    []Run       `json:"runs"`
	Summary CaseSummary `json:"summary"`
	Failed  bool        `json:"failed"`
	Issue   Issue       `json:"issue,omitempty"`
}

// Verdicts returns the verdict of each repeat in order.
func (c CaseResult) Verdicts() []judge.Verdict {
	out := make([]judge.Verdict, len(c.Runs))
	for i, r := range c.Runs {
		out[i] = r.Verdict
	}
	return out
}

// Issue classifies why a case failed.
type Issue string

const (
	IssueError              Issue = "error"
	IssueNoArtifact         Issue = "no_sql_generated"
	IssueUnclearJudgment    Issue = "unclear_judgment"
	IssueSemanticDifference Issue = "semantic_difference"
)

// Metrics is the aggregate outcome of one evaluation.
type Metrics struct {
	Split   cases.Split `json:"split"`
	Total   int         `json:"total"`
	Repeats int         `json:"repeats"`
	// Accuracy is the mean per-case pass rate; cases that could not be
	// evaluated count as zero.
	Accuracy          float64   `json:"accuracy"`
	EvaluatedAccuracy float64   `json:"evaluated_accuracy"`
	AccuracyStdDev    float64   `json:"accuracy_std_dev"`
	RepeatAccuracies  []float64 `json:"repeat_accuracies"`
	MeanScore         float64   `json:"mean_score"`

	ExactMatches           int `json:"exact_matches"`
	SemanticMatches        int `json:"semantic_matches"`
	Failures               int `json:"failures"`
	HardFailures           int `json:"hard_failures"`
	Errors                 int `json:"errors"`
	ParseErrors            int `json:"parse_errors"`
	HeuristicVerdicts      int `json:"heuristic_verdicts"`
	MissingCounterexamples int `json:"missing_counterexamples"`
}

// Result is the output of one Evaluate call.
type Result struct {
	Metrics Metrics      `json:"metrics"`
	Cases   []CaseResult `json:"cases"`
}

// Failures returns the failing cases in case-set order.
func (r Result) Failures() []CaseResult {
	var out []CaseResult
	for _, c := range r.Cases {
		if c.Failed {
			out = append(out, c)
		}
	}
	return out
}

// #endregion results

// #region checks
// Check is one named quality signal over a Metrics value.
type Check struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Pass  bool    `json:"pass"`
}

// Checks lists the quality signals used in reports and decision logs.
func (m Metrics) Checks(target float64) []Check {
	return []Check{
		{Name: "accuracy", Value: m.Accuracy, Pass: m.Accuracy >= target},
		{Name: "hard_failures", Value: float64(m.HardFailures), Pass: m.HardFailures == 0},
		{Name: "parse_errors", Value: float64(m.ParseErrors), Pass: m.ParseErrors == 0},
		{Name: "missing_counterexamples", Value: float64(m.MissingCounterexamples), Pass: m.MissingCounterexamples == 0},
	}
}

// #endregion checks
