// Package eval runs a case set against a configuration with repeated,
// judged measurements and aggregates them into accuracy metrics.
package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/querytune/internal/agent"
	"github.com/danielpatrickdp/querytune/internal/agentcfg"
	"github.com/danielpatrickdp/querytune/internal/cases"
	"github.com/danielpatrickdp/querytune/internal/judge"
	"github.com/danielpatrickdp/querytune/internal/telemetry"
)

// #region evaluator
// Judger scores one generated artifact. *judge.Judge satisfies it.
type Judger interface {
	Judge(ctx context.Context, expected, generated string, jc judge.Context) judge.Verdict
}

// Evaluator runs case sets through a bounded worker pool. Each Evaluator owns
// its pool, so train and held-out evaluations can run side by side.
type Evaluator struct {
	agent  agent.QueryAgent
	judge  Judger
	cfg    Config
	logger *slog.Logger
}

// New creates an Evaluator.
func New(a agent.QueryAgent, j Judger, cfg Config, logger *slog.Logger) *Evaluator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{agent: a, judge: j, cfg: cfg, logger: logger}
}

// Policy returns the pass policy in use.
func (e *Evaluator) Policy() Policy { return e.cfg.Policy }

// #endregion evaluator

// #region evaluate
// Evaluate runs every case repeats times and aggregates once all runs have
// finished. Per-run failures become verdicts; the only errors returned are
// invalid arguments.
func (e *Evaluator) Evaluate(ctx context.Context, cfg agentcfg.Configuration, set cases.Set, repeats int) (Result, error) {
	if set.Empty() {
		return Result{}, errors.New("evaluate: case set is empty")
	}
	if repeats < 1 {
		return Result{}, fmt.Errorf("evaluate: repeat count must be positive, got %d", repeats)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "eval.Evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("split", string(set.Split)),
		attribute.Int("cases", set.Len()),
		attribute.Int("repeats", repeats),
	)

	start := time.Now()
	runs := make([][]Run, set.Len())
	for i := range runs {
		runs[i] = make([]Run, repeats)
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i, c := range set.Cases {
		for r := 0; r < repeats; r++ {
			g.Go(func() error {
				runs[i][r] = e.runOnce(ctx, cfg, c, r+1)
				return nil
			})
		}
	}
	_ = g.Wait()

	res := Result{Cases: make([]CaseResult, set.Len())}
	for i, c := range set.Cases {
		res.Cases[i] = e.summarize(c, runs[i])
	}
	res.Metrics = buildMetrics(set.Split, repeats, res.Cases, e.cfg.Policy)
	telemetry.Accuracy.WithLabelValues(string(set.Split)).Set(res.Metrics.Accuracy)

	e.logger.Info("evaluation complete",
		"split", set.Split,
		"cases", set.Len(),
		"repeats", repeats,
		"accuracy", fmt.Sprintf("%.1f", res.Metrics.Accuracy),
		"failures", res.Metrics.Failures,
		"errors", res.Metrics.Errors,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return res, nil
}

func (e *Evaluator) runOnce(ctx context.Context, cfg agentcfg.Configuration, c cases.Case, repeat int) Run {
	qctx := ctx
	if e.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, e.cfg.QueryTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := e.agent.Query(qctx, cfg, c.Input)
	elapsed := time.Since(start)
	telemetry.QueryDuration.Observe(elapsed.Seconds())

	run := Run{Repeat: repeat, Duration: elapsed}
	if err != nil {
		hc := &agent.HardCaseError{CaseID: c.ID, Repeat: repeat, Err: err}
		if hc.Timeout() {
			hc.Err = fmt.Errorf("query timeout after %s: %w", e.cfg.QueryTimeout, err)
		}
		e.logger.Warn("query failed", "case", c.ID, "repeat", repeat, "error", hc)
		run.Verdict = judge.ErrorVerdict(e.cfg.Policy.Mode, hc)
		telemetry.CaseRuns.WithLabelValues(string(c.Split), "error").Inc()
		return run
	}

	run.Response, run.Thoughts, run.Artifact = resp.Text, resp.Thoughts, resp.Artifact
	run.Verdict = e.judge.Judge(ctx, c.ExpectedArtifact, resp.Artifact, judge.Context{
		Question: c.Input,
		Schema:   cfg.SchemaDescription,
		Thoughts: resp.Thoughts,
		Response: resp.Text,
	})
	outcome := "fail"
	if e.cfg.Policy.Passes(run.Verdict) {
		outcome = "pass"
	}
	telemetry.CaseRuns.WithLabelValues(string(c.Split), outcome).Inc()
	return run
}

// #endregion evaluate

// #region summarize
func (e *Evaluator) summarize(c cases.Case, runs []Run) CaseResult {
	cr := CaseResult{Case: c, Runs: runs}
	verdicts := cr.Verdicts()
	// runs is never empty: Evaluate rejects repeats < 1.
	cr.Summary, _ = Aggregate(verdicts, e.cfg.Policy)
	cr.Failed = cr.Summary.HardFailure || cr.Summary.PassRate < e.cfg.Policy.CasePassRate
	if cr.Failed {
		cr.Issue = classify(runs, cr.Summary, e.cfg.Policy)
	}
	return cr
}

func classify(runs []Run, s CaseSummary, p Policy) Issue {
	if s.HardFailure {
		return IssueError
	}
	// Only errored repeats kept the case from passing.
	wrong := false
	for _, r := range runs {
		if !r.Verdict.HardFailure && !p.Passes(r.Verdict) {
			wrong = true
			break
		}
	}
	if !wrong && s.Errors > 0 {
		return IssueError
	}
	for _, r := range runs {
		if !r.Verdict.HardFailure && !p.Passes(r.Verdict) && r.Artifact == "" {
			return IssueNoArtifact
		}
	}
	for _, r := range runs {
		if r.Verdict.ParseFailed {
			return IssueUnclearJudgment
		}
	}
	return IssueSemanticDifference
}

func buildMetrics(split cases.Split, repeats int, results []CaseResult, p Policy) Metrics {
	m := Metrics{Split: split, Total: len(results), Repeats: repeats}

	var passRates, evaluated, meanScores []float64
	for _, cr := range results {
		passRates = append(passRates, cr.Summary.PassRate*100)
		if cr.Summary.HardFailure {
			m.HardFailures++
		} else {
			evaluated = append(evaluated, cr.Summary.PassRate*100)
			meanScores = append(meanScores, cr.Summary.MeanScore)
		}
		if cr.Failed {
			m.Failures++
		}
		for _, run := range cr.Runs {
			v := run.Verdict
			switch {
			case v.HardFailure:
				m.Errors++
			case v.ExactMatch:
				m.ExactMatches++
			case v.SemanticallyEquivalent:
				m.SemanticMatches++
			}
			if v.ParseFailed {
				m.ParseErrors++
			}
			if v.Heuristic {
				m.HeuristicVerdicts++
			}
			if v.MissingCounterexample() {
				m.MissingCounterexamples++
			}
		}
	}
	m.Accuracy = mean(passRates)
	m.EvaluatedAccuracy = mean(evaluated)
	m.MeanScore = mean(meanScores)

	m.RepeatAccuracies = make([]float64, repeats)
	for r := 0; r < repeats; r++ {
		passed := 0
		for _, cr := range results {
			if p.Passes(cr.Runs[r].Verdict) {
				passed++
			}
		}
		m.RepeatAccuracies[r] = float64(passed) * 100 / float64(len(results))
	}
	m.AccuracyStdDev = stdDev(m.RepeatAccuracies)
	return m
}

// #endregion summarize
