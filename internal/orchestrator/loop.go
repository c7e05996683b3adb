// Package orchestrator runs the optimization loop: evaluate, analyze,
// propose, decide and apply, until a stop condition holds.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/querytune/internal/agent"
	"github.com/danielpatrickdp/querytune/internal/agentcfg"
	"github.com/danielpatrickdp/querytune/internal/cases"
	"github.com/danielpatrickdp/querytune/internal/eval"
	"github.com/danielpatrickdp/querytune/internal/gate"
	"github.com/danielpatrickdp/querytune/internal/logging"
	"github.com/danielpatrickdp/querytune/internal/optimizer"
	"github.com/danielpatrickdp/querytune/internal/telemetry"
	"github.com/danielpatrickdp/querytune/internal/trajectory"
)

// #region loop-struct
// Deps are the loop's collaborators. Deployer and Provenance are optional.
type Deps struct {
	Evaluator  Evaluator
	Optimizer  Proposer
	Gate       *gate.Gate
	Store      *trajectory.Store
	Deployer   agent.Deployer
	Provenance *sql.DB
	Logger     *slog.Logger
	// OnIteration is called after each record is appended.
	OnIteration func(rec trajectory.Record, warning *Warning)
}

// Loop owns the current configuration for one run. It is single-use.
type Loop struct {
	deps    Deps
	cfg     Config
	train   cases.Set
	heldOut cases.Set
	start   agentcfg.Configuration
	logger  *slog.Logger
	trace   []Phase
}

// New creates a loop. heldOut may be empty.
func New(deps Deps, cfg Config, start agentcfg.Configuration, train, heldOut cases.Set) *Loop {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 1
	}
	if cfg.Repeats < 1 {
		cfg.Repeats = 1
	}
	if cfg.TopN < 1 {
		cfg.TopN = DefaultConfig().TopN
	}
	return &Loop{deps: deps, cfg: cfg, train: train, heldOut: heldOut, start: start, logger: logger}
}

// #endregion loop-struct

// pending carries what the accept step decided into the next record.
type pending struct {
	description string
	note        *trajectory.ProposalNote
	errors      []string
}

// #region run
// Run executes iterations until a stop condition. The returned error is a
// *cases.SetupError for unusable inputs, or the context error on cancellation.
// Per-case, judge and proposal failures are recorded on iteration records.
func (l *Loop) Run(ctx context.Context) (Outcome, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.Run")
	defer span.End()

	store := l.deps.Store
	out := Outcome{RunID: store.Meta().RunID}

	// INIT
	l.enter(PhaseInit)
	current, agentID, err := l.init(ctx)
	if err != nil {
		out.Trace = l.trace
		return out, err
	}
	out.AgentID = agentID

	next := pending{description: "Initial configuration"}
	for iter := store.NextSequence(); ; iter++ {
		span.SetAttributes(attribute.Int("iteration", iter))
		log := l.logger.With("run_id", out.RunID, "iteration", iter)

		train, heldOut, err := l.evaluate(ctx, current)
		if err != nil {
			if ctx.Err() != nil {
				return l.stop(out, current, StopCancelled), ctx.Err()
			}
			out.Trace = l.trace
			return out, &cases.SetupError{Op: "evaluate", Err: err}
		}

		// ANALYZE (train only)
		l.enter(PhaseAnalyze)
		rec := l.buildRecord(iter, current, train, heldOut, next)
		l.writeRepeats(iter, train, heldOut, &rec)

		records := append(store.Records(), rec)
		warning := DetectOverfitting(records, l.cfg.OverfitWindow)
		if warning != nil {
			rec.Warnings = append(rec.Warnings, warning.Message)
			out.Warnings = append(out.Warnings, *warning)
			telemetry.OverfitWarnings.Inc()
			log.Warn("overfitting warning", "train_delta", warning.TrainDelta, "held_out_delta", warning.HeldOutDelta)
		}

		if err := store.Append(rec); err != nil {
			if !errors.Is(err, trajectory.ErrPersist) {
				out.Trace = l.trace
				return out, fmt.Errorf("append iteration %d: %w", iter, err)
			}
			log.Warn("iteration not persisted", "error", err)
		}
		telemetry.Iterations.Inc()
		telemetry.Accuracy.WithLabelValues(string(cases.SplitTrain)).Set(train.Metrics.Accuracy)
		if heldOut != nil {
			telemetry.Accuracy.WithLabelValues(string(cases.SplitHeldOut)).Set(heldOut.Metrics.Accuracy)
		}
		log.Info("iteration evaluated",
			"train_accuracy", train.Metrics.Accuracy,
			"failures", len(rec.Failures),
			"version_id", current.VersionID,
		)
		if l.deps.OnIteration != nil {
			l.deps.OnIteration(rec, warning)
		}

		switch {
		case train.Metrics.Accuracy >= l.cfg.TargetAccuracy:
			return l.stop(out, current, StopTargetReached), nil
		case iter >= l.cfg.MaxIterations:
			return l.stop(out, current, StopMaxIterations), nil
		case ctx.Err() != nil:
			return l.stop(out, current, StopCancelled), ctx.Err()
		case !l.deps.Gate.Continue(ctx, iterationSummary(rec)):
			return l.stop(out, current, StopOperator), nil
		}

		// PROPOSE
		l.enter(PhasePropose)
		proposal, suggestions, errs := l.propose(ctx, current, rec.Failures)

		// ACCEPT_DECISION
		l.enter(PhaseAcceptDecision)
		decision := l.deps.Gate.Decide(ctx, current, proposal, suggestions)
		l.logDecision(iter, current, train.Metrics.Accuracy, proposal, suggestions, decision)
		if decision.Action == gate.ActionStop {
			return l.stop(out, current, StopOperator), nil
		}

		// APPLY
		l.enter(PhaseApply)
		next = pending{description: decision.ChangeDescription, errors: errs}
		next.note = &trajectory.ProposalNote{
			CandidateVersionID: proposal.Candidate.VersionID,
			ChangeDescription:  proposal.ChangeDescription,
			Rationale:          proposal.Rationale,
			Decision:           string(decision.Action),
			Reason:             decision.Reason,
			Applied:            decision.Applied,
			Approved:           decision.Accepted(),
		}
		if !decision.Accepted() {
			continue
		}
		if err := l.apply(ctx, agentID, decision.Candidate); err != nil {
			log.Warn("apply failed, keeping current configuration", "error", err)
			next.description = "No change (update failed)"
			next.errors = append(next.errors, err.Error())
			next.note.Approved = false
			continue
		}
		current = decision.Candidate
	}
}

// #endregion run

// #region init
func (l *Loop) init(ctx context.Context) (agentcfg.Configuration, string, error) {
	if l.train.Empty() {
		return agentcfg.Configuration{}, "", &cases.SetupError{Op: "load train cases", Path: l.train.Path, Err: errors.New("no cases")}
	}
	if err := l.start.Validate(); err != nil {
		return agentcfg.Configuration{}, "", &cases.SetupError{Op: "validate configuration", Err: err}
	}
	if l.deps.Evaluator == nil || l.deps.Optimizer == nil || l.deps.Gate == nil || l.deps.Store == nil {
		return agentcfg.Configuration{}, "", &cases.SetupError{Op: "wire loop", Err: errors.New("evaluator, optimizer, gate and store are required")}
	}

	current := l.start
	agentID := l.cfg.AgentID
	if agentID == "" && l.deps.Deployer != nil {
		id, err := l.deps.Deployer.Deploy(ctx, current)
		if err != nil {
			return agentcfg.Configuration{}, "", &cases.SetupError{Op: "deploy agent", Err: err}
		}
		agentID = id
		l.logger.Info("agent deployed", "agent_id", id)
	}
	if agentID != "" {
		l.deps.Store.SetAgentID(agentID)
	}
	if err := l.deps.Store.Activate(current); err != nil {
		l.logger.Warn("active configuration not persisted", "error", err)
	}
	return current, agentID, nil
}

// #endregion init

// #region evaluate
// evaluate runs the train and held-out sets concurrently. Each Evaluate call
// has its own worker pool.
func (l *Loop) evaluate(ctx context.Context, cfg agentcfg.Configuration) (eval.Result, *eval.Result, error) {
	l.enter(PhaseEvaluateTrain)
	var train eval.Result
	var heldOut *eval.Result

	var g errgroup.Group
	g.Go(func() error {
		res, err := l.deps.Evaluator.Evaluate(ctx, cfg, l.train, l.cfg.Repeats)
		if err != nil {
			return fmt.Errorf("train: %w", err)
		}
		train = res
		return nil
	})
	if !l.heldOut.Empty() {
		l.enter(PhaseEvaluateHeldOut)
		g.Go(func() error {
			res, err := l.deps.Evaluator.Evaluate(ctx, cfg, l.heldOut, l.cfg.Repeats)
			if err != nil {
				return fmt.Errorf("held-out: %w", err)
			}
			heldOut = &res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return eval.Result{}, nil, err
	}
	return train, heldOut, nil
}

// #endregion evaluate

// #region record
func (l *Loop) buildRecord(iter int, cfg agentcfg.Configuration, train eval.Result, heldOut *eval.Result, p pending) trajectory.Record {
	policy := l.deps.Evaluator.Policy()
	rec := trajectory.Record{
		Sequence:          iter,
		Configuration:     cfg,
		Train:             train.Metrics,
		Failures:          failingCases(train, policy),
		ChangeDescription: p.description,
		Proposal:          p.note,
		Errors:            append([]string(nil), p.errors...),
	}
	rec.Errors = append(rec.Errors, caseErrors(train)...)
	if heldOut != nil {
		m := heldOut.Metrics
		rec.HeldOut = &m
		rec.HeldOutFailures = failingCases(*heldOut, policy)
		rec.Errors = append(rec.Errors, caseErrors(*heldOut)...)
	}
	return rec
}

func failingCases(res eval.Result, p eval.Policy) []trajectory.FailingCase {
	var out []trajectory.FailingCase
	for _, cr := range res.Failures() {
		out = append(out, trajectory.FailingCaseFrom(cr, p))
	}
	return CategorizeAll(out)
}

func caseErrors(res eval.Result) []string {
	var out []string
	for _, cr := range res.Cases {
		if cr.Summary.ErrorDetail != "" {
			out = append(out, fmt.Sprintf("%s case %s: %s", res.Metrics.Split, cr.Case.ID, cr.Summary.ErrorDetail))
		}
	}
	return out
}

func (l *Loop) writeRepeats(iter int, train eval.Result, heldOut *eval.Result, rec *trajectory.Record) {
	if l.cfg.OutputDir == "" {
		return
	}
	runID := l.deps.Store.Meta().RunID
	results := []eval.Result{train}
	if heldOut != nil {
		results = append(results, *heldOut)
	}
	for _, res := range results {
		if _, err := eval.WriteRepeats(l.cfg.OutputDir, runID, iter, res); err != nil {
			l.logger.Warn("raw results not written", "split", res.Metrics.Split, "error", err)
			rec.Errors = append(rec.Errors, err.Error())
		}
	}
}

func iterationSummary(rec trajectory.Record) string {
	s := fmt.Sprintf("Iteration %d: train accuracy %.1f%%, %d failing", rec.Sequence, rec.Train.Accuracy, len(rec.Failures))
	if rec.HeldOut != nil {
		s += fmt.Sprintf(", held-out accuracy %.1f%%", rec.HeldOut.Accuracy)
	}
	return s
}

// #endregion record

// #region propose
// propose builds the optimizer input from train-side data only: the top-N
// trajectory entries, the current train failures and the best train
// configuration. Held-out metrics and failures are never read here.
func (l *Loop) propose(ctx context.Context, current agentcfg.Configuration, failures []trajectory.FailingCase) (optimizer.Proposal, []optimizer.FieldSuggestion, []string) {
	store := l.deps.Store
	in := optimizer.Input{
		Current:     current,
		Failures:    failures,
		Trajectory:  store.TopN(l.cfg.TopN),
		Temperature: l.cfg.Temperature,
		Seed:        l.cfg.Seed,
	}
	if best, ok := store.Best(); ok {
		cfg := best.Configuration
		in.Best = &cfg
		in.BestAccuracy = best.Train.Accuracy
	}

	var errs []string
	proposal := l.deps.Optimizer.Propose(ctx, in)
	if proposal.Err != nil {
		errs = append(errs, proposal.Err.Error())
	}

	var suggestions []optimizer.FieldSuggestion
	if l.cfg.AnalyzeFields {
		s, err := l.deps.Optimizer.AnalyzeFields(ctx, current, failures, l.cfg.Temperature, l.cfg.Seed)
		if err != nil {
			l.logger.Warn("field analysis failed", "error", err)
			errs = append(errs, err.Error())
		}
		suggestions = s
	}
	return proposal, suggestions, errs
}

// #endregion propose

// #region apply
func (l *Loop) apply(ctx context.Context, agentID string, cfg agentcfg.Configuration) error {
	if l.deps.Deployer != nil && agentID != "" {
		if err := l.deps.Deployer.Update(ctx, agentID, cfg); err != nil {
			return fmt.Errorf("update agent %s: %w", agentID, err)
		}
	}
	if err := l.deps.Store.Activate(cfg); err != nil {
		l.logger.Warn("active configuration not persisted", "error", err)
	}
	return nil
}

func (l *Loop) logDecision(iter int, current agentcfg.Configuration, trainAcc float64, p optimizer.Proposal, sugs []optimizer.FieldSuggestion, d gate.Decision) {
	l.logger.Info("acceptance decision",
		"iteration", iter,
		"action", d.Action,
		"reason", d.Reason,
		"applied", len(d.Applied),
	)
	if l.deps.Provenance == nil {
		return
	}
	detail := logging.DecisionRecord{
		Strategy:          string(p.Strategy),
		ChangeDescription: d.ChangeDescription,
		TrainAccuracy:     trainAcc,
	}
	if p.Err != nil {
		detail.ProposalError = p.Err.Error()
	}
	for _, f := range p.Changed {
		detail.ProposedFields = append(detail.ProposedFields, string(f))
	}
	for _, s := range sugs {
		if s.Modify {
			detail.SuggestedFields = append(detail.SuggestedFields, string(s.Field))
		}
	}
	for _, f := range d.Applied {
		detail.AppliedFields = append(detail.AppliedFields, string(f))
	}
	for _, v := range d.VetoSignals {
		detail.Vetoes = append(detail.Vetoes, string(v.Type))
	}
	body, _ := json.Marshal(detail)

	entry := logging.ProvenanceEntry{
		RunID:       l.deps.Store.Meta().RunID,
		Iteration:   iter,
		VersionID:   current.VersionID,
		TriggerType: string(l.deps.Gate.Mode()),
		DetailJSON:  string(body),
		Decision:    string(d.Action),
		Reason:      d.Reason,
	}
	if d.Accepted() {
		entry.CandidateID = d.Candidate.VersionID
	}
	if err := logging.LogDecision(l.deps.Provenance, entry); err != nil {
		l.logger.Warn("provenance not recorded", "error", err)
	}
}

// #endregion apply

// #region stop
func (l *Loop) enter(p Phase) {
	l.trace = append(l.trace, p)
}

func (l *Loop) stop(out Outcome, current agentcfg.Configuration, reason StopReason) Outcome {
	l.enter(PhaseStop)
	out.StopReason = reason
	out.Final = current
	out.Iterations = l.deps.Store.Len()
	out.Trace = l.trace
	l.logger.Info("optimization stopped", "run_id", out.RunID, "reason", reason, "iterations", out.Iterations)
	return out
}

// #endregion stop
