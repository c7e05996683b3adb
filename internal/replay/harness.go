// Package replay drives the full optimization loop from a recorded fixture.
// Every remote collaborator is scripted, so a replay needs no network access.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/danielpatrickdp/querytune/internal/agent"
	"github.com/danielpatrickdp/querytune/internal/agentcfg"
	"github.com/danielpatrickdp/querytune/internal/cases"
	"github.com/danielpatrickdp/querytune/internal/eval"
	"github.com/danielpatrickdp/querytune/internal/gate"
	"github.com/danielpatrickdp/querytune/internal/genai"
	"github.com/danielpatrickdp/querytune/internal/judge"
	"github.com/danielpatrickdp/querytune/internal/optimizer"
	"github.com/danielpatrickdp/querytune/internal/orchestrator"
	"github.com/danielpatrickdp/querytune/internal/trajectory"
)

// #region types
// Result captures the outcome of one replay.
type Result struct {
	Outcome orchestrator.Outcome
	Store   *trajectory.Store
	// OptimizerCalls are the proposal and analysis requests the run made.
	OptimizerCalls []genai.Request
	// Versions lists the configuration version ids in the order the agent saw them.
	Versions []string
}

// Options tune a replay run.
type Options struct {
	RunID  string
	Logger *slog.Logger
	// StoreOptions are passed to the in-memory trajectory store.
	StoreOptions []trajectory.Option
	// OutputDir receives per-repeat JSONL files when set.
	OutputDir string
}

// #endregion types

// #region scripted-agent
// scriptedAgent answers from the fixture, selecting the answer table by the
// order in which configuration versions are first seen.
type scriptedAgent struct {
	mu       sync.Mutex
	order    map[string]int
	versions []string
	answers  []map[string]string
	byInput  map[string]string
}

func newScriptedAgent(f *Fixture) *scriptedAgent {
	a := &scriptedAgent{order: map[string]int{}, answers: f.Answers, byInput: map[string]string{}}
	for _, set := range [][]cases.Case{f.Train, f.HeldOut} {
		for _, c := range set {
			a.byInput[c.Input] = c.ID
		}
	}
	return a
}

func (a *scriptedAgent) Query(ctx context.Context, cfg agentcfg.Configuration, question string) (agent.Response, error) {
	if err := ctx.Err(); err != nil {
		return agent.Response{}, err
	}
	a.mu.Lock()
	idx, ok := a.order[cfg.VersionID]
	if !ok {
		idx = len(a.order)
		a.order[cfg.VersionID] = idx
		a.versions = append(a.versions, cfg.VersionID)
	}
	a.mu.Unlock()

	if len(a.answers) == 0 {
		return agent.Response{}, fmt.Errorf("fixture has no answers")
	}
	table := a.answers[min(idx, len(a.answers)-1)]
	reply, ok := table[a.byInput[question]]
	if !ok {
		return agent.Response{Text: "I could not answer that."}, nil
	}
	return agent.ParseReply(reply, ""), nil
}

func (a *scriptedAgent) seen() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.versions...)
}

// #endregion scripted-agent

// #region replay
// Replay runs the fixture through the real evaluator, judge, optimizer, gate
// and loop. Only the generator and agent are scripted.
func Replay(ctx context.Context, f *Fixture, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode, err := judge.ParseMode(f.Config.JudgeMode)
	if err != nil {
		return Result{}, fmt.Errorf("fixture judge mode: %w", err)
	}

	judgeReply := f.JudgeReply
	if judgeReply == "" {
		judgeReply = differentReply(mode)
	}
	judgeGen := genai.NewScripted(genai.Sequence(judgeReply))
	j := judge.New(judgeGen, judge.Config{
		Mode:        mode,
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
	}, judge.WithLogger(logger))

	evalCfg := eval.DefaultConfig()
	evalCfg.Policy.Mode = mode
	if f.Config.ScoreThreshold > 0 {
		evalCfg.Policy.ScoreThreshold = f.Config.ScoreThreshold
	}
	if f.Config.Workers > 0 {
		evalCfg.Workers = f.Config.Workers
	}
	qa := newScriptedAgent(f)
	evaluator := eval.New(qa, j, evalCfg, logger)

	analyzer := genai.Sequence(f.AnalyzerReplies...)
	proposer := genai.Sequence(f.OptimizerReplies...)
	optGen := genai.NewScripted(func(req genai.Request) (string, error) {
		if req.Purpose == "analyzer" {
			return analyzer(req)
		}
		return proposer(req)
	})
	opt := optimizer.New(optGen, 0, logger)

	g, err := gate.New(gate.DefaultConfig(), nil, logger)
	if err != nil {
		return Result{}, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = "replay"
	}
	store := trajectory.NewStore(trajectory.RunMeta{
		RunID:     runID,
		AgentName: f.AgentName,
		StartTime: time.Now().UTC(),
	}, opts.StoreOptions...)

	cfg := orchestrator.DefaultConfig()
	if f.Config.MaxIterations > 0 {
		cfg.MaxIterations = f.Config.MaxIterations
	}
	if f.Config.Repeats > 0 {
		cfg.Repeats = f.Config.Repeats
	}
	if f.Config.TargetAccuracy > 0 {
		cfg.TargetAccuracy = f.Config.TargetAccuracy
	}
	if f.Config.Temperature > 0 {
		cfg.Temperature = f.Config.Temperature
	}
	cfg.AnalyzeFields = f.Config.AnalyzeFields
	cfg.OutputDir = opts.OutputDir
	seed := int64(0)
	cfg.Seed = &seed

	train, heldOut := f.Sets()
	loop := orchestrator.New(orchestrator.Deps{
		Evaluator: evaluator,
		Optimizer: opt,
		Gate:      g,
		Store:     store,
		Logger:    logger,
	}, cfg, f.Configuration, train, heldOut)

	out, err := loop.Run(ctx)
	return Result{
		Outcome:        out,
		Store:          store,
		OptimizerCalls: optGen.Calls(),
		Versions:       qa.seen(),
	}, err
}

// #endregion replay

// #region check
// Check compares a replay result against the fixture's expectations and
// returns one line per mismatch.
func Check(f *Fixture, r Result) []string {
	var out []string
	exp := f.Expected
	if exp.StopReason != "" && string(r.Outcome.StopReason) != exp.StopReason {
		out = append(out, fmt.Sprintf("stop reason: got %s, want %s", r.Outcome.StopReason, exp.StopReason))
	}
	if exp.Iterations > 0 && r.Outcome.Iterations != exp.Iterations {
		out = append(out, fmt.Sprintf("iterations: got %d, want %d", r.Outcome.Iterations, exp.Iterations))
	}
	records := r.Store.Records()
	if len(exp.TrainAccuracies) > 0 {
		if len(exp.TrainAccuracies) != len(records) {
			out = append(out, fmt.Sprintf("train accuracies: got %d records, want %d", len(records), len(exp.TrainAccuracies)))
		} else {
			for i, want := range exp.TrainAccuracies {
				if got := records[i].Train.Accuracy; math.Abs(got-want) > 0.01 {
					out = append(out, fmt.Sprintf("iteration %d train accuracy: got %.2f, want %.2f", i+1, got, want))
				}
			}
		}
	}
	if exp.FinalInstructions != "" && strings.TrimSpace(r.Outcome.Final.GenerationInstructions) != strings.TrimSpace(exp.FinalInstructions) {
		out = append(out, fmt.Sprintf("final instructions: got %q, want %q", r.Outcome.Final.GenerationInstructions, exp.FinalInstructions))
	}
	if exp.OverfitWarnings != nil && len(r.Outcome.Warnings) != *exp.OverfitWarnings {
		out = append(out, fmt.Sprintf("overfit warnings: got %d, want %d", len(r.Outcome.Warnings), *exp.OverfitWarnings))
	}
	return out
}

// #endregion check

// #region helpers
// differentReply is a well-formed zero-score reply for mode.
func differentReply(mode judge.Mode) string {
	if mode == judge.ModeFlexible {
		return strings.Join([]string{
			"TARGET_SELECTION: 0", "JOIN_LOGIC: 0", "FILTER_ACCURACY: 0", "AGGREGATION: 0",
			"PROJECTION: 0", "FORMATTING: 0",
			"COUNTEREXAMPLE: NONE", "EXPLANATION: The queries differ.",
		}, "\n")
	}
	return strings.Join([]string{
		"LOGICAL_EQUIVALENCE: 0", "RESULT_SET_MATCH: 0", "PERFORMANCE_SIMILARITY: 0",
		"COUNTEREXAMPLE: NONE", "EXPLANATION: The queries differ.", "VERDICT: DIFFERENT",
	}, "\n")
}

// #endregion helpers
