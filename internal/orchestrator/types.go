package orchestrator

import (
	"context"

	"github.com/danielpatrickdp/querytune/internal/agentcfg"
	"github.com/danielpatrickdp/querytune/internal/cases"
	"github.com/danielpatrickdp/querytune/internal/eval"
	"github.com/danielpatrickdp/querytune/internal/optimizer"
	"github.com/danielpatrickdp/querytune/internal/trajectory"
)

// #region phase
// Phase is a state of the optimization loop.
type Phase string

const (
	PhaseInit            Phase = "INIT"
	PhaseEvaluateTrain   Phase = "EVALUATE_TRAIN"
	PhaseEvaluateHeldOut Phase = "EVALUATE_HELDOUT"
	PhaseAnalyze         Phase = "ANALYZE"
	PhasePropose         Phase = "PROPOSE"
	PhaseAcceptDecision  Phase = "ACCEPT_DECISION"
	PhaseApply           Phase = "APPLY"
	PhaseStop            Phase = "STOP"
)

// #endregion phase

// #region stop-reason
// StopReason explains why the loop ended.
type StopReason string

const (
	StopMaxIterations StopReason = "max_iterations"
	StopTargetReached StopReason = "target_reached"
	StopOperator      StopReason = "operator_stopped"
	StopCancelled     StopReason = "cancelled"
)

// #endregion stop-reason

// #region category
// Category refines a failing case for the optimizer.
type Category string

const (
	CategoryMissingDistinct Category = "missing_distinct"
	CategoryJoin            Category = "join"
	CategoryFilter          Category = "filter"
	CategoryAggregation     Category = "aggregation"
	CategoryGrouping        Category = "grouping"
	CategoryOrdering        Category = "ordering"
	CategoryLimit           Category = "limit"
	CategoryProjection      Category = "projection"
	CategoryDateHandling    Category = "date_handling"
	CategoryOther           Category = "other"
)

// #endregion category

// #region collaborators
// Evaluator runs one case set. *eval.Evaluator satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, cfg agentcfg.Configuration, set cases.Set, repeats int) (eval.Result, error)
	Policy() eval.Policy
}

// Proposer produces candidate configurations. *optimizer.Optimizer satisfies it.
type Proposer interface {
	Propose(ctx context.Context, in optimizer.Input) optimizer.Proposal
	AnalyzeFields(ctx context.Context, cfg agentcfg.Configuration, failures []trajectory.FailingCase, temperature float64, seed *int64) ([]optimizer.FieldSuggestion, error)
}

// #endregion collaborators

// #region config
// Config holds the run parameters.
type Config struct {
	MaxIterations  int
	Repeats        int
	TargetAccuracy float64
	Temperature    float64
	Seed           *int64
	// TopN bounds the trajectory entries given to the optimizer.
	TopN int
	// AnalyzeFields also requests per-field suggestions each iteration.
	AnalyzeFields bool
	// OverfitWindow is the number of recent iterations compared for overfitting.
	OverfitWindow int
	// OutputDir receives per-repeat JSONL files. Empty disables them.
	OutputDir string
	// AgentID names an already deployed agent. When empty and a Deployer is
	// present, INIT deploys the starting configuration.
	AgentID string
}

// DefaultConfig returns ten iterations of three repeats aiming at 100%.
func DefaultConfig() Config {
	return Config{
		MaxIterations:  10,
		Repeats:        3,
		TargetAccuracy: 100,
		Temperature:    1.0,
		TopN:           20,
		OverfitWindow:  3,
	}
}

// #endregion config

// #region outcome
// Warning is an overfitting signal. It never changes the loop's state.
type Warning struct {
	Iteration    int     `json:"iteration"`
	TrainDelta   float64 `json:"train_delta"`
	HeldOutDelta float64 `json:"held_out_delta"`
	Message      string  `json:"message"`
}

// Outcome summarizes a finished run.
type Outcome struct {
	RunID      string                 `json:"run_id"`
	AgentID    string                 `json:"agent_id,omitempty"`
	Iterations int                    `json:"iterations"`
	StopReason StopReason             `json:"stop_reason"`
	Final      agentcfg.Configuration `json:"final"`
	Warnings   []Warning              `json:"warnings,omitempty"`
	Trace      []Phase                `json:"trace"`
}

// #endregion outcome
