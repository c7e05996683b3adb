package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/querytune/internal/agentcfg"
	"github.com/danielpatrickdp/querytune/internal/cases"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture: a starting
// configuration, the case sets, and every remote answer the run will need.
type Fixture struct {
	Description   string                 `json:"description"`
	AgentName     string                 `json:"agent_name"`
	Configuration agentcfg.Configuration `json:"configuration"`
	Train         []cases.Case           `json:"train"`
	HeldOut       []cases.Case           `json:"held_out,omitempty"`
	Config        FixtureConfig          `json:"config"`

	// Answers holds the agent's replies per configuration, in the order the
	// configurations are first queried: index 0 is the starting
	// configuration. Each map is keyed by case id. Versions past the end reuse
	// the last entry.
	Answers []map[string]string `json:"answers"`

	// OptimizerReplies answer successive proposal requests; the last repeats.
	OptimizerReplies []string `json:"optimizer_replies"`
	// AnalyzerReplies answer per-field analysis requests when enabled.
	AnalyzerReplies []string `json:"analyzer_replies,omitempty"`
	// JudgeReply answers every semantic judge request. Empty uses a
	// zero-score DIFFERENT reply for the configured mode.
	JudgeReply string `json:"judge_reply,omitempty"`

	Expected FixtureExpected `json:"expected"`
}

// FixtureConfig mirrors the loop and judge settings with JSON tags.
type FixtureConfig struct {
	MaxIterations  int     `json:"max_iterations"`
	Repeats        int     `json:"repeats"`
	TargetAccuracy float64 `json:"target_accuracy"`
	Temperature    float64 `json:"temperature"`
	JudgeMode      string  `json:"judge_mode"`
	ScoreThreshold float64 `json:"score_threshold"`
	AnalyzeFields  bool    `json:"analyze_fields"`
	Workers        int     `json:"workers"`
}

// FixtureExpected captures the expected outcome of the run.
type FixtureExpected struct {
	StopReason        string    `json:"stop_reason"`
	Iterations        int       `json:"iterations"`
	TrainAccuracies   []float64 `json:"train_accuracies,omitempty"`
	FinalInstructions string    `json:"final_instructions,omitempty"`
	OverfitWarnings   *int      `json:"overfit_warnings,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file. Cases are stamped with
// their split and the configuration must validate.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if err := f.Configuration.Validate(); err != nil {
		return nil, fmt.Errorf("fixture %s configuration: %w", path, err)
	}
	if f.Configuration.VersionID == "" {
		f.Configuration.VersionID = "v0"
	}
	for i := range f.Train {
		f.Train[i].Split = cases.SplitTrain
	}
	for i := range f.HeldOut {
		f.HeldOut[i].Split = cases.SplitHeldOut
	}
	return &f, nil
}

// Sets returns the train and held-out case sets.
func (f *Fixture) Sets() (cases.Set, cases.Set) {
	train := cases.Set{Split: cases.SplitTrain, Path: "fixture:train", Cases: f.Train}
	var heldOut cases.Set
	if len(f.HeldOut) > 0 {
		heldOut = cases.Set{Split: cases.SplitHeldOut, Path: "fixture:held_out", Cases: f.HeldOut}
	}
	return train, heldOut
}

// #endregion fixture-loader
