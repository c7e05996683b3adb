package optimizer

// #region strategy-definitions
// StrategyID names an exploration strategy.
type StrategyID string

const (
	StrategyConservative StrategyID = "conservative"
	StrategyBalanced     StrategyID = "balanced"
	StrategyExploratory  StrategyID = "exploratory"
)

// Strategy shapes the optimizer prompt for a temperature band.
type Strategy struct {
	ID StrategyID
	// MaxFailures caps how many failing cases are quoted in the prompt.
	MaxFailures int
	// EditBest makes the best-known configuration the base instead of the current one.
	EditBest bool
	// ExplanationChars truncates judge explanations.
	ExplanationChars int
	Directive        string
}

// Strategies returns the built-in strategies.
var Strategies = map[StrategyID]Strategy{
	StrategyConservative: {
		ID:               StrategyConservative,
		MaxFailures:      8,
		EditBest:         true,
		ExplanationChars: 300,
		Directive: "Make the smallest edit to the base configuration that fixes the failures. " +
			"Keep its structure and wording wherever possible.",
	},
	StrategyBalanced: {
		ID:               StrategyBalanced,
		MaxFailures:      15,
		ExplanationChars: 300,
		Directive: "Keep the overall structure and tone of the base configuration. " +
			"Add specific, actionable instructions that address the root causes of the failures.",
	},
	StrategyExploratory: {
		ID:               StrategyExploratory,
		MaxFailures:      25,
		ExplanationChars: 500,
		Directive: "You may restructure the instructions entirely. " +
			"Try a reformulation that has not appeared in the history.",
	},
}

// #endregion strategy-definitions

// #region select
// SelectStrategy maps an exploration temperature to a strategy.
func SelectStrategy(temperature float64) Strategy {
	switch {
	case temperature < 0.5:
		return Strategies[StrategyConservative]
	case temperature > 1.2:
		return Strategies[StrategyExploratory]
	default:
		return Strategies[StrategyBalanced]
	}
}

// #endregion select
