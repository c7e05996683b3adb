package judge

import (
	"errors"
	"strings"
)

// #region mode
// Mode selects the semantic rubric.
type Mode string

const (
	ModeBinary   Mode = "binary"
	ModeFlexible Mode = "flexible"
)

// ParseMode accepts "binary" or "flexible", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeBinary, "":
		return ModeBinary, nil
	case ModeFlexible:
		return ModeFlexible, nil
	}
	return "", errors.New("scoring mode must be binary or flexible")
}

// ScaleMax is the top of the mode's score scale.
func (m Mode) ScaleMax() int {
	return rubricFor(m).total()
}

// #endregion mode

// #region verdict
// SubScore is one rubric category and the points awarded in it.
type SubScore struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
	Max    int    `json:"max"`
}

// Verdict is the judgment of one generated artifact against one expected one.
// All failure is carried as data; Judge never returns an error.
type Verdict struct {
	Mode                   Mode       `json:"mode"`
	ExactMatch             bool       `json:"exact_match"`
	SemanticallyEquivalent bool       `json:"semantically_equivalent"`
	Score                  int        `json:"score"`
	ScaleMax               int        `json:"scale_max"`
	SubScores              []SubScore `json:"sub_scores,omitempty"`
	Counterexample         string     `json:"counterexample,omitempty"`
	// NoCounterexample is set when the judge stated that none exists.
	NoCounterexample bool   `json:"no_counterexample,omitempty"`
	Explanation      string `json:"explanation,omitempty"`

	// Error is set when the case could not be evaluated at all.
	Error       string `json:"error,omitempty"`
	HardFailure bool   `json:"hard_failure,omitempty"`
	ParseFailed bool   `json:"parse_failed,omitempty"`
	Heuristic   bool   `json:"heuristic,omitempty"`
	Cached      bool   `json:"cached,omitempty"`
}

// Percent returns the score as a percentage of the mode's scale.
func (v Verdict) Percent() float64 {
	if v.ScaleMax == 0 {
		return 0
	}
	return float64(v.Score) * 100 / float64(v.ScaleMax)
}

// SubScoreTotal sums the declared sub-scores.
func (v Verdict) SubScoreTotal() int {
	total := 0
	for _, s := range v.SubScores {
		total += s.Points
	}
	return total
}

// MissingCounterexample flags a DIFFERENT binary verdict that neither cites a
// counterexample nor states that none exists.
func (v Verdict) MissingCounterexample() bool {
	if v.HardFailure || v.ParseFailed || v.ExactMatch || v.SemanticallyEquivalent || v.Mode != ModeBinary {
		return false
	}
	return v.Counterexample == "" && !v.NoCounterexample
}

// #endregion verdict

// #region context
// Context is optional material the semantic judge may use.
type Context struct {
	Question string
	Schema   string
	Thoughts string
	Response string
}

// #endregion context

// #region errors
// ErrParse marks a judge reply that does not follow the rubric format.
var ErrParse = errors.New("unparseable judge response")

// #endregion errors
