package optimizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danielpatrickdp/querytune/internal/agentcfg"
	"github.com/danielpatrickdp/querytune/internal/trajectory"
)

// #region priority
// Priority ranks a per-field suggestion.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

// ParsePriority accepts "low", "medium" or "high" in any case.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium", "med":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// #endregion priority

// #region suggestion
// FieldSuggestion is the analyzer's recommendation for one configuration field.
type FieldSuggestion struct {
	Field     agentcfg.Field        `json:"field"`
	Modify    bool                  `json:"modify"`
	Priority  Priority              `json:"priority"`
	Rationale string                `json:"rationale"`
	Change    *agentcfg.FieldChange `json:"change,omitempty"`
}

// #endregion suggestion

// #region input
// Input is everything the optimizer may see. It is built from train results
// only; there is no field for held-out data.
type Input struct {
	Current agentcfg.Configuration
	// Best is the configuration with the highest train accuracy so far. The
	// conservative strategy edits it instead of Current.
	Best         *agentcfg.Configuration
	Failures     []trajectory.FailingCase
	Trajectory   []trajectory.Entry
	BestAccuracy float64
	Temperature  float64
	Seed         *int64
}

// #endregion input

// #region proposal
// Proposal is a candidate configuration. When Err is set, Candidate equals the
// input configuration and Changed is empty.
type Proposal struct {
	Candidate         agentcfg.Configuration
	Changed           []agentcfg.Field
	ChangeDescription string
	Rationale         string
	Strategy          StrategyID
	Err               error
}

// NoChange reports whether the proposal leaves the configuration untouched.
func (p Proposal) NoChange() bool { return p.Err != nil || len(p.Changed) == 0 }

// #endregion proposal

// #region errors
// ErrProposal marks a generation or parse failure in the optimizer. The loop
// keeps the current configuration when it sees one.
var ErrProposal = errors.New("proposal failed")

// #endregion errors
