package gate

import (
	"context"

	"github.com/danielpatrickdp/querytune/internal/agentcfg"
	"github.com/danielpatrickdp/querytune/internal/optimizer"
)

// #region veto-type
// VetoType enumerates hard veto categories.
type VetoType string

const (
	VetoProposalError     VetoType = "proposal_error"
	VetoEmptyInstructions VetoType = "empty_instructions"
	VetoTargetConflict    VetoType = "target_conflict"
	VetoNoChange          VetoType = "no_change"
	VetoInvalid           VetoType = "invalid_configuration"
)

// #endregion veto-type

// #region veto-signal
// VetoSignal represents a detected hard veto condition.
type VetoSignal struct {
	Type   VetoType `json:"type"`
	Reason string   `json:"reason"`
}

// #endregion veto-signal

// #region gate-config
// Mode selects how suggestions are accepted.
type Mode string

const (
	ModeAutomatic   Mode = "automatic"
	ModeInteractive Mode = "interactive"
)

// Config holds the acceptance policy.
type Config struct {
	Mode Mode
	// MinPriority is the lowest per-field priority applied in automatic mode.
	MinPriority optimizer.Priority
}

// DefaultConfig applies medium-or-higher suggestions without asking.
func DefaultConfig() Config {
	return Config{Mode: ModeAutomatic, MinPriority: optimizer.PriorityMedium}
}

// #endregion gate-config

// #region gate-decision
// Action is the outcome of an acceptance decision.
type Action string

const (
	ActionApply  Action = "apply"
	ActionEdit   Action = "edit"
	ActionSkip   Action = "skip"
	ActionReject Action = "reject"
	ActionStop   Action = "stop"
)

// Decision is the output of the gate. Candidate equals the current
// configuration unless Action is apply or edit.
type Decision struct {
	Action            Action                 `json:"action"`
	Reason            string                 `json:"reason"`
	Vetoed            bool                   `json:"vetoed"`
	VetoSignals       []VetoSignal           `json:"veto_signals,omitempty"`
	Candidate         agentcfg.Configuration `json:"-"`
	Applied           []agentcfg.Field       `json:"applied,omitempty"`
	ChangeDescription string                 `json:"change_description"`
}

// Accepted reports whether the decision produces a new configuration.
func (d Decision) Accepted() bool {
	return d.Action == ActionApply || d.Action == ActionEdit
}

// #endregion gate-decision

// #region approver
// Choice is an operator's answer to one suggested change.
type Choice string

const (
	ChoiceApprove Choice = "approve"
	ChoiceEdit    Choice = "edit"
	ChoiceSkip    Choice = "skip"
	ChoiceStop    Choice = "stop"
)

// Item is one change surfaced for review.
type Item struct {
	Title     string
	Field     agentcfg.Field
	Priority  optimizer.Priority
	Rationale string
	Current   string
	Suggested string
	Diff      string
}

// Answer is the operator's response to an Item. Edited replaces the suggested
// text when Choice is edit.
type Answer struct {
	Choice      Choice
	Edited      string
	Description string
}

// Approver surfaces suggested changes to an operator.
type Approver interface {
	Review(ctx context.Context, item Item) (Answer, error)
	// Continue asks whether to run another iteration.
	Continue(ctx context.Context, summary string) (bool, error)
}

// #endregion approver

// Default change descriptions when the operator gives none.
const (
	DescApplied = "Applied suggested improvements"
	DescEdited  = "Operator-edited suggestion"
	DescSkipped = "No changes (skipped)"
)
