package logging

import "time"

// #region provenance-entry
// ProvenanceEntry is a single row in the provenance_log table. One row is
// written per acceptance decision.
type ProvenanceEntry struct {
	RunID       string
	Iteration   int
	VersionID   string // configuration in effect when the decision was made
	CandidateID string // configuration produced by the decision, if any
	TriggerType string // "automatic" | "interactive"
	DetailJSON  string
	Decision    string // "apply" | "edit" | "skip" | "reject" | "stop"
	Reason      string
	CreatedAt   time.Time
}

// #endregion provenance-entry

// #region decision-record
// DecisionRecord captures the inputs to one acceptance decision.
// Serialized as JSON into provenance_log.detail_json.
type DecisionRecord struct {
	Strategy          string   `json:"strategy,omitempty"`
	ProposalError     string   `json:"proposal_error,omitempty"`
	ProposedFields    []string `json:"proposed_fields,omitempty"`
	SuggestedFields   []string `json:"suggested_fields,omitempty"`
	AppliedFields     []string `json:"applied_fields,omitempty"`
	Vetoes            []string `json:"vetoes,omitempty"`
	ChangeDescription string   `json:"change_description"`
	TrainAccuracy     float64  `json:"train_accuracy"`
}

// #endregion decision-record
