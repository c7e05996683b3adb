package trajectory

import (
	"errors"
	"time"

	"github.com/danielpatrickdp/querytune/internal/agentcfg"
	"github.com/danielpatrickdp/querytune/internal/eval"
	"github.com/danielpatrickdp/querytune/internal/judge"
)

// #region run-meta
// RunMeta identifies one optimization run.
type RunMeta struct {
	RunID     string    `json:"run_id"`
	AgentName string    `json:"agent_name"`
	AgentID   string    `json:"agent_id"`
	StartTime time.Time `json:"start_time"`
}

// #endregion run-meta

// #region failing-case
// FailingCase is a case that failed in an iteration, with its verdicts.
type FailingCase struct {
	CaseID            string          `json:"case_id"`
	Input             string          `json:"input"`
	ExpectedArtifact  string          `json:"expected_artifact"`
	GeneratedArtifact string          `json:"generated_artifact"`
	Issue             eval.Issue      `json:"issue"`
	Category          string          `json:"category,omitempty"`
	PassRate          float64         `json:"pass_rate"`
	MeanScore         float64         `json:"mean_score"`
	Explanation       string          `json:"explanation,omitempty"`
	Counterexample    string          `json:"counterexample,omitempty"`
	ErrorDetail       string          `json:"error_detail,omitempty"`
	Verdicts          []judge.Verdict `json:"verdicts"`
}

// FailingCaseFrom flattens a failed case result. The representative run is
// the first failing repeat.
func FailingCaseFrom(cr eval.CaseResult, p eval.Policy) FailingCase {
	fc := FailingCase{
		CaseID:           cr.Case.ID,
		Input:            cr.Case.Input,
		ExpectedArtifact: cr.Case.ExpectedArtifact,
		Issue:            cr.Issue,
		PassRate:         cr.Summary.PassRate,
		MeanScore:        cr.Summary.MeanScore,
		ErrorDetail:      cr.Summary.ErrorDetail,
		Verdicts:         cr.Verdicts(),
	}
	for _, run := range cr.Runs {
		if p.Passes(run.Verdict) {
			continue
		}
		fc.GeneratedArtifact = run.Artifact
		fc.Explanation = run.Verdict.Explanation
		fc.Counterexample = run.Verdict.Counterexample
		break
	}
	return fc
}

// #endregion failing-case

// #region record
// ProposalNote records what the optimizer suggested during an iteration and
// what the acceptance step did with it.
type ProposalNote struct {
	CandidateVersionID string           `json:"candidate_version_id,omitempty"`
	ChangeDescription  string           `json:"change_description"`
	Rationale          string           `json:"rationale,omitempty"`
	Decision           string           `json:"decision"`
	Reason             string           `json:"reason,omitempty"`
	Applied            []agentcfg.Field `json:"applied,omitempty"`
	Approved           bool             `json:"approved"`
}

// Record is one completed iteration. It is immutable once appended.
type Record struct {
	Sequence          int                    `json:"sequence"`
	Configuration     agentcfg.Configuration `json:"configuration"`
	Train             eval.Metrics           `json:"train"`
	HeldOut           *eval.Metrics          `json:"held_out,omitempty"`
	Failures          []FailingCase          `json:"failures"`
	HeldOutFailures   []FailingCase          `json:"held_out_failures,omitempty"`
	ChangeDescription string                 `json:"change_description"`
	Proposal          *ProposalNote          `json:"proposal,omitempty"`
	Errors            []string               `json:"errors,omitempty"`
	Warnings          []string               `json:"warnings,omitempty"`
	Timestamp         time.Time              `json:"timestamp"`
}

// Clone returns a copy that shares no slices with r.
func (r Record) Clone() Record {
	out := r
	out.Configuration = r.Configuration.Clone()
	out.Train = cloneMetrics(r.Train)
	if r.HeldOut != nil {
		h := cloneMetrics(*r.HeldOut)
		out.HeldOut = &h
	}
	out.Failures = cloneFailures(r.Failures)
	out.HeldOutFailures = cloneFailures(r.HeldOutFailures)
	out.Errors = append([]string(nil), r.Errors...)
	out.Warnings = append([]string(nil), r.Warnings...)
	if r.Proposal != nil {
		p := *r.Proposal
		p.Applied = append([]agentcfg.Field(nil), r.Proposal.Applied...)
		out.Proposal = &p
	}
	return out
}

func cloneMetrics(m eval.Metrics) eval.Metrics {
	m.RepeatAccuracies = append([]float64(nil), m.RepeatAccuracies...)
	return m
}

func cloneFailures(fs []FailingCase) []FailingCase {
	if fs == nil {
		return nil
	}
	out := make([]FailingCase, len(fs))
	for i, f := range fs {
		f.Verdicts = append([]judge.Verdict(nil), f.Verdicts...)
		for j := range f.Verdicts {
			f.Verdicts[j].SubScores = append([]judge.SubScore(nil), f.Verdicts[j].SubScores...)
		}
		out[i] = f
	}
	return out
}

// FailingIDs lists the train case ids that failed.
func (r Record) FailingIDs() []string {
	ids := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		ids[i] = f.CaseID
	}
	return ids
}

// #endregion record

// #region entry
// Entry is the train-only projection of a Record used as optimizer context.
// It deliberately has no room for held-out data.
type Entry struct {
	Sequence          int     `json:"sequence"`
	Accuracy          float64 `json:"accuracy"`
	MeanScore         float64 `json:"mean_score"`
	Summary           string  `json:"summary"`
	ChangeDescription string  `json:"change_description"`
}

// #endregion entry

// #region errors
var (
	// ErrSequence rejects an append that would leave a gap or reorder history.
	ErrSequence = errors.New("trajectory: sequence must be the next index")
	// ErrPersist wraps a failure to write an appended record to durable storage.
	// The in-memory append has still happened.
	ErrPersist = errors.New("trajectory: persist failed")
	// ErrNotFound is returned for an unknown sequence index or run.
	ErrNotFound = errors.New("trajectory: not found")
)

// #endregion errors
