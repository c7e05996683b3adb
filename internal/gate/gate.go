// Package gate decides which proposed configuration changes are accepted,
// automatically by priority or interactively through an Approver.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/danielpatrickdp/querytune/internal/agentcfg"
	"github.com/danielpatrickdp/querytune/internal/optimizer"
)

// #region gate
// Gate evaluates proposals against the acceptance policy.
type Gate struct {
	config   Config
	approver Approver
	logger   *slog.Logger
}

// New creates a gate. approver is required in interactive mode.
func New(config Config, approver Approver, logger *slog.Logger) (*Gate, error) {
	if config.Mode == "" {
		config.Mode = ModeAutomatic
	}
	if config.MinPriority == 0 {
		config.MinPriority = optimizer.PriorityMedium
	}
	if config.Mode == ModeInteractive && approver == nil {
		return nil, fmt.Errorf("interactive mode needs an approver")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{config: config, approver: approver, logger: logger}, nil
}

// Mode returns the acceptance mode.
func (g *Gate) Mode() Mode { return g.config.Mode }

// Decide merges the whole-configuration proposal with the per-field
// suggestions and runs the hard vetoes on the result. A field changed by the
// whole proposal is not also taken from a per-field suggestion.
func (g *Gate) Decide(ctx context.Context, current agentcfg.Configuration, p optimizer.Proposal, suggestions []optimizer.FieldSuggestion) Decision {
	if g.config.Mode == ModeInteractive {
		return g.interactive(ctx, current, p, suggestions)
	}
	return g.automatic(current, p, suggestions)
}

// Continue asks the operator whether to keep iterating. Automatic mode always continues.
func (g *Gate) Continue(ctx context.Context, summary string) bool {
	if g.config.Mode != ModeInteractive {
		return true
	}
	ok, err := g.approver.Continue(ctx, summary)
	if err != nil {
		g.logger.Warn("continue prompt failed, stopping", "error", err)
		return false
	}
	return ok
}

// #endregion gate

// #region automatic
func (g *Gate) automatic(current agentcfg.Configuration, p optimizer.Proposal, suggestions []optimizer.FieldSuggestion) Decision {
	base := current
	var notes []string
	whole := !p.NoChange()
	if whole {
		base = p.Candidate
		notes = append(notes, p.ChangeDescription)
	}

	var changes []agentcfg.FieldChange
	for _, s := range suggestions {
		if !s.Modify || s.Change == nil || s.Priority < g.config.MinPriority {
			continue
		}
		if whole && slices.Contains(p.Changed, s.Field) {
			continue
		}
		changes = append(changes, *s.Change)
		notes = append(notes, fmt.Sprintf("Updated %s (%s priority)", s.Field, s.Priority))
	}
	return g.finish(current, base, changes, strings.Join(notes, "; "), ActionApply, p)
}

// #endregion automatic

// #region interactive
func (g *Gate) interactive(ctx context.Context, current agentcfg.Configuration, p optimizer.Proposal, suggestions []optimizer.FieldSuggestion) Decision {
	base := current
	action := ActionApply
	var notes []string
	var changes []agentcfg.FieldChange

	wholeAccepted := false
	if !p.NoChange() {
		diff, _ := agentcfg.Diff(current, p.Candidate)
		ans, err := g.approver.Review(ctx, Item{
			Title:     "Suggested configuration",
			Field:     agentcfg.FieldGenerationInstructions,
			Rationale: p.Rationale,
			Current:   current.GenerationInstructions,
			Suggested: p.Candidate.GenerationInstructions,
			Diff:      diff,
		})
		if err != nil {
			return g.skip(current, fmt.Sprintf("review failed: %v", err))
		}
		switch ans.Choice {
		case ChoiceStop:
			return g.stop(current)
		case ChoiceApprove:
			base, wholeAccepted = p.Candidate, true
			notes = append(notes, firstNonEmpty(ans.Description, p.ChangeDescription, DescApplied))
		case ChoiceEdit:
			base, wholeAccepted, action = p.Candidate, true, ActionEdit
			if text := strings.TrimSpace(ans.Edited); text != "" {
				changes = append(changes, agentcfg.FieldChange{Field: agentcfg.FieldGenerationInstructions, Text: text})
			}
			notes = append(notes, firstNonEmpty(ans.Description, DescEdited))
		}
	}

	for _, s := range suggestions {
		if !s.Modify || s.Change == nil {
			continue
		}
		if wholeAccepted && slices.Contains(p.Changed, s.Field) {
			continue
		}
		suggested := s.Change.Text
		if preview, err := current.Apply(*s.Change); err == nil {
			suggested = preview.FieldText(s.Field)
		}
		ans, err := g.approver.Review(ctx, Item{
			Title:     fmt.Sprintf("Field %s", s.Field),
			Field:     s.Field,
			Priority:  s.Priority,
			Rationale: s.Rationale,
			Current:   current.FieldText(s.Field),
			Suggested: suggested,
		})
		if err != nil {
			return g.skip(current, fmt.Sprintf("review failed: %v", err))
		}
		switch ans.Choice {
		case ChoiceStop:
			return g.stop(current)
		case ChoiceApprove:
			changes = append(changes, *s.Change)
			notes = append(notes, firstNonEmpty(ans.Description, fmt.Sprintf("Updated %s", s.Field)))
		case ChoiceEdit:
			ch, err := editedChange(s.Field, ans.Edited)
			if err != nil {
				g.logger.Warn("discarding edit", "field", s.Field, "error", err)
				continue
			}
			changes = append(changes, ch)
			action = ActionEdit
			notes = append(notes, firstNonEmpty(ans.Description, DescEdited))
		}
	}

	if !wholeAccepted && len(changes) == 0 {
		return g.skip(current, "operator skipped every suggestion")
	}
	return g.finish(current, base, changes, strings.Join(notes, "; "), action, p)
}

// editedChange parses operator text for a field. Few-shot examples are edited
// as a JSON array; list fields take one entry per line.
func editedChange(f agentcfg.Field, text string) (agentcfg.FieldChange, error) {
	if f == agentcfg.FieldFewShotExamples {
		return agentcfg.ParseFieldValue(f, json.RawMessage(text))
	}
	raw, err := json.Marshal(text)
	if err != nil {
		return agentcfg.FieldChange{}, err
	}
	return agentcfg.ParseFieldValue(f, raw)
}

// #endregion interactive

// #region finish
func (g *Gate) finish(current, base agentcfg.Configuration, changes []agentcfg.FieldChange, desc string, action Action, p optimizer.Proposal) Decision {
	vetoes := precheck(base, changes)

	candidate := base
	if len(vetoes) == 0 && len(changes) > 0 {
		next, err := base.Apply(changes...)
		if err != nil {
			vetoes = append(vetoes, VetoSignal{Type: VetoInvalid, Reason: err.Error()})
		} else {
			candidate = next
		}
	}

	var applied []agentcfg.Field
	if len(vetoes) == 0 {
		applied = agentcfg.ChangedFields(current, candidate)
		if len(applied) == 0 {
			if p.Err != nil {
				vetoes = append(vetoes, VetoSignal{Type: VetoProposalError, Reason: p.Err.Error()})
			} else {
				vetoes = append(vetoes, VetoSignal{Type: VetoNoChange, Reason: "candidate identical to current configuration"})
			}
		}
	}

	if len(vetoes) > 0 {
		g.logger.Info("proposal rejected", "veto", vetoes[0].Type, "reason", vetoes[0].Reason)
		return Decision{
			Action:            ActionReject,
			Reason:            fmt.Sprintf("hard veto: %s", vetoes[0].Reason),
			Vetoed:            true,
			VetoSignals:       vetoes,
			Candidate:         current,
			ChangeDescription: fmt.Sprintf("No change (%s)", vetoes[0].Type),
		}
	}

	candidate.ParentID = current.VersionID
	if desc == "" {
		desc = DescApplied
	}
	return Decision{
		Action:            action,
		Reason:            fmt.Sprintf("accepted %d field(s)", len(applied)),
		Candidate:         candidate,
		Applied:           applied,
		ChangeDescription: desc,
	}
}

// precheck catches the vetoes that can be named before Apply validates.
func precheck(base agentcfg.Configuration, changes []agentcfg.FieldChange) []VetoSignal {
	preview := agentcfg.Configuration{
		GenerationInstructions: base.GenerationInstructions,
		AllowedTargets:         base.AllowedTargets,
		BlockedTargets:         base.BlockedTargets,
	}
	for _, ch := range changes {
		switch ch.Field {
		case agentcfg.FieldGenerationInstructions:
			preview.GenerationInstructions = ch.Text
		case agentcfg.FieldAllowedTargets:
			preview.AllowedTargets = ch.Targets
		case agentcfg.FieldBlockedTargets:
			preview.BlockedTargets = ch.Targets
		}
	}
	var vetoes []VetoSignal
	if strings.TrimSpace(preview.GenerationInstructions) == "" {
		vetoes = append(vetoes, VetoSignal{Type: VetoEmptyInstructions, Reason: "generation instructions would be empty"})
	}
	if c := preview.TargetConflicts(); len(c) > 0 {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoTargetConflict,
			Reason: fmt.Sprintf("targets both allowed and blocked: %s", strings.Join(c, ", ")),
		})
	}
	return vetoes
}

func (g *Gate) skip(current agentcfg.Configuration, reason string) Decision {
	return Decision{Action: ActionSkip, Reason: reason, Candidate: current, ChangeDescription: DescSkipped}
}

func (g *Gate) stop(current agentcfg.Configuration) Decision {
	return Decision{Action: ActionStop, Reason: "operator stopped the run", Candidate: current, ChangeDescription: DescSkipped}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// #endregion finish
