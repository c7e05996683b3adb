package gate

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/querytune/internal/agentcfg"
	"github.com/danielpatrickdp/querytune/internal/optimizer"
)

func current() agentcfg.Configuration {
	return agentcfg.Configuration{
		VersionID:              "v1",
		GenerationInstructions: "Write SQL.",
		AllowedTargets:         []string{"shop.orders"},
	}
}

func proposal(t *testing.T, text string) optimizer.Proposal {
	t.Helper()
	cand, err := current().Apply(agentcfg.FieldChange{Field: agentcfg.FieldGenerationInstructions, Text: text})
	require.NoError(t, err)
	return optimizer.Proposal{
		Candidate:         cand,
		Changed:           []agentcfg.Field{agentcfg.FieldGenerationInstructions},
		ChangeDescription: "rewrote instructions",
	}
}

func suggestion(f agentcfg.Field, p optimizer.Priority, ch agentcfg.FieldChange) optimizer.FieldSuggestion {
	ch.Field = f
	return optimizer.FieldSuggestion{Field: f, Modify: true, Priority: p, Change: &ch}
}

func automatic(t *testing.T) *Gate {
	t.Helper()
	g, err := New(DefaultConfig(), nil, nil)
	require.NoError(t, err)
	return g
}

// #region automatic
func TestAutomaticAppliesMediumAndAbove(t *testing.T) {
	g := automatic(t)
	d := g.Decide(context.Background(), current(), proposal(t, "Write precise SQL."), []optimizer.FieldSuggestion{
		suggestion(agentcfg.FieldSchemaDescription, optimizer.PriorityHigh, agentcfg.FieldChange{Text: "orders(id, status)"}),
		suggestion(agentcfg.FieldSecondaryInstructions, optimizer.PriorityMedium, agentcfg.FieldChange{Text: "Be brief."}),
		suggestion(agentcfg.FieldBlockedTargets, optimizer.PriorityLow, agentcfg.FieldChange{Targets: []string{"shop.logs"}}),
		// Loses to the whole-configuration proposal.
		suggestion(agentcfg.FieldGenerationInstructions, optimizer.PriorityHigh, agentcfg.FieldChange{Text: "Other."}),
	})

	require.Equal(t, ActionApply, d.Action, d.Reason)
	assert.True(t, d.Accepted())
	assert.Equal(t, "Write precise SQL.", d.Candidate.GenerationInstructions)
	assert.Equal(t, "orders(id, status)", d.Candidate.SchemaDescription)
	assert.Equal(t, "Be brief.", d.Candidate.SecondaryInstructions)
	assert.Empty(t, d.Candidate.BlockedTargets)
	assert.Equal(t, "v1", d.Candidate.ParentID)
	assert.ElementsMatch(t, []agentcfg.Field{
		agentcfg.FieldGenerationInstructions, agentcfg.FieldSchemaDescription, agentcfg.FieldSecondaryInstructions,
	}, d.Applied)
	assert.Contains(t, d.ChangeDescription, "rewrote instructions")
	assert.Contains(t, d.ChangeDescription, "schema_description (high priority)")
}

func TestAutomaticProposalErrorIsNoChange(t *testing.T) {
	g := automatic(t)
	p := optimizer.Proposal{Candidate: current(), Err: optimizer.ErrProposal}
	d := g.Decide(context.Background(), current(), p, nil)

	assert.Equal(t, ActionReject, d.Action)
	require.NotEmpty(t, d.VetoSignals)
	assert.Equal(t, VetoProposalError, d.VetoSignals[0].Type)
	assert.Equal(t, "v1", d.Candidate.VersionID)
}

func TestAutomaticSuggestionsSurviveProposalError(t *testing.T) {
	g := automatic(t)
	p := optimizer.Proposal{Candidate: current(), Err: errors.New("bad json")}
	d := g.Decide(context.Background(), current(), p, []optimizer.FieldSuggestion{
		suggestion(agentcfg.FieldSchemaDescription, optimizer.PriorityMedium, agentcfg.FieldChange{Text: "orders(id)"}),
	})
	assert.Equal(t, ActionApply, d.Action)
	assert.Equal(t, []agentcfg.Field{agentcfg.FieldSchemaDescription}, d.Applied)
}

func TestVetoes(t *testing.T) {
	tests := []struct {
		name string
		sugs []optimizer.FieldSuggestion
		want VetoType
	}{
		{"nothing", nil, VetoNoChange},
		{"empty instructions", []optimizer.FieldSuggestion{
			suggestion(agentcfg.FieldGenerationInstructions, optimizer.PriorityHigh, agentcfg.FieldChange{Text: " "}),
		}, VetoEmptyInstructions},
		{"target conflict", []optimizer.FieldSuggestion{
			suggestion(agentcfg.FieldBlockedTargets, optimizer.PriorityHigh, agentcfg.FieldChange{Targets: []string{"SHOP.ORDERS"}}),
		}, VetoTargetConflict},
		{"invalid example", []optimizer.FieldSuggestion{
			suggestion(agentcfg.FieldFewShotExamples, optimizer.PriorityHigh, agentcfg.FieldChange{
				Examples: []agentcfg.FewShotExample{{Input: "q"}},
			}),
		}, VetoInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := automatic(t).Decide(context.Background(), current(), optimizer.Proposal{Candidate: current()}, tt.sugs)
			assert.Equal(t, ActionReject, d.Action)
			assert.True(t, d.Vetoed)
			require.NotEmpty(t, d.VetoSignals)
			assert.Equal(t, tt.want, d.VetoSignals[0].Type)
			assert.Equal(t, current().VersionID, d.Candidate.VersionID)
		})
	}
}

// #endregion automatic

// #region interactive
type scriptedApprover struct {
	answers []Answer
	items   []Item
	cont    bool
}

func (s *scriptedApprover) Review(_ context.Context, item Item) (Answer, error) {
	s.items = append(s.items, item)
	if len(s.answers) == 0 {
		return Answer{}, errors.New("no more answers")
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a, nil
}

func (s *scriptedApprover) Continue(context.Context, string) (bool, error) { return s.cont, nil }

func interactive(t *testing.T, a Approver) *Gate {
	t.Helper()
	g, err := New(Config{Mode: ModeInteractive}, a, nil)
	require.NoError(t, err)
	return g
}

func TestInteractiveRequiresApprover(t *testing.T) {
	_, err := New(Config{Mode: ModeInteractive}, nil, nil)
	assert.Error(t, err)
}

func TestInteractiveApproveEditSkip(t *testing.T) {
	a := &scriptedApprover{answers: []Answer{
		{Choice: ChoiceApprove},
		{Choice: ChoiceEdit, Edited: "shop.logs\nshop.audit", Description: "block noisy tables"},
		{Choice: ChoiceSkip},
	}}
	g := interactive(t, a)
	d := g.Decide(context.Background(), current(), proposal(t, "Write precise SQL."), []optimizer.FieldSuggestion{
		suggestion(agentcfg.FieldBlockedTargets, optimizer.PriorityLow, agentcfg.FieldChange{Targets: []string{"shop.logs"}}),
		suggestion(agentcfg.FieldSchemaDescription, optimizer.PriorityHigh, agentcfg.FieldChange{Text: "orders"}),
	})

	require.Equal(t, ActionEdit, d.Action, d.Reason)
	assert.Equal(t, "Write precise SQL.", d.Candidate.GenerationInstructions)
	assert.Equal(t, []string{"shop.logs", "shop.audit"}, d.Candidate.BlockedTargets)
	assert.Empty(t, d.Candidate.SchemaDescription)
	assert.Equal(t, "rewrote instructions; block noisy tables", d.ChangeDescription)

	require.Len(t, a.items, 3)
	assert.NotEmpty(t, a.items[0].Diff)
	assert.Equal(t, "shop.logs", a.items[1].Suggested)
}

func TestInteractiveSkipAll(t *testing.T) {
	a := &scriptedApprover{answers: []Answer{{Choice: ChoiceSkip}}}
	d := interactive(t, a).Decide(context.Background(), current(), proposal(t, "New."), nil)
	assert.Equal(t, ActionSkip, d.Action)
	assert.Equal(t, DescSkipped, d.ChangeDescription)
	assert.Equal(t, "v1", d.Candidate.VersionID)
}

func TestInteractiveStop(t *testing.T) {
	a := &scriptedApprover{answers: []Answer{{Choice: ChoiceStop}}}
	d := interactive(t, a).Decide(context.Background(), current(), proposal(t, "New."), nil)
	assert.Equal(t, ActionStop, d.Action)
	assert.False(t, d.Accepted())
}

func TestContinue(t *testing.T) {
	assert.True(t, automatic(t).Continue(context.Background(), ""))
	g := interactive(t, &scriptedApprover{cont: false})
	assert.False(t, g.Continue(context.Background(), "iteration 1"))
}

// #endregion interactive

// #region terminal
func TestTerminalApprover(t *testing.T) {
	in := strings.NewReader("x\ne\nline one\nline two\n<<<END>>>\nmy edit\n")
	var out bytes.Buffer
	ta := NewTerminalApprover(in, &out)

	ans, err := ta.Review(context.Background(), Item{Title: "Field x", Current: "old", Suggested: "new"})
	require.NoError(t, err)
	assert.Equal(t, ChoiceEdit, ans.Choice)
	assert.Equal(t, "line one\nline two", ans.Edited)
	assert.Equal(t, "my edit", ans.Description)
	assert.Contains(t, out.String(), "Invalid choice")
}

func TestTerminalApproverApproveAtEOF(t *testing.T) {
	ta := NewTerminalApprover(strings.NewReader("a"), &bytes.Buffer{})
	ans, err := ta.Review(context.Background(), Item{Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, ChoiceApprove, ans.Choice)
	assert.Empty(t, ans.Description)

	ta = NewTerminalApprover(strings.NewReader("n\n"), &bytes.Buffer{})
	ok, err := ta.Continue(context.Background(), "summary")
	require.NoError(t, err)
	assert.False(t, ok)
}

// #endregion terminal
