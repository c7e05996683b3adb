// Package optimizer turns the train-side trajectory and current failures into
// a candidate configuration, whole or field by field.
package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/danielpatrickdp/querytune/internal/agentcfg"
	"github.com/danielpatrickdp/querytune/internal/genai"
	"github.com/danielpatrickdp/querytune/internal/telemetry"
	"github.com/danielpatrickdp/querytune/internal/trajectory"
)

// #region optimizer-struct
// Optimizer requests candidate configurations from a generator.
type Optimizer struct {
	gen       genai.Generator
	maxTokens int
	logger    *slog.Logger
}

// New creates an optimizer. logger may be nil.
func New(gen genai.Generator, maxTokens int, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{gen: gen, maxTokens: maxTokens, logger: logger}
}

// #endregion optimizer-struct

// #region propose
// Propose asks for a configuration that beats the best train accuracy so far.
// It never returns an error: failures come back as a no-change Proposal with
// Err wrapping ErrProposal.
func (o *Optimizer) Propose(ctx context.Context, in Input) Proposal {
	ctx, span := telemetry.Tracer().Start(ctx, "optimizer.Propose")
	defer span.End()

	strat := SelectStrategy(in.Temperature)
	base := in.Current
	if strat.EditBest && in.Best != nil {
		base = *in.Best
	}
	span.SetAttributes(attribute.String("strategy", string(strat.ID)), attribute.Int("failures", len(in.Failures)))

	fail := func(err error) Proposal {
		telemetry.Proposals.WithLabelValues("error").Inc()
		o.logger.Warn("proposal failed", "strategy", strat.ID, "error", err)
		return Proposal{
			Candidate:         in.Current,
			ChangeDescription: "No change (proposal failed)",
			Strategy:          strat.ID,
			Err:               err,
		}
	}

	if o.gen == nil {
		return fail(fmt.Errorf("%w: no generator configured", ErrProposal))
	}

	reply, err := o.gen.Generate(ctx, genai.Request{
		System:      optimizerSystem,
		Prompt:      buildProposalPrompt(base, in, strat),
		Temperature: in.Temperature,
		Seed:        in.Seed,
		MaxTokens:   o.maxTokens,
		Purpose:     "optimizer",
	})
	if err != nil {
		return fail(fmt.Errorf("%w: generate: %w", ErrProposal, err))
	}

	changes, desc, rationale, err := parseProposal(reply)
	if err != nil {
		return fail(err)
	}
	candidate, err := base.Apply(changes...)
	if err != nil {
		return fail(fmt.Errorf("%w: apply: %w", ErrProposal, err))
	}
	if base.VersionID != in.Current.VersionID {
		// Rebased on the best version; the lineage still continues from Current.
		candidate.ParentID = in.Current.VersionID
	}

	changed := agentcfg.ChangedFields(in.Current, candidate)
	if len(changed) == 0 {
		telemetry.Proposals.WithLabelValues("unchanged").Inc()
		return Proposal{
			Candidate:         in.Current,
			ChangeDescription: "No change (candidate identical to current)",
			Rationale:         rationale,
			Strategy:          strat.ID,
		}
	}
	if desc == "" {
		desc = "Updated " + joinFields(changed)
	}
	telemetry.Proposals.WithLabelValues("changed").Inc()
	o.logger.Info("proposal ready", "strategy", strat.ID, "changed", joinFields(changed))
	return Proposal{
		Candidate:         candidate,
		Changed:           changed,
		ChangeDescription: desc,
		Rationale:         rationale,
		Strategy:          strat.ID,
	}
}

// #endregion propose

// #region parse-proposal
var fenceRe = regexp.MustCompile("(?s)```([a-zA-Z]*)\\s*\\n(.*?)```")

// parseProposal reads a JSON reply. A reply without JSON but with a fenced
// block is taken as replacement generation instructions.
func parseProposal(reply string) ([]agentcfg.FieldChange, string, string, error) {
	obj, ok := extractObject(reply)
	if !ok {
		if m := fenceRe.FindStringSubmatch(reply); m != nil && !strings.EqualFold(m[1], "json") {
			text := strings.TrimSpace(m[2])
			if text != "" {
				return []agentcfg.FieldChange{{Field: agentcfg.FieldGenerationInstructions, Text: text}}, "", "", nil
			}
		}
		return nil, "", "", fmt.Errorf("%w: reply is not a JSON object", ErrProposal)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(obj, &raw); err != nil {
		return nil, "", "", fmt.Errorf("%w: decode reply: %w", ErrProposal, err)
	}
	var changes []agentcfg.FieldChange
	for _, f := range agentcfg.Fields {
		v, ok := raw[string(f)]
		if !ok || isNull(v) {
			continue
		}
		ch, err := agentcfg.ParseFieldValue(f, v)
		if err != nil {
			return nil, "", "", fmt.Errorf("%w: %w", ErrProposal, err)
		}
		changes = append(changes, ch)
	}
	if len(changes) == 0 {
		return nil, "", "", fmt.Errorf("%w: reply has no configuration fields", ErrProposal)
	}
	var desc, rationale string
	_ = json.Unmarshal(raw["change_description"], &desc)
	_ = json.Unmarshal(raw["rationale"], &rationale)
	return changes, strings.TrimSpace(desc), strings.TrimSpace(rationale), nil
}

// extractObject finds the outermost JSON object in text, skipping fences.
func extractObject(text string) ([]byte, bool) {
	if m := fenceRe.FindStringSubmatch(text); m != nil && strings.EqualFold(m[1], "json") {
		text = m[2]
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	obj := []byte(text[start : end+1])
	if !json.Valid(obj) {
		return nil, false
	}
	return obj, true
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func joinFields(fs []agentcfg.Field) string {
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}

// #endregion parse-proposal

// #region analyze-fields
type fieldReply struct {
	Field     string          `json:"field"`
	Modify    bool            `json:"modify"`
	Priority  string          `json:"priority"`
	Rationale string          `json:"rationale"`
	Value     json.RawMessage `json:"value"`
}

// AnalyzeFields asks for an independent recommendation per field. Results are
// ordered by priority, highest first, then by field order. Errors wrap ErrProposal.
func (o *Optimizer) AnalyzeFields(ctx context.Context, cfg agentcfg.Configuration, failures []trajectory.FailingCase, temperature float64, seed *int64) ([]FieldSuggestion, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "optimizer.AnalyzeFields")
	defer span.End()

	if o.gen == nil {
		return nil, fmt.Errorf("%w: no generator configured", ErrProposal)
	}
	reply, err := o.gen.Generate(ctx, genai.Request{
		System:      analyzerSystem,
		Prompt:      buildAnalysisPrompt(cfg, failures),
		Temperature: temperature,
		Seed:        seed,
		MaxTokens:   o.maxTokens,
		Purpose:     "analyzer",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: analyze: %w", ErrProposal, err)
	}

	obj, ok := extractObject(reply)
	if !ok {
		return nil, fmt.Errorf("%w: analysis reply is not a JSON object", ErrProposal)
	}
	var parsed struct {
		Fields []fieldReply `json:"fields"`
	}
	if err := json.Unmarshal(obj, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode analysis: %w", ErrProposal, err)
	}

	seen := map[agentcfg.Field]bool{}
	var out []FieldSuggestion
	for _, fr := range parsed.Fields {
		f := agentcfg.Field(strings.TrimSpace(fr.Field))
		if !f.Known() || seen[f] {
			o.logger.Warn("ignoring field suggestion", "field", fr.Field)
			continue
		}
		seen[f] = true
		p, err := ParsePriority(fr.Priority)
		if err != nil {
			p = PriorityLow
		}
		s := FieldSuggestion{Field: f, Modify: fr.Modify, Priority: p, Rationale: strings.TrimSpace(fr.Rationale)}
		if s.Modify {
			if len(fr.Value) == 0 || isNull(fr.Value) {
				s.Modify = false
			} else if ch, err := agentcfg.ParseFieldValue(f, fr.Value); err != nil {
				o.logger.Warn("unusable field value", "field", f, "error", err)
				s.Modify = false
			} else {
				s.Change = &ch
			}
		}
		out = append(out, s)
	}

	order := map[agentcfg.Field]int{}
	for i, f := range agentcfg.Fields {
		order[f] = i
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		return order[out[a].Field] < order[out[b].Field]
	})
	return out, nil
}

// #endregion analyze-fields
