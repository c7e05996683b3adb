package agentcfg

import (
	"errors"
	"time"
)

// #region field
// Field names a tunable part of a Configuration.
type Field string

const (
	FieldGenerationInstructions Field = "generation_instructions"
	FieldSchemaDescription      Field = "schema_description"
	FieldFewShotExamples        Field = "few_shot_examples"
	FieldSecondaryInstructions  Field = "secondary_instructions"
	FieldAllowedTargets         Field = "allowed_targets"
	FieldBlockedTargets         Field = "blocked_targets"
)

// Fields lists every tunable field in presentation order.
var Fields = []Field{
	FieldGenerationInstructions,
	FieldSchemaDescription,
	FieldFewShotExamples,
	FieldSecondaryInstructions,
	FieldAllowedTargets,
	FieldBlockedTargets,
}

// Known reports whether f is one of the tunable fields.
func (f Field) Known() bool {
	for _, k := range Fields {
		if k == f {
			return true
		}
	}
	return false
}

// #endregion field

// #region configuration
// FewShotExample pairs a question with the artifact the agent should produce for it.
type FewShotExample struct {
	Input            string `json:"input" yaml:"input"`
	ExpectedArtifact string `json:"expected_artifact" yaml:"expected_artifact"`
	ExpectedResponse string `json:"expected_response,omitempty" yaml:"expected_response,omitempty"`
}

// Configuration is one immutable version of the agent's tunable settings.
// Changes produce a new Configuration through Apply; the receiver is never mutated.
type Configuration struct {
	VersionID              string           `json:"version_id,omitempty" yaml:"version_id,omitempty"`
	ParentID               string           `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Name                   string           `json:"name,omitempty" yaml:"name,omitempty"`
	GenerationInstructions string           `json:"generation_instructions" yaml:"generation_instructions"`
	SchemaDescription      string           `json:"schema_description,omitempty" yaml:"schema_description,omitempty"`
	FewShotExamples        []FewShotExample `json:"few_shot_examples,omitempty" yaml:"few_shot_examples,omitempty"`
	SecondaryInstructions  string           `json:"secondary_instructions,omitempty" yaml:"secondary_instructions,omitempty"`
	AllowedTargets         []string         `json:"allowed_targets,omitempty" yaml:"allowed_targets,omitempty"`
	BlockedTargets         []string         `json:"blocked_targets,omitempty" yaml:"blocked_targets,omitempty"`
	CreatedAt              time.Time        `json:"created_at,omitzero" yaml:"-"`

	// Extensions carries backend-specific keys the optimizer does not tune.
	Extensions map[string]any `json:"extensions,omitempty" yaml:",inline"`
}

// #endregion configuration

// #region field-change
// FieldChange replaces the value of one field. Only the member matching
// Field is read.
type FieldChange struct {
	Field    Field            `json:"field"`
	Text     string           `json:"text,omitempty"`
	Examples []FewShotExample `json:"examples,omitempty"`
	Targets  []string         `json:"targets,omitempty"`
}

// #endregion field-change

// #region errors
// ErrInvalid marks a Configuration that fails validation.
var ErrInvalid = errors.New("invalid configuration")

// #endregion errors
