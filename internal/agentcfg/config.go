package agentcfg

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// legacyInstructionKeys are older spellings of generation_instructions that
// Load folds into the typed field.
var legacyInstructionKeys = []string{"nl2sql_prompt", "prompt"}

// #region load
// Load reads a Configuration from a JSON or YAML file and validates it.
// Keys the optimizer does not know about are preserved in Extensions.
func Load(path string) (Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, fmt.Errorf("read configuration %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Configuration{}, fmt.Errorf("parse configuration %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a Configuration document. JSON is accepted as a YAML subset.
func Parse(data []byte) (Configuration, error) {
	var cfg Configuration
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Configuration{}, fmt.Errorf("decode: %w", err)
	}
	if cfg.GenerationInstructions == "" {
		for _, k := range legacyInstructionKeys {
			if s, ok := cfg.Extensions[k].(string); ok && s != "" {
				cfg.GenerationInstructions = s
				delete(cfg.Extensions, k)
				break
			}
		}
	}
	// Documents exported as JSON nest extensions and carry a timestamp.
	if nested, ok := cfg.Extensions["extensions"].(map[string]any); ok {
		delete(cfg.Extensions, "extensions")
		for k, v := range nested {
			cfg.Extensions[k] = v
		}
	}
	delete(cfg.Extensions, "created_at")
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = nil
	}
	if cfg.VersionID == "" {
		cfg.VersionID = uuid.New().String()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// #endregion load

// #region validate
// Validate checks the structural invariants of a Configuration.
func (c Configuration) Validate() error {
	var errs []error
	if strings.TrimSpace(c.GenerationInstructions) == "" {
		errs = append(errs, errors.New("generation_instructions must not be empty"))
	}
	for i, ex := range c.FewShotExamples {
		if strings.TrimSpace(ex.Input) == "" || strings.TrimSpace(ex.ExpectedArtifact) == "" {
			errs = append(errs, fmt.Errorf("few_shot_examples[%d]: input and expected_artifact are required", i))
		}
	}
	for _, t := range c.AllowedTargets {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, errors.New("allowed_targets contains an empty entry"))
			break
		}
	}
	for _, t := range c.BlockedTargets {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, errors.New("blocked_targets contains an empty entry"))
			break
		}
	}
	if conflicts := c.TargetConflicts(); len(conflicts) > 0 {
		errs = append(errs, fmt.Errorf("targets both allowed and blocked: %s", strings.Join(conflicts, ", ")))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// TargetConflicts returns targets that appear in both the allowed and blocked lists.
func (c Configuration) TargetConflicts() []string {
	blocked := make(map[string]bool, len(c.BlockedTargets))
	for _, t := range c.BlockedTargets {
		blocked[strings.ToLower(strings.TrimSpace(t))] = true
	}
	var out []string
	for _, t := range c.AllowedTargets {
		if blocked[strings.ToLower(strings.TrimSpace(t))] {
			out = append(out, t)
		}
	}
	return out
}

// #endregion validate

// #region clone
// Clone returns a deep copy so callers can never alias another version's slices.
func (c Configuration) Clone() Configuration {
	out := c
	if c.FewShotExamples != nil {
		out.FewShotExamples = append([]FewShotExample(nil), c.FewShotExamples...)
	}
	if c.AllowedTargets != nil {
		out.AllowedTargets = append([]string(nil), c.AllowedTargets...)
	}
	if c.BlockedTargets != nil {
		out.BlockedTargets = append([]string(nil), c.BlockedTargets...)
	}
	if c.Extensions != nil {
		out.Extensions = make(map[string]any, len(c.Extensions))
		for k, v := range c.Extensions {
			out.Extensions[k] = v
		}
	}
	return out
}

// #endregion clone

// #region apply
// Apply is a pure function: it returns a new version carrying the given
// changes with a fresh VersionID whose parent is the receiver.
func (c Configuration) Apply(changes ...FieldChange) (Configuration, error) {
	next := c.Clone()
	for _, ch := range changes {
		switch ch.Field {
		case FieldGenerationInstructions:
			next.GenerationInstructions = ch.Text
		case FieldSchemaDescription:
			next.SchemaDescription = ch.Text
		case FieldSecondaryInstructions:
			next.SecondaryInstructions = ch.Text
		case FieldFewShotExamples:
			next.FewShotExamples = append([]FewShotExample(nil), ch.Examples...)
		case FieldAllowedTargets:
			next.AllowedTargets = append([]string(nil), ch.Targets...)
		case FieldBlockedTargets:
			next.BlockedTargets = append([]string(nil), ch.Targets...)
		default:
			return c, fmt.Errorf("%w: unknown field %q", ErrInvalid, ch.Field)
		}
	}
	if err := next.Validate(); err != nil {
		return c, err
	}
	next.VersionID = uuid.New().String()
	next.ParentID = c.VersionID
	next.CreatedAt = time.Now().UTC()
	return next, nil
}

// ParseFieldValue builds a FieldChange from a loosely typed JSON value. Text
// fields take a string; list fields take an array (or a newline separated string).
func ParseFieldValue(field Field, raw json.RawMessage) (FieldChange, error) {
	ch := FieldChange{Field: field}
	switch field {
	case FieldGenerationInstructions, FieldSchemaDescription, FieldSecondaryInstructions:
		if err := json.Unmarshal(raw, &ch.Text); err != nil {
			return ch, fmt.Errorf("decode %s: %w", field, err)
		}
	case FieldFewShotExamples:
		if err := json.Unmarshal(raw, &ch.Examples); err != nil {
			return ch, fmt.Errorf("decode %s: %w", field, err)
		}
	case FieldAllowedTargets, FieldBlockedTargets:
		if err := json.Unmarshal(raw, &ch.Targets); err != nil {
			var s string
			if err2 := json.Unmarshal(raw, &s); err2 != nil {
				return ch, fmt.Errorf("decode %s: %w", field, err)
			}
			for _, line := range strings.Split(s, "\n") {
				if line = strings.TrimSpace(line); line != "" {
					ch.Targets = append(ch.Targets, line)
				}
			}
		}
	default:
		return ch, fmt.Errorf("%w: unknown field %q", ErrInvalid, field)
	}
	return ch, nil
}

// #endregion apply

// #region render
// FieldText renders one field as plain text.
func (c Configuration) FieldText(f Field) string {
	switch f {
	case FieldGenerationInstructions:
		return c.GenerationInstructions
	case FieldSchemaDescription:
		return c.SchemaDescription
	case FieldSecondaryInstructions:
		return c.SecondaryInstructions
	case FieldFewShotExamples:
		var b strings.Builder
		for i, ex := range c.FewShotExamples {
			fmt.Fprintf(&b, "%d. Q: %s\n   A: %s\n", i+1, ex.Input, ex.ExpectedArtifact)
		}
		return strings.TrimRight(b.String(), "\n")
	case FieldAllowedTargets:
		return strings.Join(c.AllowedTargets, "\n")
	case FieldBlockedTargets:
		return strings.Join(c.BlockedTargets, "\n")
	}
	return ""
}

// Render formats every tunable field under a heading.
func (c Configuration) Render() string {
	var b strings.Builder
	for _, f := range Fields {
		text := c.FieldText(f)
		if text == "" {
			text = "(empty)"
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", f, text)
	}
	return b.String()
}

// Summary returns the generation instructions truncated to maxChars plus a
// digest of the remaining fields.
func (c Configuration) Summary(maxChars int) string {
	text := strings.Join(strings.Fields(c.GenerationInstructions), " ")
	if maxChars > 0 && len([]rune(text)) > maxChars {
		text = string([]rune(text)[:maxChars]) + "..."
	}
	return fmt.Sprintf("%s [examples=%d allowed=%d blocked=%d]",
		text, len(c.FewShotExamples), len(c.AllowedTargets), len(c.BlockedTargets))
}

// Hash fingerprints the tunable content, ignoring version metadata.
func (c Configuration) Hash() string {
	c.VersionID, c.ParentID, c.Name = "", "", ""
	c.CreatedAt = time.Time{}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(c)
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// Equal reports whether two configurations carry the same tunable content.
func (c Configuration) Equal(o Configuration) bool {
	return c.Hash() == o.Hash()
}

// #endregion render
