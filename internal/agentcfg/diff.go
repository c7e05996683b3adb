package agentcfg

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
)

// #region diff
// Diff renders a unified diff between two configurations, field by field.
// An empty string means the tunable content is identical.
func Diff(from, to Configuration) (string, error) {
	if from.Equal(to) {
		return "", nil
	}
	d := difflib.UnifiedDiff{
		A:        difflib.SplitLines(from.Render()),
		B:        difflib.SplitLines(to.Render()),
		FromFile: label(from, "current"),
		ToFile:   label(to, "candidate"),
		Context:  2,
	}
	out, err := difflib.GetUnifiedDiffString(d)
	if err != nil {
		return "", fmt.Errorf("render diff: %w", err)
	}
	return out, nil
}

// ChangedFields lists the fields whose rendered text differs.
func ChangedFields(from, to Configuration) []Field {
	var out []Field
	for _, f := range Fields {
		if from.FieldText(f) != to.FieldText(f) {
			out = append(out, f)
		}
	}
	return out
}

func label(c Configuration, fallback string) string {
	if c.VersionID == "" {
		return fallback
	}
	return fmt.Sprintf("%s (%s)", fallback, c.VersionID)
}

// #endregion diff
