package cases

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadJSONLWithAliases(t *testing.T) {
	path := writeFile(t, "train.jsonl", `{"question_id": 7, "nl_question": "How many orders?", "expected_sql": "SELECT COUNT(*) FROM orders"}

{"id": "b", "input": "List products", "expected_artifact": "SELECT * FROM products"}
`)
	set, err := Load(path, SplitTrain)
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())
	assert.Equal(t, "7", set.Cases[0].ID)
	assert.Equal(t, "How many orders?", set.Cases[0].Input)
	assert.Equal(t, SplitTrain, set.Cases[1].Split)
}

func TestLoadYAMLWrappedList(t *testing.T) {
	path := writeFile(t, "cases.yaml", `
cases:
  - input: Distinct categories
    expected_artifact: SELECT DISTINCT category FROM products
`)
	set, err := Load(path, SplitHeldOut)
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
	assert.Equal(t, "held_out-001", set.Cases[0].ID)
}

func TestLoadJSONArray(t *testing.T) {
	path := writeFile(t, "cases.json", `[{"id": "1", "question": "q", "sql": "SELECT 1"}]`)
	set, err := Load(path, SplitTrain)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", set.Cases[0].ExpectedArtifact)
}

func TestLoadSetupErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"empty list", "a.json", `[]`},
		{"missing expected", "b.json", `[{"id": "1", "input": "q"}]`},
		{"duplicate id", "c.jsonl", "{\"id\":\"1\",\"input\":\"a\",\"expected_artifact\":\"x\"}\n{\"id\":\"1\",\"input\":\"b\",\"expected_artifact\":\"y\"}\n"},
		{"bad extension", "d.csv", "id,input\n"},
		{"bad json line", "e.jsonl", "{not json}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.body), SplitTrain)
			var se *SetupError
			require.True(t, errors.As(err, &se), "want SetupError, got %v", err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.json"), SplitTrain)
	var se *SetupError
	assert.ErrorAs(t, err, &se)
}

func TestLoadPairRejectsOverlap(t *testing.T) {
	train := writeFile(t, "train.json", `[{"id": "1", "input": "How many orders?", "expected_artifact": "SELECT COUNT(*) FROM orders"}]`)
	held := writeFile(t, "held.json", `[{"id": "h1", "input": "how many orders?", "expected_artifact": "SELECT COUNT(*) FROM orders"}]`)

	_, _, err := LoadPair(train, held)
	var se *SetupError
	require.ErrorAs(t, err, &se)

	tr, ho, err := LoadPair(train, "")
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Len())
	assert.True(t, ho.Empty())
	assert.Equal(t, SplitHeldOut, ho.Split)
}
