// Package cases loads labeled evaluation cases and keeps train and held-out
// membership fixed for the lifetime of a run.
package cases

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// #region types
// Split is the set a case belongs to.
type Split string

const (
	SplitTrain   Split = "train"
	SplitHeldOut Split = "held_out"
)

// Case is one natural-language input with the artifact it should produce.
type Case struct {
	ID               string `json:"id"`
	Input            string `json:"input"`
	ExpectedArtifact string `json:"expected_artifact"`
	Split            Split  `json:"split"`
}

// Set is an ordered, immutable collection of cases from one split.
type Set struct {
	Split Split
	Path  string
	Cases []Case
}

// Len returns the number of cases.
func (s Set) Len() int { return len(s.Cases) }

// Empty reports whether the set was never loaded.
func (s Set) Empty() bool { return len(s.Cases) == 0 }

// #endregion types

// #region setup-error
// SetupError reports a case set or configuration that cannot be used. It is
// the only error class that aborts a run.
type SetupError struct {
	Op   string
	Path string
	Err  error
}

func (e *SetupError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("setup: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("setup: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

func setupErr(op, path string, err error) error {
	return &SetupError{Op: op, Path: path, Err: err}
}

// #endregion setup-error

// #region aliases
// Datasets in the wild spell the same columns several ways.
var (
	idKeys       = []string{"id", "question_id", "case_id"}
	inputKeys    = []string{"input", "nl_question", "question"}
	expectedKeys = []string{"expected_artifact", "expected_sql", "sql", "golden_sql"}
)

// #endregion aliases

// #region load
// Load reads a case set from .json, .jsonl, .yaml or .yml. JSON and YAML files
// may hold a bare list or an object with a "cases" list.
func Load(path string, split Split) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Set{}, setupErr("read cases", path, err)
	}

	var rows []map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl":
		rows, err = decodeJSONL(data)
	case ".json", ".yaml", ".yml":
		rows, err = decodeDocument(data)
	default:
		err = fmt.Errorf("unsupported extension %q", filepath.Ext(path))
	}
	if err != nil {
		return Set{}, setupErr("decode cases", path, err)
	}
	if len(rows) == 0 {
		return Set{}, setupErr("load cases", path, fmt.Errorf("no cases found"))
	}

	set := Set{Split: split, Path: path, Cases: make([]Case, 0, len(rows))}
	seen := make(map[string]int, len(rows))
	for i, row := range rows {
		c := Case{
			ID:               pick(row, idKeys),
			Input:            strings.TrimSpace(pick(row, inputKeys)),
			ExpectedArtifact: strings.TrimSpace(pick(row, expectedKeys)),
			Split:            split,
		}
		if c.ID == "" {
			c.ID = fmt.Sprintf("%s-%03d", split, i+1)
		}
		if c.Input == "" || c.ExpectedArtifact == "" {
			return Set{}, setupErr("load cases", path, fmt.Errorf("case %d (%s): input and expected artifact are required", i+1, c.ID))
		}
		if prev, dup := seen[c.ID]; dup {
			return Set{}, setupErr("load cases", path, fmt.Errorf("duplicate case id %q at rows %d and %d", c.ID, prev+1, i+1))
		}
		seen[c.ID] = i
		set.Cases = append(set.Cases, c)
	}
	return set, nil
}

// LoadPair loads a train set and an optional held-out set and rejects any
// overlap between them.
func LoadPair(trainPath, heldOutPath string) (Set, Set, error) {
	train, err := Load(trainPath, SplitTrain)
	if err != nil {
		return Set{}, Set{}, err
	}
	if heldOutPath == "" {
		return train, Set{Split: SplitHeldOut}, nil
	}
	heldOut, err := Load(heldOutPath, SplitHeldOut)
	if err != nil {
		return Set{}, Set{}, err
	}
	if err := checkDisjoint(train, heldOut); err != nil {
		return Set{}, Set{}, setupErr("split cases", heldOutPath, err)
	}
	return train, heldOut, nil
}

func checkDisjoint(train, heldOut Set) error {
	ids := make(map[string]bool, train.Len())
	inputs := make(map[string]bool, train.Len())
	for _, c := range train.Cases {
		ids[c.ID] = true
		inputs[strings.ToLower(c.Input)] = true
	}
	for _, c := range heldOut.Cases {
		if ids[c.ID] {
			return fmt.Errorf("case id %q appears in both train and held-out sets", c.ID)
		}
		if inputs[strings.ToLower(c.Input)] {
			return fmt.Errorf("held-out case %q repeats a train input", c.ID)
		}
	}
	return nil
}

// #endregion load

// #region decode
func decodeJSONL(data []byte) ([]map[string]any, error) {
	var rows []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(text, &row); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return rows, nil
}

func decodeDocument(data []byte) ([]map[string]any, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if m, ok := doc.(map[string]any); ok {
		doc = m["cases"]
	}
	list, ok := doc.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of cases")
	}
	rows := make([]map[string]any, 0, len(list))
	for i, item := range list {
		row, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("case %d is not an object", i+1)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func pick(row map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := row[k]
		if !ok || v == nil {
			continue
		}
		switch x := v.(type) {
		case string:
			return x
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		case int:
			return strconv.Itoa(x)
		default:
			return fmt.Sprint(x)
		}
	}
	return ""
}

// #endregion decode
