package eval

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// #region raw-record
// RawRecord is one line of a per-repeat results file.
type RawRecord struct {
	CaseID                  string `json:"case_id"`
	Input                   string `json:"input"`
	ExpectedArtifact        string `json:"expected_artifact"`
	GeneratedArtifact       string `json:"generated_artifact"`
	ExactMatch              bool   `json:"exact_match"`
	SemanticallyEquivalent  bool   `json:"semantically_equivalent"`
	Score                   int    `json:"score"`
	ScaleMax                int    `json:"scale_max"`
	Error                   string `json:"error,omitempty"`
	NaturalLanguageResponse string `json:"natural_language_response"`
	Explanation             string `json:"explanation,omitempty"`
	Counterexample          string `json:"counterexample,omitempty"`
}

// #endregion raw-record

// #region write-repeats
// RepeatFileName names the raw results file of one repeat.
func RepeatFileName(split, runID string, iteration, repeat int) string {
	return fmt.Sprintf("eval_%s_%s_iter%d.jsonl.repeat%d", split, runID, iteration, repeat)
}

// WriteRepeats writes one JSONL file per repeat into dir and returns the paths.
func WriteRepeats(dir, runID string, iteration int, res Result) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	var paths []string
	for r := 0; r < res.Metrics.Repeats; r++ {
		path := filepath.Join(dir, RepeatFileName(string(res.Metrics.Split), runID, iteration, r+1))
		if err := writeRepeat(path, res, r); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeRepeat(path string, res Result, r int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, cr := range res.Cases {
		if r >= len(cr.Runs) {
			continue
		}
		run := cr.Runs[r]
		rec := RawRecord{
			CaseID:                  cr.Case.ID,
			Input:                   cr.Case.Input,
			ExpectedArtifact:        cr.Case.ExpectedArtifact,
			GeneratedArtifact:       run.Artifact,
			ExactMatch:              run.Verdict.ExactMatch,
			SemanticallyEquivalent:  run.Verdict.SemanticallyEquivalent,
			Score:                   run.Verdict.Score,
			ScaleMax:                run.Verdict.ScaleMax,
			Error:                   run.Verdict.Error,
			NaturalLanguageResponse: run.Response,
			Explanation:             run.Verdict.Explanation,
			Counterexample:          run.Verdict.Counterexample,
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return f.Close()
}

// #endregion write-repeats
