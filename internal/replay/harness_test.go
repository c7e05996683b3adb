package replay

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danielpatrickdp/querytune/internal/agentcfg"
	"github.com/danielpatrickdp/querytune/internal/cases"
	"github.com/danielpatrickdp/querytune/internal/orchestrator"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// loadDistinct is the regression baseline: if the judge, evaluator, optimizer
// or loop drift, the expected block stops matching.
func loadDistinct(t *testing.T) *Fixture {
	t.Helper()
	f, err := LoadFixture(filepath.Join("testdata", "distinct_fix.json"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	return f
}

func TestReplay_DistinctFixture(t *testing.T) {
	f := loadDistinct(t)
	res, err := Replay(context.Background(), f, Options{Logger: quiet()})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	for _, m := range Check(f, res) {
		t.Error(m)
	}
	if len(res.Versions) != 2 || res.Versions[0] != "v0" {
		t.Errorf("versions seen: %v", res.Versions)
	}
	rec, err := res.Store.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Failures) != 1 || rec.Failures[0].CaseID != "t2" {
		t.Fatalf("iteration 1 failures: %+v", rec.Failures)
	}
	if rec.Failures[0].Category != string(orchestrator.CategoryMissingDistinct) {
		t.Errorf("category: got %q", rec.Failures[0].Category)
	}
}

func TestReplay_HeldOutStaysOutOfOptimizerRequests(t *testing.T) {
	f := loadDistinct(t)
	res, err := Replay(context.Background(), f, Options{Logger: quiet()})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(res.OptimizerCalls) == 0 {
		t.Fatal("expected at least one optimizer request")
	}
	for _, c := range res.OptimizerCalls {
		for _, h := range f.HeldOut {
			if strings.Contains(c.Prompt, h.Input) || strings.Contains(c.Prompt, h.ExpectedArtifact) {
				t.Errorf("held-out case %s leaked into a %s request", h.ID, c.Purpose)
			}
		}
	}
}

func TestReplay_ProposalErrorsRunToMaxIterations(t *testing.T) {
	f := &Fixture{
		AgentName:     "stuck",
		Configuration: agentcfg.Configuration{VersionID: "v0", GenerationInstructions: "Write SQL."},
		Train:         []cases.Case{{ID: "a", Input: "q", ExpectedArtifact: "SELECT 1", Split: cases.SplitTrain}},
		Config:        FixtureConfig{MaxIterations: 3, Repeats: 1, JudgeMode: "binary"},
		Answers:       []map[string]string{{"a": "SELECT 2"}},
		Expected:      FixtureExpected{StopReason: "max_iterations", Iterations: 3, TrainAccuracies: []float64{0, 0, 0}},
	}
	res, err := Replay(context.Background(), f, Options{Logger: quiet()})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	for _, m := range Check(f, res) {
		t.Error(m)
	}
	if res.Outcome.Final.VersionID != "v0" {
		t.Errorf("final version: got %s", res.Outcome.Final.VersionID)
	}
	rec, _ := res.Store.Get(2)
	if rec.ChangeDescription != "No change (proposal_error)" {
		t.Errorf("change description: got %q", rec.ChangeDescription)
	}
}

func TestReplay_BadJudgeMode(t *testing.T) {
	f := loadDistinct(t)
	f.Config.JudgeMode = "lenient"
	if _, err := Replay(context.Background(), f, Options{Logger: quiet()}); err == nil {
		t.Fatal("expected error for unknown judge mode")
	}
}

func TestCheck_ReportsMismatches(t *testing.T) {
	f := loadDistinct(t)
	res, err := Replay(context.Background(), f, Options{Logger: quiet()})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	f.Expected.StopReason = "max_iterations"
	f.Expected.TrainAccuracies = []float64{10, 20}
	got := Check(f, res)
	if len(got) != 3 {
		t.Fatalf("expected 3 mismatches, got %d: %v", len(got), got)
	}
}
