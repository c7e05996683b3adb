package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/querytune/internal/agentcfg"
	"github.com/danielpatrickdp/querytune/internal/cases"
	"github.com/danielpatrickdp/querytune/internal/eval"
	"github.com/danielpatrickdp/querytune/internal/logging"
	"github.com/danielpatrickdp/querytune/internal/orchestrator"
	"github.com/danielpatrickdp/querytune/internal/trajectory"
)

const fixturePath = "../../internal/replay/testdata/distinct_fix.json"

// runCLI executes the command tree with captured output.
func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(""), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// #region exit-codes
func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"usage", usagef("bad flag"), exitUsage},
		{"wrapped usage", fmt.Errorf("optimize: %w", usagef("bad")), exitUsage},
		{"setup", &cases.SetupError{Op: "load cases", Err: errors.New("missing")}, exitSetup},
		{"cancelled", fmt.Errorf("loop: %w", context.Canceled), exitCancelled},
		{"other", errors.New("boom"), exitSetup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRun_UnknownFlagIsUsage(t *testing.T) {
	code, _, stderr := runCLI(t, "inspect", "--bogus")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "bogus")
}

func TestRun_ExtraArgumentsAreUsage(t *testing.T) {
	code, _, _ := runCLI(t, "export", "unexpected")
	assert.Equal(t, exitUsage, code)
}

// #endregion exit-codes

// #region optimize
func TestOptimize_ConflictingModes(t *testing.T) {
	code, _, stderr := runCLI(t, "optimize", "--db", filepath.Join(t.TempDir(), "q.db"), "--auto-accept", "--interactive")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "mutually exclusive")
}

func TestOptimize_InvalidFlagValue(t *testing.T) {
	code, _, stderr := runCLI(t, "optimize", "--repeats", "0")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "repeat_count")
}

func TestOptimize_InteractiveNeedsTerminal(t *testing.T) {
	code, _, stderr := runCLI(t, "optimize", "--interactive", "--train", "cases.jsonl")
	assert.Equal(t, exitSetup, code)
	assert.Contains(t, stderr, "not a terminal")
}

func TestOptimize_MissingTrainIsSetupError(t *testing.T) {
	code, _, stderr := runCLI(t, "optimize", "--auto-accept")
	assert.Equal(t, exitSetup, code)
	assert.Contains(t, stderr, "no train case set")
}

func TestOptimize_UnreadableCasesIsSetupError(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.jsonl")
	code, _, stderr := runCLI(t, "optimize", "--auto-accept", "--train", missing)
	assert.Equal(t, exitSetup, code)
	assert.Contains(t, stderr, "absent.jsonl")
}

// #endregion optimize

// #region replay
func TestReplay_Fixture(t *testing.T) {
	traj := filepath.Join(t.TempDir(), "trajectory.json")
	code, stdout, stderr := runCLI(t, "replay", fixturePath, "--quiet", "--trajectory", traj)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "PASS")
	assert.Contains(t, stdout, "target_reached")

	meta, records, err := trajectory.ReadJSON(traj)
	require.NoError(t, err)
	assert.Equal(t, "sales-analytics", meta.AgentName)
	assert.Len(t, records, 2)
}

func TestReplay_MissingFixture(t *testing.T) {
	code, _, stderr := runCLI(t, "replay", filepath.Join(t.TempDir(), "absent.json"))
	assert.Equal(t, exitSetup, code)
	assert.Contains(t, stderr, "load fixture")
}

func TestReplay_NeedsOneArgument(t *testing.T) {
	code, _, _ := runCLI(t, "replay")
	assert.Equal(t, exitUsage, code)
}

// #endregion replay

// #region persisted-runs
// seedRun writes a two-iteration run with one decision and returns the db path and run id.
func seedRun(t *testing.T) (string, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "querytune.db")
	st, err := trajectory.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, logging.EnsureSchema(st.DB()))

	meta := trajectory.RunMeta{
		RunID:     "3f2a9c1e-0000-4000-8000-000000000001",
		AgentName: "sales-analytics",
		StartTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.CreateRun(meta))
	store := trajectory.NewStore(meta, trajectory.WithPersister(st))

	v1 := agentcfg.Configuration{VersionID: "v1", GenerationInstructions: "Write SQL."}
	v2 := agentcfg.Configuration{VersionID: "v2", ParentID: "v1", GenerationInstructions: "Write SQL. Use DISTINCT for uniqueness questions."}
	require.NoError(t, store.Append(trajectory.Record{
		Configuration:     v1,
		Train:             eval.Metrics{Split: cases.SplitTrain, Total: 2, Repeats: 1, Accuracy: 50, Failures: 1},
		ChangeDescription: "Initial configuration",
		Failures: []trajectory.FailingCase{{
			CaseID: "t2", Input: "Which cities do users live in?", Issue: eval.IssueSemanticDifference,
			Category: "missing_distinct",
		}},
		Proposal: &trajectory.ProposalNote{Decision: "apply", Approved: true, Applied: []agentcfg.Field{agentcfg.FieldGenerationInstructions}},
	}))
	require.NoError(t, store.Append(trajectory.Record{
		Configuration:     v2,
		Train:             eval.Metrics{Split: cases.SplitTrain, Total: 2, Repeats: 1, Accuracy: 100},
		ChangeDescription: "Add DISTINCT guidance",
	}))
	require.NoError(t, logging.LogDecision(st.DB(), logging.ProvenanceEntry{
		RunID: meta.RunID, Iteration: 1, VersionID: "v1", CandidateID: "v2",
		TriggerType: "automatic", Decision: "apply", Reason: "fixes missing DISTINCT",
	}))
	return dbPath, meta.RunID
}

func TestInspect_ListsRuns(t *testing.T) {
	dbPath, runID := seedRun(t)
	code, stdout, stderr := runCLI(t, "inspect", "--db", dbPath)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, shortID(runID))
	assert.Contains(t, stdout, "sales-analytics")
	assert.Contains(t, stdout, "100.0%")
}

func TestInspect_RunDetailByPrefix(t *testing.T) {
	dbPath, _ := seedRun(t)
	code, stdout, stderr := runCLI(t, "inspect", "--db", dbPath, "--run", "3f2a")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "Add DISTINCT guidance")
	assert.Contains(t, stdout, "Decisions:")
	assert.Contains(t, stdout, "fixes missing DISTINCT")
}

func TestInspect_IterationJSON(t *testing.T) {
	dbPath, runID := seedRun(t)
	code, stdout, stderr := runCLI(t, "inspect", "--db", dbPath, "--run", runID, "--iteration", "2", "--json")
	require.Equal(t, exitOK, code, stderr)

	var out iterationDetail
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, 2, out.Record.Sequence)
	require.NotNil(t, out.Comparison)
	assert.Equal(t, []string{"t2"}, out.Comparison.Resolved)
	assert.InDelta(t, 50, out.Comparison.AccuracyDelta, 0.001)
}

func TestInspect_IterationNeedsRun(t *testing.T) {
	code, _, _ := runCLI(t, "inspect", "--iteration", "1", "--db", filepath.Join(t.TempDir(), "q.db"))
	assert.Equal(t, exitUsage, code)
}

func TestInspect_UnknownRun(t *testing.T) {
	dbPath, _ := seedRun(t)
	code, _, stderr := runCLI(t, "inspect", "--db", dbPath, "--run", "ffff")
	assert.Equal(t, exitSetup, code)
	assert.Contains(t, stderr, "not found")
}

func TestExport_WritesTrajectory(t *testing.T) {
	dbPath, runID := seedRun(t)
	out := filepath.Join(t.TempDir(), "traj.json")
	code, _, stderr := runCLI(t, "export", "--db", dbPath, "--run", runID, "-o", out)
	require.Equal(t, exitOK, code, stderr)

	meta, records, err := trajectory.ReadJSON(out)
	require.NoError(t, err)
	assert.Equal(t, runID, meta.RunID)
	require.Len(t, records, 2)
	assert.Equal(t, "v2", records[1].Configuration.VersionID)
}

func TestExport_RequiresRun(t *testing.T) {
	code, _, stderr := runCLI(t, "export", "--db", filepath.Join(t.TempDir(), "q.db"))
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "--run")
}

func TestReport_FromDatabaseAndFile(t *testing.T) {
	dbPath, runID := seedRun(t)
	code, stdout, stderr := runCLI(t, "report", "--db", dbPath, "--run", runID)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "# Optimization report: sales-analytics")
	assert.Contains(t, stdout, "Add DISTINCT guidance")
	assert.Contains(t, stdout, "apply (generation_instructions)")

	traj := filepath.Join(t.TempDir(), "traj.json")
	code, _, stderr = runCLI(t, "export", "--db", dbPath, "--run", runID, "-o", traj)
	require.Equal(t, exitOK, code, stderr)

	reportPath := filepath.Join(t.TempDir(), "report.md")
	code, _, stderr = runCLI(t, "report", "--from", traj, "-o", reportPath)
	require.Equal(t, exitOK, code, stderr)
	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Equal(t, stdout, string(data))
}

func TestReport_NeedsExactlyOneSource(t *testing.T) {
	code, _, _ := runCLI(t, "report")
	assert.Equal(t, exitUsage, code)
	code, _, _ = runCLI(t, "report", "--run", "a", "--from", "b")
	assert.Equal(t, exitUsage, code)
}

// #endregion persisted-runs

// #region output
func TestRenderIteration(t *testing.T) {
	held := eval.Metrics{Accuracy: 40}
	rec := trajectory.Record{
		Sequence:          3,
		Configuration:     agentcfg.Configuration{VersionID: "0123456789abcdef"},
		Train:             eval.Metrics{Accuracy: 90, Failures: 1},
		HeldOut:           &held,
		ChangeDescription: "Tighten join guidance",
	}
	out := renderIteration(rec, &orchestrator.Warning{Iteration: 3, Message: "train up, held-out down"}, 100)
	assert.Contains(t, out, "Iteration 3")
	assert.Contains(t, out, "90.0%")
	assert.Contains(t, out, "40.0%")
	assert.Contains(t, out, "01234567")
	assert.NotContains(t, out, "0123456789")
	assert.Contains(t, out, "Tighten join guidance")
	assert.Contains(t, out, "overfitting: train up, held-out down")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "12345678", shortID("123456789"))
}

// #endregion output
