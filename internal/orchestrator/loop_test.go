package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/querytune/internal/agent"
	"github.com/danielpatrickdp/querytune/internal/agentcfg"
	"github.com/danielpatrickdp/querytune/internal/cases"
	"github.com/danielpatrickdp/querytune/internal/eval"
	"github.com/danielpatrickdp/querytune/internal/gate"
	"github.com/danielpatrickdp/querytune/internal/genai"
	"github.com/danielpatrickdp/querytune/internal/judge"
	"github.com/danielpatrickdp/querytune/internal/logging"
	"github.com/danielpatrickdp/querytune/internal/optimizer"
	"github.com/danielpatrickdp/querytune/internal/trajectory"
)

const heldOutSentinel = "HELDOUT-SENTINEL-7f3a"

// #region fakes
// scriptedEvaluator returns preset accuracies per split, one per call, and
// marks every case failed while accuracy is below 100.
type scriptedEvaluator struct {
	mu       sync.Mutex
	accuracy map[cases.Split][]float64
	calls    map[cases.Split]int
	versions []string
}

func newScriptedEvaluator(train, heldOut []float64) *scriptedEvaluator {
	return &scriptedEvaluator{
		accuracy: map[cases.Split][]float64{cases.SplitTrain: train, cases.SplitHeldOut: heldOut},
		calls:    map[cases.Split]int{},
	}
}

func (e *scriptedEvaluator) Evaluate(ctx context.Context, cfg agentcfg.Configuration, set cases.Set, repeats int) (eval.Result, error) {
	if err := ctx.Err(); err != nil {
		return eval.Result{}, err
	}
	e.mu.Lock()
	seq := e.accuracy[set.Split]
	i := e.calls[set.Split]
	e.calls[set.Split]++
	if set.Split == cases.SplitTrain {
		e.versions = append(e.versions, cfg.VersionID)
	}
	e.mu.Unlock()

	acc := 0.0
	if len(seq) > 0 {
		acc = seq[min(i, len(seq)-1)]
	}
	res := eval.Result{Metrics: eval.Metrics{Split: set.Split, Total: set.Len(), Repeats: repeats, Accuracy: acc}}
	for _, c := range set.Cases {
		cr := eval.CaseResult{Case: c, Summary: eval.CaseSummary{Measurements: repeats}}
		if acc < 100 {
			cr.Failed = true
			cr.Issue = eval.IssueSemanticDifference
			cr.Runs = []eval.Run{{Repeat: 1, Artifact: "SELECT id FROM t", Verdict: judge.Verdict{
				Mode:        judge.ModeBinary,
				Explanation: "result differs for " + c.Input,
			}}}
		}
		res.Cases = append(res.Cases, cr)
	}
	return res, nil
}

func (e *scriptedEvaluator) Policy() eval.Policy { return eval.DefaultConfig().Policy }

type fakeDeployer struct {
	mu        sync.Mutex
	deployed  int
	updates   []string
	failAfter int
}

func (d *fakeDeployer) Deploy(ctx context.Context, cfg agentcfg.Configuration) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deployed++
	return "agent-1", nil
}

func (d *fakeDeployer) Update(ctx context.Context, agentID string, cfg agentcfg.Configuration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAfter > 0 && len(d.updates) >= d.failAfter {
		return errors.New("runtime rejected update")
	}
	d.updates = append(d.updates, cfg.VersionID)
	return nil
}

type stoppingApprover struct{}

func (stoppingApprover) Review(ctx context.Context, item gate.Item) (gate.Answer, error) {
	return gate.Answer{Choice: gate.ChoiceStop}, nil
}

func (stoppingApprover) Continue(ctx context.Context, summary string) (bool, error) { return true, nil }

// revisions answers proposal requests with a new instruction text each call
// and analysis requests with an empty field list.
func revisions() *genai.Scripted {
	var n atomic.Int64
	return genai.NewScripted(func(req genai.Request) (string, error) {
		if req.Purpose == "analyzer" {
			return `{"fields": []}`, nil
		}
		i := n.Add(1)
		return fmt.Sprintf(`{"generation_instructions": "Write BigQuery SQL, revision %d.", "change_description": "revision %d"}`, i, i), nil
	})
}

// #endregion fakes

// #region helpers
func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func startConfig() agentcfg.Configuration {
	return agentcfg.Configuration{VersionID: "v0", GenerationInstructions: "Write BigQuery SQL."}
}

func trainSet() cases.Set {
	return cases.Set{Split: cases.SplitTrain, Cases: []cases.Case{
		{ID: "t1", Input: "How many users signed up?", ExpectedArtifact: "SELECT COUNT(*) FROM users", Split: cases.SplitTrain},
		{ID: "t2", Input: "List distinct cities", ExpectedArtifact: "SELECT DISTINCT city FROM users", Split: cases.SplitTrain},
	}}
}

func heldOutSet() cases.Set {
	return cases.Set{Split: cases.SplitHeldOut, Cases: []cases.Case{
		{ID: "h1", Input: "Question " + heldOutSentinel, ExpectedArtifact: "SELECT secret_" + heldOutSentinel + " FROM vault", Split: cases.SplitHeldOut},
	}}
}

type fixture struct {
	loop  *Loop
	store *trajectory.Store
	gen   *genai.Scripted
	eval  *scriptedEvaluator
}

func newFixture(t *testing.T, ev *scriptedEvaluator, gen *genai.Scripted, cfg Config, heldOut cases.Set, mutate func(*Deps)) fixture {
	t.Helper()
	g, err := gate.New(gate.DefaultConfig(), nil, discard())
	require.NoError(t, err)
	store := trajectory.NewStore(trajectory.RunMeta{RunID: "run-test", AgentName: "sales"})
	deps := Deps{
		Evaluator: ev,
		Optimizer: optimizer.New(gen, 1024, discard()),
		Gate:      g,
		Store:     store,
		Logger:    discard(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return fixture{
		loop:  New(deps, cfg, startConfig(), trainSet(), heldOut),
		store: store,
		gen:   gen,
		eval:  ev,
	}
}

func testConfig(maxIter int) Config {
	cfg := DefaultConfig()
	cfg.MaxIterations = maxIter
	cfg.Repeats = 1
	return cfg
}

// #endregion helpers

// #region tests
func TestRun_SingleRepeatErrorReachesRecord(t *testing.T) {
	expected := map[string]string{}
	for _, c := range trainSet().Cases {
		expected[c.Input] = c.ExpectedArtifact
	}
	var calls atomic.Int32
	qa := agent.QueryFunc(func(_ context.Context, _ agentcfg.Configuration, q string) (agent.Response, error) {
		if q == "How many users signed up?" && calls.Add(1) == 1 {
			return agent.Response{}, errors.New("503 backend unavailable")
		}
		return agent.Response{Artifact: expected[q]}, nil
	})
	ev := eval.New(qa, judge.New(nil, judge.DefaultConfig()), eval.DefaultConfig(), discard())

	cfg := testConfig(1)
	cfg.Repeats = 3
	g, err := gate.New(gate.DefaultConfig(), nil, discard())
	require.NoError(t, err)
	store := trajectory.NewStore(trajectory.RunMeta{RunID: "run-test"})
	loop := New(Deps{
		Evaluator: ev,
		Optimizer: optimizer.New(revisions(), 1024, discard()),
		Gate:      g,
		Store:     store,
		Logger:    discard(),
	}, cfg, startConfig(), trainSet(), cases.Set{})

	_, err = loop.Run(context.Background())
	require.NoError(t, err)

	recs := store.Records()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Less(t, rec.Train.Accuracy, 100.0)
	require.Len(t, rec.Failures, 1)
	assert.Equal(t, "t1", rec.Failures[0].CaseID)
	assert.Contains(t, rec.Failures[0].ErrorDetail, "503 backend unavailable")
	require.Len(t, rec.Errors, 1)
	assert.Contains(t, rec.Errors[0], "case t1")
	assert.Contains(t, rec.Errors[0], "503 backend unavailable")
}

func TestRun_StopsAtTarget(t *testing.T) {
	f := newFixture(t, newScriptedEvaluator([]float64{50, 100}, nil), revisions(), testConfig(5), cases.Set{}, nil)

	out, err := f.loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StopTargetReached, out.StopReason)
	assert.Equal(t, 2, out.Iterations)
	assert.NotEqual(t, "v0", out.Final.VersionID)
	assert.Equal(t, "v0", out.Final.ParentID)

	recs := f.store.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "Initial configuration", recs[0].ChangeDescription)
	assert.Equal(t, "revision 1", recs[1].ChangeDescription)
	assert.Equal(t, out.Final.VersionID, recs[1].Configuration.VersionID)
	require.NotNil(t, recs[1].Proposal)
	assert.True(t, recs[1].Proposal.Approved)
	assert.Equal(t, []string{"v0", out.Final.VersionID}, f.eval.versions)
	assert.Equal(t, out.Final.VersionID, f.store.ActiveVersion())

	assert.Equal(t, PhaseInit, out.Trace[0])
	assert.Equal(t, PhaseStop, out.Trace[len(out.Trace)-1])
	assert.Contains(t, out.Trace, PhaseApply)
	assert.NotContains(t, out.Trace, PhaseEvaluateHeldOut)
}

func TestRun_StopsAtMaxIterations(t *testing.T) {
	f := newFixture(t, newScriptedEvaluator([]float64{10, 20, 30}, nil), revisions(), testConfig(3), cases.Set{}, nil)

	out, err := f.loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopMaxIterations, out.StopReason)
	assert.Equal(t, 3, out.Iterations)
	// the third iteration's result ends the run, so only two proposals were made
	assert.Len(t, f.gen.Calls(), 2)
}

func TestRun_OverfittingWarningDoesNotStop(t *testing.T) {
	ev := newScriptedEvaluator([]float64{60, 75, 90, 95}, []float64{60})
	f := newFixture(t, ev, revisions(), testConfig(4), heldOutSet(), nil)

	var seen []int
	f.loop.deps.OnIteration = func(rec trajectory.Record, w *Warning) {
		if w != nil {
			seen = append(seen, w.Iteration)
		}
	}

	out, err := f.loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopMaxIterations, out.StopReason)
	assert.Equal(t, 4, out.Iterations)

	require.NotEmpty(t, out.Warnings)
	assert.Contains(t, seen, 3)
	rec3, err := f.store.Get(3)
	require.NoError(t, err)
	require.NotEmpty(t, rec3.Warnings)
	assert.Contains(t, rec3.Warnings[0], "possible overfitting")
	require.NotNil(t, rec3.HeldOut)
	assert.Equal(t, 60.0, rec3.HeldOut.Accuracy)
	assert.Contains(t, out.Trace, PhaseEvaluateHeldOut)
}

func TestRun_HeldOutNeverReachesOptimizer(t *testing.T) {
	ev := newScriptedEvaluator([]float64{10, 20, 30}, []float64{40})
	cfg := testConfig(3)
	cfg.AnalyzeFields = true
	f := newFixture(t, ev, revisions(), cfg, heldOutSet(), nil)

	_, err := f.loop.Run(context.Background())
	require.NoError(t, err)

	rec, err := f.store.Get(1)
	require.NoError(t, err)
	require.NotEmpty(t, rec.HeldOutFailures, "held-out failures are recorded")

	calls := f.gen.Calls()
	require.NotEmpty(t, calls)
	var purposes []string
	for _, c := range calls {
		purposes = append(purposes, c.Purpose)
		assert.NotContains(t, c.Prompt, heldOutSentinel)
		assert.NotContains(t, c.System, heldOutSentinel)
	}
	assert.Contains(t, purposes, "optimizer")
	assert.Contains(t, purposes, "analyzer")
}

func TestRun_ProposalErrorKeepsConfiguration(t *testing.T) {
	gen := genai.NewScripted(func(genai.Request) (string, error) {
		return "", errors.New("model unavailable")
	})
	f := newFixture(t, newScriptedEvaluator([]float64{40}, nil), gen, testConfig(2), cases.Set{}, nil)

	out, err := f.loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v0", out.Final.VersionID)

	rec, err := f.store.Get(2)
	require.NoError(t, err)
	assert.Equal(t, "v0", rec.Configuration.VersionID)
	assert.Equal(t, "No change (proposal_error)", rec.ChangeDescription)
	require.NotEmpty(t, rec.Errors)
	assert.Contains(t, rec.Errors[0], "model unavailable")
	require.NotNil(t, rec.Proposal)
	assert.False(t, rec.Proposal.Approved)
}

func TestRun_EmptyTrainIsSetupError(t *testing.T) {
	g, err := gate.New(gate.DefaultConfig(), nil, discard())
	require.NoError(t, err)
	store := trajectory.NewStore(trajectory.RunMeta{RunID: "r"})
	loop := New(Deps{
		Evaluator: newScriptedEvaluator(nil, nil),
		Optimizer: optimizer.New(revisions(), 0, discard()),
		Gate:      g,
		Store:     store,
		Logger:    discard(),
	}, testConfig(3), startConfig(), cases.Set{Split: cases.SplitTrain, Path: "train.jsonl"}, cases.Set{})

	_, err = loop.Run(context.Background())
	var se *cases.SetupError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "train.jsonl", se.Path)
	assert.Zero(t, store.Len())
}

func TestRun_InvalidStartIsSetupError(t *testing.T) {
	f := newFixture(t, newScriptedEvaluator([]float64{0}, nil), revisions(), testConfig(1), cases.Set{}, nil)
	f.loop.start.GenerationInstructions = "  "

	_, err := f.loop.Run(context.Background())
	var se *cases.SetupError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, agentcfg.ErrInvalid)
}

func TestRun_DeploysAndUpdatesAgent(t *testing.T) {
	dep := &fakeDeployer{}
	f := newFixture(t, newScriptedEvaluator([]float64{10, 20, 30}, nil), revisions(), testConfig(3), cases.Set{},
		func(d *Deps) { d.Deployer = dep })

	out, err := f.loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "agent-1", out.AgentID)
	assert.Equal(t, "agent-1", f.store.Meta().AgentID)
	assert.Equal(t, 1, dep.deployed)
	assert.Len(t, dep.updates, 2)
	assert.Equal(t, out.Final.VersionID, dep.updates[1])
}

func TestRun_UpdateFailureKeepsCurrent(t *testing.T) {
	dep := &fakeDeployer{failAfter: 1}
	f := newFixture(t, newScriptedEvaluator([]float64{10, 20, 30}, nil), revisions(), testConfig(3), cases.Set{},
		func(d *Deps) { d.Deployer = dep })

	out, err := f.loop.Run(context.Background())
	require.NoError(t, err)

	rec2, _ := f.store.Get(2)
	rec3, _ := f.store.Get(3)
	assert.Equal(t, rec2.Configuration.VersionID, rec3.Configuration.VersionID)
	assert.Equal(t, "No change (update failed)", rec3.ChangeDescription)
	assert.True(t, strings.Contains(strings.Join(rec3.Errors, "\n"), "runtime rejected update"))
	assert.Equal(t, rec2.Configuration.VersionID, out.Final.VersionID)
}

func TestRun_OperatorStop(t *testing.T) {
	g, err := gate.New(gate.Config{Mode: gate.ModeInteractive}, stoppingApprover{}, discard())
	require.NoError(t, err)
	f := newFixture(t, newScriptedEvaluator([]float64{10}, nil), revisions(), testConfig(5), cases.Set{},
		func(d *Deps) { d.Gate = g })

	out, err := f.loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopOperator, out.StopReason)
	assert.Equal(t, 1, out.Iterations)
	assert.Equal(t, "v0", out.Final.VersionID)
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t, newScriptedEvaluator([]float64{10}, nil), revisions(), testConfig(5), cases.Set{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.loop.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StopCancelled, out.StopReason)
	assert.Equal(t, "v0", out.Final.VersionID)
}

func TestRun_LogsProvenance(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, logging.EnsureSchema(db))

	f := newFixture(t, newScriptedEvaluator([]float64{10, 20, 30}, nil), revisions(), testConfig(3), cases.Set{},
		func(d *Deps) { d.Provenance = db })

	_, err = f.loop.Run(context.Background())
	require.NoError(t, err)

	entries, err := logging.ListDecisions(db, "run-test")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "apply", entries[0].Decision)
	assert.Equal(t, "v0", entries[0].VersionID)
	assert.NotEmpty(t, entries[0].CandidateID)
	assert.Contains(t, entries[0].DetailJSON, "generation_instructions")
}

// #endregion tests
