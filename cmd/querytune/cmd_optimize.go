package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/querytune/internal/cases"
	"github.com/danielpatrickdp/querytune/internal/config"
	"github.com/danielpatrickdp/querytune/internal/gate"
	"github.com/danielpatrickdp/querytune/internal/optimizer"
	"github.com/danielpatrickdp/querytune/internal/orchestrator"
	"github.com/danielpatrickdp/querytune/internal/report"
	"github.com/danielpatrickdp/querytune/internal/trajectory"
)

// #region run-flags
// runFlags are the loop settings a command line may override.
type runFlags struct {
	train         string
	heldOut       string
	agentConfig   string
	maxIterations int
	repeats       int
	workers       int
	target        float64
	temperature   float64
	seed          int64
	autoAccept    bool
	interactive   bool
	scoring       string
	threshold     float64
	analyze       bool
	minPriority   string
	outputDir     string
	agentAddr     string
	agentID       string
	metricsAddr   string
}

func (f *runFlags) register(cmd *cobra.Command, loop bool) {
	d := config.Defaults()
	fs := cmd.Flags()
	if loop {
		fs.StringVar(&f.train, "train", "", "train case set (.json, .jsonl, .yaml)")
	} else {
		fs.StringVar(&f.train, "cases", "", "case set to evaluate (.json, .jsonl, .yaml)")
	}
	fs.StringVar(&f.agentConfig, "agent-config", "", "starting agent configuration (.yaml or .json)")
	fs.IntVar(&f.repeats, "repeats", d.Run.Repeats, "independent runs per case")
	fs.IntVar(&f.workers, "workers", d.Run.Workers, "concurrent agent queries")
	fs.StringVar(&f.scoring, "scoring", d.Judge.Mode, "equivalence scoring mode (binary, flexible)")
	fs.Float64Var(&f.threshold, "score-threshold", d.Judge.ScoreThreshold, "flexible-mode passing percentage")
	fs.StringVar(&f.outputDir, "output-dir", d.Run.OutputDir, "directory for trajectory, report and raw results")
	fs.StringVar(&f.agentAddr, "agent-addr", "", "query agent gRPC address")
	fs.StringVar(&f.agentID, "agent-id", "", "already deployed agent id")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.Int64Var(&f.seed, "seed", 0, "seed passed to the judge and optimizer")
	if !loop {
		return
	}
	fs.StringVar(&f.heldOut, "held-out", "", "held-out case set, never shown to the optimizer")
	fs.IntVar(&f.maxIterations, "max-iterations", d.Run.MaxIterations, "iteration limit")
	fs.Float64Var(&f.target, "target", d.Run.TargetAccuracy, "stop when train accuracy reaches this percentage")
	fs.Float64Var(&f.temperature, "temperature", d.Run.Temperature, "optimizer exploration temperature (0-2)")
	fs.BoolVar(&f.autoAccept, "auto-accept", false, "apply proposals without asking")
	fs.BoolVar(&f.interactive, "interactive", false, "review every proposal on the terminal")
	fs.BoolVar(&f.analyze, "analyze-fields", false, "also request per-field suggestions")
	fs.StringVar(&f.minPriority, "min-priority", d.Run.MinPriority, "lowest suggestion priority applied automatically")
}

// apply copies the flags the user actually set over cfg.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	fs := cmd.Flags()
	set := func(name string, fn func()) {
		if fs.Lookup(name) != nil && fs.Changed(name) {
			fn()
		}
	}
	set("train", func() { cfg.Run.TrainPath = f.train })
	set("cases", func() { cfg.Run.TrainPath = f.train })
	set("held-out", func() { cfg.Run.HeldOutPath = f.heldOut })
	set("agent-config", func() { cfg.Run.ConfigPath = f.agentConfig })
	set("max-iterations", func() { cfg.Run.MaxIterations = f.maxIterations })
	set("repeats", func() { cfg.Run.Repeats = f.repeats })
	set("workers", func() { cfg.Run.Workers = f.workers })
	set("target", func() { cfg.Run.TargetAccuracy = f.target })
	set("temperature", func() { cfg.Run.Temperature = f.temperature })
	set("seed", func() { s := f.seed; cfg.Run.Seed = &s })
	set("scoring", func() { cfg.Judge.Mode = f.scoring })
	set("score-threshold", func() { cfg.Judge.ScoreThreshold = f.threshold })
	set("analyze-fields", func() { cfg.Run.AnalyzeFields = f.analyze })
	set("min-priority", func() { cfg.Run.MinPriority = f.minPriority })
	set("output-dir", func() { cfg.Run.OutputDir = f.outputDir })
	set("agent-addr", func() { cfg.Agent.Addr = f.agentAddr })
	set("agent-id", func() { cfg.Agent.AgentID = f.agentID })
	set("metrics-addr", func() { cfg.Telemetry.MetricsAddr = f.metricsAddr })

	if f.autoAccept && f.interactive {
		return usagef("--auto-accept and --interactive are mutually exclusive")
	}
	if f.autoAccept {
		cfg.Run.Mode = string(gate.ModeAutomatic)
	}
	if f.interactive {
		cfg.Run.Mode = string(gate.ModeInteractive)
	}
	if err := cfg.Validate(); err != nil {
		return usageError{err}
	}
	return nil
}

// #endregion run-flags

// #region optimize
func newOptimizeCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Run the closed optimization loop",
		Example: `  querytune optimize --train cases/train.jsonl --held-out cases/held_out.jsonl \
    --agent-config agent.yaml --agent-addr localhost:50061 --max-iterations 5 --auto-accept`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.apply(cmd, a.cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.optimize(ctx)
		},
	}
	f.register(cmd, true)
	return cmd
}

func (a *app) optimize(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger
	interactive := cfg.Run.Mode == string(gate.ModeInteractive)
	if interactive && !isTerminal(a.stdin) {
		return setupErr("interactive approval", "", errors.New("stdin is not a terminal; use --auto-accept"))
	}
	if cfg.Run.TrainPath == "" {
		return setupErr("load train cases", "", errors.New("no train case set given (--train or run.train_path)"))
	}

	train, heldOut, err := cases.LoadPair(cfg.Run.TrainPath, cfg.Run.HeldOutPath)
	if err != nil {
		return err
	}
	start, err := loadConfiguration(cfg.Run.ConfigPath)
	if err != nil {
		return err
	}

	flush, err := startTelemetry(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer flush()

	db, err := openStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	gens, err := buildGenerators(cfg.Generator)
	if err != nil {
		return err
	}
	defer gens.Close()

	j, cache, err := buildJudge(cfg.Judge, gens.judge, cfg.Run.Seed, logger)
	if err != nil {
		return err
	}
	defer cache.Close()

	qa, err := connectAgent(cfg.Agent)
	if err != nil {
		return err
	}
	defer qa.Close()

	var approver gate.Approver
	if interactive {
		approver = gate.NewTerminalApprover(a.stdin, a.stdout)
	}
	priority, _ := optimizer.ParsePriority(cfg.Run.MinPriority)
	g, err := gate.New(gate.Config{Mode: gate.Mode(cfg.Run.Mode), MinPriority: priority}, approver, logger)
	if err != nil {
		return setupErr("acceptance gate", "", err)
	}

	agentName := cfg.Agent.Name
	if start.Name != "" {
		agentName = start.Name
	}
	meta := trajectory.RunMeta{
		RunID:     uuid.NewString(),
		AgentName: agentName,
		AgentID:   cfg.Agent.AgentID,
		StartTime: time.Now().UTC(),
	}
	if err := db.CreateRun(meta); err != nil {
		return setupErr("create run", cfg.Store.Path, err)
	}
	store := trajectory.NewStore(meta,
		trajectory.WithPersister(db),
		trajectory.WithSummaryChars(cfg.Run.SummaryChars),
	)

	outDir := filepath.Join(cfg.Run.OutputDir, meta.RunID)
	loop := orchestrator.New(orchestrator.Deps{
		Evaluator:   buildEvaluator(cfg, qa, j, logger),
		Optimizer:   optimizer.New(gens.optimizer, cfg.Generator.MaxTokens, logger),
		Gate:        g,
		Store:       store,
		Deployer:    qa,
		Provenance:  db.DB(),
		Logger:      logger,
		OnIteration: a.iterationPrinter(cfg.Run.TargetAccuracy),
	}, orchestrator.Config{
		MaxIterations:  cfg.Run.MaxIterations,
		Repeats:        cfg.Run.Repeats,
		TargetAccuracy: cfg.Run.TargetAccuracy,
		Temperature:    cfg.Run.Temperature,
		Seed:           cfg.Run.Seed,
		TopN:           cfg.Run.TopN,
		AnalyzeFields:  cfg.Run.AnalyzeFields,
		OverfitWindow:  cfg.Run.OverfitWindow,
		OutputDir:      outDir,
		AgentID:        cfg.Agent.AgentID,
	}, start, train, heldOut)

	logger.Info("optimization starting",
		"run_id", meta.RunID,
		"train_cases", train.Len(),
		"held_out_cases", heldOut.Len(),
		"max_iterations", cfg.Run.MaxIterations,
		"repeats", cfg.Run.Repeats,
		"mode", cfg.Run.Mode,
	)
	out, runErr := loop.Run(ctx)

	// INIT may have deployed a new agent; record its id on the run row.
	if err := db.CreateRun(store.Meta()); err != nil {
		logger.Warn("run metadata not updated", "error", err)
	}

	if store.Len() > 0 {
		if err := a.writeArtifacts(store, outDir, out, cfg.Run.TargetAccuracy); err != nil {
			logger.Warn("run artifacts not written", "error", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	a.printOutcome(out, cfg.Run.TargetAccuracy)
	return nil
}

// writeArtifacts saves the trajectory JSON and the markdown report.
func (a *app) writeArtifacts(store *trajectory.Store, dir string, out orchestrator.Outcome, target float64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	runID := store.Meta().RunID
	trajPath := filepath.Join(dir, fmt.Sprintf("trajectory_%s.json", runID))
	if err := store.WriteJSON(trajPath); err != nil {
		return err
	}
	opts := report.DefaultOptions()
	opts.TargetAccuracy = target
	opts.StopReason = string(out.StopReason)
	reportPath := filepath.Join(dir, fmt.Sprintf("report_%s.md", runID))
	if err := report.WriteFile(reportPath, store.Meta(), store.Records(), opts); err != nil {
		return err
	}
	a.logger.Info("run artifacts written", "trajectory", trajPath, "report", reportPath)
	return nil
}

// #endregion optimize
