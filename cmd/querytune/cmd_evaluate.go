package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/querytune/internal/cases"
	"github.com/danielpatrickdp/querytune/internal/eval"
)

// #region evaluate
type evaluateOutput struct {
	RunID     string       `json:"run_id"`
	VersionID string       `json:"version_id"`
	Metrics   eval.Metrics `json:"metrics"`
	Checks    []eval.Check `json:"checks"`
	Failures  []failureRow `json:"failures"`
	Files     []string     `json:"files,omitempty"`
}

type failureRow struct {
	CaseID   string     `json:"case_id"`
	Issue    eval.Issue `json:"issue"`
	PassRate float64    `json:"pass_rate"`
	Input    string     `json:"input"`
}

func newEvaluateCmd(a *app) *cobra.Command {
	var f runFlags
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one configuration against a case set without optimizing",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.apply(cmd, a.cfg); err != nil {
				return err
			}
			cfg := a.cfg
			if cfg.Run.TrainPath == "" {
				return setupErr("load cases", "", errors.New("no case set given (--cases)"))
			}
			set, err := cases.Load(cfg.Run.TrainPath, cases.SplitTrain)
			if err != nil {
				return err
			}
			start, err := loadConfiguration(cfg.Run.ConfigPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			flush, err := startTelemetry(ctx, cfg.Telemetry, a.logger)
			if err != nil {
				return err
			}
			defer flush()

			gens, err := buildGenerators(cfg.Generator)
			if err != nil {
				return err
			}
			defer gens.Close()
			j, cache, err := buildJudge(cfg.Judge, gens.judge, cfg.Run.Seed, a.logger)
			if err != nil {
				return err
			}
			defer cache.Close()
			qa, err := connectAgent(cfg.Agent)
			if err != nil {
				return err
			}
			defer qa.Close()

			res, err := buildEvaluator(cfg, qa, j, a.logger).Evaluate(ctx, start, set, cfg.Run.Repeats)
			if err != nil {
				return setupErr("evaluate", set.Path, err)
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			out := evaluateOutput{
				RunID:     uuid.NewString(),
				VersionID: start.VersionID,
				Metrics:   res.Metrics,
				Checks:    res.Metrics.Checks(cfg.Run.TargetAccuracy),
			}
			for _, c := range res.Failures() {
				out.Failures = append(out.Failures, failureRow{
					CaseID:   c.Case.ID,
					Issue:    c.Issue,
					PassRate: c.Summary.PassRate,
					Input:    c.Case.Input,
				})
			}
			files, err := eval.WriteRepeats(cfg.Run.OutputDir, out.RunID, 0, res)
			if err != nil {
				a.logger.Warn("raw results not written", "error", err)
			}
			out.Files = files

			if jsonOut {
				return printJSON(a.stdout, out)
			}
			printMetrics(a.stdout, res.Metrics, cfg.Run.TargetAccuracy)
			for _, r := range out.Failures {
				fmt.Fprintf(a.stdout, "  %-16s %-20s %5.0f%%  %s\n", r.CaseID, r.Issue, r.PassRate*100, r.Input)
			}
			return nil
		},
	}
	f.register(cmd, false)
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

// #endregion evaluate
