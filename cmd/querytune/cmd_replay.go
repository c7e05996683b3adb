package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/querytune/internal/replay"
	"github.com/danielpatrickdp/querytune/internal/ux"
)

// #region replay
func newReplayCmd(a *app) *cobra.Command {
	var trajPath, outputDir string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "replay <fixture.json>",
		Short: "Drive the optimization loop offline from a recorded fixture",
		Long: `replay runs the real evaluator, judge, optimizer, gate and loop against
scripted agent and generator replies from the fixture, then checks the result
against the fixture's expectations. No network access is needed.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := replay.LoadFixture(args[0])
			if err != nil {
				return setupErr("load fixture", args[0], err)
			}
			res, err := replay.Replay(cmd.Context(), f, replay.Options{Logger: a.logger, OutputDir: outputDir})
			if err != nil {
				return err
			}
			if trajPath != "" {
				if err := res.Store.WriteJSON(trajPath); err != nil {
					return err
				}
			}

			if !quiet {
				target := f.Config.TargetAccuracy
				if target == 0 {
					target = 100
				}
				for _, rec := range res.Store.Records() {
					fmt.Fprintln(a.stdout, renderIteration(rec, nil, target))
				}
			}
			fmt.Fprintf(a.stdout, "%s: %s after %d iteration(s), %d optimizer call(s)\n",
				filepath.Base(args[0]), res.Outcome.StopReason, res.Outcome.Iterations, len(res.OptimizerCalls))

			mismatches := replay.Check(f, res)
			if len(mismatches) == 0 {
				fmt.Fprintln(a.stdout, ux.Styles.Success.Render("PASS"))
				return nil
			}
			for _, m := range mismatches {
				fmt.Fprintln(a.stdout, ux.Styles.Error.Render("  "+m))
			}
			fmt.Fprintln(a.stdout, ux.Styles.Error.Render("FAIL"))
			return fmt.Errorf("replay: %d mismatch(es)", len(mismatches))
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&trajPath, "trajectory", "", "also write the replayed trajectory JSON here")
	fs.StringVar(&outputDir, "output-dir", "", "write per-repeat raw results here")
	fs.BoolVarP(&quiet, "quiet", "q", false, "print only the verdict")
	return cmd
}

// #endregion replay
