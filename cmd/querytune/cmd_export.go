package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/querytune/internal/report"
	"github.com/danielpatrickdp/querytune/internal/trajectory"
)

// #region export
func newExportCmd(a *app) *cobra.Command {
	var runID, outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a persisted run as trajectory JSON",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag("run", runID); err != nil {
				return err
			}
			st, err := openStore(a.cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			id, err := resolveRun(st, runID)
			if err != nil {
				return err
			}
			meta, records, err := st.LoadRun(id)
			if err != nil {
				return err
			}
			restored, err := trajectory.Restore(meta, records)
			if err != nil {
				return err
			}
			if outPath == "" {
				outPath = fmt.Sprintf("trajectory_%s.json", id)
			}
			if err := restored.WriteJSON(outPath); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id or unique prefix")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output path (default trajectory_<run_id>.json)")
	return cmd
}

// #endregion export

// #region report
func newReportCmd(a *app) *cobra.Command {
	var runID, from, outPath string
	var maxFailures int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render a markdown summary of a run",
		Example: `  querytune report --run 3f2a9c1e
  querytune report --from results/trajectory_3f2a9c1e.json -o report.md`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (runID == "") == (from == "") {
				return usagef("exactly one of --run or --from is required")
			}
			meta, records, err := a.loadRecords(runID, from)
			if err != nil {
				return err
			}
			opts := report.DefaultOptions()
			opts.TargetAccuracy = a.cfg.Run.TargetAccuracy
			if cmd.Flags().Changed("max-failures") {
				opts.MaxFailures = maxFailures
			}
			if outPath == "" {
				fmt.Fprint(a.stdout, report.Render(meta, records, opts))
				return nil
			}
			if err := report.WriteFile(outPath, meta, records, opts); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, outPath)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&runID, "run", "", "run id or unique prefix in the database")
	fs.StringVar(&from, "from", "", "trajectory JSON written by optimize or export")
	fs.StringVarP(&outPath, "out", "o", "", "write the report here instead of stdout")
	fs.IntVar(&maxFailures, "max-failures", 20, "failing cases listed for the final iteration")
	return cmd
}

func (a *app) loadRecords(runID, from string) (trajectory.RunMeta, []trajectory.Record, error) {
	if from != "" {
		return trajectory.ReadJSON(from)
	}
	st, err := openStore(a.cfg.Store.Path)
	if err != nil {
		return trajectory.RunMeta{}, nil, err
	}
	defer st.Close()
	id, err := resolveRun(st, runID)
	if err != nil {
		return trajectory.RunMeta{}, nil, err
	}
	return st.LoadRun(id)
}

// #endregion report
