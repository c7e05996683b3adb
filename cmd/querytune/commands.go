package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/querytune/internal/cases"
	"github.com/danielpatrickdp/querytune/internal/config"
	"github.com/danielpatrickdp/querytune/internal/logging"
)

// #region app
// app carries the state shared by every subcommand.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	dbPath     string

	cfg    *config.Config
	logger *slog.Logger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// load reads the app configuration and applies the persistent flags.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.LoadFrom(a.configPath)
	if err != nil {
		return &cases.SetupError{Op: "load config", Path: a.configPath, Err: err}
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = a.logFormat
	}
	if flags.Changed("db") {
		cfg.Store.Path = a.dbPath
	}
	a.cfg = cfg
	a.logger = logging.NewWithWriter(a.stderr, cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Service)
	slog.SetDefault(a.logger)
	return nil
}

// #endregion app

// #region root
func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "querytune",
		Short: "Closed-loop optimizer for a natural-language to SQL agent",
		Long: `querytune evaluates an agent configuration against labeled cases,
asks a generative model for a better configuration, and repeats until the
target accuracy or the iteration limit is reached.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", config.DefaultConfigFile, "path to the querytune YAML file")
	pf.StringVar(&a.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&a.logFormat, "log-format", "text", "log format (text, json)")
	pf.StringVar(&a.dbPath, "db", "querytune.db", "path to the SQLite database")

	root.AddCommand(
		newOptimizeCmd(a),
		newEvaluateCmd(a),
		newDeployCmd(a),
		newInspectCmd(a),
		newExportCmd(a),
		newReportCmd(a),
		newReplayCmd(a),
	)
	return root
}

// #endregion root

// #region args
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("%s takes %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usagef("%s takes no arguments, got %q", cmd.Name(), args)
	}
	return nil
}

func requireFlag(name, value string) error {
	if value == "" {
		return usagef("--%s is required", name)
	}
	return nil
}

// #endregion args

func setupErr(op, path string, err error) error {
	return &cases.SetupError{Op: op, Path: path, Err: err}
}
