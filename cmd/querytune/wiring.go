package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/danielpatrickdp/querytune/internal/agent"
	"github.com/danielpatrickdp/querytune/internal/agentcfg"
	"github.com/danielpatrickdp/querytune/internal/config"
	"github.com/danielpatrickdp/querytune/internal/eval"
	"github.com/danielpatrickdp/querytune/internal/genai"
	"github.com/danielpatrickdp/querytune/internal/judge"
	"github.com/danielpatrickdp/querytune/internal/logging"
	"github.com/danielpatrickdp/querytune/internal/telemetry"
	"github.com/danielpatrickdp/querytune/internal/trajectory"
)

// #region generators
// generators holds the judge and optimizer backends. They share one rate
// limiter and one breaker because they usually reach the same provider.
type generators struct {
	judge     genai.Generator
	optimizer genai.Generator
	closers   []func() error
}

func buildGenerators(cfg config.Generator) (*generators, error) {
	limiter := genai.NewLimiter(cfg.RequestsPerMinute, cfg.Burst)
	breaker := genai.NewBreaker(cfg.BreakerFailures, cfg.BreakerCooldown)
	g := &generators{}

	connect := func(model string) (genai.Generator, error) {
		switch cfg.Backend {
		case "openai":
			if cfg.APIKey == "" {
				return nil, setupErr("generator", "", errors.New("the openai backend needs QUERYTUNE_API_KEY or OPENAI_API_KEY"))
			}
			return genai.NewOpenAIClient(cfg.APIKey, cfg.BaseURL, model), nil
		case "grpc":
			if cfg.Addr == "" {
				return nil, setupErr("generator", "", errors.New("the grpc backend needs generator.addr"))
			}
			c, err := genai.NewGRPCClient(cfg.Addr, model)
			if err != nil {
				return nil, setupErr("connect generator", cfg.Addr, err)
			}
			g.closers = append(g.closers, c.Close)
			return c, nil
		}
		return nil, setupErr("generator", "", fmt.Errorf("unknown backend %q", cfg.Backend))
	}

	base, err := connect(cfg.Model)
	if err != nil {
		return nil, err
	}
	g.judge = genai.Guard(base, limiter, breaker)
	g.optimizer = g.judge
	if cfg.OptimizerModel != "" && cfg.OptimizerModel != cfg.Model {
		opt, err := connect(cfg.OptimizerModel)
		if err != nil {
			g.Close()
			return nil, err
		}
		g.optimizer = genai.Guard(opt, limiter, breaker)
	}
	return g, nil
}

func (g *generators) Close() {
	for _, c := range g.closers {
		_ = c()
	}
}

// #endregion generators

// #region judge-eval
func buildJudge(cfg config.Judge, gen genai.Generator, seed *int64, logger *slog.Logger) (*judge.Judge, *judge.Cache, error) {
	mode, err := judge.ParseMode(cfg.Mode)
	if err != nil {
		return nil, nil, usageError{err}
	}
	cache, err := judge.NewCache(cfg.CacheEntries)
	if err != nil {
		return nil, nil, setupErr("judge cache", "", err)
	}
	jc := judge.Config{
		Mode:        mode,
		AlwaysScore: cfg.AlwaysScore,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	}
	if seed != nil {
		jc.Seed = *seed
	}
	return judge.New(gen, jc, judge.WithCache(cache), judge.WithLogger(logger)), cache, nil
}

func buildEvaluator(cfg *config.Config, qa agent.QueryAgent, j eval.Judger, logger *slog.Logger) *eval.Evaluator {
	ec := eval.DefaultConfig()
	ec.Workers = cfg.Run.Workers
	ec.QueryTimeout = cfg.Run.QueryTimeout
	// Validate has already rejected unknown modes.
	ec.Policy.Mode, _ = judge.ParseMode(cfg.Judge.Mode)
	ec.Policy.ScoreThreshold = cfg.Judge.ScoreThreshold
	return eval.New(qa, j, ec, logger)
}

// #endregion judge-eval

// #region collaborators
func connectAgent(cfg config.Agent) (*agent.GRPCAgent, error) {
	if cfg.Addr == "" {
		return nil, setupErr("agent", "", errors.New("agent.addr is required (QUERYTUNE_AGENT_ADDR)"))
	}
	qa, err := agent.NewGRPCAgent(cfg.Addr, cfg.AgentID)
	if err != nil {
		return nil, setupErr("connect agent", cfg.Addr, err)
	}
	return qa, nil
}

func loadConfiguration(path string) (agentcfg.Configuration, error) {
	if path == "" {
		return agentcfg.Configuration{}, setupErr("load configuration", "", errors.New("no agent configuration given (--agent-config or run.config_path)"))
	}
	c, err := agentcfg.Load(path)
	if err != nil {
		return agentcfg.Configuration{}, setupErr("load configuration", path, err)
	}
	return c, nil
}

// openStore opens the trajectory database with the provenance table in place.
func openStore(path string) (*trajectory.SQLiteStore, error) {
	st, err := trajectory.NewSQLiteStore(path)
	if err != nil {
		return nil, setupErr("open store", path, err)
	}
	if err := logging.EnsureSchema(st.DB()); err != nil {
		st.Close()
		return nil, setupErr("open store", path, err)
	}
	return st, nil
}

// #endregion collaborators

// #region telemetry
// startTelemetry installs tracing and, when configured, serves /metrics until
// ctx ends. The returned function flushes spans.
func startTelemetry(ctx context.Context, cfg config.Telemetry, logger *slog.Logger) (func(), error) {
	shutdown, err := telemetry.InitTracing(ctx, cfg.TraceExporter, version)
	if err != nil {
		return nil, setupErr("tracing", "", err)
	}
	if cfg.MetricsAddr != "" {
		telemetry.ServeMetrics(ctx, cfg.MetricsAddr, logger)
	}
	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}, nil
}

// #endregion telemetry

// #region terminal
// isTerminal reports whether r is an interactive terminal.
func isTerminal(r any) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// #endregion terminal
