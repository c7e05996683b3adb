// Package judge decides whether a generated SQL statement is equivalent to an
// expected one, by normalized exact match first and rubric scoring second.
package judge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/danielpatrickdp/querytune/internal/genai"
	"github.com/danielpatrickdp/querytune/internal/telemetry"
)

// #region config
// Config controls the semantic path.
type Config struct {
	Mode Mode
	// AlwaysScore runs the rubric even when the exact-match path succeeds.
	AlwaysScore bool
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Seed        int64
}

// DefaultConfig returns binary mode with three attempts backing off 2s..30s.
func DefaultConfig() Config {
	return Config{
		Mode:        ModeBinary,
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		BackoffMax:  30 * time.Second,
	}
}

// #endregion config

// #region judge-struct
// Judge scores (expected, generated) pairs. It is safe for concurrent use.
type Judge struct {
	gen    genai.Generator
	cfg    Config
	rubric rubric
	cache  *Cache
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

// Option customizes a Judge.
type Option func(*Judge)

// WithCache memoizes semantic verdicts.
func WithCache(c *Cache) Option { return func(j *Judge) { j.cache = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(j *Judge) { j.logger = l } }

// New builds a Judge. gen may be nil, in which case the semantic path always
// falls back to the structural heuristic.
func New(gen genai.Generator, cfg Config, opts ...Option) *Judge {
	if cfg.Mode == "" {
		cfg.Mode = ModeBinary
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	j := &Judge{
		gen:    gen,
		cfg:    cfg,
		rubric: rubricFor(cfg.Mode),
		logger: slog.Default(),
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Mode returns the rubric mode in use.
func (j *Judge) Mode() Mode { return j.cfg.Mode }

// #endregion judge-struct

// #region judge
// Judge returns a Verdict for one pair. Generator failures, malformed replies
// and empty input are absorbed into the Verdict.
func (j *Judge) Judge(ctx context.Context, expected, generated string, jc Context) Verdict {
	ctx, span := telemetry.Tracer().Start(ctx, "judge.Judge")
	defer span.End()

	exact := ExactMatch(expected, generated)
	span.SetAttributes(attribute.Bool("exact_match", exact), attribute.String("mode", string(j.cfg.Mode)))

	if Normalize(generated) == "" {
		j.count("different")
		return Verdict{
			Mode:           j.cfg.Mode,
			ScaleMax:       j.rubric.total(),
			SubScores:      j.rubric.zeroScores(),
			Counterexample: "any database state: no query was generated, so no result set is produced",
			Explanation:    "no SQL was generated",
		}
	}

	if exact && !j.cfg.AlwaysScore {
		j.count("exact")
		return j.exactVerdict()
	}

	key := cacheKey(j.cfg.Mode, expected, generated, jc)
	if v, ok := j.cache.get(key); ok {
		j.count("cached")
		v.SubScores = append([]SubScore(nil), v.SubScores...)
		v.Cached = true
		return j.reconcile(v, exact)
	}

	v, err := j.semantic(ctx, expected, generated, jc)
	switch {
	case errors.Is(err, ErrParse):
		j.logger.Warn("judge reply unparseable; scoring as different", "error", err)
		j.count("parse_error")
		v = Verdict{
			Mode:        j.cfg.Mode,
			ScaleMax:    j.rubric.total(),
			SubScores:   j.rubric.zeroScores(),
			ParseFailed: true,
			Explanation: fmt.Sprintf("judge response could not be parsed: %v", err),
		}
		return j.reconcile(v, exact)
	case err != nil:
		j.logger.Warn("judge unavailable; using structural heuristic", "error", err)
		j.count("heuristic")
		v = heuristicVerdict(j.rubric, expected, generated)
		v.Explanation = fmt.Sprintf("%s (judge error: %v)", v.Explanation, err)
		return j.reconcile(v, exact)
	}

	if v.SemanticallyEquivalent {
		j.count("equivalent")
	} else {
		j.count("different")
	}
	j.cache.set(key, v)
	return j.reconcile(v, exact)
}

// reconcile keeps exact match and equivalence consistent: an exact match is
// always equivalent whatever the rubric said.
func (j *Judge) reconcile(v Verdict, exact bool) Verdict {
	v.ExactMatch = exact
	if exact {
		v.SemanticallyEquivalent = true
		v.Counterexample = ""
	}
	return v
}

func (j *Judge) exactVerdict() Verdict {
	return Verdict{
		Mode:                   j.cfg.Mode,
		ExactMatch:             true,
		SemanticallyEquivalent: true,
		Score:                  j.rubric.total(),
		ScaleMax:               j.rubric.total(),
		SubScores:              j.rubric.fullScores(),
		NoCounterexample:       true,
		Explanation:            "normalized statements are identical",
	}
}

func (j *Judge) count(outcome string) {
	telemetry.JudgeVerdicts.WithLabelValues(string(j.cfg.Mode), outcome).Inc()
}

// #endregion judge

// #region semantic
// semantic calls the generator with retries. Parse failures are not retried.
func (j *Judge) semantic(ctx context.Context, expected, generated string, jc Context) (Verdict, error) {
	if j.gen == nil {
		return Verdict{}, errors.New("no judge backend configured")
	}
	seed := j.cfg.Seed
	req := genai.Request{
		System:      judgeSystem,
		Prompt:      buildPrompt(j.rubric, expected, generated, jc),
		Temperature: 0,
		Seed:        &seed,
		Purpose:     "judge",
	}

	var reply string
	var err error
	backoff := j.cfg.BackoffBase
	for attempt := 1; attempt <= j.cfg.MaxAttempts; attempt++ {
		reply, err = j.gen.Generate(ctx, req)
		if err == nil {
			break
		}
		if attempt == j.cfg.MaxAttempts || ctx.Err() != nil {
			return Verdict{}, fmt.Errorf("judge generate after %d attempts: %w", attempt, err)
		}
		j.logger.Debug("judge call failed; retrying", "attempt", attempt, "backoff", backoff, "error", err)
		if serr := j.sleep(ctx, backoff); serr != nil {
			return Verdict{}, fmt.Errorf("judge backoff: %w", serr)
		}
		backoff = min(backoff*2, j.cfg.BackoffMax)
	}

	p, err := parseReply(j.rubric, reply)
	if err != nil {
		return Verdict{}, err
	}
	v := Verdict{
		Mode:             j.cfg.Mode,
		SubScores:        p.subScores,
		ScaleMax:         j.rubric.total(),
		Counterexample:   p.counterexample,
		NoCounterexample: p.noCounterexample,
		Explanation:      p.explanation,
	}
	v.Score = v.SubScoreTotal()
	switch j.cfg.Mode {
	case ModeBinary:
		// Only a perfect rubric with an EQUIVALENT verdict counts.
		v.SemanticallyEquivalent = p.equivalent && v.Score == v.ScaleMax
	case ModeFlexible:
		v.SemanticallyEquivalent = v.Score == v.ScaleMax
	}
	if v.SemanticallyEquivalent {
		v.Counterexample = ""
	}
	return v, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// #endregion semantic

// #region error-verdict
// ErrorVerdict records a run that could not be judged because the query
// itself failed.
func ErrorVerdict(mode Mode, err error) Verdict {
	r := rubricFor(mode)
	return Verdict{
		Mode:        mode,
		ScaleMax:    r.total(),
		SubScores:   r.zeroScores(),
		Error:       err.Error(),
		HardFailure: true,
	}
}

// #endregion error-verdict
