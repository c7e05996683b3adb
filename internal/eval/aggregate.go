package eval

import (
	"errors"
	"math"
	"strings"

	"github.com/danielpatrickdp/querytune/internal/judge"
)

// ErrNoMeasurements is returned when a case has no repeats to aggregate.
var ErrNoMeasurements = errors.New("aggregate: at least one measurement is required")

// #region aggregate
// Aggregate combines the repeats of one case. An errored repeat counts as a
// failed run in the pass rate and carries its error into ErrorDetail, but is
// left out of the score statistics. When every repeat errored the case is a
// hard failure instead of a zero score.
func Aggregate(verdicts []judge.Verdict, p Policy) (CaseSummary, error) {
	if len(verdicts) == 0 {
		return CaseSummary{}, ErrNoMeasurements
	}
	s := CaseSummary{Measurements: len(verdicts)}

	var scores, passes []float64
	var details []string
	seen := map[string]bool{}
	for _, v := range verdicts {
		if v.HardFailure {
			s.Errors++
			if !seen[v.Error] {
				seen[v.Error] = true
				details = append(details, v.Error)
			}
			passes = append(passes, 0)
			continue
		}
		scores = append(scores, v.Percent())
		if p.Passes(v) {
			passes = append(passes, 100)
		} else {
			passes = append(passes, 0)
		}
	}

	s.ErrorDetail = strings.Join(details, "; ")
	if len(scores) == 0 {
		s.HardFailure = true
		return s, nil
	}

	s.MeanScore = mean(scores)
	s.ScoreStdDev = stdDev(scores)
	s.MinScore, s.MaxScore = scores[0], scores[0]
	for _, x := range scores[1:] {
		s.MinScore = math.Min(s.MinScore, x)
		s.MaxScore = math.Max(s.MaxScore, x)
	}
	s.PassRate = mean(passes) / 100
	s.StdDev = stdDev(passes)
	return s, nil
}

// #endregion aggregate

// #region stats
func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stdDev is the population standard deviation; a single value has none.
func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	ss := 0.0
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// #endregion stats
