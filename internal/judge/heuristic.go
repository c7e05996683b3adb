package judge

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// #region heuristic
// heuristicVerdict compares clause structure when no judge is reachable. It
// never reports equivalence; the structural similarity only earns partial
// credit in the first rubric category.
func heuristicVerdict(r rubric, expected, generated string) Verdict {
	want, got := clauses(expected), clauses(generated)

	var missing, extra []string
	union := 0
	shared := 0
	for _, k := range clauseKeywords {
		w, g := want[k], got[k]
		if w || g {
			union++
		}
		switch {
		case w && g:
			shared++
		case w:
			missing = append(missing, k)
		case g:
			extra = append(extra, k)
		}
	}
	sim := 0.0
	if union > 0 {
		sim = float64(shared) / float64(union)
	}

	subs := r.zeroScores()
	subs[0].Points = int(math.Floor(sim * float64(subs[0].Max)))
	// A perfect structural match still leaves the pair unproven.
	if subs[0].Points == subs[0].Max && subs[0].Max > 0 {
		subs[0].Points--
	}

	v := Verdict{
		Mode:      r.mode,
		SubScores: subs,
		ScaleMax:  r.total(),
		Heuristic: true,
	}
	v.Score = v.SubScoreTotal()

	sort.Strings(missing)
	sort.Strings(extra)
	var notes []string
	if len(missing) > 0 {
		notes = append(notes, "missing "+strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		notes = append(notes, "extra "+strings.Join(extra, ", "))
	}
	if len(notes) == 0 {
		notes = append(notes, "same clause structure")
	}
	v.Explanation = fmt.Sprintf("structural comparison only (similarity %.0f%%): %s", sim*100, strings.Join(notes, "; "))
	if len(missing)+len(extra) > 0 {
		v.Counterexample = fmt.Sprintf("queries differ in clauses (%s); any database state exercising them may differ", strings.Join(notes, "; "))
	}
	return v
}

// #endregion heuristic
