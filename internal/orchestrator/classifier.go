package orchestrator

import (
	"strings"

	"github.com/danielpatrickdp/querytune/internal/eval"
	"github.com/danielpatrickdp/querytune/internal/judge"
	"github.com/danielpatrickdp/querytune/internal/trajectory"
)

// #region keywords
var aggregateFuncs = []string{"COUNT", "SUM", "AVG", "MIN", "MAX"}

var dateWords = []string{"DATE", "TIMESTAMP", "EXTRACT", "INTERVAL", "DATE_TRUNC", "CURRENT_DATE", "CURRENT_TIMESTAMP"}

// explanationKeywords map judge wording to a category, checked in order.
var explanationKeywords = []struct {
	cat   Category
	words []string
}{
	{CategoryMissingDistinct, []string{"distinct", "duplicate"}},
	{CategoryJoin, []string{"join"}},
	{CategoryDateHandling, []string{"date", "timestamp", "timezone"}},
	{CategoryGrouping, []string{"group by", "grouping"}},
	{CategoryAggregation, []string{"aggregat", "count", "sum(", "average"}},
	{CategoryFilter, []string{"where", "filter", "predicate", "condition"}},
	{CategoryOrdering, []string{"order by", "ordering", "sort"}},
	{CategoryLimit, []string{"limit"}},
	{CategoryProjection, []string{"column", "projection", "select *"}},
}

// #endregion keywords

// #region categorize
// Categorize assigns a failure category. Structural differences between the
// expected and generated SQL win over the judge's wording. Cases that never
// produced SQL get no category.
func Categorize(fc trajectory.FailingCase) Category {
	if fc.Issue == eval.IssueError || fc.Issue == eval.IssueNoArtifact {
		return ""
	}
	exp := words(fc.ExpectedArtifact)
	gen := words(fc.GeneratedArtifact)

	switch {
	case exp.has("DISTINCT") != gen.has("DISTINCT"):
		return CategoryMissingDistinct
	case exp.count("JOIN") != gen.count("JOIN"):
		return CategoryJoin
	case !sameSet(exp.present(dateWords), gen.present(dateWords)):
		return CategoryDateHandling
	case exp.has("GROUP") != gen.has("GROUP"):
		return CategoryGrouping
	case !sameSet(exp.present(aggregateFuncs), gen.present(aggregateFuncs)):
		return CategoryAggregation
	case exp.has("WHERE") != gen.has("WHERE"), exp.has("HAVING") != gen.has("HAVING"):
		return CategoryFilter
	case exp.has("ORDER") != gen.has("ORDER"):
		return CategoryOrdering
	case exp.has("LIMIT") != gen.has("LIMIT"):
		return CategoryLimit
	}

	lower := strings.ToLower(fc.Explanation + " " + fc.Counterexample)
	for _, kw := range explanationKeywords {
		for _, w := range kw.words {
			if strings.Contains(lower, w) {
				return kw.cat
			}
		}
	}

	if selectList(fc.ExpectedArtifact) != selectList(fc.GeneratedArtifact) {
		return CategoryProjection
	}
	return CategoryOther
}

// CategorizeAll fills in Category on every failing case.
func CategorizeAll(fcs []trajectory.FailingCase) []trajectory.FailingCase {
	out := make([]trajectory.FailingCase, len(fcs))
	for i, fc := range fcs {
		fc.Category = string(Categorize(fc))
		out[i] = fc
	}
	return out
}

// #endregion categorize

// #region helpers
type wordCounts map[string]int

func words(sql string) wordCounts {
	out := wordCounts{}
	for _, w := range strings.Fields(judge.Normalize(sql)) {
		out[w]++
	}
	return out
}

func (w wordCounts) has(k string) bool  { return w[k] > 0 }
func (w wordCounts) count(k string) int { return w[k] }

func (w wordCounts) present(keys []string) map[string]bool {
	out := map[string]bool{}
	for _, k := range keys {
		if w[k] > 0 {
			out[k] = true
		}
	}
	return out
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// selectList returns the normalized text between the first SELECT and FROM.
func selectList(sql string) string {
	n := judge.Normalize(sql)
	start := strings.Index(n, "SELECT ")
	end := strings.Index(n, " FROM ")
	if start < 0 || end < start {
		return n
	}
	return n[start+len("SELECT ") : end]
}

// #endregion helpers
