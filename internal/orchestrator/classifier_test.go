package orchestrator

import (
	"testing"

	"github.com/danielpatrickdp/querytune/internal/eval"
	"github.com/danielpatrickdp/querytune/internal/trajectory"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name        string
		expected    string
		generated   string
		explanation string
		issue       eval.Issue
		want        Category
	}{
		{"distinct", "SELECT DISTINCT city FROM users", "SELECT city FROM users", "", eval.IssueSemanticDifference, CategoryMissingDistinct},
		{"join", "SELECT a.x FROM a JOIN b ON a.id = b.id", "SELECT a.x FROM a", "", eval.IssueSemanticDifference, CategoryJoin},
		{"date", "SELECT id FROM t WHERE DATE(ts) = '2024-01-01'", "SELECT id FROM t WHERE ts = '2024-01-01'", "", eval.IssueSemanticDifference, CategoryDateHandling},
		{"grouping", "SELECT city, COUNT(*) FROM users GROUP BY city", "SELECT city, COUNT(*) FROM users", "", eval.IssueSemanticDifference, CategoryGrouping},
		{"aggregation", "SELECT SUM(total) FROM orders", "SELECT COUNT(total) FROM orders", "", eval.IssueSemanticDifference, CategoryAggregation},
		{"filter", "SELECT id FROM orders WHERE status = 'paid'", "SELECT id FROM orders", "", eval.IssueSemanticDifference, CategoryFilter},
		{"ordering", "SELECT id FROM orders ORDER BY id", "SELECT id FROM orders", "", eval.IssueSemanticDifference, CategoryOrdering},
		{"limit", "SELECT id FROM orders LIMIT 5", "SELECT id FROM orders", "", eval.IssueSemanticDifference, CategoryLimit},
		{"explanation keyword", "SELECT id FROM orders WHERE a = 1", "SELECT id FROM orders WHERE a = 2", "the filter compares the wrong value", eval.IssueSemanticDifference, CategoryFilter},
		{"projection", "SELECT id, name FROM users", "SELECT id FROM users", "", eval.IssueSemanticDifference, CategoryProjection},
		{"other", "SELECT id FROM users", "SELECT id FROM customers", "", eval.IssueSemanticDifference, CategoryOther},
		{"error has no category", "SELECT 1", "", "", eval.IssueError, ""},
		{"no sql has no category", "SELECT 1", "", "", eval.IssueNoArtifact, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := trajectory.FailingCase{
				ExpectedArtifact:  tt.expected,
				GeneratedArtifact: tt.generated,
				Explanation:       tt.explanation,
				Issue:             tt.issue,
			}
			if got := Categorize(fc); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCategorizeAll_DoesNotMutateInput(t *testing.T) {
	in := []trajectory.FailingCase{{
		ExpectedArtifact:  "SELECT id FROM t LIMIT 1",
		GeneratedArtifact: "SELECT id FROM t",
		Issue:             eval.IssueSemanticDifference,
	}}
	out := CategorizeAll(in)
	if out[0].Category != string(CategoryLimit) {
		t.Errorf("category: got %q", out[0].Category)
	}
	if in[0].Category != "" {
		t.Error("input slice was modified")
	}
}

func TestDetectOverfitting(t *testing.T) {
	rec := func(seq int, train float64, held *float64) trajectory.Record {
		r := trajectory.Record{Sequence: seq, Train: eval.Metrics{Accuracy: train}}
		if held != nil {
			r.HeldOut = &eval.Metrics{Accuracy: *held}
		}
		return r
	}
	f := func(v float64) *float64 { return &v }

	t.Run("train up held flat", func(t *testing.T) {
		w := DetectOverfitting([]trajectory.Record{rec(1, 60, f(60)), rec(2, 75, f(60)), rec(3, 90, f(60))}, 3)
		if w == nil {
			t.Fatal("expected a warning")
		}
		if w.Iteration != 3 || w.TrainDelta != 30 || w.HeldOutDelta != 0 {
			t.Errorf("unexpected warning %+v", w)
		}
	})
	t.Run("both improve", func(t *testing.T) {
		if w := DetectOverfitting([]trajectory.Record{rec(1, 60, f(50)), rec(2, 80, f(70))}, 3); w != nil {
			t.Errorf("unexpected warning %+v", w)
		}
	})
	t.Run("window drops old records", func(t *testing.T) {
		recs := []trajectory.Record{rec(1, 10, f(90)), rec(2, 60, f(50)), rec(3, 60, f(60))}
		if w := DetectOverfitting(recs, 2); w != nil {
			t.Errorf("unexpected warning %+v", w)
		}
	})
	t.Run("no held out", func(t *testing.T) {
		if w := DetectOverfitting([]trajectory.Record{rec(1, 10, nil), rec(2, 90, nil)}, 3); w != nil {
			t.Errorf("unexpected warning %+v", w)
		}
	})
}
