package judge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// #region rubric
type category struct {
	key   string
	name  string
	max   int
	guide string
}

type rubric struct {
	mode       Mode
	categories []category
}

func (r rubric) total() int {
	t := 0
	for _, c := range r.categories {
		t += c.max
	}
	return t
}

var binaryRubric = rubric{mode: ModeBinary, categories: []category{
	{"LOGICAL_EQUIVALENCE", "logical_equivalence", 10, "Do both queries express the same logic, predicates and constraints?"},
	{"RESULT_SET_MATCH", "result_set_match", 10, "Would both return identical rows, columns and row multiplicity on every possible database state?"},
	{"PERFORMANCE_SIMILARITY", "performance_similarity", 5, "Do both have comparable execution cost?"},
}}

var flexibleRubric = rubric{mode: ModeFlexible, categories: []category{
	{"TARGET_SELECTION", "target_selection", 25, "Are the right tables or views queried?"},
	{"JOIN_LOGIC", "join_logic", 20, "Are joins and relationships between tables correct?"},
	{"FILTER_ACCURACY", "filter_accuracy", 20, "Do the WHERE and HAVING predicates select the same rows?"},
	{"AGGREGATION", "aggregation", 15, "Are grouping and aggregate functions correct?"},
	{"PROJECTION", "projection", 10, "Are the selected columns and expressions correct?"},
	{"FORMATTING", "formatting", 10, "Ordering, limits, aliases and style."},
}}

func rubricFor(m Mode) rubric {
	if m == ModeFlexible {
		return flexibleRubric
	}
	return binaryRubric
}

// zeroScores returns the rubric's categories with no points awarded.
func (r rubric) zeroScores() []SubScore {
	out := make([]SubScore, len(r.categories))
	for i, c := range r.categories {
		out[i] = SubScore{Name: c.name, Max: c.max}
	}
	return out
}

// fullScores returns the rubric's categories at their maximum.
func (r rubric) fullScores() []SubScore {
	out := r.zeroScores()
	for i := range out {
		out[i].Points = out[i].Max
	}
	return out
}

// #endregion rubric

// #region prompt
const judgeSystem = "You are a meticulous SQL reviewer. You decide whether two SQL queries are interchangeable, and you only call them equivalent when no database state could tell them apart."

// buildPrompt renders the rubric prompt for one pair.
func buildPrompt(r rubric, expected, generated string, jc Context) string {
	var b strings.Builder
	b.WriteString("Compare the GENERATED query against the EXPECTED query.\n\n")
	if jc.Question != "" {
		fmt.Fprintf(&b, "QUESTION:\n%s\n\n", jc.Question)
	}
	if jc.Schema != "" {
		fmt.Fprintf(&b, "SCHEMA:\n%s\n\n", jc.Schema)
	}
	fmt.Fprintf(&b, "EXPECTED QUERY:\n%s\n\nGENERATED QUERY:\n%s\n\n", expected, generated)

	b.WriteString("Score each category independently:\n")
	for _, c := range r.categories {
		fmt.Fprintf(&b, "- %s (0-%d): %s\n", c.key, c.max, c.guide)
	}
	b.WriteString("\nThen try to construct a counterexample: a concrete database state (example rows) on which the two queries return different results, and say how the results differ. Pay attention to DISTINCT, NULL handling, join multiplicity and ordering. If no such state exists, write NONE.\n\n")

	b.WriteString("Reply with exactly these lines and nothing else:\n")
	for _, c := range r.categories {
		fmt.Fprintf(&b, "%s: <0-%d>\n", c.key, c.max)
	}
	b.WriteString("COUNTEREXAMPLE: <database state and differing results, or NONE>\n")
	b.WriteString("EXPLANATION: <one or two sentences>\n")
	if r.mode == ModeBinary {
		fmt.Fprintf(&b, "VERDICT: <EQUIVALENT only if every category is at its maximum (%d/%d), otherwise DIFFERENT>\n", r.total(), r.total())
	}
	return b.String()
}

// #endregion prompt

// #region parse
type parsedReply struct {
	subScores        []SubScore
	counterexample   string
	noCounterexample bool
	explanation      string
	verdictSeen      bool
	equivalent       bool
}

var (
	intPattern  = regexp.MustCompile(`-?\d+`)
	wordPattern = regexp.MustCompile(`[A-Z]+`)
)

// verdictEquivalent reads a VERDICT value by whole words. Any negation or
// DIFFERENT wins over EQUIVALENT.
func verdictEquivalent(value string) bool {
	equivalent := false
	for _, w := range wordPattern.FindAllString(strings.ToUpper(value), -1) {
		switch w {
		case "EQUIVALENT":
			equivalent = true
		case "NOT", "NON", "DIFFERENT", "INEQUIVALENT", "NONEQUIVALENT":
			return false
		}
	}
	return equivalent
}

// parseReply reads the line-oriented rubric reply. Any missing category,
// out-of-range score or (in binary mode) missing verdict is ErrParse.
func parseReply(r rubric, text string) (parsedReply, error) {
	var p parsedReply
	points := make(map[string]int, len(r.categories))
	maxFor := make(map[string]int, len(r.categories))
	for _, c := range r.categories {
		maxFor[c.key] = c.max
	}

	var open *string
	for _, raw := range strings.Split(text, "\n") {
		line := cleanLine(raw)
		if line == "" {
			continue
		}
		key, value, ok := splitKey(line)
		if !ok {
			if open != nil {
				*open = strings.TrimSpace(*open + "\n" + line)
			}
			continue
		}
		switch {
		case maxFor[key] > 0:
			m := intPattern.FindString(value)
			if m == "" {
				return p, fmt.Errorf("%w: %s has no number", ErrParse, key)
			}
			n, _ := strconv.Atoi(m)
			if n < 0 || n > maxFor[key] {
				return p, fmt.Errorf("%w: %s=%d outside 0..%d", ErrParse, key, n, maxFor[key])
			}
			points[key] = n
			open = nil
		case key == "COUNTEREXAMPLE":
			p.counterexample = value
			open = &p.counterexample
		case key == "EXPLANATION" || key == "REASONING":
			p.explanation = value
			open = &p.explanation
		case key == "VERDICT":
			p.verdictSeen = true
			p.equivalent = verdictEquivalent(value)
			open = nil
		default:
			if open != nil {
				*open = strings.TrimSpace(*open + "\n" + line)
			}
		}
	}

	p.subScores = make([]SubScore, 0, len(r.categories))
	for _, c := range r.categories {
		n, ok := points[c.key]
		if !ok {
			return p, fmt.Errorf("%w: missing %s", ErrParse, c.key)
		}
		p.subScores = append(p.subScores, SubScore{Name: c.name, Points: n, Max: c.max})
	}
	if r.mode == ModeBinary && !p.verdictSeen {
		return p, fmt.Errorf("%w: missing VERDICT", ErrParse)
	}
	if isNone(p.counterexample) {
		p.counterexample = ""
		p.noCounterexample = true
	}
	return p, nil
}

func cleanLine(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "-*#> ")
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	return strings.TrimSpace(s)
}

func splitKey(line string) (string, string, bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 || idx > 40 {
		return "", "", false
	}
	key := strings.ToUpper(strings.TrimSpace(line[:idx]))
	key = strings.NewReplacer(" ", "_", "-", "_", "/", "_").Replace(key)
	for _, r := range key {
		if !(r == '_' || r >= 'A' && r <= 'Z') {
			return "", "", false
		}
	}
	return key, strings.TrimSpace(line[idx+1:]), true
}

func isNone(s string) bool {
	s = strings.ToLower(strings.Trim(strings.TrimSpace(s), ".`'\""))
	switch s {
	case "", "none", "n/a", "na", "-", "no counterexample", "none exists", "no counterexample exists":
		return s != ""
	}
	return strings.HasPrefix(s, "none ") || strings.HasPrefix(s, "none,") || strings.HasPrefix(s, "none;")
}

// #endregion parse
