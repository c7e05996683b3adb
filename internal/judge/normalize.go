package judge

import (
	"strings"
	"unicode"
)

// #region keywords
var sqlKeywords = map[string]bool{
	"ALL": true, "AND": true, "ANY": true, "AS": true, "ASC": true, "BETWEEN": true,
	"BY": true, "CASE": true, "CAST": true, "CROSS": true, "CURRENT_DATE": true,
	"CURRENT_TIMESTAMP": true, "DATE": true, "DESC": true, "DISTINCT": true, "ELSE": true,
	"END": true, "EXCEPT": true, "EXISTS": true, "EXTRACT": true, "FALSE": true,
	"FETCH": true, "FIRST": true, "FOLLOWING": true, "FROM": true, "FULL": true,
	"GROUP": true, "HAVING": true, "IF": true, "IN": true, "INNER": true,
	"INTERSECT": true, "INTERVAL": true, "IS": true, "JOIN": true, "LAST": true,
	"LEFT": true, "LIKE": true, "LIMIT": true, "NATURAL": true, "NOT": true,
	"NULL": true, "NULLS": true, "OFFSET": true, "ON": true, "OR": true,
	"ORDER": true, "OUTER": true, "OVER": true, "PARTITION": true, "PRECEDING": true,
	"QUALIFY": true, "RANGE": true, "RECURSIVE": true, "RIGHT": true, "ROWS": true,
	"SELECT": true, "SOME": true, "THEN": true, "TIMESTAMP": true, "TRUE": true,
	"UNBOUNDED": true, "UNION": true, "UNNEST": true, "USING": true, "WHEN": true,
	"WHERE": true, "WINDOW": true, "WITH": true,
	// common functions
	"AVG": true, "COALESCE": true, "COUNT": true, "DATE_TRUNC": true, "IFNULL": true,
	"LOWER": true, "MAX": true, "MIN": true, "ROUND": true, "SUM": true, "UPPER": true,
}

// clauseKeywords drive the structural comparison used when no judge is reachable.
var clauseKeywords = []string{
	"SELECT", "DISTINCT", "FROM", "WHERE", "JOIN", "GROUP", "HAVING", "ORDER", "LIMIT", "UNION", "WITH",
}

// #endregion keywords

// #region tokenize
type tokenKind int

const (
	tokWord tokenKind = iota
	tokNumber
	tokString
	tokSymbol
)

type token struct {
	kind tokenKind
	text string
}

var twoCharOps = map[string]bool{"<=": true, ">=": true, "<>": true, "!=": true, "||": true, "::": true}

// tokenize splits SQL into words, numbers, literals and symbols. Comments are
// dropped and quoted identifiers are unwrapped.
func tokenize(sql string) []token {
	rs := []rune(sql)
	var out []token
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '-' && i+1 < len(rs) && rs[i+1] == '-':
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < len(rs) && rs[i+1] == '*':
			i += 2
			for i+1 < len(rs) && !(rs[i] == '*' && rs[i+1] == '/') {
				i++
			}
			i += 2
		case r == '\'' || r == '"':
			j := i + 1
			for j < len(rs) {
				if rs[j] == '\\' {
					j += 2
					continue
				}
				if rs[j] == r {
					if j+1 < len(rs) && rs[j+1] == r {
						j += 2
						continue
					}
					break
				}
				j++
			}
			end := min(j+1, len(rs))
			out = append(out, token{kind: tokString, text: string(rs[i:end])})
			i = end
		case r == '`':
			j := i + 1
			for j < len(rs) && rs[j] != '`' {
				j++
			}
			ident := string(rs[i+1 : min(j, len(rs))])
			for k, part := range strings.Split(ident, ".") {
				if k > 0 {
					out = append(out, token{kind: tokSymbol, text: "."})
				}
				out = append(out, token{kind: tokWord, text: part})
			}
			i = min(j+1, len(rs))
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '$') {
				j++
			}
			out = append(out, token{kind: tokWord, text: string(rs[i:j])})
			i = j
		case unicode.IsDigit(r):
			j := i
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.' || rs[j] == 'e' || rs[j] == 'E') {
				j++
			}
			out = append(out, token{kind: tokNumber, text: string(rs[i:j])})
			i = j
		default:
			if i+1 < len(rs) && twoCharOps[string(rs[i:i+2])] {
				out = append(out, token{kind: tokSymbol, text: string(rs[i : i+2])})
				i += 2
				continue
			}
			out = append(out, token{kind: tokSymbol, text: string(r)})
			i++
		}
	}
	return stripQualifiers(out)
}

// stripQualifiers reduces project.dataset.table chains to the table name.
// Two-part alias.column references are kept.
func stripQualifiers(in []token) []token {
	out := make([]token, 0, len(in))
	for i := 0; i < len(in); i++ {
		if in[i].kind == tokWord && i+4 < len(in) &&
			in[i+1].text == "." && in[i+2].kind == tokWord &&
			in[i+3].text == "." && in[i+4].kind == tokWord {
			out = append(out, in[i+4])
			i += 4
			continue
		}
		out = append(out, in[i])
	}
	return out
}

// #endregion tokenize

// #region normalize
// Normalize produces a canonical form of a SQL statement: comments removed,
// keywords uppercased, identifiers lowercased, literals untouched, whitespace
// collapsed, qualifiers stripped and the trailing semicolon dropped.
func Normalize(sql string) string {
	toks := tokenize(sql)
	for len(toks) > 0 && toks[len(toks)-1].text == ";" {
		toks = toks[:len(toks)-1]
	}
	var b strings.Builder
	prevDot := true
	for _, t := range toks {
		text := t.text
		switch t.kind {
		case tokWord:
			if up := strings.ToUpper(text); sqlKeywords[up] {
				text = up
			} else {
				text = strings.ToLower(text)
			}
		case tokSymbol:
			if text == "!=" {
				text = "<>"
			}
		}
		isDot := t.kind == tokSymbol && text == "."
		if !prevDot && !isDot {
			b.WriteByte(' ')
		}
		b.WriteString(text)
		prevDot = isDot
	}
	return b.String()
}

// ExactMatch reports whether two statements are identical after normalization.
// Two empty statements never match.
func ExactMatch(expected, generated string) bool {
	e, g := Normalize(expected), Normalize(generated)
	return e != "" && e == g
}

// clauses returns which structural keywords occur in sql.
func clauses(sql string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range tokenize(sql) {
		if t.kind != tokWord {
			continue
		}
		up := strings.ToUpper(t.text)
		for _, k := range clauseKeywords {
			if up == k {
				out[k] = true
			}
		}
	}
	return out
}

// #endregion normalize
