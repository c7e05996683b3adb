package agent

import (
	"regexp"
	"strings"
)

// #region extract
var (
	sqlFence     = regexp.MustCompile("(?is)```sql\\s*(.*?)\\s*```")
	genericFence = regexp.MustCompile("(?is)```\\s*((?:SELECT|WITH)\\b.*?)```")
	bareSelect   = regexp.MustCompile(`(?ims)^((?:SELECT|WITH)\s+.*)`)
)

// ExtractSQL pulls a SQL statement out of free text. It prefers a ```sql
// fence, then any fence starting with SELECT or WITH, then a bare statement
// at the start of a line.
func ExtractSQL(text string) string {
	for _, re := range []*regexp.Regexp{sqlFence, genericFence, bareSelect} {
		if m := re.FindStringSubmatch(text); m != nil {
			if s := strings.TrimSpace(m[1]); s != "" {
				return s
			}
		}
	}
	return ""
}

// ParseReply builds a Response, taking SQL from the reply text first and the
// reasoning trace second.
func ParseReply(text, thoughts string) Response {
	r := Response{Text: strings.TrimSpace(text), Thoughts: strings.TrimSpace(thoughts)}
	r.Artifact = ExtractSQL(r.Text)
	if r.Artifact == "" {
		r.Artifact = ExtractSQL(r.Thoughts)
	}
	return r
}

// #endregion extract
