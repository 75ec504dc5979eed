// Package secrets redacts recognizable credential patterns from text
// before it is persisted to disk. LLM output and issue bodies are
// untrusted: a leaked token must never reach an artifact file in the
// clear.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
)

type rule struct {
	name    string
	pattern *regexp.Regexp
}

var rules = []rule{
	{"aws_access_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"aws_secret_key", regexp.MustCompile(`(?i)aws[_-]?secret[_-]?access[_-]?key['"]?\s*[:=]\s*['"]?[a-zA-Z0-9/+=]{40}['"]?`)},
	{"github_token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,}`)},
	{"github_pat", regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,}`)},
	{"linear_api_key", regexp.MustCompile(`lin_api_[A-Za-z0-9]{32,}`)},
	{"openai_key", regexp.MustCompile(`sk-[A-Za-z0-9]{20,}T3BlbkFJ[A-Za-z0-9]{20,}`)},
	{"openai_key_proj", regexp.MustCompile(`sk-proj-[A-Za-z0-9\-_]{40,}`)},
	{"anthropic_key", regexp.MustCompile(`sk-ant-[A-Za-z0-9\-_]{40,}`)},
	{"jwt", regexp.MustCompile(`eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`)},
	{"private_key", regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`)},
	{"api_key_generic", regexp.MustCompile(`(?i)(api[_-]?key|apikey)['"]?\s*[:=]\s*['"]?[a-zA-Z0-9_\-]{20,}['"]?`)},
	{"env_secret", regexp.MustCompile(`(?i)(password|secret|token|credential)['"]?\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`)},
}

// Match is one detected credential occurrence.
type Match struct {
	RuleName string
	Start    int
	End      int
}

// Scan finds all credential matches in text, sorted by position.
func Scan(text string) []Match {
	var matches []Match
	for _, r := range rules {
		for _, loc := range r.pattern.FindAllStringIndex(text, -1) {
			matches = append(matches, Match{RuleName: r.name, Start: loc[0], End: loc[1]})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	return matches
}

// Redact replaces every detected credential with a named placeholder.
// Replacement runs back-to-front so earlier offsets stay valid.
func Redact(text string) (string, []Match) {
	matches := Scan(text)
	if len(matches) == 0 {
		return text, nil
	}

	result := text
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		if m.End > len(result) {
			continue // overlapped by an earlier replacement
		}
		result = result[:m.Start] + fmt.Sprintf("[REDACTED:%s]", m.RuleName) + result[m.End:]
	}
	return result, matches
}
