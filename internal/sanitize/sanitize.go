// Package sanitize neutralizes injection patterns in untrusted issue
// text before it is embedded in a prompt. Issue content is always
// treated as data, never as instructions.
package sanitize

import (
	"regexp"
	"strings"
)

const (
	// MaxContentLength bounds issue descriptions (10KB).
	MaxContentLength = 10_000
	// MaxTitleLength bounds issue titles.
	MaxTitleLength = 200
)

type filter struct {
	pattern     *regexp.Regexp
	replacement string
}

var filters = []filter{
	{regexp.MustCompile(`\$\([^)]+\)`), "[FILTERED:subshell]"},
	// Inline backtick command substitution; fence markers themselves
	// are untouched since the pattern needs content between backticks
	{regexp.MustCompile("`([^`\n]+)`"), "[FILTERED:backtick]"},
	{regexp.MustCompile(`;\s*\w+`), "[FILTERED:command-chain]"},
	{regexp.MustCompile(`\|\s*\w+`), "[FILTERED:pipe]"},
	{regexp.MustCompile(`&&\s*\w+`), "[FILTERED:and-chain]"},
	{regexp.MustCompile(`\|\|\s*\w+`), "[FILTERED:or-chain]"},
	{regexp.MustCompile(`\.\./`), "[FILTERED:path-traversal]"},
	{regexp.MustCompile(`\.\.\\`), "[FILTERED:path-traversal]"},
	{regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`), "[FILTERED:script]"},
	{regexp.MustCompile(`(?is)<iframe[^>]*>.*?</iframe>`), "[FILTERED:iframe]"},
	{regexp.MustCompile(`\$\{[^}]+\}`), "[FILTERED:env-expansion]"},
	{regexp.MustCompile(`\$[A-Z_][A-Z0-9_]*`), "[FILTERED:env-var]"},
	{regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`), "[FILTERED:ansi]"},
	{regexp.MustCompile(`\x00`), "[FILTERED:null]"},
}

// Content sanitizes an issue description: truncate, then neutralize
// injection patterns.
func Content(content string) string {
	if content == "" {
		return ""
	}
	if len(content) > MaxContentLength {
		content = content[:MaxContentLength] + "\n\n[TRUNCATED]"
	}
	return applyFilters(content)
}

// Title sanitizes an issue title: shorter bound, newlines stripped,
// same injection filters.
func Title(title string) string {
	if len(title) > MaxTitleLength {
		title = title[:MaxTitleLength] + "..."
	}
	title = strings.NewReplacer("\n", " ", "\r", " ").Replace(title)
	return applyFilters(title)
}

func applyFilters(s string) string {
	for _, f := range filters {
		s = f.pattern.ReplaceAllString(s, f.replacement)
	}
	return s
}
