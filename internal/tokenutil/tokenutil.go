// Package tokenutil estimates prompt sizes so project context stays inside
// a model's budget.
package tokenutil

import "strings"

// EstimateTokens returns max(words*1.33, bytes/4); the byte floor covers
// code and non-English text.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	wordEstimate := int(float64(len(strings.Fields(content))) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// FitLines returns the longest prefix of lines whose combined estimate stays
// within budget. A non-positive budget keeps everything.
func FitLines(lines []string, budget int) []string {
	if budget <= 0 {
		return lines
	}
	used := 0
	for i, line := range lines {
		used += EstimateTokens(line)
		if used > budget {
			return lines[:i]
		}
	}
	return lines
}

// Truncate cuts content on a word boundary so it fits budget, appending an
// ellipsis marker when anything was dropped.
func Truncate(content string, budget int) string {
	if budget <= 0 || EstimateTokens(content) <= budget {
		return content
	}
	words := strings.Fields(content)
	lo, hi := 0, len(words)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if EstimateTokens(strings.Join(words[:mid], " ")) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return strings.Join(words[:lo], " ") + " …"
}
