package llm

import (
	"encoding/json"
	"strings"
)

// ExtractJSON finds the JSON payload in a model reply: a fenced block if one
// parses, otherwise the first balanced {...} or [...] span that parses.
// Returns "" when nothing usable is present.
func ExtractJSON(text string) string {
	for _, fence := range []string{"```json", "```JSON", "```"} {
		rest := text
		for {
			idx := strings.Index(rest, fence)
			if idx < 0 {
				break
			}
			start := idx + len(fence)
			end := strings.Index(rest[start:], "```")
			if end < 0 {
				break
			}
			candidate := strings.TrimSpace(rest[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
			rest = rest[start+end+3:]
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		if candidate := extractBalanced(text[i:]); candidate != "" && isJSON(candidate) {
			return candidate
		}
	}
	return ""
}

func isJSON(s string) bool {
	if s == "" {
		return false
	}
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the balanced structure opening at s[0], honoring
// string literals and escapes.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}
	var open, close byte
	switch s[0] {
	case '{':
		open, close = '{', '}'
	case '[':
		open, close = '[', ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
