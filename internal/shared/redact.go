package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches credentials that can leak into logs through LLM
// provider errors or echoed request headers.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// OpenAI / OpenRouter / Anthropic style keys.
	regexp.MustCompile(`sk-(?:ant-|or-)?[A-Za-z0-9_\-]{20,}`),
	// Groq keys.
	regexp.MustCompile(`gsk_[A-Za-z0-9]{20,}`),
	// Google AI Studio keys.
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
}

// Redact replaces secret-bearing substrings of input with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// IsSensitiveKey reports whether a config or env key names a credential.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, s := range []string{"api_key", "apikey", "secret", "token", "password", "authorization", "bearer"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// RedactEnvValue masks value when key looks like a credential.
func RedactEnvValue(key, value string) string {
	if IsSensitiveKey(key) {
		return redactedPlaceholder
	}
	return value
}

// MaskKey keeps the last four characters of a credential for display.
func MaskKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
