// Package safety screens user-authored text (requirement documents, issue
// descriptions, inbound emails) before it is embedded in an LLM prompt.
package safety

import (
	"regexp"
	"strings"
)

// Action indicates the recommended response to a finding.
type Action int

const (
	ActionAllow Action = iota
	// ActionWarn means the text may proceed but is worth logging.
	ActionWarn
	// ActionBlock means the text must not be sent to a model.
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionBlock:
		return "block"
	default:
		return "allow"
	}
}

// Finding is the outcome of inspecting one text.
type Finding struct {
	Action Action
	Reason string
	// Secrets names the kinds of credentials found, e.g. "OpenAI API key".
	Secrets []string
}

type rule struct {
	re     *regexp.Regexp
	action Action
	reason string
}

var injectionRules = []rule{
	{regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)\b`), ActionBlock, "role manipulation: ignore previous instructions"},
	{regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\s+\w+`), ActionBlock, "role manipulation: identity override"},
	{regexp.MustCompile(`(?i)\b(override\s+(the\s+)?system\s+prompt|system\s+prompt\s+override)\b`), ActionBlock, "role manipulation: system prompt override"},
	{regexp.MustCompile(`(?i)\bforget\s+(everything|all)\s+(you|above|previous)`), ActionBlock, "role manipulation: memory wipe"},
	{regexp.MustCompile(`(?i)\b(reveal|print|repeat)\s+(\w+\s+)?your\s+(system\s+)?(prompt|instructions)\b`), ActionBlock, "prompt leaking: system prompt extraction"},
	{regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`), ActionWarn, "injection marker: [SYSTEM] tag"},
	{regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`), ActionWarn, "injection marker: chat template tag"},
}

var secretRules = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`), "API key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "Google API key"},
	{regexp.MustCompile(`sk-(?:ant-|or-)?[A-Za-z0-9_\-]{20,}`), "OpenAI API key"},
	{regexp.MustCompile(`gsk_[A-Za-z0-9]{20,}`), "Groq API key"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----[\s\S]*?(-----END\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----|$)`), "private key"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), "password"},
}

const redacted = "[REDACTED]"

// Guard inspects and cleans prompt input. The zero value is ready to use.
type Guard struct{}

func NewGuard() *Guard { return &Guard{} }

// Inspect reports the most severe injection rule text matches, plus any
// embedded secrets.
func (g *Guard) Inspect(text string) Finding {
	var f Finding
	if strings.TrimSpace(text) == "" {
		return f
	}
	for _, r := range injectionRules {
		if r.action > f.Action && r.re.MatchString(text) {
			f.Action, f.Reason = r.action, r.reason
			if f.Action == ActionBlock {
				break
			}
		}
	}
	for _, s := range secretRules {
		if s.re.MatchString(text) {
			f.Secrets = append(f.Secrets, s.kind)
		}
	}
	return f
}

// Redact replaces every embedded secret with [REDACTED].
func (g *Guard) Redact(text string) string {
	for _, s := range secretRules {
		text = s.re.ReplaceAllString(text, redacted)
	}
	return text
}
