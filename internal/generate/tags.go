package generate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/basket/storyforge/internal/llm"
	"github.com/basket/storyforge/internal/persistence"
)

// TagThreshold is the minimum confidence for a suggestion to be proposed.
const TagThreshold = 60

type TagSuggestion struct {
	Name       string `json:"name"`
	Confidence int    `json:"confidence"`
	Reason     string `json:"reason"`
	Source     string `json:"source"`
}

type TagsResult struct {
	Meta
	Suggestions []TagSuggestion `json:"suggestions"`
	// Additions are suggestions at or above TagThreshold not already on the issue.
	Additions []string `json:"additions"`
}

type tagPattern struct {
	tag      string
	keywords []string
	base     int
}

var tagPatterns = []tagPattern{
	{"frontend", []string{"ui", "button", "page", "screen", "css", "layout", "form", "modal", "react"}, 65},
	{"backend", []string{"api", "endpoint", "server", "service", "handler", "webhook"}, 65},
	{"database", []string{"database", "sql", "query", "migration", "schema", "index", "table"}, 70},
	{"bug", []string{"bug", "error", "crash", "broken", "fails", "exception", "regression", "not working"}, 70},
	{"security", []string{"auth", "login", "password", "token", "permission", "xss", "csrf", "encrypt", "vulnerability"}, 70},
	{"performance", []string{"slow", "latency", "performance", "timeout", "memory", "cpu", "optimi"}, 65},
	{"documentation", []string{"docs", "documentation", "readme", "guide", "typo"}, 65},
	{"testing", []string{"test", "coverage", "e2e", "unit test", "flaky"}, 60},
	{"mobile", []string{"ios", "android", "mobile", "tablet"}, 70},
	{"ux", []string{"usability", "accessibility", "a11y", "design", "ux"}, 60},
	{"devops", []string{"deploy", "pipeline", "ci", "docker", "kubernetes", "infrastructure"}, 65},
}

var tagsSchema = llm.MustCompileSchema("tags", `{
	"type": "object",
	"required": ["tags"],
	"properties": {
		"tags": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "confidence"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"confidence": {"type": "number", "minimum": 0, "maximum": 100},
					"reason": {"type": "string"}
				}
			}
		}
	}
}`)

const tagsSystem = `You label issues in a software project tracker. Prefer labels the project already uses.
Reply with JSON only: {"tags":[{"name":"lowercase-label","confidence":0-100,"reason":"..."}]}.`

// Tags suggests labels for an issue. Pattern suggestions are always present;
// AI suggestions are merged in by name when the gateway answers.
func (g *Generator) Tags(ctx context.Context, issue persistence.Issue, existing, projectLabels []string) TagsResult {
	text := issue.Title + " " + issue.Description
	suggestions := PatternTags(text)

	var b strings.Builder
	fmt.Fprintf(&b, "Issue (%s): %s\n%s\n", issue.Type, issue.Title, issue.Description)
	if len(existing) > 0 {
		fmt.Fprintf(&b, "Current labels: %s\n", strings.Join(existing, ", "))
	}
	if len(projectLabels) > 0 {
		fmt.Fprintf(&b, "Labels used in this project: %s\n", strings.Join(projectLabels, ", "))
	}

	var reply struct {
		Tags []struct {
			Name       string  `json:"name"`
			Confidence float64 `json:"confidence"`
			Reason     string  `json:"reason"`
		} `json:"tags"`
	}
	var meta Meta
	if err := g.ask(ctx, tagsSchema, "tags", tagsSystem, b.String(), &reply); err != nil {
		meta = g.fallback(ctx, "tags", err)
	} else {
		ai := make([]TagSuggestion, 0, len(reply.Tags))
		for _, t := range reply.Tags {
			ai = append(ai, TagSuggestion{Name: t.Name, Confidence: int(t.Confidence + 0.5), Reason: strings.TrimSpace(t.Reason), Source: "ai"})
		}
		suggestions = MergeTags(suggestions, ai)
	}

	suggestions = NormalizeTags(suggestions, projectLabels)
	return TagsResult{Meta: meta, Suggestions: suggestions, Additions: TagAdditions(suggestions, existing)}
}

// PatternTags scores text against the keyword table. Each extra keyword hit
// adds 10 to the tag's base confidence, capped at 95.
func PatternTags(text string) []TagSuggestion {
	lower := " " + strings.ToLower(text) + " "
	var out []TagSuggestion
	for _, p := range tagPatterns {
		var hits []string
		for _, kw := range p.keywords {
			if containsWord(lower, kw) {
				hits = append(hits, kw)
			}
		}
		if len(hits) == 0 {
			continue
		}
		conf := min(p.base+10*(len(hits)-1), 95)
		out = append(out, TagSuggestion{
			Name:       p.tag,
			Confidence: conf,
			Reason:     "mentions " + strings.Join(hits, ", "),
			Source:     "pattern",
		})
	}
	sortTags(out)
	return out
}

// containsWord matches kw at a word start so "ui" does not hit "build".
// Keywords longer than three letters match as prefixes ("auth" hits
// "authentication"); short ones must end the word, plural allowed.
func containsWord(lower, kw string) bool {
	for i := 0; ; {
		idx := strings.Index(lower[i:], kw)
		if idx < 0 {
			return false
		}
		start := i + idx
		end := start + len(kw)
		if start > 0 && !isWordByte(lower[start-1]) && (len(kw) > 3 || wordEndsAt(lower, end)) {
			return true
		}
		i = start + 1
	}
}

func wordEndsAt(s string, end int) bool {
	if end >= len(s) || !isWordByte(s[end]) {
		return true
	}
	return s[end] == 's' && (end+1 >= len(s) || !isWordByte(s[end+1]))
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}

// MergeTags combines pattern and AI suggestions by name. When both sources
// name a tag the higher confidence gains 10 (capped at 100), once no matter
// how many duplicates agree, and reasons are joined.
func MergeTags(pattern, ai []TagSuggestion) []TagSuggestion {
	type merged struct {
		TagSuggestion
		sources map[string]bool
	}
	byName := make(map[string]int, len(pattern)+len(ai))
	acc := make([]merged, 0, len(pattern)+len(ai))
	for _, s := range append(append([]TagSuggestion(nil), pattern...), ai...) {
		s.Name = normTagName(s.Name)
		if s.Name == "" {
			continue
		}
		s.Confidence = max(0, min(s.Confidence, 100))
		i, seen := byName[s.Name]
		if !seen {
			byName[s.Name] = len(acc)
			acc = append(acc, merged{TagSuggestion: s, sources: map[string]bool{s.Source: true}})
			continue
		}
		cur := &acc[i]
		cur.Confidence = max(cur.Confidence, s.Confidence)
		if !cur.sources[s.Source] {
			cur.sources[s.Source] = true
			cur.Reason = joinReasons(cur.Reason, s.Reason)
		}
	}

	out := make([]TagSuggestion, 0, len(acc))
	for _, m := range acc {
		t := m.TagSuggestion
		if m.sources["pattern"] && m.sources["ai"] {
			t.Confidence = min(t.Confidence+10, 100)
			t.Source = "pattern+ai"
		}
		out = append(out, t)
	}
	sortTags(out)
	return out
}

// NormalizeTags maps suggestion names onto existing project labels, exact
// (case-insensitive) first and then by fuzzy match, merging any duplicates
// the mapping creates.
func NormalizeTags(in []TagSuggestion, projectLabels []string) []TagSuggestion {
	if len(projectLabels) == 0 {
		return in
	}
	lowered := make([]string, len(projectLabels))
	for i, l := range projectLabels {
		lowered[i] = strings.ToLower(l)
	}
	out := make([]TagSuggestion, 0, len(in))
	index := map[string]int{}
	for _, s := range in {
		s.Name = canonicalLabel(s.Name, projectLabels, lowered)
		if i, ok := index[s.Name]; ok {
			out[i].Confidence = max(out[i].Confidence, s.Confidence)
			out[i].Reason = joinReasons(out[i].Reason, s.Reason)
			continue
		}
		index[s.Name] = len(out)
		out = append(out, s)
	}
	sortTags(out)
	return out
}

func canonicalLabel(name string, labels, lowered []string) string {
	lname := strings.ToLower(name)
	for i, l := range lowered {
		if l == lname {
			return labels[i]
		}
	}
	if len(lname) < 4 {
		return name
	}
	for _, m := range fuzzy.Find(lname, lowered) {
		// Only accept close spellings ("front-end" for "frontend"), never a
		// long label that merely contains the letters.
		if len(m.Str) <= len(lname)+3 {
			return labels[m.Index]
		}
	}
	return name
}

// TagAdditions lists suggestions at or above TagThreshold not already in
// existing.
func TagAdditions(suggestions []TagSuggestion, existing []string) []string {
	have := make(map[string]bool, len(existing))
	for _, e := range existing {
		have[strings.ToLower(strings.TrimSpace(e))] = true
	}
	out := []string{}
	for _, s := range suggestions {
		if s.Confidence < TagThreshold || have[strings.ToLower(s.Name)] {
			continue
		}
		have[strings.ToLower(s.Name)] = true
		out = append(out, s.Name)
	}
	return out
}

func normTagName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "#")
	return strings.Join(strings.Fields(s), "-")
}

func joinReasons(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	}
	return a + "; " + b
}

func sortTags(s []TagSuggestion) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].Confidence > s[j].Confidence })
}
