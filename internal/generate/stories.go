package generate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/basket/storyforge/internal/llm"
	"github.com/basket/storyforge/internal/persistence"
)

// AllowedPoints is the story point scale drafts are snapped to.
var AllowedPoints = []int{1, 2, 3, 5, 8, 13}

const (
	maxStories         = 10
	maxFallbackStories = 5
)

type StoryDraft struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Type               string   `json:"type"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	StoryPoints        int      `json:"storyPoints"`
	Priority           string   `json:"priority"`
}

type StoriesResult struct {
	Meta
	Stories []StoryDraft `json:"stories"`
}

var storiesSchema = llm.MustCompileSchema("stories", `{
	"type": "object",
	"required": ["stories"],
	"properties": {
		"stories": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["title"],
				"properties": {
					"title": {"type": "string"},
					"description": {"type": "string"},
					"type": {"type": "string"},
					"acceptanceCriteria": {"type": "array", "items": {"type": "string"}},
					"storyPoints": {"type": "integer"},
					"priority": {"type": "string"}
				}
			}
		}
	}
}`)

const storiesSystem = `You are an agile product analyst. Break requirements into small, independently deliverable user stories.
Reply with JSON only: {"stories":[{"title":"...","description":"As a ... I want ... so that ...","type":"ui|api","acceptanceCriteria":["..."],"storyPoints":1|2|3|5|8|13,"priority":"low|medium|high|critical"}]}.
Return at most 10 stories.`

// Stories drafts user stories for a requirement. contextText is the
// formatted project context and may be empty.
func (g *Generator) Stories(ctx context.Context, req persistence.Requirement, contextText string) StoriesResult {
	var b strings.Builder
	if req.Title != "" {
		fmt.Fprintf(&b, "Requirement title: %s\n", req.Title)
	}
	if req.Epic() != "" {
		fmt.Fprintf(&b, "Epic: %s\n", req.Epic())
	}
	fmt.Fprintf(&b, "Requirement:\n%s\n", req.Content)
	if contextText != "" {
		fmt.Fprintf(&b, "\nProject context:\n%s\n", contextText)
	}

	var reply struct {
		Stories []StoryDraft `json:"stories"`
	}
	err := g.ask(ctx, storiesSchema, "stories", storiesSystem, b.String(), &reply)
	if err == nil {
		if stories := normalizeStories(reply.Stories); len(stories) > 0 {
			return StoriesResult{Stories: stories}
		}
		err = errEmpty
	}
	return StoriesResult{Meta: g.fallback(ctx, "stories", err), Stories: FallbackStories(req)}
}

func normalizeStories(in []StoryDraft) []StoryDraft {
	out := make([]StoryDraft, 0, len(in))
	for _, s := range in {
		s.Title = strings.TrimSpace(s.Title)
		if s.Title == "" {
			continue
		}
		s.Description = strings.TrimSpace(s.Description)
		s.Type = normStoryType(s.Type, s.Title+" "+s.Description)
		s.AcceptanceCriteria = cleanList(s.AcceptanceCriteria, 10)
		s.StoryPoints = NearestPoints(s.StoryPoints)
		s.Priority = normPriority(s.Priority)
		out = append(out, s)
		if len(out) == maxStories {
			break
		}
	}
	return out
}

var apiHints = []string{"api", "endpoint", "webhook", "service", "backend", "database", "integration"}

func normStoryType(t, text string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case persistence.StoryTypeUI:
		return persistence.StoryTypeUI
	case persistence.StoryTypeAPI:
		return persistence.StoryTypeAPI
	}
	lower := strings.ToLower(text)
	for _, h := range apiHints {
		if strings.Contains(lower, h) {
			return persistence.StoryTypeAPI
		}
	}
	return persistence.StoryTypeUI
}

// NearestPoints snaps n to the closest allowed value; ties round up.
func NearestPoints(n int) int {
	best := AllowedPoints[0]
	for _, p := range AllowedPoints {
		if abs(n-p) <= abs(n-best) {
			best = p
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

var (
	bulletRe   = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)
	sentenceRe = regexp.MustCompile(`[^.!?\n]+[.!?]?`)
)

// FallbackStories derives one story per requirement bullet (or sentence
// when there are no bullets), up to five, else a UI and API template pair.
func FallbackStories(req persistence.Requirement) []StoryDraft {
	items := requirementItems(req.Content)
	name := strings.TrimSpace(req.Title)
	if name == "" {
		name = truncate(firstLine(req.Content), 60)
	}
	if len(items) == 0 {
		if name == "" {
			name = "the requirement"
		}
		return []StoryDraft{
			{
				Title:       "User interface for " + name,
				Description: fmt.Sprintf("As a user, I want a screen for %s so that I can use the feature.", name),
				Type:        persistence.StoryTypeUI,
				AcceptanceCriteria: []string{
					"The screen is reachable from the main navigation",
					"Inputs are validated with clear error messages",
					"Successful actions show a confirmation",
				},
				StoryPoints: 5,
				Priority:    "medium",
			},
			{
				Title:       "API for " + name,
				Description: fmt.Sprintf("As a client application, I want an API for %s so that the UI can persist and load data.", name),
				Type:        persistence.StoryTypeAPI,
				AcceptanceCriteria: []string{
					"Endpoints validate input and return 400 on bad requests",
					"Data is persisted and returned in a consistent envelope",
					"Unauthorized requests are rejected",
				},
				StoryPoints: 5,
				Priority:    "medium",
			},
		}
	}

	out := make([]StoryDraft, 0, len(items))
	for _, item := range items {
		title := truncate(strings.TrimRight(item, ".!?"), 80)
		out = append(out, StoryDraft{
			Title:       title,
			Description: "As a user, I want " + lowerFirst(strings.TrimRight(item, ".!?")) + ".",
			Type:        normStoryType("", item),
			AcceptanceCriteria: []string{
				"Given the feature is available, when I " + lowerFirst(truncate(strings.TrimRight(item, ".!?"), 60)) + ", then it behaves as described",
				"Errors are reported with a clear message",
			},
			StoryPoints: 3,
			Priority:    "medium",
		})
	}
	return out
}

func requirementItems(content string) []string {
	var bullets []string
	for _, line := range strings.Split(content, "\n") {
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			bullets = append(bullets, strings.TrimSpace(m[1]))
		}
	}
	if len(bullets) > 0 {
		return cleanList(bullets, maxFallbackStories)
	}
	var sentences []string
	for _, s := range sentenceRe.FindAllString(content, -1) {
		s = strings.TrimSpace(s)
		if len(strings.Fields(s)) < 3 {
			continue
		}
		sentences = append(sentences, s)
	}
	return cleanList(sentences, maxFallbackStories)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	if len(r) > 1 && r[1] >= 'A' && r[1] <= 'Z' {
		return s
	}
	return strings.ToLower(string(r[0])) + string(r[1:])
}
