package generate

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/basket/storyforge/internal/llm"
	"github.com/basket/storyforge/internal/persistence"
)

const maxTestCases = 10

type TestCaseDraft struct {
	Title          string   `json:"title"`
	Steps          []string `json:"steps"`
	ExpectedResult string   `json:"expectedResult"`
	Categories     []string `json:"categories"`
	Priority       string   `json:"priority"`
	Automated      bool     `json:"automated"`
}

type TestCasesResult struct {
	Meta
	TestCases []TestCaseDraft `json:"testCases"`
}

var testCasesSchema = llm.MustCompileSchema("testcases", `{
	"type": "object",
	"required": ["testCases"],
	"properties": {
		"testCases": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["title", "steps", "expectedResult"],
				"properties": {
					"title": {"type": "string"},
					"steps": {"type": "array", "items": {"type": "string"}},
					"expectedResult": {"type": "string"},
					"categories": {"type": "array", "items": {"type": "string"}},
					"priority": {"type": "string"},
					"automated": {"type": "boolean"}
				}
			}
		}
	}
}`)

const testCasesSystem = `You are a senior QA engineer. Write concise, executable test cases for a user story.
Cover the happy path, error handling and edge cases.
Reply with JSON only: {"testCases":[{"title":"...","steps":["..."],"expectedResult":"...","categories":["smoke"|"sanity"|"regression"],"priority":"low|medium|high|critical","automated":true|false}]}.
Return at most 10 test cases.`

// TestCases drafts test cases for a story.
func (g *Generator) TestCases(ctx context.Context, story persistence.Story, contextText string) TestCasesResult {
	var b strings.Builder
	fmt.Fprintf(&b, "Story %s: %s\n", story.StoryKey, story.Title)
	if story.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", story.Description)
	}
	fmt.Fprintf(&b, "Type: %s\n", story.Type)
	if len(story.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, ac := range story.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", ac)
		}
	}
	if contextText != "" {
		fmt.Fprintf(&b, "\nProject context:\n%s\n", contextText)
	}

	var reply struct {
		TestCases []TestCaseDraft `json:"testCases"`
	}
	err := g.ask(ctx, testCasesSchema, "testCases", testCasesSystem, b.String(), &reply)
	if err == nil {
		if tcs := normalizeTestCases(reply.TestCases); len(tcs) > 0 {
			return TestCasesResult{TestCases: tcs}
		}
		err = errEmpty
	}
	return TestCasesResult{Meta: g.fallback(ctx, "testcases", err), TestCases: FallbackTestCases(story)}
}

func normalizeTestCases(in []TestCaseDraft) []TestCaseDraft {
	out := make([]TestCaseDraft, 0, len(in))
	for _, tc := range in {
		tc.Title = strings.TrimSpace(tc.Title)
		tc.Steps = cleanList(tc.Steps, 20)
		if tc.Title == "" || len(tc.Steps) == 0 {
			continue
		}
		tc.ExpectedResult = strings.TrimSpace(tc.ExpectedResult)
		tc.Categories = NormalizeCategories(tc.Categories)
		tc.Priority = normPriority(tc.Priority)
		out = append(out, tc)
		if len(out) == maxTestCases {
			break
		}
	}
	return out
}

// NormalizeCategories keeps known categories in canonical order and
// defaults to regression.
func NormalizeCategories(in []string) []string {
	var out []string
	for _, c := range persistence.TestCategories {
		if slices.ContainsFunc(in, func(s string) bool { return strings.EqualFold(strings.TrimSpace(s), c) }) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return []string{persistence.CategoryRegression}
	}
	return out
}

// FallbackTestCases returns the happy path, error handling and edge case
// trio for a story.
func FallbackTestCases(story persistence.Story) []TestCaseDraft {
	subject := strings.TrimSpace(story.Title)
	if subject == "" {
		subject = "the feature"
	}
	expected := "The feature behaves as described in the story"
	if len(story.AcceptanceCriteria) > 0 {
		expected = story.AcceptanceCriteria[0]
	}
	entry := "Open the screen for " + subject
	if story.Type == persistence.StoryTypeAPI {
		entry = "Prepare a request for " + subject
	}
	return []TestCaseDraft{
		{
			Title:          "Verify " + subject + " - happy path",
			Steps:          []string{entry, "Provide valid input", "Submit"},
			ExpectedResult: expected,
			Categories:     []string{persistence.CategorySmoke, persistence.CategoryRegression},
			Priority:       "high",
			Automated:      true,
		},
		{
			Title:          "Verify " + subject + " - error handling",
			Steps:          []string{entry, "Provide invalid or missing input", "Submit"},
			ExpectedResult: "A clear validation error is shown and no data is changed",
			Categories:     []string{persistence.CategorySanity, persistence.CategoryRegression},
			Priority:       "medium",
			Automated:      true,
		},
		{
			Title:          "Verify " + subject + " - edge cases",
			Steps:          []string{entry, "Provide boundary values (empty, maximum length, special characters)", "Submit"},
			ExpectedResult: "Boundary values are handled without errors or data loss",
			Categories:     []string{persistence.CategoryRegression},
			Priority:       "low",
			Automated:      false,
		},
	}
}
