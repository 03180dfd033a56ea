package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/storyforge/internal/llm"
	"github.com/basket/storyforge/internal/persistence"
)

type DescriptionResult struct {
	Meta
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
}

var descriptionSchema = llm.MustCompileSchema("description", `{
	"type": "object",
	"required": ["description"],
	"properties": {
		"description": {"type": "string", "minLength": 1},
		"acceptanceCriteria": {"type": "array", "items": {"type": "string"}}
	}
}`)

const descriptionSystem = `You write clear issue descriptions for a software team.
Reply with JSON only: {"description":"markdown text","acceptanceCriteria":["..."]}.`

// Description writes a description and acceptance criteria for an issue.
func (g *Generator) Description(ctx context.Context, issue persistence.Issue, contextText string) DescriptionResult {
	prompt := fmt.Sprintf("Issue type: %s\nTitle: %s\nCurrent description: %s\n", issue.Type, issue.Title, issue.Description)
	if contextText != "" {
		prompt += "\nProject context:\n" + contextText + "\n"
	}
	var reply DescriptionResult
	err := g.ask(ctx, descriptionSchema, "", descriptionSystem, prompt, &reply)
	if err == nil {
		reply.Description = strings.TrimSpace(reply.Description)
		reply.AcceptanceCriteria = cleanList(reply.AcceptanceCriteria, 10)
		reply.Meta = Meta{}
		return reply
	}
	res := FallbackDescription(issue)
	res.Meta = g.fallback(ctx, "description", err)
	return res
}

// FallbackDescription fills a template chosen by issue type.
func FallbackDescription(issue persistence.Issue) DescriptionResult {
	title := strings.TrimSpace(issue.Title)
	switch issue.Type {
	case persistence.IssueTypeBug:
		return DescriptionResult{
			Description: fmt.Sprintf("## Summary\n%s\n\n## Steps to reproduce\n1. \n2. \n\n## Expected behavior\n\n## Actual behavior\n\n## Environment\n", title),
			AcceptanceCriteria: []string{
				"The issue can no longer be reproduced with the documented steps",
				"A regression test covers the scenario",
			},
		}
	case persistence.IssueTypeStory:
		return DescriptionResult{
			Description: fmt.Sprintf("## User story\nAs a user, I want %s so that I get the intended value.\n\n## Notes\n", lowerFirst(title)),
			AcceptanceCriteria: []string{
				"The behavior described in the story is available to users",
				"Invalid input is handled with a clear message",
				"The change is covered by tests",
			},
		}
	default:
		return DescriptionResult{
			Description: fmt.Sprintf("## Objective\n%s\n\n## Scope\n- \n\n## Definition of done\n- Implemented and reviewed\n- Tests updated\n", title),
			AcceptanceCriteria: []string{
				"The objective is met",
				"The change is reviewed and merged",
			},
		}
	}
}
