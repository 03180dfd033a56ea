package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/storyforge/internal/llm"
	"github.com/basket/storyforge/internal/persistence"
)

// SprintSelection is the model's raw pick; the planner validates it against
// the backlog and capacity.
type SprintSelection struct {
	IssueIDs  []string `json:"issueIds"`
	Rationale string   `json:"rationale"`
}

var sprintSelectionSchema = llm.MustCompileSchema("sprint_selection", `{
	"type": "object",
	"required": ["issueIds"],
	"properties": {
		"issueIds": {"type": "array", "items": {"type": "string"}},
		"rationale": {"type": "string"}
	}
}`)

const sprintSelectionSystem = `You plan agile sprints. Choose backlog issues that maximize priority and value while using 80-95% of capacity without exceeding it.
Reply with JSON only: {"issueIds":["..."],"rationale":"..."}.`

// SprintSelectionPrompt renders the backlog for the selection prompt.
func SprintSelectionPrompt(backlog []persistence.Issue, capacity int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Capacity: %d story points\n\nBacklog:\n", capacity)
	for _, is := range backlog {
		fmt.Fprintf(&b, "- id=%s key=%s priority=%s type=%s points=%d title=%q\n",
			is.ID, is.IssueKey, is.Priority, is.Type, is.StoryPoints, is.Title)
	}
	return b.String()
}

// ParseSprintSelection decodes a selection reply.
func ParseSprintSelection(text string) (SprintSelection, error) {
	var sel SprintSelection
	if err := sprintSelectionSchema.Decode(text, "issueIds", &sel); err != nil {
		return SprintSelection{}, err
	}
	return sel, nil
}

// SelectSprint asks the model for a sprint selection. Errors are returned
// as-is; the planner owns the fallback.
func (g *Generator) SelectSprint(ctx context.Context, backlog []persistence.Issue, capacity int) (SprintSelection, error) {
	if g.llm == nil {
		return SprintSelection{}, llm.ErrUnavailable
	}
	text, err := g.llm.Complete(ctx, sprintSelectionSystem, SprintSelectionPrompt(backlog, capacity), llm.WithTemperature(0.2))
	if err != nil {
		return SprintSelection{}, err
	}
	return ParseSprintSelection(text)
}

// Fallback exposes the shared fallback bookkeeping to callers that own
// their fallback path, such as the sprint planner.
func (g *Generator) Fallback(ctx context.Context, feature string, cause error) Meta {
	return g.fallback(ctx, feature, cause)
}
