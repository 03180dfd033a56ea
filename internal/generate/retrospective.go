package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/storyforge/internal/llm"
	"github.com/basket/storyforge/internal/persistence"
)

// SprintMetrics are the sprint facts a retrospective is built from.
type SprintMetrics struct {
	SprintName      string  `json:"sprintName"`
	Capacity        int     `json:"capacity"`
	PlannedPoints   int     `json:"plannedPoints"`
	CompletedPoints int     `json:"completedPoints"`
	TotalIssues     int     `json:"totalIssues"`
	CompletedIssues int     `json:"completedIssues"`
	CarryOver       int     `json:"carryOver"`
	BugCount        int     `json:"bugCount"`
	BlockedCount    int     `json:"blockedCount"`
	PriorVelocity   float64 `json:"priorVelocity"`
}

// CompletionRate is completed over planned points, 0 when nothing was planned.
func (m SprintMetrics) CompletionRate() float64 {
	if m.PlannedPoints <= 0 {
		return 0
	}
	return float64(m.CompletedPoints) / float64(m.PlannedPoints)
}

// Velocity trends.
const (
	TrendUp     = "improving"
	TrendStable = "stable"
	TrendDown   = "declining"
)

type Retrospective struct {
	Summary       string   `json:"summary"`
	WentWell      []string `json:"wentWell"`
	Improvements  []string `json:"improvements"`
	ActionItems   []string `json:"actionItems"`
	VelocityTrend string   `json:"velocityTrend"`
}

type RetrospectiveResult struct {
	Meta
	Retrospective
	Metrics SprintMetrics `json:"metrics"`
}

// JSON renders the report for storage.
func (r RetrospectiveResult) JSON() string {
	b, _ := json.Marshal(r)
	return string(b)
}

var retrospectiveSchema = llm.MustCompileSchema("retrospective", `{
	"type": "object",
	"required": ["summary", "wentWell", "improvements", "actionItems"],
	"properties": {
		"summary": {"type": "string", "minLength": 1},
		"wentWell": {"type": "array", "items": {"type": "string"}},
		"improvements": {"type": "array", "items": {"type": "string"}},
		"actionItems": {"type": "array", "items": {"type": "string"}},
		"velocityTrend": {"type": "string"}
	}
}`)

const retrospectiveSystem = `You facilitate agile sprint retrospectives. Be specific and constructive.
Reply with JSON only: {"summary":"...","wentWell":["..."],"improvements":["..."],"actionItems":["..."],"velocityTrend":"improving|stable|declining"}.`

// Retrospective analyses a finished sprint.
func (g *Generator) Retrospective(ctx context.Context, m SprintMetrics, issues []persistence.Issue) RetrospectiveResult {
	var b strings.Builder
	fmt.Fprintf(&b, "Sprint: %s\nCapacity: %d points\nPlanned: %d points, completed: %d points (%.0f%%)\n",
		m.SprintName, m.Capacity, m.PlannedPoints, m.CompletedPoints, 100*m.CompletionRate())
	fmt.Fprintf(&b, "Issues: %d total, %d completed, %d carried over, %d bugs, %d blocked\n",
		m.TotalIssues, m.CompletedIssues, m.CarryOver, m.BugCount, m.BlockedCount)
	if m.PriorVelocity > 0 {
		fmt.Fprintf(&b, "Average velocity of previous sprints: %.1f points\n", m.PriorVelocity)
	}
	b.WriteString("\nIssues:\n")
	for i, is := range issues {
		if i == 40 {
			fmt.Fprintf(&b, "... and %d more\n", len(issues)-i)
			break
		}
		fmt.Fprintf(&b, "- [%s] %s (%s, %d pts)\n", is.Status, is.Title, is.Type, is.StoryPoints)
	}

	trend := VelocityTrend(float64(m.CompletedPoints), m.PriorVelocity)
	var reply Retrospective
	err := g.ask(ctx, retrospectiveSchema, "", retrospectiveSystem, b.String(), &reply)
	if err == nil {
		reply.WentWell = cleanList(reply.WentWell, 10)
		reply.Improvements = cleanList(reply.Improvements, 10)
		reply.ActionItems = cleanList(reply.ActionItems, 10)
		// The trend is a number comparison; the model's guess is ignored.
		reply.VelocityTrend = trend
		return RetrospectiveResult{Retrospective: reply, Metrics: m}
	}
	return RetrospectiveResult{Meta: g.fallback(ctx, "retrospective", err), Retrospective: FallbackRetrospective(m), Metrics: m}
}

// VelocityTrend compares a sprint's velocity with the prior average; ±10%
// counts as stable.
func VelocityTrend(current, prior float64) string {
	switch {
	case prior <= 0:
		return TrendStable
	case current > prior*1.1:
		return TrendUp
	case current < prior*0.9:
		return TrendDown
	}
	return TrendStable
}

// FallbackRetrospective builds a rule-based report from completion rate,
// carry-over and bug share.
func FallbackRetrospective(m SprintMetrics) Retrospective {
	rate := m.CompletionRate()
	r := Retrospective{VelocityTrend: VelocityTrend(float64(m.CompletedPoints), m.PriorVelocity)}
	r.Summary = fmt.Sprintf("%s completed %d of %d planned points (%.0f%%) and %d of %d issues.",
		nonEmpty(m.SprintName, "The sprint"), m.CompletedPoints, m.PlannedPoints, 100*rate, m.CompletedIssues, m.TotalIssues)

	switch {
	case rate >= 0.9:
		r.WentWell = append(r.WentWell, "The team delivered nearly all committed work")
	case rate >= 0.7:
		r.WentWell = append(r.WentWell, "Most committed work was delivered")
		r.Improvements = append(r.Improvements, "Close the remaining gap between commitment and delivery")
	default:
		r.Improvements = append(r.Improvements, "Less than 70% of planned points were completed")
		r.ActionItems = append(r.ActionItems, "Reduce next sprint's commitment to recent average velocity")
	}
	if m.CarryOver > 0 {
		r.Improvements = append(r.Improvements, fmt.Sprintf("%d issues carried over to the next sprint", m.CarryOver))
		r.ActionItems = append(r.ActionItems, "Split large issues before committing to them")
	} else if m.TotalIssues > 0 {
		r.WentWell = append(r.WentWell, "No work carried over")
	}
	if m.TotalIssues > 0 && float64(m.BugCount)/float64(m.TotalIssues) > 0.3 {
		r.Improvements = append(r.Improvements, "Bugs made up more than 30% of the sprint")
		r.ActionItems = append(r.ActionItems, "Schedule time for root-cause analysis and test coverage")
	}
	if m.BlockedCount > 0 {
		r.Improvements = append(r.Improvements, fmt.Sprintf("%d issues were blocked", m.BlockedCount))
		r.ActionItems = append(r.ActionItems, "Raise blockers at daily standup and assign an owner")
	}
	switch r.VelocityTrend {
	case TrendUp:
		r.WentWell = append(r.WentWell, "Velocity improved over previous sprints")
	case TrendDown:
		r.Improvements = append(r.Improvements, "Velocity dropped compared with previous sprints")
	}
	if len(r.WentWell) == 0 {
		r.WentWell = []string{"The team completed the sprint and gathered data for planning"}
	}
	if len(r.ActionItems) == 0 {
		r.ActionItems = []string{"Keep the current planning approach"}
	}
	if r.Improvements == nil {
		r.Improvements = []string{}
	}
	return r
}

func nonEmpty(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
