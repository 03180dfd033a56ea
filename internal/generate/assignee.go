package generate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/storyforge/internal/llm"
	"github.com/basket/storyforge/internal/persistence"
)

// Candidate is a project member with their current open workload.
type Candidate struct {
	Member     persistence.Member
	OpenPoints int
	OpenIssues int
}

type AssigneeAlternative struct {
	MemberID   string `json:"memberId"`
	Name       string `json:"name"`
	Confidence int    `json:"confidence"`
	Reason     string `json:"reason"`
}

type AssigneeResult struct {
	Meta
	MemberID     string                `json:"memberId"`
	Name         string                `json:"name"`
	Confidence   int                   `json:"confidence"`
	Reason       string                `json:"reason"`
	Alternatives []AssigneeAlternative `json:"alternatives"`
}

var assigneeSchema = llm.MustCompileSchema("assignee", `{
	"type": "object",
	"required": ["memberId", "confidence"],
	"properties": {
		"memberId": {"type": "string", "minLength": 1},
		"confidence": {"type": "number", "minimum": 0, "maximum": 100},
		"reason": {"type": "string"},
		"alternatives": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["memberId"],
				"properties": {
					"memberId": {"type": "string"},
					"confidence": {"type": "number"},
					"reason": {"type": "string"}
				}
			}
		}
	}
}`)

const assigneeSystem = `You assign issues to engineers based on skills and current workload.
Only choose from the listed member ids.
Reply with JSON only: {"memberId":"...","confidence":0-100,"reason":"...","alternatives":[{"memberId":"...","confidence":0-100,"reason":"..."}]}.`

// Assignee recommends a member for an issue. candidates must not be empty.
func (g *Generator) Assignee(ctx context.Context, issue persistence.Issue, candidates []Candidate) AssigneeResult {
	byID := make(map[string]Candidate, len(candidates))
	var b strings.Builder
	fmt.Fprintf(&b, "Issue (%s, %d points): %s\n%s\n", issue.Type, issue.StoryPoints, issue.Title, issue.Description)
	if len(issue.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(issue.Labels, ", "))
	}
	b.WriteString("\nMembers:\n")
	for _, c := range candidates {
		byID[c.Member.ID] = c
		fmt.Fprintf(&b, "- id=%s name=%s skills=[%s] open_issues=%d open_points=%d\n",
			c.Member.ID, c.Member.Name, strings.Join(c.Member.Skills, ", "), c.OpenIssues, c.OpenPoints)
	}

	var reply struct {
		MemberID     string  `json:"memberId"`
		Confidence   float64 `json:"confidence"`
		Reason       string  `json:"reason"`
		Alternatives []struct {
			MemberID   string  `json:"memberId"`
			Confidence float64 `json:"confidence"`
			Reason     string  `json:"reason"`
		} `json:"alternatives"`
	}
	err := g.ask(ctx, assigneeSchema, "", assigneeSystem, b.String(), &reply)
	if err == nil {
		chosen, ok := byID[reply.MemberID]
		if ok {
			res := AssigneeResult{
				MemberID:   chosen.Member.ID,
				Name:       chosen.Member.Name,
				Confidence: int(reply.Confidence + 0.5),
				Reason:     strings.TrimSpace(reply.Reason),
			}
			for _, alt := range reply.Alternatives {
				c, ok := byID[alt.MemberID]
				if !ok || alt.MemberID == chosen.Member.ID {
					continue
				}
				res.Alternatives = append(res.Alternatives, AssigneeAlternative{
					MemberID: c.Member.ID, Name: c.Member.Name, Confidence: int(alt.Confidence + 0.5), Reason: alt.Reason,
				})
			}
			return res
		}
		err = fmt.Errorf("reply chose unknown member %q: %w", reply.MemberID, errEmpty)
	}
	res := FallbackAssignee(issue, candidates)
	res.Meta = g.fallback(ctx, "assignee", err)
	return res
}

// FallbackAssignee ranks members by skill keyword overlap with the issue,
// breaking ties by lowest open points and then name.
func FallbackAssignee(issue persistence.Issue, candidates []Candidate) AssigneeResult {
	if len(candidates) == 0 {
		return AssigneeResult{Reason: "no members available"}
	}
	text := " " + strings.ToLower(issue.Title+" "+issue.Description+" "+strings.Join(issue.Labels, " ")) + " "
	type scored struct {
		c       Candidate
		matched []string
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		var matched []string
		for _, skill := range c.Member.Skills {
			s := strings.ToLower(strings.TrimSpace(skill))
			if s != "" && containsWord(text, s) {
				matched = append(matched, skill)
			}
		}
		ranked = append(ranked, scored{c: c, matched: matched})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if len(a.matched) != len(b.matched) {
			return len(a.matched) > len(b.matched)
		}
		if a.c.OpenPoints != b.c.OpenPoints {
			return a.c.OpenPoints < b.c.OpenPoints
		}
		return a.c.Member.Name < b.c.Member.Name
	})

	reasonFor := func(s scored) (int, string) {
		if len(s.matched) == 0 {
			return 30, fmt.Sprintf("No skill match; %d open points", s.c.OpenPoints)
		}
		return min(40+15*len(s.matched), 85), fmt.Sprintf("Skills match: %s; %d open points", strings.Join(s.matched, ", "), s.c.OpenPoints)
	}

	top := ranked[0]
	conf, reason := reasonFor(top)
	res := AssigneeResult{MemberID: top.c.Member.ID, Name: top.c.Member.Name, Confidence: conf, Reason: reason}
	for _, alt := range ranked[1:min(len(ranked), 3)] {
		conf, reason := reasonFor(alt)
		res.Alternatives = append(res.Alternatives, AssigneeAlternative{
			MemberID: alt.c.Member.ID, Name: alt.c.Member.Name, Confidence: conf, Reason: reason,
		})
	}
	return res
}
