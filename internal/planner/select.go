// Package planner selects backlog issues into sprints, spreads them across
// the team and forecasts whether a sprint will land.
package planner

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/basket/storyforge/internal/generate"
	"github.com/basket/storyforge/internal/persistence"
)

// StopRatio ends greedy selection once this share of capacity is used.
const StopRatio = 0.95

// Selection sources.
const (
	SourceAI            = "ai"
	SourceDeterministic = "deterministic"
)

type Selection struct {
	generate.Meta
	Source      string              `json:"source"`
	Selected    []persistence.Issue `json:"selected"`
	Skipped     []persistence.Issue `json:"skipped"`
	TotalPoints int                 `json:"totalPoints"`
	Capacity    int                 `json:"capacity"`
	Utilization float64             `json:"utilization"`
	Rationale   string              `json:"rationale,omitempty"`
}

// Selector is the AI side of selection. *generate.Generator implements it.
type Selector interface {
	SelectSprint(ctx context.Context, backlog []persistence.Issue, capacity int) (generate.SprintSelection, error)
	Fallback(ctx context.Context, feature string, cause error) generate.Meta
}

type Planner struct {
	ai     Selector
	logger *slog.Logger
}

func New(ai Selector, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{ai: ai, logger: logger}
}

var priorityRank = map[string]int{"critical": 4, "high": 3, "medium": 2, "low": 1}

// splitEstimated separates unestimated issues, which are never auto-selected.
func splitEstimated(backlog []persistence.Issue) (estimated, skipped []persistence.Issue) {
	skipped = []persistence.Issue{}
	for _, is := range backlog {
		if is.StoryPoints <= 0 {
			skipped = append(skipped, is)
			continue
		}
		estimated = append(estimated, is)
	}
	return estimated, skipped
}

// SelectDeterministic sorts the backlog by priority (ties by creation time)
// and accepts issues greedily while the total stays within capacity,
// stopping once 95% of capacity is reached.
func SelectDeterministic(backlog []persistence.Issue, capacity int) Selection {
	estimated, skipped := splitEstimated(backlog)
	sel := Selection{Source: SourceDeterministic, Selected: []persistence.Issue{}, Skipped: skipped, Capacity: capacity}
	if capacity <= 0 {
		return sel
	}
	ordered := append([]persistence.Issue(nil), estimated...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := priorityRank[ordered[i].Priority], priorityRank[ordered[j].Priority]
		if ri != rj {
			return ri > rj
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})
	stop := StopRatio * float64(capacity)
	for _, is := range ordered {
		if float64(sel.TotalPoints) >= stop {
			break
		}
		if sel.TotalPoints+is.StoryPoints > capacity {
			continue
		}
		sel.Selected = append(sel.Selected, is)
		sel.TotalPoints += is.StoryPoints
	}
	sel.Utilization = float64(sel.TotalPoints) / float64(capacity)
	return sel
}

var errNoValidPicks = errors.New("model selected no valid backlog issues")

// Select picks issues for a sprint. With useAI the model chooses and its
// picks are validated against the backlog and capacity; any failure falls
// back to SelectDeterministic with the fallback marker set.
func (p *Planner) Select(ctx context.Context, backlog []persistence.Issue, capacity int, useAI bool) Selection {
	if !useAI || p.ai == nil || capacity <= 0 {
		return SelectDeterministic(backlog, capacity)
	}
	estimated, skipped := splitEstimated(backlog)
	if len(estimated) == 0 {
		return SelectDeterministic(backlog, capacity)
	}

	picked, err := p.ai.SelectSprint(ctx, estimated, capacity)
	if err == nil {
		sel := validatePicks(picked, estimated, capacity)
		if len(sel.Selected) > 0 {
			sel.Skipped = skipped
			return sel
		}
		err = errNoValidPicks
	}
	p.logger.InfoContext(ctx, "planner: AI selection unusable, using priority order", "error", err)
	sel := SelectDeterministic(backlog, capacity)
	sel.Meta = p.ai.Fallback(ctx, "sprint_selection", err)
	return sel
}

// validatePicks keeps known, unique ids in the model's order while they fit.
func validatePicks(picked generate.SprintSelection, estimated []persistence.Issue, capacity int) Selection {
	byID := make(map[string]persistence.Issue, len(estimated))
	for _, is := range estimated {
		byID[is.ID] = is
	}
	sel := Selection{Source: SourceAI, Selected: []persistence.Issue{}, Capacity: capacity, Rationale: picked.Rationale}
	seen := map[string]bool{}
	for _, id := range picked.IssueIDs {
		is, ok := byID[id]
		if !ok || seen[id] || sel.TotalPoints+is.StoryPoints > capacity {
			continue
		}
		seen[id] = true
		sel.Selected = append(sel.Selected, is)
		sel.TotalPoints += is.StoryPoints
	}
	sel.Utilization = float64(sel.TotalPoints) / float64(capacity)
	return sel
}
