package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/storyforge/internal/generate"
	"github.com/basket/storyforge/internal/persistence"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func issue(id, priority string, points int, offset time.Duration) persistence.Issue {
	return persistence.Issue{ID: id, Priority: priority, StoryPoints: points, CreatedAt: t0.Add(offset), Type: persistence.IssueTypeStory, Status: persistence.IssueTodo}
}

func ids(issues []persistence.Issue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.ID
	}
	return out
}

func equalIDs(got []persistence.Issue, want ...string) bool {
	g := ids(got)
	if len(g) != len(want) {
		return false
	}
	for i := range g {
		if g[i] != want[i] {
			return false
		}
	}
	return true
}

func backlog() []persistence.Issue {
	return []persistence.Issue{
		issue("A", "high", 5, time.Hour),
		issue("B", "critical", 8, 2*time.Hour),
		issue("C", "low", 3, 3*time.Hour),
		issue("D", "medium", 0, 4*time.Hour),
		issue("E", "medium", 5, 0),
	}
}

func TestSelectDeterministic(t *testing.T) {
	sel := SelectDeterministic(backlog(), 15)
	if !equalIDs(sel.Selected, "B", "A") || sel.TotalPoints != 13 {
		t.Fatalf("unexpected selection %v (%d pts)", ids(sel.Selected), sel.TotalPoints)
	}
	if !equalIDs(sel.Skipped, "D") {
		t.Fatalf("unestimated issue should be skipped, got %v", ids(sel.Skipped))
	}
	if sel.Source != SourceDeterministic || sel.Fallback {
		t.Fatalf("unexpected meta %+v", sel)
	}

	// Ties on priority go to the older issue.
	tied := SelectDeterministic([]persistence.Issue{issue("new", "high", 3, time.Hour), issue("old", "high", 3, 0)}, 3)
	if !equalIDs(tied.Selected, "old") {
		t.Fatalf("expected creation-order tie break, got %v", ids(tied.Selected))
	}
}

func TestSelectDeterministic_StopsNearCapacity(t *testing.T) {
	sel := SelectDeterministic([]persistence.Issue{issue("X", "critical", 19, 0), issue("Y", "low", 1, time.Hour)}, 20)
	if !equalIDs(sel.Selected, "X") {
		t.Fatalf("selection should stop at 95%% of capacity, got %v", ids(sel.Selected))
	}
}

func TestSelectDeterministic_NeverExceedsCapacity(t *testing.T) {
	for capacity := 0; capacity <= 40; capacity++ {
		sel := SelectDeterministic(backlog(), capacity)
		if sel.TotalPoints > capacity {
			t.Fatalf("capacity %d exceeded: %d", capacity, sel.TotalPoints)
		}
		sum := 0
		for _, is := range sel.Selected {
			sum += is.StoryPoints
		}
		if sum != sel.TotalPoints {
			t.Fatalf("total %d does not match selected sum %d", sel.TotalPoints, sum)
		}
	}
}

type stubSelector struct {
	sel       generate.SprintSelection
	err       error
	fallbacks int
	seen      []persistence.Issue
}

func (s *stubSelector) SelectSprint(_ context.Context, backlog []persistence.Issue, _ int) (generate.SprintSelection, error) {
	s.seen = backlog
	return s.sel, s.err
}

func (s *stubSelector) Fallback(_ context.Context, _ string, _ error) generate.Meta {
	s.fallbacks++
	return generate.Meta{Fallback: true, Notice: "fallback"}
}

func TestPlannerSelect_ValidatesAIPicks(t *testing.T) {
	stub := &stubSelector{sel: generate.SprintSelection{IssueIDs: []string{"E", "ghost", "B", "B", "A"}, Rationale: "value first"}}
	sel := New(stub, nil).Select(context.Background(), backlog(), 15, true)

	if sel.Source != SourceAI || sel.Fallback {
		t.Fatalf("expected AI selection, got %+v", sel)
	}
	if !equalIDs(sel.Selected, "E", "B") || sel.TotalPoints != 13 {
		t.Fatalf("expected unknown, duplicate and over-capacity picks dropped, got %v", ids(sel.Selected))
	}
	if !equalIDs(sel.Skipped, "D") {
		t.Fatalf("expected unestimated skipped, got %v", ids(sel.Skipped))
	}
	for _, is := range stub.seen {
		if is.StoryPoints == 0 {
			t.Fatal("unestimated issues must not be offered to the model")
		}
	}
}

func TestPlannerSelect_FallsBack(t *testing.T) {
	for name, stub := range map[string]*stubSelector{
		"error":        {err: errors.New("AI unavailable")},
		"no valid ids": {sel: generate.SprintSelection{IssueIDs: []string{"ghost"}}},
	} {
		t.Run(name, func(t *testing.T) {
			sel := New(stub, nil).Select(context.Background(), backlog(), 15, true)
			if !sel.Fallback || stub.fallbacks != 1 || sel.Source != SourceDeterministic {
				t.Fatalf("expected deterministic fallback, got %+v", sel)
			}
			if !equalIDs(sel.Selected, "B", "A") {
				t.Fatalf("unexpected fallback selection %v", ids(sel.Selected))
			}
		})
	}

	stub := &stubSelector{}
	if sel := New(stub, nil).Select(context.Background(), backlog(), 15, false); stub.seen != nil || sel.Source != SourceDeterministic {
		t.Fatal("useAI=false must not call the model")
	}
}

func TestBalance(t *testing.T) {
	members := []persistence.Member{{ID: "m1", Name: "Alex"}, {ID: "m2", Name: "Sam"}}
	selected := []persistence.Issue{
		issue("i1", "high", 3, 0), issue("i2", "high", 5, 0), issue("i3", "high", 2, 0),
		issue("i4", "high", 8, 0), issue("i5", "high", 1, 0),
	}
	w := Balance(selected, members)
	if w.Members[0].Points != 6 || w.Members[0].Issues != 3 || w.Members[1].Points != 13 || w.Members[1].Issues != 2 {
		t.Fatalf("unexpected round robin %+v", w.Members)
	}
	if w.Assignments["i4"] != "m2" || w.Assignments["i5"] != "m1" {
		t.Fatalf("unexpected assignments %v", w.Assignments)
	}
	if w.Utilization != 0.95 || len(w.Recommendations) != 0 {
		t.Fatalf("expected 95%% utilization without recommendations, got %v %v", w.Utilization, w.Recommendations)
	}

	low := Balance([]persistence.Issue{issue("a", "low", 1, 0), issue("b", "low", 1, 0)}, append(members, persistence.Member{ID: "m3"}))
	if len(low.Recommendations) != 1 || low.Utilization >= LowUtilization {
		t.Fatalf("expected add-work recommendation, got %+v", low)
	}

	full := Balance([]persistence.Issue{issue("a", "low", 3, 0), issue("b", "low", 3, 0)}, members)
	if full.Utilization != 1 || len(full.Recommendations) != 1 {
		t.Fatalf("expected over-utilization warning, got %+v", full)
	}

	if none := Balance(selected, nil); len(none.Assignments) != 0 || len(none.Recommendations) != 1 {
		t.Fatalf("expected no assignments without members, got %+v", none)
	}
}

func TestPredict(t *testing.T) {
	history := []persistence.Sprint{
		{PlannedPoints: 20, CompletedPoints: 20, BugCount: 1},
		{PlannedPoints: 25, CompletedPoints: 20, BugCount: 1},
	}

	t.Run("on plan", func(t *testing.T) {
		p := Predict([]persistence.Issue{issue("a", "high", 10, 0), issue("b", "high", 10, 0)}, history)
		// 100 × 0.9 average completion rate.
		if p.SuccessProbability != 90 || len(p.Risks) != 0 || p.AverageVelocity != 20 {
			t.Fatalf("unexpected prediction %+v", p)
		}
	})

	t.Run("under plan", func(t *testing.T) {
		p := Predict([]persistence.Issue{issue("a", "high", 10, 0)}, history[:1])
		if p.SuccessProbability != 95 {
			t.Fatalf("expected light under-commitment penalty, got %d", p.SuccessProbability)
		}
	})

	t.Run("risky", func(t *testing.T) {
		planned := []persistence.Issue{
			{ID: "1", StoryPoints: 13, Type: persistence.IssueTypeBug, Status: persistence.IssueBlocked},
			{ID: "2", StoryPoints: 0, Type: persistence.IssueTypeBug},
			{ID: "3", StoryPoints: 8, Type: persistence.IssueTypeBug},
			{ID: "4", StoryPoints: 9, Type: persistence.IssueTypeStory},
		}
		p := Predict(planned, history)
		want := map[string]string{
			RiskOverCommitment: SeverityHigh,
			RiskOversized:      SeverityMedium,
			RiskUnestimated:    SeverityLow,
			RiskBlocked:        SeverityHigh,
			RiskBugHeavy:       SeverityMedium,
		}
		if len(p.Risks) != len(want) {
			t.Fatalf("expected %d risks, got %+v", len(want), p.Risks)
		}
		for _, r := range p.Risks {
			if want[r.Type] != r.Severity || r.Mitigation == "" {
				t.Fatalf("unexpected risk %+v", r)
			}
		}
		if p.SuccessProbability != 0 {
			t.Fatalf("expected probability clamped to 0, got %d", p.SuccessProbability)
		}
	})

	t.Run("no history", func(t *testing.T) {
		p := Predict([]persistence.Issue{issue("a", "high", 5, 0)}, nil)
		if p.SuccessProbability != 100 || len(p.Recommendations) != 1 {
			t.Fatalf("unexpected prediction without history %+v", p)
		}
	})
}
