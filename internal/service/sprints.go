package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/bus"
	"github.com/basket/storyforge/internal/generate"
	"github.com/basket/storyforge/internal/persistence"
	"github.com/basket/storyforge/internal/planner"
)

// ForecastKeyPrefix namespaces stored sprint forecasts in the kv store.
const ForecastKeyPrefix = "sprint_forecast:"

func (s *Service) CreateSprint(ctx context.Context, projectID, name string, capacity int) (*persistence.Sprint, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Invalid("sprint name is required")
	}
	if capacity <= 0 {
		return nil, apperr.Invalid("capacity must be positive")
	}
	if _, err := s.project(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.CreateSprint(ctx, projectID, name, capacity)
}

func (s *Service) GetSprint(ctx context.Context, id string) (*persistence.Sprint, error) {
	return s.sprint(ctx, id)
}

func (s *Service) ListSprints(ctx context.Context, projectID, status string) ([]persistence.Sprint, error) {
	out, err := s.store.ListSprints(ctx, projectID, status, 0)
	if out == nil {
		out = []persistence.Sprint{}
	}
	return out, err
}

type PlanResult struct {
	Sprint    *persistence.Sprint `json:"sprint"`
	Selection planner.Selection   `json:"selection"`
	Workload  planner.Workload    `json:"workload"`
}

// PlanSprint fills a planned sprint from the project backlog up to its
// remaining capacity and deals the picks across the team. Issues that
// already have an assignee keep it.
func (s *Service) PlanSprint(ctx context.Context, sprintID string, useAI bool) (*PlanResult, error) {
	sp, err := s.sprint(ctx, sprintID)
	if err != nil {
		return nil, err
	}
	if sp.Status == persistence.SprintCompleted {
		return nil, apperr.Conflict("sprint %s is already completed", sprintID)
	}
	current, err := s.store.ListIssues(ctx, sp.ProjectID, persistence.IssueFilter{SprintID: sp.ID})
	if err != nil {
		return nil, err
	}
	backlog, err := s.store.ListIssues(ctx, sp.ProjectID, persistence.IssueFilter{Backlog: true})
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, sp.ProjectID)
	if err != nil {
		return nil, err
	}

	committed := 0
	ids := make([]string, 0, len(current))
	for _, is := range current {
		committed += is.StoryPoints
		ids = append(ids, is.ID)
	}
	sel := s.planner.Select(ctx, backlog, max(sp.Capacity-committed, 0), useAI)
	work := planner.Balance(sel.Selected, members)

	assignees := map[string]string{}
	for _, is := range sel.Selected {
		ids = append(ids, is.ID)
		if is.AssigneeID == "" {
			assignees[is.ID] = work.Assignments[is.ID]
		}
	}
	if err := s.store.AssignSprint(ctx, sp.ID, ids, assignees, committed+sel.TotalPoints); err != nil {
		return nil, storeErr(err, "sprint", sprintID)
	}
	if sp, err = s.sprint(ctx, sprintID); err != nil {
		return nil, err
	}
	s.bus.Publish(bus.TopicSprintPlanned, map[string]any{
		"sprintId": sp.ID, "selected": len(sel.Selected), "points": sel.TotalPoints, "source": sel.Source,
	})
	return &PlanResult{Sprint: sp, Selection: sel, Workload: work}, nil
}

// StartSprint moves a planned sprint to active.
func (s *Service) StartSprint(ctx context.Context, id string) (*persistence.Sprint, error) {
	sp, err := s.sprint(ctx, id)
	if err != nil {
		return nil, err
	}
	if sp.Status != persistence.SprintPlanned {
		return nil, apperr.Conflict("sprint %s is %s, not planned", id, sp.Status)
	}
	if err := s.store.SetSprintStatus(ctx, id, persistence.SprintActive); err != nil {
		return nil, storeErr(err, "sprint", id)
	}
	sp.Status = persistence.SprintActive
	return sp, nil
}

// PredictSprint forecasts a sprint from its issues and the project's most
// recent completed sprints.
func (s *Service) PredictSprint(ctx context.Context, id string) (*planner.Prediction, error) {
	sp, err := s.sprint(ctx, id)
	if err != nil {
		return nil, err
	}
	planned, err := s.store.ListIssues(ctx, sp.ProjectID, persistence.IssueFilter{SprintID: sp.ID})
	if err != nil {
		return nil, err
	}
	history, err := s.history(ctx, sp)
	if err != nil {
		return nil, err
	}
	p := planner.Predict(planned, history)
	return &p, nil
}

func (s *Service) history(ctx context.Context, sp *persistence.Sprint) ([]persistence.Sprint, error) {
	done, err := s.store.ListSprints(ctx, sp.ProjectID, persistence.SprintCompleted, s.historySprints+1)
	if err != nil {
		return nil, err
	}
	out := make([]persistence.Sprint, 0, len(done))
	for _, h := range done {
		if h.ID != sp.ID && len(out) < s.historySprints {
			out = append(out, h)
		}
	}
	return out, nil
}

// ForecastActive recomputes and stores the prediction of every active
// sprint. It returns how many forecasts were written.
func (s *Service) ForecastActive(ctx context.Context) (int, error) {
	active, err := s.store.ListSprints(ctx, "", persistence.SprintActive, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sp := range active {
		p, err := s.PredictSprint(ctx, sp.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "sprint forecast failed", "sprint_id", sp.ID, "error", err)
			continue
		}
		b, err := json.Marshal(p)
		if err != nil {
			return n, err
		}
		if err := s.store.KVSet(ctx, ForecastKeyPrefix+sp.ID, string(b)); err != nil {
			return n, err
		}
		s.bus.Publish(bus.TopicSprintForecast, map[string]any{"sprintId": sp.ID, "successProbability": p.SuccessProbability})
		n++
	}
	return n, nil
}

// StoredForecast returns the last scheduled forecast of a sprint, or nil.
func (s *Service) StoredForecast(ctx context.Context, id string) (*planner.Prediction, error) {
	if _, err := s.sprint(ctx, id); err != nil {
		return nil, err
	}
	raw, err := s.store.KVGet(ctx, ForecastKeyPrefix+id)
	if err != nil || raw == "" {
		return nil, err
	}
	var p planner.Prediction
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, apperr.Internal("decode stored forecast", err)
	}
	return &p, nil
}

// CompleteSprint closes a sprint and records its actual outcome.
func (s *Service) CompleteSprint(ctx context.Context, id string) (*persistence.Sprint, error) {
	sp, err := s.sprint(ctx, id)
	if err != nil {
		return nil, err
	}
	if sp.Status == persistence.SprintCompleted {
		return nil, apperr.Conflict("sprint %s is already completed", id)
	}
	issues, err := s.store.ListIssues(ctx, sp.ProjectID, persistence.IssueFilter{SprintID: sp.ID})
	if err != nil {
		return nil, err
	}
	m := sprintMetrics(sp, issues)
	if err := s.store.CompleteSprint(ctx, id, persistence.SprintActuals{
		CompletedPoints: m.CompletedPoints,
		CompletedIssues: m.CompletedIssues,
		TotalIssues:     m.TotalIssues,
		BugCount:        m.BugCount,
	}); err != nil {
		return nil, storeErr(err, "sprint", id)
	}
	if sp, err = s.sprint(ctx, id); err != nil {
		return nil, err
	}
	s.bus.Publish(bus.TopicSprintCompleted, map[string]any{"sprintId": sp.ID, "completedPoints": sp.CompletedPoints})
	return sp, nil
}

func sprintMetrics(sp *persistence.Sprint, issues []persistence.Issue) generate.SprintMetrics {
	m := generate.SprintMetrics{SprintName: sp.Name, Capacity: sp.Capacity, TotalIssues: len(issues)}
	for _, is := range issues {
		m.PlannedPoints += is.StoryPoints
		switch is.Status {
		case persistence.IssueDone:
			m.CompletedPoints += is.StoryPoints
			m.CompletedIssues++
		case persistence.IssueBlocked:
			m.BlockedCount++
		}
		if is.Type == persistence.IssueTypeBug {
			m.BugCount++
		}
	}
	m.CarryOver = m.TotalIssues - m.CompletedIssues
	return m
}

type RetrospectiveReport struct {
	generate.RetrospectiveResult
	ID string `json:"id"`
}

// Retrospective analyses a sprint and stores the report.
func (s *Service) Retrospective(ctx context.Context, id string) (*RetrospectiveReport, error) {
	sp, err := s.sprint(ctx, id)
	if err != nil {
		return nil, err
	}
	issues, err := s.store.ListIssues(ctx, sp.ProjectID, persistence.IssueFilter{SprintID: sp.ID})
	if err != nil {
		return nil, err
	}
	history, err := s.history(ctx, sp)
	if err != nil {
		return nil, err
	}
	m := sprintMetrics(sp, issues)
	if len(history) > 0 {
		total := 0
		for _, h := range history {
			total += h.CompletedPoints
		}
		m.PriorVelocity = float64(total) / float64(len(history))
	}
	res := s.gen.Retrospective(ctx, m, issues)
	saved, err := s.store.SaveRetrospective(ctx, sp.ID, res.JSON(), res.Fallback)
	if err != nil {
		return nil, err
	}
	return &RetrospectiveReport{RetrospectiveResult: res, ID: saved.ID}, nil
}

// LatestRetrospective returns the newest stored report of a sprint.
func (s *Service) LatestRetrospective(ctx context.Context, id string) (*persistence.Retrospective, error) {
	if _, err := s.sprint(ctx, id); err != nil {
		return nil, err
	}
	r, err := s.store.LatestRetrospective(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, apperr.NotFound("retrospective for sprint", id)
	}
	return r, nil
}
