package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const sprintColumns = `id, project_id, name, status, capacity, planned_points, completed_points,
	completed_issues, total_issues, bug_count, created_at, completed_at`

func scanSprint(scan func(dest ...any) error, sp *Sprint) error {
	return scan(&sp.ID, &sp.ProjectID, &sp.Name, &sp.Status, &sp.Capacity, &sp.PlannedPoints,
		&sp.CompletedPoints, &sp.CompletedIssues, &sp.TotalIssues, &sp.BugCount,
		dbTime{&sp.CreatedAt}, dbTime{&sp.CompletedAt})
}

func (s *Store) CreateSprint(ctx context.Context, projectID, name string, capacity int) (*Sprint, error) {
	sp := &Sprint{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		Status:    SprintPlanned,
		Capacity:  capacity,
		CreatedAt: s.now().UTC(),
	}
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sprints (id, project_id, name, status, capacity, created_at) VALUES (?, ?, ?, ?, ?, ?);
		`, sp.ID, sp.ProjectID, sp.Name, sp.Status, sp.Capacity, formatTime(sp.CreatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create sprint: %w", err)
	}
	return sp, nil
}

// GetSprint returns nil, nil when absent.
func (s *Store) GetSprint(ctx context.Context, id string) (*Sprint, error) {
	var sp Sprint
	err := scanSprint(s.db.QueryRowContext(ctx, `SELECT `+sprintColumns+` FROM sprints WHERE id = ?;`, id).Scan, &sp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get sprint: %w", err)
	}
	return &sp, nil
}

// ListSprints filters by status when given; newest first, limited when limit > 0.
func (s *Store) ListSprints(ctx context.Context, projectID, status string, limit int) ([]Sprint, error) {
	q := `SELECT ` + sprintColumns + ` FROM sprints WHERE 1 = 1`
	var args []any
	if projectID != "" {
		q += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sprints: %w", err)
	}
	defer rows.Close()
	var out []Sprint
	for rows.Next() {
		var sp Sprint
		if err := scanSprint(rows.Scan, &sp); err != nil {
			return nil, fmt.Errorf("scan sprint: %w", err)
		}
		out = append(out, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sprints: iterate: %w", err)
	}
	return out, nil
}

func (s *Store) SetSprintStatus(ctx context.Context, sprintID, status string) error {
	return s.execOne(ctx, "set sprint status", `UPDATE sprints SET status = ? WHERE id = ?;`, status, sprintID)
}

// SprintActuals are the outcome numbers recorded when a sprint closes.
type SprintActuals struct {
	CompletedPoints int
	CompletedIssues int
	TotalIssues     int
	BugCount        int
}

func (s *Store) CompleteSprint(ctx context.Context, sprintID string, a SprintActuals) error {
	return s.execOne(ctx, "complete sprint", `
		UPDATE sprints SET status = 'completed', completed_points = ?, completed_issues = ?, total_issues = ?,
			bug_count = ?, completed_at = ?
		WHERE id = ?;
	`, a.CompletedPoints, a.CompletedIssues, a.TotalIssues, a.BugCount, formatTime(s.now()), sprintID)
}

func (s *Store) SaveRetrospective(ctx context.Context, sprintID, report string, fallback bool) (*Retrospective, error) {
	r := &Retrospective{
		ID:        uuid.NewString(),
		SprintID:  sprintID,
		Report:    report,
		Fallback:  fallback,
		CreatedAt: s.now().UTC(),
	}
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO retrospectives (id, sprint_id, report, fallback, created_at) VALUES (?, ?, ?, ?, ?);
		`, r.ID, r.SprintID, r.Report, boolInt(r.Fallback), formatTime(r.CreatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("save retrospective: %w", err)
	}
	return r, nil
}

// LatestRetrospective returns nil, nil when none was generated.
func (s *Store) LatestRetrospective(ctx context.Context, sprintID string) (*Retrospective, error) {
	var r Retrospective
	var fallback int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sprint_id, report, fallback, created_at FROM retrospectives
		WHERE sprint_id = ? ORDER BY created_at DESC LIMIT 1;
	`, sprintID).Scan(&r.ID, &r.SprintID, &r.Report, &fallback, dbTime{&r.CreatedAt})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest retrospective: %w", err)
	}
	r.Fallback = fallback != 0
	return &r, nil
}
