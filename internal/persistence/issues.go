package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const issueColumns = `id, project_id, issue_key, title, description, issue_type, status, priority,
	story_points, labels, assignee_id, sprint_id, reporter, source, story_id, created_at, updated_at`

func scanIssue(scan func(dest ...any) error, is *Issue) error {
	return scan(&is.ID, &is.ProjectID, &is.IssueKey, &is.Title, &is.Description, &is.Type, &is.Status,
		&is.Priority, &is.StoryPoints, jsonList{&is.Labels}, &is.AssigneeID, &is.SprintID, &is.Reporter,
		&is.Source, &is.StoryID, dbTime{&is.CreatedAt}, dbTime{&is.UpdatedAt})
}

// CreateIssue inserts an issue. A duplicate key surfaces as a unique violation.
func (s *Store) CreateIssue(ctx context.Context, is Issue) (*Issue, error) {
	if is.ID == "" {
		is.ID = uuid.NewString()
	}
	if is.Type == "" {
		is.Type = IssueTypeTask
	}
	if is.Status == "" {
		is.Status = IssueTodo
	}
	if is.Priority == "" {
		is.Priority = "medium"
	}
	if is.Source == "" {
		is.Source = "manual"
	}
	now := s.now().UTC()
	is.CreatedAt, is.UpdatedAt = now, now
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO issues (`+issueColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, is.ID, is.ProjectID, is.IssueKey, is.Title, is.Description, is.Type, is.Status, is.Priority,
			is.StoryPoints, encodeList(is.Labels), is.AssigneeID, is.SprintID, is.Reporter, is.Source,
			is.StoryID, formatTime(now), formatTime(now))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	return &is, nil
}

// GetIssue returns nil, nil when absent.
func (s *Store) GetIssue(ctx context.Context, id string) (*Issue, error) {
	var is Issue
	err := scanIssue(s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?;`, id).Scan, &is)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return &is, nil
}

// GetIssueByStory returns the issue mirroring a story, or nil, nil.
func (s *Store) GetIssueByStory(ctx context.Context, storyID string) (*Issue, error) {
	if storyID == "" {
		return nil, nil
	}
	var is Issue
	err := scanIssue(s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE story_id = ? ORDER BY created_at, id LIMIT 1;`, storyID).Scan, &is)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get issue by story: %w", err)
	}
	return &is, nil
}

// IssueFilter narrows ListIssues; zero fields match everything.
type IssueFilter struct {
	Status   string
	SprintID string
	// Backlog selects issues with no sprint that are not done.
	Backlog bool
	Limit   int
}

// ListIssues returns a project's issues in creation order (newest first when
// a limit is set).
func (s *Store) ListIssues(ctx context.Context, projectID string, f IssueFilter) ([]Issue, error) {
	where := []string{"project_id = ?"}
	args := []any{projectID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.SprintID != "" {
		where = append(where, "sprint_id = ?")
		args = append(args, f.SprintID)
	}
	if f.Backlog {
		where = append(where, "sprint_id = ''", "status <> 'done'")
	}
	q := `SELECT ` + issueColumns + ` FROM issues WHERE ` + strings.Join(where, " AND ")
	if f.Limit > 0 {
		q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
		args = append(args, f.Limit)
	} else {
		q += ` ORDER BY created_at, id`
	}
	return s.queryIssues(ctx, "list issues", q, args...)
}

func (s *Store) queryIssues(ctx context.Context, op, q string, args ...any) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []Issue
	for rows.Next() {
		var is Issue
		if err := scanIssue(rows.Scan, &is); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, is)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}

// ProjectLabels returns the distinct labels used in a project.
func (s *Store) ProjectLabels(ctx context.Context, projectID string) ([]string, error) {
	issues, err := s.ListIssues(ctx, projectID, IssueFilter{})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, is := range issues {
		for _, l := range is.Labels {
			if !seen[l] {
				seen[l] = true
				out = append(out, l)
			}
		}
	}
	return out, nil
}

func (s *Store) SetIssueLabels(ctx context.Context, issueID string, labels []string) error {
	return s.execOne(ctx, "set issue labels", `
		UPDATE issues SET labels = ?, updated_at = ? WHERE id = ?;
	`, encodeList(labels), formatTime(s.now()), issueID)
}

func (s *Store) SetIssueAssignee(ctx context.Context, issueID, memberID string) error {
	return s.execOne(ctx, "set issue assignee", `
		UPDATE issues SET assignee_id = ?, updated_at = ? WHERE id = ?;
	`, memberID, formatTime(s.now()), issueID)
}

func (s *Store) SetIssueDescription(ctx context.Context, issueID, description string) error {
	return s.execOne(ctx, "set issue description", `
		UPDATE issues SET description = ?, updated_at = ? WHERE id = ?;
	`, description, formatTime(s.now()), issueID)
}

func (s *Store) SetIssueStatus(ctx context.Context, issueID, status string) error {
	return s.execOne(ctx, "set issue status", `
		UPDATE issues SET status = ?, updated_at = ? WHERE id = ?;
	`, status, formatTime(s.now()), issueID)
}

func (s *Store) SetIssuePoints(ctx context.Context, issueID string, points int) error {
	return s.execOne(ctx, "set issue points", `
		UPDATE issues SET story_points = ?, updated_at = ? WHERE id = ?;
	`, points, formatTime(s.now()), issueID)
}

// AssignSprint moves issues into a sprint and records assignees in one
// transaction. assignees maps issue id to member id; missing entries keep
// the current assignee.
func (s *Store) AssignSprint(ctx context.Context, sprintID string, issueIDs []string, assignees map[string]string, plannedPoints int) error {
	return s.withTx(ctx, "assign sprint", func(tx *sql.Tx) error {
		now := formatTime(s.now())
		for _, id := range issueIDs {
			q := `UPDATE issues SET sprint_id = ?, updated_at = ? WHERE id = ?;`
			args := []any{sprintID, now, id}
			if m, ok := assignees[id]; ok && m != "" {
				q = `UPDATE issues SET sprint_id = ?, assignee_id = ?, updated_at = ? WHERE id = ?;`
				args = []any{sprintID, m, now, id}
			}
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return fmt.Errorf("assign sprint: issue %s: %w", id, err)
			}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE sprints SET planned_points = ?, total_issues = ? WHERE id = ?;
		`, plannedPoints, len(issueIDs), sprintID)
		if err != nil {
			return fmt.Errorf("assign sprint: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("assign sprint: %w", ErrNotFound)
		}
		return nil
	})
}
