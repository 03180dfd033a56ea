package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const storyColumns = `id, story_key, project_id, requirement_id, epic_key, title, description, story_type,
	acceptance_criteria, story_points, priority, status, sync_status, version, flagged, linked_issue_id,
	created_at, updated_at`

func scanStory(scan func(dest ...any) error, st *Story) error {
	var flagged int
	if err := scan(&st.ID, &st.StoryKey, &st.ProjectID, &st.RequirementID, &st.EpicKey, &st.Title,
		&st.Description, &st.Type, jsonList{&st.AcceptanceCriteria}, &st.StoryPoints, &st.Priority,
		&st.Status, &st.SyncStatus, &st.Version, &flagged, &st.LinkedIssueID,
		dbTime{&st.CreatedAt}, dbTime{&st.UpdatedAt}); err != nil {
		return err
	}
	st.Flagged = flagged != 0
	return nil
}

// CreateStory inserts a story and its version 1 history row. A duplicate
// story key surfaces as a unique violation (see IsUniqueViolation).
func (s *Store) CreateStory(ctx context.Context, st Story) (*Story, error) {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.Status == "" {
		st.Status = IssueTodo
	}
	if st.SyncStatus == "" {
		st.SyncStatus = SyncStatusSynced
	}
	if st.Priority == "" {
		st.Priority = "medium"
	}
	now := s.now().UTC()
	st.Version = 1
	st.CreatedAt, st.UpdatedAt = now, now

	err := s.withTx(ctx, "create story", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stories (`+storyColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, st.ID, st.StoryKey, st.ProjectID, st.RequirementID, st.EpicKey, st.Title, st.Description, st.Type,
			encodeList(st.AcceptanceCriteria), st.StoryPoints, st.Priority, st.Status, st.SyncStatus,
			st.Version, boolInt(st.Flagged), st.LinkedIssueID, formatTime(now), formatTime(now)); err != nil {
			return fmt.Errorf("create story: %w", err)
		}
		snap, err := marshalSnapshot(st)
		if err != nil {
			return fmt.Errorf("create story: snapshot: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO story_versions (story_id, version, snapshot, changes, created_at)
			VALUES (?, 1, ?, 'Initial version', ?);
		`, st.ID, string(snap), formatTime(now)); err != nil {
			return fmt.Errorf("create story version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetStory returns nil, nil when absent.
func (s *Store) GetStory(ctx context.Context, id string) (*Story, error) {
	var st Story
	err := scanStory(s.db.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = ?;`, id).Scan, &st)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get story: %w", err)
	}
	return &st, nil
}

func (s *Store) queryStories(ctx context.Context, op, q string, args ...any) ([]Story, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []Story
	for rows.Next() {
		var st Story
		if err := scanStory(rows.Scan, &st); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}

// ListStoriesByRequirement returns stories in creation order.
func (s *Store) ListStoriesByRequirement(ctx context.Context, requirementID string) ([]Story, error) {
	return s.queryStories(ctx, "list stories", `SELECT `+storyColumns+`
		FROM stories WHERE requirement_id = ? ORDER BY created_at, story_key;`, requirementID)
}

// ListRecentStoriesByRequirement returns the newest limit stories of a requirement.
func (s *Store) ListRecentStoriesByRequirement(ctx context.Context, requirementID string, limit int) ([]Story, error) {
	return s.queryStories(ctx, "list recent requirement stories", `SELECT `+storyColumns+`
		FROM stories WHERE requirement_id = ? ORDER BY created_at DESC, story_key DESC LIMIT ?;`, requirementID, limit)
}

// ListRecentStoriesByProject returns the newest limit stories of a project.
func (s *Store) ListRecentStoriesByProject(ctx context.Context, projectID string, limit int) ([]Story, error) {
	return s.queryStories(ctx, "list recent project stories", `SELECT `+storyColumns+`
		FROM stories WHERE project_id = ? ORDER BY created_at DESC, story_key DESC LIMIT ?;`, projectID, limit)
}

// ListStoryKeys returns story and issue keys of a project; mirrored stories
// reuse their story key as issue key so both share one sequence.
func (s *Store) ListStoryKeys(ctx context.Context, projectID string) ([]string, error) {
	return s.listStrings(ctx, "list story keys", `
		SELECT story_key FROM stories WHERE project_id = ?1
		UNION SELECT issue_key FROM issues WHERE project_id = ?1;`, projectID)
}

func (s *Store) SetStoryLinkedIssue(ctx context.Context, storyID, issueID string) error {
	return s.execOne(ctx, "link story issue", `
		UPDATE stories SET linked_issue_id = ?, updated_at = ? WHERE id = ?;
	`, issueID, formatTime(s.now()), storyID)
}

// AcknowledgeStory clears the review flag. Flags are only ever cleared here.
func (s *Store) AcknowledgeStory(ctx context.Context, storyID string) error {
	return s.withTx(ctx, "acknowledge story", func(tx *sql.Tx) error {
		var reqID string
		var flagged int
		err := tx.QueryRowContext(ctx, `SELECT requirement_id, flagged FROM stories WHERE id = ?;`, storyID).Scan(&reqID, &flagged)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("acknowledge story: %w", ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("acknowledge story: %w", err)
		}
		if flagged == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE stories SET flagged = 0, sync_status = ?, updated_at = ? WHERE id = ?;
		`, SyncStatusSynced, formatTime(s.now()), storyID); err != nil {
			return fmt.Errorf("acknowledge story: %w", err)
		}
		return appendChangeLogTx(ctx, tx, ChangeLog{
			RequirementID: reqID,
			EntityType:    "story",
			EntityID:      storyID,
			ChangeType:    "acknowledged",
			Summary:       "Review flag cleared",
		}, s.now())
	})
}

// ListStoryVersions returns a story's history, oldest first.
func (s *Store) ListStoryVersions(ctx context.Context, storyID string) ([]StoryVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, story_id, version, snapshot, changes, created_at
		FROM story_versions WHERE story_id = ? ORDER BY version;
	`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list story versions: %w", err)
	}
	defer rows.Close()
	var out []StoryVersion
	for rows.Next() {
		var v StoryVersion
		if err := rows.Scan(&v.ID, &v.StoryID, &v.Version, &v.Snapshot, &v.Changes, dbTime{&v.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scan story version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list story versions: iterate: %w", err)
	}
	return out, nil
}
