package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const requirementColumns = `id, project_id, epic_key, linked_issue_id, title, content, file_url,
	status, version, created_at, updated_at`

func scanRequirement(scan func(dest ...any) error, r *Requirement) error {
	var projectID, epicKey sql.NullString
	if err := scan(&r.ID, &projectID, &epicKey, &r.LinkedIssueID, &r.Title, &r.Content, &r.FileURL,
		&r.Status, &r.Version, dbTime{&r.CreatedAt}, dbTime{&r.UpdatedAt}); err != nil {
		return err
	}
	r.ProjectID, r.EpicKey = nil, nil
	if projectID.Valid {
		v := projectID.String
		r.ProjectID = &v
	}
	if epicKey.Valid {
		v := epicKey.String
		r.EpicKey = &v
	}
	return nil
}

// CreateRequirement inserts r together with its version 1 snapshot.
func (s *Store) CreateRequirement(ctx context.Context, r Requirement) (*Requirement, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = "active"
	}
	now := s.now().UTC()
	r.Version = 1
	r.CreatedAt, r.UpdatedAt = now, now

	err := s.withTx(ctx, "create requirement", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO requirements (id, project_id, epic_key, linked_issue_id, title, content, file_url,
				status, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, r.ID, nullable(r.Project()), nullable(r.Epic()), r.LinkedIssueID, r.Title, r.Content, r.FileURL,
			r.Status, r.Version, formatTime(now), formatTime(now)); err != nil {
			return fmt.Errorf("create requirement: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO requirement_versions (requirement_id, version, title, content, changes, created_at)
			VALUES (?, 1, ?, ?, 'Initial version', ?);
		`, r.ID, r.Title, r.Content, formatTime(now)); err != nil {
			return fmt.Errorf("create requirement version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRequirement returns nil, nil when absent.
func (s *Store) GetRequirement(ctx context.Context, id string) (*Requirement, error) {
	var r Requirement
	err := scanRequirement(s.db.QueryRowContext(ctx,
		`SELECT `+requirementColumns+` FROM requirements WHERE id = ?;`, id).Scan, &r)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get requirement: %w", err)
	}
	return &r, nil
}

// ListRequirements lists a project's requirements, or all when projectID is "".
func (s *Store) ListRequirements(ctx context.Context, projectID string) ([]Requirement, error) {
	q := `SELECT ` + requirementColumns + ` FROM requirements`
	var args []any
	if projectID != "" {
		q += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	q += ` ORDER BY created_at, id;`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list requirements: %w", err)
	}
	defer rows.Close()
	var out []Requirement
	for rows.Next() {
		var r Requirement
		if err := scanRequirement(rows.Scan, &r); err != nil {
			return nil, fmt.Errorf("scan requirement: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list requirements: iterate: %w", err)
	}
	return out, nil
}

// ListEpicKeys returns every epic key issued in a project.
func (s *Store) ListEpicKeys(ctx context.Context, projectID string) ([]string, error) {
	return s.listStrings(ctx, "list epic keys",
		`SELECT epic_key FROM requirements WHERE project_id = ? AND epic_key IS NOT NULL;`, projectID)
}

// RequirementEpicKey resolves a requirement's epic key ("" when it has none).
func (s *Store) RequirementEpicKey(ctx context.Context, requirementID string) (epicKey string, found bool, err error) {
	var key sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT epic_key FROM requirements WHERE id = ?;`, requirementID).Scan(&key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("requirement epic key: %w", err)
	}
	return key.String, true, nil
}

// ListRequirementVersions returns versions oldest first.
func (s *Store) ListRequirementVersions(ctx context.Context, requirementID string) ([]RequirementVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, requirement_id, version, title, content, changes, change_details, created_at
		FROM requirement_versions WHERE requirement_id = ? ORDER BY version;
	`, requirementID)
	if err != nil {
		return nil, fmt.Errorf("list requirement versions: %w", err)
	}
	defer rows.Close()
	var out []RequirementVersion
	for rows.Next() {
		var v RequirementVersion
		if err := rows.Scan(&v.ID, &v.RequirementID, &v.Version, &v.Title, &v.Content, &v.Changes,
			&v.ChangeDetails, dbTime{&v.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scan requirement version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list requirement versions: iterate: %w", err)
	}
	return out, nil
}

// LatestRequirementVersion returns nil, nil when the requirement has none.
func (s *Store) LatestRequirementVersion(ctx context.Context, requirementID string) (*RequirementVersion, error) {
	var v RequirementVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, requirement_id, version, title, content, changes, change_details, created_at
		FROM requirement_versions WHERE requirement_id = ? ORDER BY version DESC LIMIT 1;
	`, requirementID).Scan(&v.ID, &v.RequirementID, &v.Version, &v.Title, &v.Content, &v.Changes,
		&v.ChangeDetails, dbTime{&v.CreatedAt})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest requirement version: %w", err)
	}
	return &v, nil
}

func (s *Store) SetRequirementLinkedIssue(ctx context.Context, requirementID, issueID string) error {
	return s.execOne(ctx, "link requirement issue", `
		UPDATE requirements SET linked_issue_id = ?, updated_at = ? WHERE id = ?;
	`, issueID, formatTime(s.now()), requirementID)
}

// UpdateRequirementMeta changes fields that do not affect content versioning.
func (s *Store) UpdateRequirementMeta(ctx context.Context, requirementID, title, fileURL, status string) error {
	return s.execOne(ctx, "update requirement", `
		UPDATE requirements SET title = ?, file_url = ?, status = ?, updated_at = ? WHERE id = ?;
	`, title, fileURL, status, formatTime(s.now()), requirementID)
}

// DeleteRequirement removes a requirement and everything it owns in one
// transaction: suites, results of owned test cases, test cases, story
// history, stories, versions, then the requirement. Change logs are kept.
func (s *Store) DeleteRequirement(ctx context.Context, requirementID string) (bool, error) {
	found := false
	err := s.withTx(ctx, "delete requirement", func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM requirements WHERE id = ?;`, requirementID).Scan(&n); err != nil {
			return fmt.Errorf("delete requirement: lookup: %w", err)
		}
		if n == 0 {
			return nil
		}
		found = true
		steps := []struct{ name, q string }{
			{"suites", `DELETE FROM test_suites WHERE requirement_id = ?;`},
			{"test results", `DELETE FROM test_results WHERE test_case_id IN (
				SELECT id FROM test_cases WHERE requirement_id = ?1
				UNION SELECT tc.id FROM test_cases tc JOIN stories st ON tc.story_id = st.id WHERE st.requirement_id = ?1);`},
			{"story test cases", `DELETE FROM test_cases WHERE story_id IN (SELECT id FROM stories WHERE requirement_id = ?);`},
			{"test cases", `DELETE FROM test_cases WHERE requirement_id = ?;`},
			{"story versions", `DELETE FROM story_versions WHERE story_id IN (SELECT id FROM stories WHERE requirement_id = ?);`},
			{"stories", `DELETE FROM stories WHERE requirement_id = ?;`},
			{"versions", `DELETE FROM requirement_versions WHERE requirement_id = ?;`},
			{"requirement", `DELETE FROM requirements WHERE id = ?;`},
		}
		for _, st := range steps {
			if _, err := tx.ExecContext(ctx, st.q, requirementID); err != nil {
				return fmt.Errorf("delete requirement %s: %w", st.name, err)
			}
		}
		// Runs whose results were removed need fresh counters.
		if err := reconcileAllTx(ctx, tx, s.now()); err != nil {
			return err
		}
		return appendChangeLogTx(ctx, tx, ChangeLog{
			RequirementID: requirementID,
			EntityType:    "requirement",
			EntityID:      requirementID,
			ChangeType:    "deleted",
			Summary:       "Requirement and owned artifacts deleted",
			Actor:         actorFrom(ctx),
		}, s.now())
	})
	return found, err
}

// --- shared query helpers ---

func (s *Store) listStrings(ctx context.Context, op, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}

// execOne runs an UPDATE that must touch exactly one row; ErrNotFound otherwise.
func (s *Store) execOne(ctx context.Context, op, q string, args ...any) error {
	return retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s: rows affected: %w", op, err)
		}
		if n == 0 {
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil
	})
}

// ErrNotFound is returned by writes that target a missing row.
var ErrNotFound = errors.New("not found")
