package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

const testCaseColumns = `id, test_case_key, requirement_id, story_id, title, steps, expected_result,
	categories, priority, automated, status, flagged, created_at, updated_at`

func scanTestCase(scan func(dest ...any) error, tc *TestCase) error {
	var storyID sql.NullString
	var automated, flagged int
	if err := scan(&tc.ID, &tc.TestCaseKey, &tc.RequirementID, &storyID, &tc.Title, jsonList{&tc.Steps},
		&tc.ExpectedResult, jsonList{&tc.Categories}, &tc.Priority, &automated, &tc.Status, &flagged,
		dbTime{&tc.CreatedAt}, dbTime{&tc.UpdatedAt}); err != nil {
		return err
	}
	tc.StoryID = storyID.String
	tc.Automated = automated != 0
	tc.Flagged = flagged != 0
	return nil
}

// CreateTestCase inserts a test case; duplicate keys within a requirement
// surface as unique violations.
func (s *Store) CreateTestCase(ctx context.Context, tc TestCase) (*TestCase, error) {
	if tc.ID == "" {
		tc.ID = uuid.NewString()
	}
	if tc.Status == "" {
		tc.Status = TestCaseActive
	}
	if tc.Priority == "" {
		tc.Priority = "medium"
	}
	now := s.now().UTC()
	tc.CreatedAt, tc.UpdatedAt = now, now
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO test_cases (`+testCaseColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, tc.ID, tc.TestCaseKey, tc.RequirementID, nullable(tc.StoryID), tc.Title, encodeList(tc.Steps),
			tc.ExpectedResult, encodeList(tc.Categories), tc.Priority, boolInt(tc.Automated), tc.Status,
			boolInt(tc.Flagged), formatTime(now), formatTime(now))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create test case: %w", err)
	}
	return &tc, nil
}

// GetTestCase returns nil, nil when absent.
func (s *Store) GetTestCase(ctx context.Context, id string) (*TestCase, error) {
	var tc TestCase
	err := scanTestCase(s.db.QueryRowContext(ctx, `SELECT `+testCaseColumns+` FROM test_cases WHERE id = ?;`, id).Scan, &tc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get test case: %w", err)
	}
	return &tc, nil
}

func (s *Store) queryTestCases(ctx context.Context, op, q string, args ...any) ([]TestCase, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []TestCase
	for rows.Next() {
		var tc TestCase
		if err := scanTestCase(rows.Scan, &tc); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}

func (s *Store) ListTestCasesByRequirement(ctx context.Context, requirementID string) ([]TestCase, error) {
	return s.queryTestCases(ctx, "list test cases", `SELECT `+testCaseColumns+`
		FROM test_cases WHERE requirement_id = ? ORDER BY test_case_key;`, requirementID)
}

func (s *Store) ListTestCasesByStory(ctx context.Context, storyID string) ([]TestCase, error) {
	return s.queryTestCases(ctx, "list story test cases", `SELECT `+testCaseColumns+`
		FROM test_cases WHERE story_id = ? ORDER BY test_case_key;`, storyID)
}

// ListTestCaseKeys returns every test case key issued under a requirement.
func (s *Store) ListTestCaseKeys(ctx context.Context, requirementID string) ([]string, error) {
	return s.listStrings(ctx, "list test case keys",
		`SELECT test_case_key FROM test_cases WHERE requirement_id = ?;`, requirementID)
}

// AcknowledgeTestCase clears the flag and returns the case to active.
func (s *Store) AcknowledgeTestCase(ctx context.Context, id string) error {
	return s.withTx(ctx, "acknowledge test case", func(tx *sql.Tx) error {
		var reqID string
		var flagged int
		err := tx.QueryRowContext(ctx, `SELECT requirement_id, flagged FROM test_cases WHERE id = ?;`, id).Scan(&reqID, &flagged)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("acknowledge test case: %w", ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("acknowledge test case: %w", err)
		}
		if flagged == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE test_cases SET flagged = 0, status = ?, updated_at = ? WHERE id = ?;
		`, TestCaseActive, formatTime(s.now()), id); err != nil {
			return fmt.Errorf("acknowledge test case: %w", err)
		}
		return appendChangeLogTx(ctx, tx, ChangeLog{
			RequirementID: reqID,
			EntityType:    "test_case",
			EntityID:      id,
			ChangeType:    "acknowledged",
			Summary:       "Review flag cleared",
		}, s.now())
	})
}

// DeprecateTestCase retires a case. Deprecated cases drop out of suites
// and are no longer flagged by story changes.
func (s *Store) DeprecateTestCase(ctx context.Context, id string) error {
	return s.withTx(ctx, "deprecate test case", func(tx *sql.Tx) error {
		var reqID, status string
		err := tx.QueryRowContext(ctx, `SELECT requirement_id, status FROM test_cases WHERE id = ?;`, id).Scan(&reqID, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("deprecate test case: %w", ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("deprecate test case: %w", err)
		}
		if status == TestCaseDeprecated {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE test_cases SET flagged = 0, status = ?, updated_at = ? WHERE id = ?;
		`, TestCaseDeprecated, formatTime(s.now()), id); err != nil {
			return fmt.Errorf("deprecate test case: %w", err)
		}
		return appendChangeLogTx(ctx, tx, ChangeLog{
			RequirementID: reqID,
			EntityType:    "test_case",
			EntityID:      id,
			ChangeType:    "deprecated",
			Summary:       "Test case deprecated",
			OldValue:      status,
			NewValue:      TestCaseDeprecated,
		}, s.now())
	})
}

// --- suites ---

// UpsertTestSuite writes a suite keyed by (requirement, suite key). The
// stored count is always derived from the key list.
func (s *Store) UpsertTestSuite(ctx context.Context, ts TestSuite) (*TestSuite, error) {
	now := s.now().UTC()
	ts.TestCaseCount = len(ts.TestCaseKeys)
	ts.UpdatedAt = now
	err := s.withTx(ctx, "upsert test suite", func(tx *sql.Tx) error {
		var existingID string
		var created time.Time
		err := tx.QueryRowContext(ctx, `
			SELECT id, created_at FROM test_suites WHERE requirement_id = ? AND suite_key = ?;
		`, ts.RequirementID, ts.SuiteKey).Scan(&existingID, dbTime{&created})
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if ts.ID == "" {
				ts.ID = uuid.NewString()
			}
			ts.CreatedAt = now
			_, err = tx.ExecContext(ctx, `
				INSERT INTO test_suites (id, suite_key, requirement_id, category, name, test_case_keys,
					test_case_count, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, ts.ID, ts.SuiteKey, ts.RequirementID, ts.Category, ts.Name, encodeList(ts.TestCaseKeys),
				ts.TestCaseCount, formatTime(now), formatTime(now))
		case err == nil:
			ts.ID, ts.CreatedAt = existingID, created
			_, err = tx.ExecContext(ctx, `
				UPDATE test_suites SET category = ?, name = ?, test_case_keys = ?, test_case_count = ?, updated_at = ?
				WHERE id = ?;
			`, ts.Category, ts.Name, encodeList(ts.TestCaseKeys), ts.TestCaseCount, formatTime(now), ts.ID)
		}
		if err != nil {
			return fmt.Errorf("upsert test suite: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// PruneTestSuites deletes the requirement's suites whose key is not in keep.
func (s *Store) PruneTestSuites(ctx context.Context, requirementID string, keep []string) (int, error) {
	existing, err := s.ListTestSuites(ctx, requirementID)
	if err != nil {
		return 0, err
	}
	removed := 0
	err = s.withTx(ctx, "prune test suites", func(tx *sql.Tx) error {
		for _, ts := range existing {
			if slices.Contains(keep, ts.SuiteKey) {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM test_suites WHERE id = ?;`, ts.ID); err != nil {
				return fmt.Errorf("prune test suites: %w", err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) ListTestSuites(ctx context.Context, requirementID string) ([]TestSuite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, suite_key, requirement_id, category, name, test_case_keys, test_case_count, created_at, updated_at
		FROM test_suites WHERE requirement_id = ? ORDER BY suite_key;
	`, requirementID)
	if err != nil {
		return nil, fmt.Errorf("list test suites: %w", err)
	}
	defer rows.Close()
	var out []TestSuite
	for rows.Next() {
		var ts TestSuite
		if err := rows.Scan(&ts.ID, &ts.SuiteKey, &ts.RequirementID, &ts.Category, &ts.Name,
			jsonList{&ts.TestCaseKeys}, &ts.TestCaseCount, dbTime{&ts.CreatedAt}, dbTime{&ts.UpdatedAt}); err != nil {
			return nil, fmt.Errorf("scan test suite: %w", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list test suites: iterate: %w", err)
	}
	return out, nil
}
