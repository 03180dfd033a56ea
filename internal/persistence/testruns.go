package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const testRunColumns = `id, name, requirement_id, status, passed, failed, skipped, blocked, total_tests,
	created_at, updated_at`

func scanTestRun(scan func(dest ...any) error, r *TestRun) error {
	return scan(&r.ID, &r.Name, &r.RequirementID, &r.Status, &r.Passed, &r.Failed, &r.Skipped, &r.Blocked,
		&r.TotalTests, dbTime{&r.CreatedAt}, dbTime{&r.UpdatedAt})
}

// ValidResultStatus reports whether status is one of the four counted outcomes.
func ValidResultStatus(status string) bool {
	switch status {
	case ResultPassed, ResultFailed, ResultSkipped, ResultBlocked:
		return true
	}
	return false
}

func (s *Store) CreateTestRun(ctx context.Context, name, requirementID string) (*TestRun, error) {
	now := s.now().UTC()
	r := &TestRun{
		ID:            uuid.NewString(),
		Name:          name,
		RequirementID: requirementID,
		Status:        "in_progress",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO test_runs (id, name, requirement_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, r.ID, r.Name, r.RequirementID, r.Status, formatTime(now), formatTime(now))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create test run: %w", err)
	}
	return r, nil
}

// GetTestRun returns nil, nil when absent.
func (s *Store) GetTestRun(ctx context.Context, id string) (*TestRun, error) {
	var r TestRun
	err := scanTestRun(s.db.QueryRowContext(ctx, `SELECT `+testRunColumns+` FROM test_runs WHERE id = ?;`, id).Scan, &r)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get test run: %w", err)
	}
	return &r, nil
}

func (s *Store) ListTestRuns(ctx context.Context, requirementID string) ([]TestRun, error) {
	q := `SELECT ` + testRunColumns + ` FROM test_runs`
	var args []any
	if requirementID != "" {
		q += ` WHERE requirement_id = ?`
		args = append(args, requirementID)
	}
	q += ` ORDER BY created_at DESC;`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list test runs: %w", err)
	}
	defer rows.Close()
	var out []TestRun
	for rows.Next() {
		var r TestRun
		if err := scanTestRun(rows.Scan, &r); err != nil {
			return nil, fmt.Errorf("scan test run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list test runs: iterate: %w", err)
	}
	return out, nil
}

// RecordTestResult inserts or replaces the result of one test case in a run
// and recomputes the run's counters in the same transaction.
func (s *Store) RecordTestResult(ctx context.Context, res TestResult) (*TestResult, *TestRun, error) {
	if !ValidResultStatus(res.Status) {
		return nil, nil, fmt.Errorf("record test result: invalid status %q", res.Status)
	}
	now := s.now().UTC()
	if res.ExecutedAt.IsZero() {
		res.ExecutedAt = now
	}
	res.UpdatedAt = now
	var run TestRun
	err := s.withTx(ctx, "record test result", func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM test_runs WHERE id = ?;`, res.TestRunID).Scan(&exists); err != nil {
			return fmt.Errorf("record test result: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("record test result: run %w", ErrNotFound)
		}
		var existingID string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM test_results WHERE test_run_id = ? AND test_case_id = ?;
		`, res.TestRunID, res.TestCaseID).Scan(&existingID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if res.ID == "" {
				res.ID = uuid.NewString()
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO test_results (id, test_run_id, test_case_id, status, notes, duration_ms, executed_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?);
			`, res.ID, res.TestRunID, res.TestCaseID, res.Status, res.Notes, res.DurationMs,
				formatTime(res.ExecutedAt), formatTime(now))
		case err == nil:
			res.ID = existingID
			_, err = tx.ExecContext(ctx, `
				UPDATE test_results SET status = ?, notes = ?, duration_ms = ?, executed_at = ?, updated_at = ?
				WHERE id = ?;
			`, res.Status, res.Notes, res.DurationMs, formatTime(res.ExecutedAt), formatTime(now), res.ID)
		}
		if err != nil {
			return fmt.Errorf("record test result: %w", err)
		}
		return reconcileRunTx(ctx, tx, res.TestRunID, now, &run)
	})
	if err != nil {
		return nil, nil, err
	}
	return &res, &run, nil
}

// UpdateTestResultStatus changes an existing result and recomputes its run.
func (s *Store) UpdateTestResultStatus(ctx context.Context, resultID, status, notes string) (*TestResult, *TestRun, error) {
	if !ValidResultStatus(status) {
		return nil, nil, fmt.Errorf("update test result: invalid status %q", status)
	}
	now := s.now().UTC()
	var res TestResult
	var run TestRun
	err := s.withTx(ctx, "update test result", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id, test_run_id, test_case_id, status, notes, duration_ms, executed_at, updated_at
			FROM test_results WHERE id = ?;
		`, resultID).Scan(&res.ID, &res.TestRunID, &res.TestCaseID, &res.Status, &res.Notes, &res.DurationMs,
			dbTime{&res.ExecutedAt}, dbTime{&res.UpdatedAt})
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update test result: %w", ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("update test result: %w", err)
		}
		res.Status, res.UpdatedAt = status, now
		if notes != "" {
			res.Notes = notes
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE test_results SET status = ?, notes = ?, updated_at = ? WHERE id = ?;
		`, res.Status, res.Notes, formatTime(now), res.ID); err != nil {
			return fmt.Errorf("update test result: %w", err)
		}
		return reconcileRunTx(ctx, tx, res.TestRunID, now, &run)
	})
	if err != nil {
		return nil, nil, err
	}
	return &res, &run, nil
}

// ReconcileTestRun recomputes a run's counters from its result rows.
func (s *Store) ReconcileTestRun(ctx context.Context, runID string) (*TestRun, error) {
	var run TestRun
	err := s.withTx(ctx, "reconcile test run", func(tx *sql.Tx) error {
		return reconcileRunTx(ctx, tx, runID, s.now(), &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ReconcileAllTestRuns recomputes every run and returns how many changed.
func (s *Store) ReconcileAllTestRuns(ctx context.Context) (int, error) {
	before, err := s.ListTestRuns(ctx, "")
	if err != nil {
		return 0, err
	}
	if err := s.withTx(ctx, "reconcile test runs", func(tx *sql.Tx) error {
		return reconcileAllTx(ctx, tx, s.now())
	}); err != nil {
		return 0, err
	}
	changed := 0
	for _, b := range before {
		after, err := s.GetTestRun(ctx, b.ID)
		if err != nil {
			return changed, err
		}
		if after != nil && (after.Passed != b.Passed || after.Failed != b.Failed || after.Skipped != b.Skipped ||
			after.Blocked != b.Blocked || after.TotalTests != b.TotalTests) {
			changed++
		}
	}
	return changed, nil
}

func reconcileAllTx(ctx context.Context, tx *sql.Tx, now time.Time) error {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM test_runs;`)
	if err != nil {
		return fmt.Errorf("reconcile test runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("reconcile test runs: scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reconcile test runs: iterate: %w", err)
	}
	for _, id := range ids {
		var run TestRun
		if err := reconcileRunTx(ctx, tx, id, now, &run); err != nil {
			return err
		}
	}
	return nil
}

// reconcileRunTx derives passed/failed/skipped/blocked/total from live rows,
// so passed+failed+skipped+blocked == total always holds after it.
func reconcileRunTx(ctx context.Context, tx *sql.Tx, runID string, now time.Time, out *TestRun) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM test_results WHERE test_run_id = ? GROUP BY status;
	`, runID)
	if err != nil {
		return fmt.Errorf("reconcile run %s: %w", runID, err)
	}
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return fmt.Errorf("reconcile run %s: scan: %w", runID, err)
		}
		counts[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reconcile run %s: iterate: %w", runID, err)
	}
	total := counts[ResultPassed] + counts[ResultFailed] + counts[ResultSkipped] + counts[ResultBlocked]
	res, err := tx.ExecContext(ctx, `
		UPDATE test_runs SET passed = ?, failed = ?, skipped = ?, blocked = ?, total_tests = ?, updated_at = ?
		WHERE id = ?;
	`, counts[ResultPassed], counts[ResultFailed], counts[ResultSkipped], counts[ResultBlocked], total,
		formatTime(now), runID)
	if err != nil {
		return fmt.Errorf("reconcile run %s: update: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reconcile run %s: %w", runID, ErrNotFound)
	}
	return scanTestRun(tx.QueryRowContext(ctx, `SELECT `+testRunColumns+` FROM test_runs WHERE id = ?;`, runID).Scan, out)
}

// CompleteTestRun marks a run completed.
func (s *Store) CompleteTestRun(ctx context.Context, runID string) error {
	return s.execOne(ctx, "complete test run", `
		UPDATE test_runs SET status = 'completed', updated_at = ? WHERE id = ?;
	`, formatTime(s.now()), runID)
}

func (s *Store) ListTestResults(ctx context.Context, runID string) ([]TestResult, error) {
	return s.queryResults(ctx, "list test results", `
		SELECT id, test_run_id, test_case_id, status, notes, duration_ms, executed_at, updated_at
		FROM test_results WHERE test_run_id = ? ORDER BY executed_at, id;`, runID)
}

// ListResultHistory returns a test case's most recent results, oldest first.
func (s *Store) ListResultHistory(ctx context.Context, testCaseID string, limit int) ([]TestResult, error) {
	out, err := s.queryResults(ctx, "list result history", `
		SELECT id, test_run_id, test_case_id, status, notes, duration_ms, executed_at, updated_at
		FROM test_results WHERE test_case_id = ? ORDER BY executed_at DESC, id DESC LIMIT ?;`, testCaseID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) queryResults(ctx context.Context, op, q string, args ...any) ([]TestResult, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []TestResult
	for rows.Next() {
		var r TestResult
		if err := rows.Scan(&r.ID, &r.TestRunID, &r.TestCaseID, &r.Status, &r.Notes, &r.DurationMs,
			dbTime{&r.ExecutedAt}, dbTime{&r.UpdatedAt}); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}
