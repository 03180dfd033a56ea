package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/storyforge/internal/persistence"
)

func assertRollup(t *testing.T, store *persistence.Store, runID string) *persistence.TestRun {
	t.Helper()
	ctx := context.Background()
	run, err := store.GetTestRun(ctx, runID)
	if err != nil || run == nil {
		t.Fatalf("get run: %v", err)
	}
	results, err := store.ListTestResults(ctx, runID)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	live := map[string]int{}
	for _, r := range results {
		live[r.Status]++
	}
	if run.Passed != live[persistence.ResultPassed] || run.Failed != live[persistence.ResultFailed] ||
		run.Skipped != live[persistence.ResultSkipped] || run.Blocked != live[persistence.ResultBlocked] {
		t.Fatalf("counters %+v do not match live counts %v", run, live)
	}
	if run.Passed+run.Failed+run.Skipped+run.Blocked != run.TotalTests {
		t.Fatalf("counter sum != total: %+v", run)
	}
	return run
}

func TestTestRun_RollupTracksEveryWrite(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	run, err := store.CreateTestRun(ctx, "regression", "")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	steps := []struct {
		caseID string
		status string
		total  int
	}{
		{"tc-1", persistence.ResultPassed, 1},
		{"tc-2", persistence.ResultFailed, 2},
		{"tc-3", persistence.ResultBlocked, 3},
		{"tc-2", persistence.ResultPassed, 3},
		{"tc-4", persistence.ResultSkipped, 4},
	}
	for _, step := range steps {
		_, got, err := store.RecordTestResult(ctx, persistence.TestResult{
			TestRunID: run.ID, TestCaseID: step.caseID, Status: step.status,
		})
		if err != nil {
			t.Fatalf("record %s: %v", step.caseID, err)
		}
		if got.TotalTests != step.total {
			t.Fatalf("after %s=%s expected total %d, got %+v", step.caseID, step.status, step.total, got)
		}
		assertRollup(t, store, run.ID)
	}

	final := assertRollup(t, store, run.ID)
	if final.Passed != 2 || final.Failed != 0 || final.Blocked != 1 || final.Skipped != 1 {
		t.Fatalf("unexpected final counters: %+v", final)
	}
}

func TestTestRun_UpdateResultStatusRecomputes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	run, _ := store.CreateTestRun(ctx, "smoke", "")
	res, _, err := store.RecordTestResult(ctx, persistence.TestResult{TestRunID: run.ID, TestCaseID: "tc-1", Status: persistence.ResultFailed})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	_, got, err := store.UpdateTestResultStatus(ctx, res.ID, persistence.ResultPassed, "fixed")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Passed != 1 || got.Failed != 0 {
		t.Fatalf("expected passed=1 failed=0, got %+v", got)
	}
	assertRollup(t, store, run.ID)
}

func TestTestRun_RejectsInvalidStatusAndMissingRun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	run, _ := store.CreateTestRun(ctx, "smoke", "")
	if _, _, err := store.RecordTestResult(ctx, persistence.TestResult{TestRunID: run.ID, TestCaseID: "x", Status: "exploded"}); err == nil {
		t.Fatal("expected invalid status error")
	}
	if _, _, err := store.RecordTestResult(ctx, persistence.TestResult{TestRunID: "missing", TestCaseID: "x", Status: persistence.ResultPassed}); err == nil {
		t.Fatal("expected missing run error")
	}
}

func TestTestRun_ReconcileRepairsDrift(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	run, _ := store.CreateTestRun(ctx, "smoke", "")
	if _, _, err := store.RecordTestResult(ctx, persistence.TestResult{TestRunID: run.ID, TestCaseID: "tc-1", Status: persistence.ResultPassed}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE test_runs SET passed = 7, total_tests = 7 WHERE id = ?`, run.ID); err != nil {
		t.Fatalf("corrupt counters: %v", err)
	}
	changed, err := store.ReconcileAllTestRuns(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if changed != 1 {
		t.Fatalf("expected 1 repaired run, got %d", changed)
	}
	assertRollup(t, store, run.ID)
}

func TestTestRun_ResultHistoryOldestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, status := range []string{persistence.ResultPassed, persistence.ResultFailed, persistence.ResultPassed} {
		run, _ := store.CreateTestRun(ctx, "run", "")
		if _, _, err := store.RecordTestResult(ctx, persistence.TestResult{
			TestRunID: run.ID, TestCaseID: "tc-1", Status: status, DurationMs: int64(i),
			ExecutedAt: base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	hist, err := store.ListResultHistory(ctx, "tc-1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 results, got %d", len(hist))
	}
	if hist[1].Status != persistence.ResultFailed {
		t.Fatalf("expected chronological order, got %+v", hist)
	}
}
