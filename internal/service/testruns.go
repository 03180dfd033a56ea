package service

import (
	"context"
	"strings"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/bus"
	"github.com/basket/storyforge/internal/generate"
	"github.com/basket/storyforge/internal/persistence"
)

// DefaultFlakyHistory is how many recent results feed a flakiness score.
const DefaultFlakyHistory = 20

type TestRunDetail struct {
	persistence.TestRun
	Results []persistence.TestResult `json:"results"`
}

// CreateTestRun opens a run; requirementID is optional.
func (s *Service) CreateTestRun(ctx context.Context, name, requirementID string) (*persistence.TestRun, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Invalid("test run name is required")
	}
	if requirementID != "" {
		if _, err := s.requirement(ctx, requirementID); err != nil {
			return nil, err
		}
	}
	return s.store.CreateTestRun(ctx, name, requirementID)
}

func (s *Service) GetTestRun(ctx context.Context, id string) (*TestRunDetail, error) {
	run, err := s.store.GetTestRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, apperr.NotFound("test run", id)
	}
	results, err := s.store.ListTestResults(ctx, id)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []persistence.TestResult{}
	}
	return &TestRunDetail{TestRun: *run, Results: results}, nil
}

func (s *Service) ListTestRuns(ctx context.Context, requirementID string) ([]persistence.TestRun, error) {
	out, err := s.store.ListTestRuns(ctx, requirementID)
	if out == nil {
		out = []persistence.TestRun{}
	}
	return out, err
}

type RecordResultInput struct {
	TestCaseID string `json:"testCaseId"`
	Status     string `json:"status"`
	Notes      string `json:"notes"`
	DurationMs int64  `json:"durationMs"`
}

// RecordResult writes the result of one test case in a run. Recording the
// same case twice replaces the earlier result.
func (s *Service) RecordResult(ctx context.Context, runID string, in RecordResultInput) (*persistence.TestResult, *persistence.TestRun, error) {
	if !persistence.ValidResultStatus(in.Status) {
		return nil, nil, apperr.Invalid("status must be one of passed, failed, skipped, blocked; got %q", in.Status)
	}
	if in.DurationMs < 0 {
		return nil, nil, apperr.Invalid("durationMs must not be negative")
	}
	if _, err := s.testCase(ctx, in.TestCaseID); err != nil {
		return nil, nil, err
	}
	res, run, err := s.store.RecordTestResult(ctx, persistence.TestResult{
		TestRunID:  runID,
		TestCaseID: in.TestCaseID,
		Status:     in.Status,
		Notes:      in.Notes,
		DurationMs: in.DurationMs,
	})
	if err != nil {
		return nil, nil, storeErr(err, "test run", runID)
	}
	s.publishRun(run)
	return res, run, nil
}

// UpdateResult changes the status of a recorded result.
func (s *Service) UpdateResult(ctx context.Context, resultID, status, notes string) (*persistence.TestResult, *persistence.TestRun, error) {
	if !persistence.ValidResultStatus(status) {
		return nil, nil, apperr.Invalid("status must be one of passed, failed, skipped, blocked; got %q", status)
	}
	res, run, err := s.store.UpdateTestResultStatus(ctx, resultID, status, notes)
	if err != nil {
		return nil, nil, storeErr(err, "test result", resultID)
	}
	s.publishRun(run)
	return res, run, nil
}

func (s *Service) publishRun(run *persistence.TestRun) {
	s.bus.Publish(bus.TopicTestRunUpdated, bus.TestRunUpdated{
		RunID:   run.ID,
		Passed:  run.Passed,
		Failed:  run.Failed,
		Skipped: run.Skipped,
		Blocked: run.Blocked,
		Total:   run.TotalTests,
	})
}

// ReconcileTestRun recomputes a run's counters from its results.
func (s *Service) ReconcileTestRun(ctx context.Context, runID string) (*persistence.TestRun, error) {
	run, err := s.store.ReconcileTestRun(ctx, runID)
	if err != nil {
		return nil, storeErr(err, "test run", runID)
	}
	s.publishRun(run)
	return run, nil
}

// ReconcileAll recomputes every run and returns how many changed.
func (s *Service) ReconcileAll(ctx context.Context) (int, error) {
	return s.store.ReconcileAllTestRuns(ctx)
}

func (s *Service) CompleteTestRun(ctx context.Context, runID string) (*TestRunDetail, error) {
	if err := s.store.CompleteTestRun(ctx, runID); err != nil {
		return nil, storeErr(err, "test run", runID)
	}
	return s.GetTestRun(ctx, runID)
}

// AnalyzeFlaky scores a test case's recent history and explains it.
func (s *Service) AnalyzeFlaky(ctx context.Context, testCaseID string, limit int) (*generate.FlakyAnalysis, error) {
	tc, err := s.testCase(ctx, testCaseID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultFlakyHistory
	}
	history, err := s.store.ListResultHistory(ctx, testCaseID, limit)
	if err != nil {
		return nil, err
	}
	out := s.gen.FlakyTest(ctx, *tc, history)
	return &out, nil
}
