package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/bus"
	"github.com/basket/storyforge/internal/generate"
	"github.com/basket/storyforge/internal/keygen"
	"github.com/basket/storyforge/internal/persistence"
)

type GenerateTestCasesResult struct {
	generate.Meta
	TestCases []persistence.TestCase  `json:"testCases"`
	Suites    []persistence.TestSuite `json:"suites"`
	Failures  []BatchItem             `json:"failures"`
}

// GenerateTestCases drafts test cases for a story, keys them under the
// story's requirement and rebuilds that requirement's category suites.
func (s *Service) GenerateTestCases(ctx context.Context, storyID string) (*GenerateTestCasesResult, error) {
	st, err := s.story(ctx, storyID)
	if err != nil {
		return nil, err
	}
	contextText := ""
	if bundle, err := s.collector.Collect(ctx, st.RequirementID); err != nil {
		s.logger.WarnContext(ctx, "context collection failed, generating without it", "story_id", storyID, "error", err)
	} else {
		contextText = bundle.Format(s.contextTokens)
	}

	drafts := s.gen.TestCases(ctx, *st, contextText)
	out := &GenerateTestCasesResult{Meta: drafts.Meta, TestCases: []persistence.TestCase{}, Failures: []BatchItem{}}
	for i, d := range drafts.TestCases {
		var tc *persistence.TestCase
		_, err := s.keys.Allocate(ctx, keygen.KindTestCase, st.RequirementID, func(key string) error {
			var err error
			tc, err = s.store.CreateTestCase(ctx, persistence.TestCase{
				TestCaseKey:    key,
				RequirementID:  st.RequirementID,
				StoryID:        st.ID,
				Title:          d.Title,
				Steps:          d.Steps,
				ExpectedResult: d.ExpectedResult,
				Categories:     d.Categories,
				Priority:       d.Priority,
				Automated:      d.Automated,
			})
			return err
		})
		if err != nil {
			s.logger.WarnContext(ctx, "test case save failed", "story_id", storyID, "title", d.Title, "error", err)
			out.Failures = append(out.Failures, BatchItem{Index: i, Error: err.Error()})
			continue
		}
		out.TestCases = append(out.TestCases, *tc)
	}
	s.metrics.RecordBatchErrors(ctx, "generate_test_cases", len(out.Failures))

	suites, err := s.RebuildSuites(ctx, st.RequirementID)
	if err != nil {
		return nil, fmt.Errorf("rebuild suites: %w", err)
	}
	out.Suites = suites
	s.bus.Publish(bus.TopicTestCasesGenerated, map[string]any{
		"requirementId": st.RequirementID, "storyId": st.ID, "count": len(out.TestCases), "fallback": out.Fallback,
	})
	return out, nil
}

// RebuildSuites rewrites one suite per category from the requirement's
// live test cases. Suites whose category has no live cases are deleted.
func (s *Service) RebuildSuites(ctx context.Context, requirementID string) ([]persistence.TestSuite, error) {
	token, err := s.keys.RequirementToken(ctx, requirementID)
	if err != nil {
		return nil, err
	}
	cases, err := s.store.ListTestCasesByRequirement(ctx, requirementID)
	if err != nil {
		return nil, err
	}
	byCategory := map[string][]string{}
	for _, tc := range cases {
		if tc.Status == persistence.TestCaseDeprecated {
			continue
		}
		for _, c := range tc.Categories {
			byCategory[c] = append(byCategory[c], tc.TestCaseKey)
		}
	}
	out := []persistence.TestSuite{}
	for _, cat := range persistence.TestCategories {
		keys := byCategory[cat]
		if len(keys) == 0 {
			continue
		}
		slices.Sort(keys)
		ts, err := s.store.UpsertTestSuite(ctx, persistence.TestSuite{
			SuiteKey:      keygen.SuiteKey(cat, token),
			RequirementID: requirementID,
			Category:      cat,
			Name:          fmt.Sprintf("%s suite %s", strings.ToUpper(cat[:1])+cat[1:], token),
			TestCaseKeys:  keys,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, *ts)
	}
	keep := make([]string, 0, len(out))
	for _, ts := range out {
		keep = append(keep, ts.SuiteKey)
	}
	if _, err := s.store.PruneTestSuites(ctx, requirementID, keep); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ListTestCases(ctx context.Context, requirementID string) ([]persistence.TestCase, error) {
	if _, err := s.requirement(ctx, requirementID); err != nil {
		return nil, err
	}
	out, err := s.store.ListTestCasesByRequirement(ctx, requirementID)
	if out == nil {
		out = []persistence.TestCase{}
	}
	return out, err
}

func (s *Service) ListStoryTestCases(ctx context.Context, storyID string) ([]persistence.TestCase, error) {
	if _, err := s.story(ctx, storyID); err != nil {
		return nil, err
	}
	out, err := s.store.ListTestCasesByStory(ctx, storyID)
	if out == nil {
		out = []persistence.TestCase{}
	}
	return out, err
}

func (s *Service) ListTestSuites(ctx context.Context, requirementID string) ([]persistence.TestSuite, error) {
	if _, err := s.requirement(ctx, requirementID); err != nil {
		return nil, err
	}
	out, err := s.store.ListTestSuites(ctx, requirementID)
	if out == nil {
		out = []persistence.TestSuite{}
	}
	return out, err
}

func (s *Service) testCase(ctx context.Context, id string) (*persistence.TestCase, error) {
	tc, err := s.store.GetTestCase(ctx, id)
	if err != nil {
		return nil, err
	}
	if tc == nil {
		return nil, apperr.NotFound("test case", id)
	}
	return tc, nil
}

// AcknowledgeTestCase clears the review flag and reactivates the case.
func (s *Service) AcknowledgeTestCase(ctx context.Context, id string) (*persistence.TestCase, error) {
	if err := s.store.AcknowledgeTestCase(ctx, id); err != nil {
		return nil, storeErr(err, "test case", id)
	}
	return s.testCase(ctx, id)
}

// DeprecateTestCase retires a case and rebuilds its requirement's suites.
func (s *Service) DeprecateTestCase(ctx context.Context, id string) (*persistence.TestCase, error) {
	if err := s.store.DeprecateTestCase(ctx, id); err != nil {
		return nil, storeErr(err, "test case", id)
	}
	tc, err := s.testCase(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.RebuildSuites(ctx, tc.RequirementID); err != nil {
		return nil, fmt.Errorf("rebuild suites: %w", err)
	}
	return tc, nil
}
