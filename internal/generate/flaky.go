package generate

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/basket/storyforge/internal/llm"
	"github.com/basket/storyforge/internal/persistence"
)

// Flakiness classifications.
const (
	FlakyStable  = "stable"
	FlakySuspect = "suspect"
	FlakyFlaky   = "flaky"
)

// FlakyScore is the deterministic part of a flaky-test analysis.
type FlakyScore struct {
	Runs           int     `json:"runs"`
	Failures       int     `json:"failures"`
	Flips          int     `json:"flips"`
	FailureRate    float64 `json:"failureRate"`
	Score          int     `json:"score"`
	Classification string  `json:"classification"`
}

type FlakyAnalysis struct {
	Meta
	FlakyScore
	TestCaseID      string   `json:"testCaseId"`
	LikelyCauses    []string `json:"likelyCauses"`
	Recommendations []string `json:"recommendations"`
}

// ScoreFlakiness scores pass/fail history ordered oldest first. Skipped and
// blocked results are ignored. The score weighs the flip rate (60%) and how
// evenly failures and passes are balanced (40%).
func ScoreFlakiness(history []persistence.TestResult) FlakyScore {
	var outcomes []bool
	for _, r := range history {
		switch r.Status {
		case persistence.ResultPassed:
			outcomes = append(outcomes, true)
		case persistence.ResultFailed:
			outcomes = append(outcomes, false)
		}
	}
	s := FlakyScore{Runs: len(outcomes), Classification: FlakyStable}
	for i, passed := range outcomes {
		if !passed {
			s.Failures++
		}
		if i > 0 && passed != outcomes[i-1] {
			s.Flips++
		}
	}
	if s.Runs < 2 {
		if s.Runs == 1 {
			s.FailureRate = float64(s.Failures)
		}
		return s
	}
	s.FailureRate = float64(s.Failures) / float64(s.Runs)
	flipRate := float64(s.Flips) / float64(s.Runs-1)
	balance := 1 - math.Abs(2*s.FailureRate-1)
	s.Score = int(math.Round(100 * (0.6*flipRate + 0.4*balance)))
	switch {
	case s.Score >= 50:
		s.Classification = FlakyFlaky
	case s.Score >= 20:
		s.Classification = FlakySuspect
	}
	return s
}

var flakySchema = llm.MustCompileSchema("flaky", `{
	"type": "object",
	"required": ["likelyCauses", "recommendations"],
	"properties": {
		"likelyCauses": {"type": "array", "items": {"type": "string"}, "minItems": 1},
		"recommendations": {"type": "array", "items": {"type": "string"}, "minItems": 1}
	}
}`)

const flakySystem = `You diagnose flaky automated tests. Given a test case and its pass/fail history, name likely causes and concrete fixes.
Reply with JSON only: {"likelyCauses":["..."],"recommendations":["..."]}.`

// FlakyTest scores a test case's history and, when it is not stable, asks
// for likely causes.
func (g *Generator) FlakyTest(ctx context.Context, tc persistence.TestCase, history []persistence.TestResult) FlakyAnalysis {
	out := FlakyAnalysis{FlakyScore: ScoreFlakiness(history), TestCaseID: tc.ID}
	if out.Classification == FlakyStable {
		out.LikelyCauses = []string{}
		out.Recommendations = []string{"No action needed; keep monitoring results"}
		return out
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Test case %s: %s\nSteps:\n", tc.TestCaseKey, tc.Title)
	for i, step := range tc.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	fmt.Fprintf(&b, "Expected: %s\nAutomated: %t\n", tc.ExpectedResult, tc.Automated)
	fmt.Fprintf(&b, "History (oldest first): %d runs, %d failures, %d pass/fail flips, score %d\n", out.Runs, out.Failures, out.Flips, out.Score)
	for _, r := range history {
		line := fmt.Sprintf("- %s %s", r.ExecutedAt.Format("2006-01-02 15:04"), r.Status)
		if r.Notes != "" {
			line += ": " + truncate(r.Notes, 120)
		}
		b.WriteString(line + "\n")
	}

	var reply struct {
		LikelyCauses    []string `json:"likelyCauses"`
		Recommendations []string `json:"recommendations"`
	}
	err := g.ask(ctx, flakySchema, "", flakySystem, b.String(), &reply)
	if err == nil {
		out.LikelyCauses = cleanList(reply.LikelyCauses, 5)
		out.Recommendations = cleanList(reply.Recommendations, 5)
		if len(out.LikelyCauses) > 0 && len(out.Recommendations) > 0 {
			return out
		}
		err = errEmpty
	}
	out.Meta = g.fallback(ctx, "flaky_test", err)
	out.LikelyCauses = []string{
		"Timing or asynchronous waits that depend on environment speed",
		"Shared or leftover test data between runs",
		"Dependency on external services or environment configuration",
	}
	out.Recommendations = []string{
		"Replace fixed sleeps with explicit waits on observable conditions",
		"Create and clean up isolated test data per run",
		"Quarantine the test until it passes consistently",
	}
	return out
}
