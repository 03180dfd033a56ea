package planner

import (
	"fmt"
	"math"

	"github.com/basket/storyforge/internal/persistence"
)

// Risk types.
const (
	RiskOverCommitment = "over_commitment"
	RiskOversized      = "oversized_stories"
	RiskUnestimated    = "unestimated"
	RiskBlocked        = "blocked"
	RiskBugHeavy       = "bug_heavy"
)

// Risk severities.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// OversizedPoints is the largest estimate not flagged as oversized.
const OversizedPoints = 8

type Risk struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Mitigation  string `json:"mitigation"`
}

type Prediction struct {
	SuccessProbability int      `json:"successProbability"`
	PlannedPoints      int      `json:"plannedPoints"`
	AverageVelocity    float64  `json:"averageVelocity"`
	CompletionRate     float64  `json:"completionRate"`
	SprintsAnalyzed    int      `json:"sprintsAnalyzed"`
	Risks              []Risk   `json:"risks"`
	Recommendations    []string `json:"recommendations"`
}

var severityPenalty = map[string]float64{SeverityHigh: 20, SeverityMedium: 10, SeverityLow: 5}

// Predict forecasts the success probability of a sprint holding planned,
// given completed sprints as history.
func Predict(planned []persistence.Issue, history []persistence.Sprint) Prediction {
	p := Prediction{Risks: []Risk{}, Recommendations: []string{}}
	var bugs, blocked, unestimated, oversized int
	for _, is := range planned {
		p.PlannedPoints += is.StoryPoints
		switch {
		case is.StoryPoints <= 0:
			unestimated++
		case is.StoryPoints > OversizedPoints:
			oversized++
		}
		if is.Type == persistence.IssueTypeBug {
			bugs++
		}
		if is.Status == persistence.IssueBlocked {
			blocked++
		}
	}

	var velocity, rate, avgBugs float64
	var rated int
	for _, sp := range history {
		velocity += float64(sp.CompletedPoints)
		avgBugs += float64(sp.BugCount)
		if sp.PlannedPoints > 0 {
			rate += math.Min(float64(sp.CompletedPoints)/float64(sp.PlannedPoints), 1)
			rated++
		}
	}
	p.SprintsAnalyzed = len(history)
	if len(history) > 0 {
		p.AverageVelocity = velocity / float64(len(history))
		avgBugs /= float64(len(history))
	}
	p.CompletionRate = 1
	if rated > 0 {
		p.CompletionRate = rate / float64(rated)
	}

	prob := 100.0
	ratio := 0.0
	if p.AverageVelocity > 0 {
		ratio = float64(p.PlannedPoints) / p.AverageVelocity
		switch {
		case ratio > 1.3:
			prob -= 40
		case ratio > 1.2:
			prob -= 30
		case ratio > 1.1:
			prob -= 15
		case ratio < 0.8:
			prob -= 5
		}
	}
	prob *= p.CompletionRate

	if ratio > 1.2 {
		sev := SeverityMedium
		if ratio > 1.3 {
			sev = SeverityHigh
		}
		p.Risks = append(p.Risks, Risk{
			Type:        RiskOverCommitment,
			Severity:    sev,
			Description: fmt.Sprintf("Planned %d points is %.0f%% of average velocity (%.1f)", p.PlannedPoints, 100*ratio, p.AverageVelocity),
			Mitigation:  "Move lowest-priority issues back to the backlog until the plan matches average velocity",
		})
	}
	if oversized > 0 {
		p.Risks = append(p.Risks, Risk{
			Type:        RiskOversized,
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("%d issues are larger than %d points", oversized, OversizedPoints),
			Mitigation:  "Split large issues into smaller, independently deliverable stories",
		})
	}
	if unestimated > 0 {
		p.Risks = append(p.Risks, Risk{
			Type:        RiskUnestimated,
			Severity:    SeverityLow,
			Description: fmt.Sprintf("%d issues have no estimate", unestimated),
			Mitigation:  "Estimate every issue before the sprint starts",
		})
	}
	if blocked > 0 {
		p.Risks = append(p.Risks, Risk{
			Type:        RiskBlocked,
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("%d issues are blocked", blocked),
			Mitigation:  "Resolve blockers first or swap blocked issues for ready ones",
		})
	}
	if avgBugs > 0 && float64(bugs) > 1.5*avgBugs {
		p.Risks = append(p.Risks, Risk{
			Type:        RiskBugHeavy,
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("%d bugs planned against a historical average of %.1f", bugs, avgBugs),
			Mitigation:  "Reserve capacity for investigation; bug fixes are hard to estimate",
		})
	}

	for _, r := range p.Risks {
		prob -= severityPenalty[r.Severity]
		p.Recommendations = append(p.Recommendations, r.Mitigation)
	}
	if len(history) == 0 {
		p.Recommendations = append(p.Recommendations, "No completed sprints yet; the forecast improves as history accumulates")
	}
	p.SuccessProbability = int(math.Round(math.Max(0, math.Min(100, prob))))
	return p
}
