package bus

const (
	TopicRequirementCreated = "requirement.created"
	TopicRequirementSynced  = "requirement.synced"
	TopicRequirementDeleted = "requirement.deleted"

	TopicStoriesGenerated  = "story.generated"
	TopicStoryFlagged      = "story.flagged"
	TopicStoryAcknowledged = "story.acknowledged"

	TopicTestCasesGenerated = "testcase.generated"
	TopicTestCaseFlagged    = "testcase.flagged"

	TopicTestRunUpdated = "testrun.updated"

	TopicSprintPlanned   = "sprint.planned"
	TopicSprintForecast  = "sprint.forecast"
	TopicSprintCompleted = "sprint.completed"

	TopicIssueCreated = "issue.created"
	TopicIssueTagged  = "issue.tagged"

	// TopicAIFallback is published whenever a generator served its deterministic fallback.
	TopicAIFallback = "ai.fallback"
)

// RequirementSynced summarizes one change-propagation pass.
type RequirementSynced struct {
	RequirementID    string   `json:"requirementId"`
	Version          int      `json:"version"`
	FlaggedStories   []string `json:"flaggedStories"`
	FlaggedTestCases []string `json:"flaggedTestCases"`
}

// EntityFlagged is published for each story or test case flagged for review.
type EntityFlagged struct {
	RequirementID string `json:"requirementId"`
	EntityID      string `json:"entityId"`
	EntityKey     string `json:"entityKey"`
}

// TestRunUpdated carries the recomputed rollup of a run.
type TestRunUpdated struct {
	RunID   string `json:"runId"`
	Passed  int    `json:"passed"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"`
	Blocked int    `json:"blocked"`
	Total   int    `json:"total"`
}

// AIFallback records which feature fell back and why.
type AIFallback struct {
	Feature string `json:"feature"`
	Reason  string `json:"reason"`
}
