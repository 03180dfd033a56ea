package persistence

import "time"

// Story types.
const (
	StoryTypeUI  = "ui"
	StoryTypeAPI = "api"
)

// Story sync statuses.
const (
	SyncStatusSynced  = "synced"
	SyncStatusUpdated = "updated"
	SyncStatusPending = "pending"
)

// Test case statuses.
const (
	TestCaseDraft       = "draft"
	TestCaseActive      = "active"
	TestCaseNeedsReview = "needs_review"
	TestCaseDeprecated  = "deprecated"
)

// Test result statuses; the rollup counters on TestRun mirror these four.
const (
	ResultPassed  = "passed"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
	ResultBlocked = "blocked"
)

// Test categories.
const (
	CategorySmoke      = "smoke"
	CategorySanity     = "sanity"
	CategoryRegression = "regression"
)

var TestCategories = []string{CategorySmoke, CategorySanity, CategoryRegression}

// Issue statuses.
const (
	IssueTodo       = "todo"
	IssueInProgress = "in_progress"
	IssueBlocked    = "blocked"
	IssueDone       = "done"
)

// Issue types.
const (
	IssueTypeStory = "story"
	IssueTypeTask  = "task"
	IssueTypeBug   = "bug"
	IssueTypeEpic  = "epic"
)

// Sprint statuses.
const (
	SprintPlanned   = "planned"
	SprintActive    = "active"
	SprintCompleted = "completed"
)

type Project struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type Member struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Skills    []string  `json:"skills"`
	CreatedAt time.Time `json:"createdAt"`
}

// Requirement is the epic-level source document. ProjectID and EpicKey are
// nil when the requirement was created without a project.
type Requirement struct {
	ID            string    `json:"id"`
	ProjectID     *string   `json:"projectId"`
	EpicKey       *string   `json:"epicKey"`
	LinkedIssueID string    `json:"linkedIssueId,omitempty"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	FileURL       string    `json:"fileUrl,omitempty"`
	Status        string    `json:"status"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Project returns the project id or "".
func (r Requirement) Project() string {
	if r.ProjectID == nil {
		return ""
	}
	return *r.ProjectID
}

// Epic returns the epic key or "".
func (r Requirement) Epic() string {
	if r.EpicKey == nil {
		return ""
	}
	return *r.EpicKey
}

// RequirementVersion is an immutable content snapshot.
type RequirementVersion struct {
	ID            int64     `json:"id"`
	RequirementID string    `json:"requirementId"`
	Version       int       `json:"version"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Changes       string    `json:"changes"`
	ChangeDetails string    `json:"changeDetails,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Story struct {
	ID                 string    `json:"id"`
	StoryKey           string    `json:"storyKey"`
	ProjectID          string    `json:"projectId"`
	RequirementID      string    `json:"requirementId"`
	EpicKey            string    `json:"epicKey"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	Type               string    `json:"type"`
	AcceptanceCriteria []string  `json:"acceptanceCriteria"`
	StoryPoints        int       `json:"storyPoints"`
	Priority           string    `json:"priority"`
	Status             string    `json:"status"`
	SyncStatus         string    `json:"syncStatus"`
	Version            int       `json:"version"`
	Flagged            bool      `json:"flagged"`
	LinkedIssueID      string    `json:"linkedIssueId,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

type StoryVersion struct {
	ID        int64     `json:"id"`
	StoryID   string    `json:"storyId"`
	Version   int       `json:"version"`
	Snapshot  string    `json:"snapshot"`
	Changes   string    `json:"changes"`
	CreatedAt time.Time `json:"createdAt"`
}

type TestCase struct {
	ID             string    `json:"id"`
	TestCaseKey    string    `json:"testCaseKey"`
	RequirementID  string    `json:"requirementId"`
	StoryID        string    `json:"storyId,omitempty"`
	Title          string    `json:"title"`
	Steps          []string  `json:"steps"`
	ExpectedResult string    `json:"expectedResult"`
	Categories     []string  `json:"categories"`
	Priority       string    `json:"priority"`
	Automated      bool      `json:"automated"`
	Status         string    `json:"status"`
	Flagged        bool      `json:"flagged"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// TestSuite groups test cases of one category; TestCaseCount always equals
// len(TestCaseKeys).
type TestSuite struct {
	ID            string    `json:"id"`
	SuiteKey      string    `json:"suiteKey"`
	RequirementID string    `json:"requirementId"`
	Category      string    `json:"category"`
	Name          string    `json:"name"`
	TestCaseKeys  []string  `json:"testCaseKeys"`
	TestCaseCount int       `json:"testCaseCount"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// TestRun counters are derived from its results on every result write.
type TestRun struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	RequirementID string    `json:"requirementId,omitempty"`
	Status        string    `json:"status"`
	Passed        int       `json:"passed"`
	Failed        int       `json:"failed"`
	Skipped       int       `json:"skipped"`
	Blocked       int       `json:"blocked"`
	TotalTests    int       `json:"totalTests"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type TestResult struct {
	ID         string    `json:"id"`
	TestRunID  string    `json:"testRunId"`
	TestCaseID string    `json:"testCaseId"`
	Status     string    `json:"status"`
	Notes      string    `json:"notes,omitempty"`
	DurationMs int64     `json:"durationMs"`
	ExecutedAt time.Time `json:"executedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ChangeLog is an append-only audit row.
type ChangeLog struct {
	ID            int64     `json:"id"`
	RequirementID string    `json:"requirementId"`
	EntityType    string    `json:"entityType"`
	EntityID      string    `json:"entityId"`
	ChangeType    string    `json:"changeType"`
	Summary       string    `json:"summary"`
	OldValue      string    `json:"oldValue,omitempty"`
	NewValue      string    `json:"newValue,omitempty"`
	Actor         string    `json:"actor"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Issue is the generic tracker item; StoryPoints 0 means unestimated.
type Issue struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	IssueKey    string    `json:"issueKey"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority"`
	StoryPoints int       `json:"storyPoints"`
	Labels      []string  `json:"labels"`
	AssigneeID  string    `json:"assigneeId,omitempty"`
	SprintID    string    `json:"sprintId,omitempty"`
	Reporter    string    `json:"reporter,omitempty"`
	Source      string    `json:"source"`
	StoryID     string    `json:"storyId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Sprint struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"projectId"`
	Name            string    `json:"name"`
	Status          string    `json:"status"`
	Capacity        int       `json:"capacity"`
	PlannedPoints   int       `json:"plannedPoints"`
	CompletedPoints int       `json:"completedPoints"`
	CompletedIssues int       `json:"completedIssues"`
	TotalIssues     int       `json:"totalIssues"`
	BugCount        int       `json:"bugCount"`
	CreatedAt       time.Time `json:"createdAt"`
	CompletedAt     time.Time `json:"completedAt,omitempty"`
}

type Retrospective struct {
	ID        string    `json:"id"`
	SprintID  string    `json:"sprintId"`
	Report    string    `json:"report"`
	Fallback  bool      `json:"fallback"`
	CreatedAt time.Time `json:"createdAt"`
}
