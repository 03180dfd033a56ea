package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/bus"
	"github.com/basket/storyforge/internal/llm"
	"github.com/basket/storyforge/internal/persistence"
	"github.com/basket/storyforge/internal/service"
)

type fakeLLM struct {
	reply string
	err   error
}

func (f *fakeLLM) Complete(context.Context, string, string, ...llm.CallOption) (string, error) {
	return f.reply, f.err
}

type env struct {
	svc     *service.Service
	store   *persistence.Store
	bus     *bus.Bus
	project *persistence.Project
}

func newEnv(t *testing.T, c llm.Completer) env {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "svc.db"), persistence.DriverMattn, b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc := service.New(service.Deps{Store: store, LLM: c, Bus: b})
	p, err := svc.CreateProject(context.Background(), "web", "Web")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return env{svc: svc, store: store, bus: b, project: p}
}

func (e env) requirement(t *testing.T, content string) *persistence.Requirement {
	t.Helper()
	r, err := e.svc.CreateRequirement(context.Background(), service.CreateRequirementInput{
		ProjectID: e.project.ID, Title: "Checkout", Content: content,
	})
	if err != nil {
		t.Fatalf("create requirement: %v", err)
	}
	return r
}

const checkoutContent = `Checkout flow.
- Users can pay with a saved card
- Users can apply a discount code
- Admins can refund an order from the API`

func TestCreateProject_Validation(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	if e.project.Key != "WEB" {
		t.Fatalf("key not upper-cased: %q", e.project.Key)
	}
	if _, err := e.svc.CreateProject(ctx, "WEB", "Again"); apperr.CodeOf(err) != apperr.CodeConflict {
		t.Fatalf("duplicate key: got %v", err)
	}
	if _, err := e.svc.CreateProject(ctx, "9X", "Bad"); apperr.CodeOf(err) != apperr.CodeInvalid {
		t.Fatalf("bad key: got %v", err)
	}
}

func TestCreateRequirement(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	if _, err := e.svc.CreateRequirement(ctx, service.CreateRequirementInput{ProjectID: e.project.ID}); apperr.CodeOf(err) != apperr.CodeInvalid {
		t.Fatalf("empty requirement: got %v", err)
	}

	first := e.requirement(t, "one")
	second := e.requirement(t, "two")
	if first.Epic() != "WEB-100" || second.Epic() != "WEB-101" {
		t.Fatalf("epic keys = %q, %q", first.Epic(), second.Epic())
	}
	if first.Version != 1 {
		t.Fatalf("initial version = %d", first.Version)
	}

	loose, err := e.svc.CreateRequirement(ctx, service.CreateRequirementInput{FileURL: "https://files.example.com/specs/payments.pdf"})
	if err != nil {
		t.Fatalf("create without project: %v", err)
	}
	if loose.EpicKey != nil || loose.ProjectID != nil {
		t.Fatalf("requirement without project got epic %v", loose.EpicKey)
	}
	if loose.Title != "payments.pdf" {
		t.Fatalf("derived title = %q", loose.Title)
	}

	if _, err := e.svc.CreateRequirement(ctx, service.CreateRequirementInput{ProjectID: "nope", Content: "x"}); !apperr.IsNotFound(err) {
		t.Fatalf("unknown project: got %v", err)
	}
}

func TestGenerateStories_FallbackMirrorsIssues(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	req := e.requirement(t, checkoutContent)

	res, err := e.svc.GenerateStories(ctx, req.ID)
	if err != nil {
		t.Fatalf("generate stories: %v", err)
	}
	if !res.Fallback || res.Notice == "" {
		t.Fatalf("expected fallback marker, got %+v", res.Meta)
	}
	if len(res.Stories) != 3 || len(res.Failures) != 0 {
		t.Fatalf("stories = %d, failures = %d", len(res.Stories), len(res.Failures))
	}
	for i, st := range res.Stories {
		want := []string{"WEB-201", "WEB-202", "WEB-203"}[i]
		if st.StoryKey != want {
			t.Errorf("story %d key = %q, want %q", i, st.StoryKey, want)
		}
		if st.EpicKey != "WEB-100" {
			t.Errorf("story %d epic = %q", i, st.EpicKey)
		}
		if st.LinkedIssueID == "" {
			t.Errorf("story %d not linked", i)
			continue
		}
		is, err := e.svc.GetIssue(ctx, st.LinkedIssueID)
		if err != nil {
			t.Fatalf("get mirrored issue: %v", err)
		}
		if is.IssueKey != st.StoryKey || is.StoryID != st.ID || is.Type != persistence.IssueTypeStory {
			t.Errorf("mirror mismatch: %+v", is)
		}
	}
	if res.Stories[2].Type != persistence.StoryTypeAPI {
		t.Errorf("API bullet typed %q", res.Stories[2].Type)
	}

	// Issues share the story sequence.
	is, err := e.svc.CreateIssue(ctx, service.CreateIssueInput{ProjectID: e.project.ID, Title: "Fix footer"})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	if is.IssueKey != "WEB-204" {
		t.Fatalf("issue key = %q, want WEB-204", is.IssueKey)
	}
}

func TestSyncStoriesToIssues_RelinksExistingMirror(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	req := e.requirement(t, checkoutContent)
	res, err := e.svc.GenerateStories(ctx, req.ID)
	if err != nil {
		t.Fatalf("generate stories: %v", err)
	}
	mirrored := map[string]string{}
	for _, st := range res.Stories {
		mirrored[st.ID] = st.LinkedIssueID
	}

	// The issue rows exist but the back-links were lost.
	if _, err := e.store.DB().ExecContext(ctx, `UPDATE stories SET linked_issue_id = '';`); err != nil {
		t.Fatalf("clear links: %v", err)
	}

	batch, err := e.svc.SyncStoriesToIssues(ctx, req.ID)
	if err != nil {
		t.Fatalf("sync stories: %v", err)
	}
	if batch.Total != 3 || batch.Succeeded != 3 || batch.Failed != 0 {
		t.Fatalf("batch = %+v", batch)
	}
	stories, _ := e.svc.ListStories(ctx, req.ID)
	for _, st := range stories {
		if st.LinkedIssueID == "" || st.LinkedIssueID != mirrored[st.ID] {
			t.Errorf("story %s linked to %q, want original issue %q", st.StoryKey, st.LinkedIssueID, mirrored[st.ID])
		}
	}
	issues, _ := e.svc.ListIssues(ctx, e.project.ID, persistence.IssueFilter{})
	if len(issues) != 3 {
		t.Fatalf("issues = %d, want 3 (no duplicates)", len(issues))
	}

	again, _ := e.svc.SyncStoriesToIssues(ctx, req.ID)
	if again.Total != 0 {
		t.Fatalf("linked stories resynced: %+v", again)
	}
}

func TestSyncStoriesToIssues_InternalErrorsStayGeneric(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	req := e.requirement(t, checkoutContent)
	if _, err := e.svc.GenerateStories(ctx, req.ID); err != nil {
		t.Fatalf("generate stories: %v", err)
	}
	db := e.store.DB()
	if _, err := db.ExecContext(ctx, `UPDATE stories SET linked_issue_id = '';`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, `DROP TABLE issues;`); err != nil {
		t.Fatal(err)
	}

	batch, err := e.svc.SyncStoriesToIssues(ctx, req.ID)
	if err != nil {
		t.Fatalf("sync stories: %v", err)
	}
	if batch.Failed != 3 {
		t.Fatalf("batch = %+v", batch)
	}
	for _, item := range batch.Items {
		if item.Error != "internal error" {
			t.Errorf("item %d error = %q, want generic message", item.Index, item.Error)
		}
	}
}

func TestGenerateStories_AIReply(t *testing.T) {
	e := newEnv(t, &fakeLLM{reply: "Here you go:\n```json\n" + `{"stories":[
		{"title":"Saved card payment","description":"Pay with a stored card","type":"ui","acceptanceCriteria":["Card is charged"],"storyPoints":4,"priority":"HIGH"}
	]}` + "\n```"})
	req := e.requirement(t, checkoutContent)
	res, err := e.svc.GenerateStories(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("generate stories: %v", err)
	}
	if res.Fallback {
		t.Fatalf("unexpected fallback: %+v", res.Meta)
	}
	if len(res.Stories) != 1 {
		t.Fatalf("stories = %d", len(res.Stories))
	}
	st := res.Stories[0]
	if st.StoryPoints != 5 || st.Priority != "high" {
		t.Fatalf("normalization: points %d priority %q", st.StoryPoints, st.Priority)
	}
}

func TestGenerateStories_RequiresProject(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	req, err := e.svc.CreateRequirement(ctx, service.CreateRequirementInput{Content: "Loose requirement text here."})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.GenerateStories(ctx, req.ID); apperr.CodeOf(err) != apperr.CodeInvalid {
		t.Fatalf("got %v", err)
	}
	if _, err := e.svc.GenerateStories(ctx, "missing"); !apperr.IsNotFound(err) {
		t.Fatalf("missing requirement: got %v", err)
	}
}

func TestGenerateTestCases_KeysAndSuites(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	req := e.requirement(t, checkoutContent)
	stories, err := e.svc.GenerateStories(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}

	first, err := e.svc.GenerateTestCases(ctx, stories.Stories[0].ID)
	if err != nil {
		t.Fatalf("generate test cases: %v", err)
	}
	keys := make([]string, 0, len(first.TestCases))
	for _, tc := range first.TestCases {
		keys = append(keys, tc.TestCaseKey)
	}
	if !slices.Equal(keys, []string{"TC-WEB100-001", "TC-WEB100-002", "TC-WEB100-003"}) {
		t.Fatalf("keys = %v", keys)
	}

	second, err := e.svc.GenerateTestCases(ctx, stories.Stories[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.TestCases[0].TestCaseKey != "TC-WEB100-004" {
		t.Fatalf("sequence continued at %q", second.TestCases[0].TestCaseKey)
	}

	suites, err := e.svc.ListTestSuites(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]int{}
	for _, s := range suites {
		if s.TestCaseCount != len(s.TestCaseKeys) {
			t.Errorf("suite %s count %d != %d keys", s.SuiteKey, s.TestCaseCount, len(s.TestCaseKeys))
		}
		counts[s.SuiteKey] = s.TestCaseCount
	}
	want := map[string]int{"TS-SMOKE-WEB100": 2, "TS-SANITY-WEB100": 2, "TS-REGRESSION-WEB100": 6}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("suite %s = %d, want %d (all %v)", k, counts[k], n, counts)
		}
	}
}

func TestDeprecateTestCase_PrunesEmptySuites(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	req := e.requirement(t, checkoutContent)
	stories, err := e.svc.GenerateStories(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	gen, err := e.svc.GenerateTestCases(ctx, stories.Stories[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	happy := gen.TestCases[0]
	if !slices.Contains(happy.Categories, persistence.CategorySmoke) {
		t.Fatalf("first case categories = %v", happy.Categories)
	}

	tc, err := e.svc.DeprecateTestCase(ctx, happy.ID)
	if err != nil {
		t.Fatalf("deprecate: %v", err)
	}
	if tc.Status != persistence.TestCaseDeprecated || tc.Flagged {
		t.Fatalf("case = %+v", tc)
	}

	suites, err := e.svc.ListTestSuites(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string][]string{}
	for _, s := range suites {
		got[s.SuiteKey] = s.TestCaseKeys
	}
	if _, ok := got["TS-SMOKE-WEB100"]; ok {
		t.Fatalf("smoke suite kept with no live cases: %v", got)
	}
	if keys := got["TS-REGRESSION-WEB100"]; slices.Contains(keys, happy.TestCaseKey) || len(keys) != 2 {
		t.Fatalf("regression suite = %v", keys)
	}
	if len(got["TS-SANITY-WEB100"]) != 1 {
		t.Fatalf("sanity suite = %v", got["TS-SANITY-WEB100"])
	}

	if _, err := e.svc.DeprecateTestCase(ctx, "missing"); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("missing case: %v", err)
	}
}

func TestTestRunRollup(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	req := e.requirement(t, checkoutContent)
	stories, err := e.svc.GenerateStories(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	cases, err := e.svc.GenerateTestCases(ctx, stories.Stories[0].ID)
	if err != nil {
		t.Fatal(err)
	}

	sub := e.bus.Subscribe("testrun.")
	defer e.bus.Unsubscribe(sub)

	run, err := e.svc.CreateTestRun(ctx, "nightly", req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.CreateTestRun(ctx, "  ", ""); apperr.CodeOf(err) != apperr.CodeInvalid {
		t.Fatalf("blank name: got %v", err)
	}

	tc0, tc1 := cases.TestCases[0].ID, cases.TestCases[1].ID
	if _, _, err := e.svc.RecordResult(ctx, run.ID, service.RecordResultInput{TestCaseID: tc0, Status: "passed"}); err != nil {
		t.Fatal(err)
	}
	res, _, err := e.svc.RecordResult(ctx, run.ID, service.RecordResultInput{TestCaseID: tc1, Status: "failed"})
	if err != nil {
		t.Fatal(err)
	}
	// Re-recording replaces rather than adds.
	_, got, err := e.svc.RecordResult(ctx, run.ID, service.RecordResultInput{TestCaseID: tc0, Status: "blocked"})
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalTests != 2 || got.Blocked != 1 || got.Failed != 1 || got.Passed != 0 {
		t.Fatalf("rollup = %+v", got)
	}

	_, got, err = e.svc.UpdateResult(ctx, res.ID, "passed", "retried")
	if err != nil {
		t.Fatal(err)
	}
	if got.Passed+got.Failed+got.Skipped+got.Blocked != got.TotalTests || got.Passed != 1 {
		t.Fatalf("rollup after update = %+v", got)
	}

	if _, _, err := e.svc.RecordResult(ctx, run.ID, service.RecordResultInput{TestCaseID: tc0, Status: "flaky"}); apperr.CodeOf(err) != apperr.CodeInvalid {
		t.Fatalf("invalid status: got %v", err)
	}
	if _, _, err := e.svc.RecordResult(ctx, "missing-run", service.RecordResultInput{TestCaseID: tc0, Status: "passed"}); !apperr.IsNotFound(err) {
		t.Fatalf("missing run: got %v", err)
	}

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicTestRunUpdated {
			t.Fatalf("topic = %q", ev.Topic)
		}
	default:
		t.Fatal("no testrun.updated event")
	}

	detail, err := e.svc.GetTestRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(detail.Results) != 2 {
		t.Fatalf("results = %d", len(detail.Results))
	}
}

func TestAnalyzeFlaky(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	req := e.requirement(t, checkoutContent)
	stories, _ := e.svc.GenerateStories(ctx, req.ID)
	cases, err := e.svc.GenerateTestCases(ctx, stories.Stories[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	tc := cases.TestCases[0].ID
	for i, status := range []string{"passed", "failed", "passed", "failed", "passed", "failed"} {
		run, err := e.svc.CreateTestRun(ctx, "run", "")
		if err != nil {
			t.Fatal(err)
		}
		if _, _, err := e.svc.RecordResult(ctx, run.ID, service.RecordResultInput{TestCaseID: tc, Status: status}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	a, err := e.svc.AnalyzeFlaky(ctx, tc, 0)
	if err != nil {
		t.Fatal(err)
	}
	if a.Runs != 6 || a.Classification != "flaky" {
		t.Fatalf("analysis = %+v", a.FlakyScore)
	}
	if !a.Fallback || len(a.Recommendations) == 0 {
		t.Fatalf("expected fallback advice, got %+v", a)
	}
}

func TestAcknowledgeUnknownStory(t *testing.T) {
	e := newEnv(t, nil)
	if _, err := e.svc.AcknowledgeStory(context.Background(), "missing"); !apperr.IsNotFound(err) {
		t.Fatalf("got %v", err)
	}
	if _, err := e.svc.AcknowledgeTestCase(context.Background(), "missing"); !apperr.IsNotFound(err) {
		t.Fatalf("got %v", err)
	}
}

func TestPlanAndCompleteSprint(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	for _, name := range []string{"Ana", "Ben"} {
		if _, err := e.svc.AddMember(ctx, e.project.ID, service.AddMemberInput{Name: name, Skills: []string{"Go"}}); err != nil {
			t.Fatal(err)
		}
	}
	mk := func(title, priority string, points int) *persistence.Issue {
		is, err := e.svc.CreateIssue(ctx, service.CreateIssueInput{ProjectID: e.project.ID, Title: title, Priority: priority, StoryPoints: points})
		if err != nil {
			t.Fatal(err)
		}
		return is
	}
	low := mk("Polish", "low", 8)
	high := mk("Login", "high", 5)
	med := mk("Search", "medium", 3)
	loose := mk("Spike", "critical", 0)

	sp, err := e.svc.CreateSprint(ctx, e.project.ID, "Sprint 1", 10)
	if err != nil {
		t.Fatal(err)
	}
	plan, err := e.svc.PlanSprint(ctx, sp.ID, true)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var picked []string
	for _, is := range plan.Selection.Selected {
		picked = append(picked, is.ID)
	}
	if !slices.Equal(picked, []string{high.ID, med.ID}) {
		t.Fatalf("selected %v", picked)
	}
	if len(plan.Selection.Skipped) != 1 || plan.Selection.Skipped[0].ID != loose.ID {
		t.Fatalf("skipped = %+v", plan.Selection.Skipped)
	}
	if plan.Sprint.PlannedPoints != 8 || plan.Sprint.TotalIssues != 2 {
		t.Fatalf("sprint = %+v", plan.Sprint)
	}
	got, _ := e.svc.GetIssue(ctx, high.ID)
	if got.SprintID != sp.ID || got.AssigneeID == "" {
		t.Fatalf("issue not assigned: %+v", got)
	}
	if lowNow, _ := e.svc.GetIssue(ctx, low.ID); lowNow.SprintID != "" {
		t.Fatal("oversized issue should stay in backlog")
	}

	pred, err := e.svc.PredictSprint(ctx, sp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pred.PlannedPoints != 8 || pred.SprintsAnalyzed != 0 {
		t.Fatalf("prediction = %+v", pred)
	}

	if _, err := e.svc.StartSprint(ctx, sp.ID); err != nil {
		t.Fatal(err)
	}
	if n, err := e.svc.ForecastActive(ctx); err != nil || n != 1 {
		t.Fatalf("forecast active = %d, %v", n, err)
	}
	if stored, err := e.svc.StoredForecast(ctx, sp.ID); err != nil || stored == nil || stored.PlannedPoints != 8 {
		t.Fatalf("stored forecast = %+v, %v", stored, err)
	}

	done := persistence.IssueDone
	if _, err := e.svc.UpdateIssue(ctx, high.ID, service.UpdateIssueInput{Status: &done}); err != nil {
		t.Fatal(err)
	}
	closed, err := e.svc.CompleteSprint(ctx, sp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if closed.Status != persistence.SprintCompleted || closed.CompletedPoints != 5 || closed.CompletedIssues != 1 {
		t.Fatalf("completed sprint = %+v", closed)
	}
	if _, err := e.svc.CompleteSprint(ctx, sp.ID); apperr.CodeOf(err) != apperr.CodeConflict {
		t.Fatalf("second completion: got %v", err)
	}

	retro, err := e.svc.Retrospective(ctx, sp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !retro.Fallback || retro.Summary == "" || retro.Metrics.CarryOver != 1 {
		t.Fatalf("retrospective = %+v", retro)
	}
	stored, err := e.svc.LatestRetrospective(ctx, sp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ID != retro.ID || !stored.Fallback || !strings.Contains(stored.Report, `"summary"`) {
		t.Fatalf("stored retrospective = %+v", stored)
	}
}

func TestBulkTag_PartialFailure(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	is, err := e.svc.CreateIssue(ctx, service.CreateIssueInput{
		ProjectID: e.project.ID, Title: "Login page crash", Description: "The login button throws an error",
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.svc.BulkTag(ctx, []string{is.ID, "missing"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 2 || res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("batch = %+v", res)
	}
	if res.Items[1].OK || res.Items[1].Error == "" {
		t.Fatalf("failed item = %+v", res.Items[1])
	}
	got, _ := e.svc.GetIssue(ctx, is.ID)
	for _, want := range []string{"bug", "security"} {
		if !slices.Contains(got.Labels, want) {
			t.Errorf("labels %v missing %q", got.Labels, want)
		}
	}
}

func TestIntakeEmails(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	res, err := e.svc.IntakeEmails(ctx, e.project.ID, []service.EmailInput{
		{From: "ops@example.com", Subject: "Re: FW: Checkout crash on submit", Body: "Pressing pay shows an error."},
		{From: "pm@example.com", Subject: "", Body: ""},
		{From: "pm@example.com", Subject: "Update the onboarding guide", Body: "The readme is outdated."},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 2 || res.Failed != 1 {
		t.Fatalf("batch = %+v", res)
	}
	first, ok := res.Items[0].Data.(*persistence.Issue)
	if !ok {
		t.Fatalf("data = %T", res.Items[0].Data)
	}
	if first.Title != "Checkout crash on submit" || first.Type != persistence.IssueTypeBug || first.Source != "email" {
		t.Fatalf("issue = %+v", first)
	}
	third := res.Items[2].Data.(*persistence.Issue)
	if third.Type != persistence.IssueTypeTask || !slices.Contains(third.Labels, "documentation") {
		t.Fatalf("issue = %+v", third)
	}
}

func TestSuggestAssignee_NoMembers(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	is, _ := e.svc.CreateIssue(ctx, service.CreateIssueInput{ProjectID: e.project.ID, Title: "API timeout"})
	if _, err := e.svc.SuggestAssignee(ctx, is.ID); apperr.CodeOf(err) != apperr.CodeInvalid {
		t.Fatalf("got %v", err)
	}
	if _, err := e.svc.AddMember(ctx, e.project.ID, service.AddMemberInput{Name: "Dee", Skills: []string{"API"}}); err != nil {
		t.Fatal(err)
	}
	res, err := e.svc.SuggestAssignee(ctx, is.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Name != "Dee" || !res.Fallback {
		t.Fatalf("assignee = %+v", res)
	}
}

func TestComplete(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	res, err := e.svc.Complete(ctx, service.CompleteInput{Prompt: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Fallback || res.Text != "" {
		t.Fatalf("result = %+v", res)
	}
	if _, err := e.svc.Complete(ctx, service.CompleteInput{}); apperr.CodeOf(err) != apperr.CodeInvalid {
		t.Fatalf("empty prompt: got %v", err)
	}

	failing := newEnv(t, &fakeLLM{err: errors.New("boom")})
	res, err = failing.svc.Complete(ctx, service.CompleteInput{Prompt: "hello"})
	if err != nil || !res.Fallback {
		t.Fatalf("failing completer: %+v, %v", res, err)
	}

	ok := newEnv(t, &fakeLLM{reply: "hi"})
	res, err = ok.svc.Complete(ctx, service.CompleteInput{Prompt: "hello"})
	if err != nil || res.Fallback || res.Text != "hi" {
		t.Fatalf("ok completer: %+v, %v", res, err)
	}
}
