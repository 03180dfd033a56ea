package persistence_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/storyforge/internal/persistence"
)

func TestApplySync_FlagsStoriesAndCascades(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	p := seedProject(t, store, "web")
	req := seedRequirement(t, store, p.ID, "WEB-100", "Users sign in with authentication")
	auth := seedStory(t, store, req, "WEB-201", "Authentication form")
	billing := seedStory(t, store, req, "WEB-202", "Billing page")
	tc, err := store.CreateTestCase(ctx, persistence.TestCase{
		TestCaseKey: "TC-WEB100-001", RequirementID: req.ID, StoryID: auth.ID, Title: "valid login",
	})
	if err != nil {
		t.Fatalf("create test case: %v", err)
	}

	out, err := store.ApplySync(ctx, persistence.SyncPlan{
		RequirementID:   req.ID,
		ExpectedVersion: 1,
		NewContent:      "Users sign in with SSO authentication",
		Changes:         "Authentication now uses SSO",
		Stories:         []persistence.StoryFlag{{StoryID: auth.ID, Reason: "impacted area: authentication"}},
	})
	if err != nil {
		t.Fatalf("apply sync: %v", err)
	}
	if out.NewVersion != 2 || out.Requirement.Version != 2 {
		t.Fatalf("expected requirement version 2, got %+v", out)
	}
	if len(out.TestCaseIDs) != 1 || out.TestCaseIDs[0] != tc.ID {
		t.Fatalf("expected cascaded test case, got %v", out.TestCaseIDs)
	}

	gotAuth, _ := store.GetStory(ctx, auth.ID)
	if !gotAuth.Flagged || gotAuth.SyncStatus != persistence.SyncStatusUpdated || gotAuth.Version != 2 {
		t.Fatalf("expected flagged story at version 2, got %+v", gotAuth)
	}
	gotBilling, _ := store.GetStory(ctx, billing.ID)
	if gotBilling.Flagged || gotBilling.Version != 1 {
		t.Fatalf("billing story should be untouched, got %+v", gotBilling)
	}
	storyVersions, _ := store.ListStoryVersions(ctx, auth.ID)
	if len(storyVersions) != 2 {
		t.Fatalf("expected a version row per story version, got %d", len(storyVersions))
	}
	gotTC, _ := store.GetTestCase(ctx, tc.ID)
	if !gotTC.Flagged || gotTC.Status != persistence.TestCaseNeedsReview {
		t.Fatalf("expected flagged test case in needs_review, got %+v", gotTC)
	}
	versions, _ := store.ListRequirementVersions(ctx, req.ID)
	if len(versions) != 2 || versions[1].Content != "Users sign in with SSO authentication" {
		t.Fatalf("expected appended requirement version, got %+v", versions)
	}
	logs, _ := store.ListChangeLogs(ctx, req.ID)
	kinds := map[string]int{}
	for _, l := range logs {
		kinds[l.EntityType]++
	}
	if kinds["story"] != 1 || kinds["test_case"] != 1 || kinds["requirement"] != 1 {
		t.Fatalf("unexpected change log mix: %v", kinds)
	}

	if err := store.AcknowledgeStory(ctx, auth.ID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	gotAuth, _ = store.GetStory(ctx, auth.ID)
	if gotAuth.Flagged || gotAuth.Version != 2 {
		t.Fatalf("acknowledge should clear the flag only, got %+v", gotAuth)
	}
}

func TestApplySync_VersionConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	req := seedRequirement(t, store, "", "", "v1")
	_, err := store.ApplySync(ctx, persistence.SyncPlan{RequirementID: req.ID, ExpectedVersion: 5, NewContent: "v2"})
	if !errors.Is(err, persistence.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	versions, _ := store.ListRequirementVersions(ctx, req.ID)
	if len(versions) != 1 {
		t.Fatalf("conflict must not write a version, got %d", len(versions))
	}
}

func TestApplySync_VersionCountAfterEdits(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	req := seedRequirement(t, store, "", "", "v1")
	const edits = 4
	for i := 0; i < edits; i++ {
		if _, err := store.ApplySync(ctx, persistence.SyncPlan{
			RequirementID: req.ID, ExpectedVersion: i + 1, NewContent: "content", Changes: "edit",
		}); err != nil {
			t.Fatalf("edit %d: %v", i, err)
		}
	}
	versions, _ := store.ListRequirementVersions(ctx, req.ID)
	got, _ := store.GetRequirement(ctx, req.ID)
	if len(versions) != edits+1 || got.Version != edits+1 {
		t.Fatalf("expected %d versions and version field, got %d rows, version %d", edits+1, len(versions), got.Version)
	}
}

func TestApplySync_MissingRequirement(t *testing.T) {
	store := openTestStore(t)
	_, err := store.ApplySync(context.Background(), persistence.SyncPlan{RequirementID: "missing"})
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplySync_SnapshotFailureRollsBack(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	p := seedProject(t, store, "web")
	req := seedRequirement(t, store, p.ID, "WEB-100", "Users sign in")
	st := seedStory(t, store, req, "WEB-201", "Sign in form")

	boom := errors.New("encode failed")
	restore := persistence.FailSnapshots(boom)
	_, err := store.ApplySync(ctx, persistence.SyncPlan{
		RequirementID:   req.ID,
		ExpectedVersion: 1,
		NewContent:      "Users sign in with SSO",
		Changes:         "SSO",
		Stories:         []persistence.StoryFlag{{StoryID: st.ID, Reason: "impacted area: sign in"}},
	})
	restore()
	if !errors.Is(err, boom) {
		t.Fatalf("apply sync err = %v, want snapshot failure", err)
	}

	got, _ := store.GetStory(ctx, st.ID)
	if got.Flagged || got.Version != 1 {
		t.Fatalf("story changed despite rollback: %+v", got)
	}
	versions, _ := store.ListStoryVersions(ctx, st.ID)
	if len(versions) != 1 {
		t.Fatalf("story versions = %d, want 1", len(versions))
	}
	gotReq, _ := store.GetRequirement(ctx, req.ID)
	if gotReq.Version != 1 {
		t.Fatalf("requirement version = %d, want 1", gotReq.Version)
	}
}
