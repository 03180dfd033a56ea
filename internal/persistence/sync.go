package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// marshalSnapshot encodes the pre-change copy stored in version and change
// log rows.
var marshalSnapshot = json.Marshal

// ErrVersionConflict means the requirement moved on since the sync plan was built.
var ErrVersionConflict = errors.New("requirement version conflict")

// StoryFlag names a story to flag and why.
type StoryFlag struct {
	StoryID string
	Reason  string
}

// SyncPlan is everything a requirement edit writes. It is applied as one unit.
type SyncPlan struct {
	RequirementID   string
	ExpectedVersion int
	NewTitle        string
	NewContent      string
	Changes         string
	ChangeDetails   string
	Stories         []StoryFlag
}

type SyncOutcome struct {
	Requirement  *Requirement
	Stories      []Story
	TestCaseIDs  []string
	PriorVersion int
	NewVersion   int
}

// ApplySync flags the planned stories (bumping their versions), cascades the
// flag to their test cases, appends a requirement version and updates the
// requirement. Every step writes its change log row in the same transaction.
func (s *Store) ApplySync(ctx context.Context, plan SyncPlan) (*SyncOutcome, error) {
	var out *SyncOutcome
	err := s.withTx(ctx, "apply sync", func(tx *sql.Tx) error {
		out = &SyncOutcome{}
		now := s.now().UTC()
		ts := formatTime(now)

		var req Requirement
		err := scanRequirement(tx.QueryRowContext(ctx, `SELECT `+requirementColumns+` FROM requirements WHERE id = ?;`,
			plan.RequirementID).Scan, &req)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("apply sync: %w", ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("apply sync: load requirement: %w", err)
		}
		if plan.ExpectedVersion != 0 && req.Version != plan.ExpectedVersion {
			return fmt.Errorf("apply sync: have %d, planned against %d: %w", req.Version, plan.ExpectedVersion, ErrVersionConflict)
		}
		out.PriorVersion = req.Version

		for _, f := range plan.Stories {
			var st Story
			err := scanStory(tx.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = ? AND requirement_id = ?;`,
				f.StoryID, plan.RequirementID).Scan, &st)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("apply sync: load story %s: %w", f.StoryID, err)
			}
			snap, err := marshalSnapshot(st)
			if err != nil {
				return fmt.Errorf("apply sync: snapshot story %s: %w", st.StoryKey, err)
			}
			next := st.Version + 1
			if _, err := tx.ExecContext(ctx, `
				UPDATE stories SET flagged = 1, sync_status = ?, version = ?, updated_at = ? WHERE id = ?;
			`, SyncStatusUpdated, next, ts, st.ID); err != nil {
				return fmt.Errorf("apply sync: flag story %s: %w", st.StoryKey, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO story_versions (story_id, version, snapshot, changes, created_at) VALUES (?, ?, ?, ?, ?);
			`, st.ID, next, string(snap), f.Reason, ts); err != nil {
				return fmt.Errorf("apply sync: story version %s: %w", st.StoryKey, err)
			}
			if err := appendChangeLogTx(ctx, tx, ChangeLog{
				RequirementID: plan.RequirementID,
				EntityType:    "story",
				EntityID:      st.ID,
				ChangeType:    "flagged",
				Summary:       fmt.Sprintf("%s flagged for review", st.StoryKey),
				OldValue:      string(snap),
				NewValue:      f.Reason,
			}, now); err != nil {
				return err
			}
			st.Flagged = true
			st.SyncStatus = SyncStatusUpdated
			st.Version = next
			st.UpdatedAt = now
			out.Stories = append(out.Stories, st)

			caseIDs, err := txStrings(ctx, tx, `SELECT id FROM test_cases WHERE story_id = ? AND status != ? ORDER BY test_case_key;`,
				st.ID, TestCaseDeprecated)
			if err != nil {
				return fmt.Errorf("apply sync: story test cases: %w", err)
			}
			for _, id := range caseIDs {
				if _, err := tx.ExecContext(ctx, `
					UPDATE test_cases SET flagged = 1, status = ?, updated_at = ? WHERE id = ?;
				`, TestCaseNeedsReview, ts, id); err != nil {
					return fmt.Errorf("apply sync: flag test case: %w", err)
				}
				if err := appendChangeLogTx(ctx, tx, ChangeLog{
					RequirementID: plan.RequirementID,
					EntityType:    "test_case",
					EntityID:      id,
					ChangeType:    "flagged",
					Summary:       fmt.Sprintf("Story %s changed; test case needs review", st.StoryKey),
					NewValue:      TestCaseNeedsReview,
				}, now); err != nil {
					return err
				}
				out.TestCaseIDs = append(out.TestCaseIDs, id)
			}
		}

		title := plan.NewTitle
		if title == "" {
			title = req.Title
		}
		out.NewVersion = req.Version + 1
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO requirement_versions (requirement_id, version, title, content, changes, change_details, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, req.ID, out.NewVersion, title, plan.NewContent, plan.Changes, plan.ChangeDetails, ts); err != nil {
			return fmt.Errorf("apply sync: append version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE requirements SET title = ?, content = ?, version = ?, updated_at = ? WHERE id = ?;
		`, title, plan.NewContent, out.NewVersion, ts, req.ID); err != nil {
			return fmt.Errorf("apply sync: update requirement: %w", err)
		}
		if err := appendChangeLogTx(ctx, tx, ChangeLog{
			RequirementID: req.ID,
			EntityType:    "requirement",
			EntityID:      req.ID,
			ChangeType:    "updated",
			Summary:       plan.Changes,
			OldValue:      req.Content,
			NewValue:      plan.ChangeDetails,
		}, now); err != nil {
			return err
		}
		req.Title = title
		req.Content = plan.NewContent
		req.Version = out.NewVersion
		req.UpdatedAt = now
		out.Requirement = &req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func txStrings(ctx context.Context, tx *sql.Tx, q string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
