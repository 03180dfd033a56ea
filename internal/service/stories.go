package service

import (
	"context"
	"fmt"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/bus"
	"github.com/basket/storyforge/internal/generate"
	"github.com/basket/storyforge/internal/keygen"
	"github.com/basket/storyforge/internal/persistence"
)

type GenerateStoriesResult struct {
	generate.Meta
	Stories  []persistence.Story `json:"stories"`
	Failures []BatchItem         `json:"failures"`
}

// GenerateStories drafts stories for a requirement and saves each one with
// a fresh key, mirrored as an issue. Saving continues past individual
// failures; a failed issue link is logged and left for SyncStoriesToIssues.
func (s *Service) GenerateStories(ctx context.Context, requirementID string) (*GenerateStoriesResult, error) {
	req, err := s.requirement(ctx, requirementID)
	if err != nil {
		return nil, err
	}
	if req.Project() == "" {
		return nil, apperr.Invalid("requirement %s has no project; story keys are project-scoped", requirementID)
	}

	contextText := ""
	if bundle, err := s.collector.Collect(ctx, requirementID); err != nil {
		s.logger.WarnContext(ctx, "context collection failed, generating without it", "requirement_id", requirementID, "error", err)
	} else {
		contextText = bundle.Format(s.contextTokens)
	}

	drafts := s.gen.Stories(ctx, *req, contextText)
	out := &GenerateStoriesResult{Meta: drafts.Meta, Stories: []persistence.Story{}, Failures: []BatchItem{}}
	for i, d := range drafts.Stories {
		st, err := s.saveStory(ctx, req, d)
		if err != nil {
			s.logger.WarnContext(ctx, "story save failed", "requirement_id", requirementID, "title", d.Title, "error", err)
			out.Failures = append(out.Failures, BatchItem{Index: i, Error: err.Error()})
			continue
		}
		out.Stories = append(out.Stories, *st)
	}
	s.metrics.RecordBatchErrors(ctx, "generate_stories", len(out.Failures))
	s.bus.Publish(bus.TopicStoriesGenerated, map[string]any{"requirementId": requirementID, "count": len(out.Stories), "fallback": out.Fallback})
	return out, nil
}

func (s *Service) saveStory(ctx context.Context, req *persistence.Requirement, d generate.StoryDraft) (*persistence.Story, error) {
	var st *persistence.Story
	_, err := s.keys.Allocate(ctx, keygen.KindStory, req.Project(), func(key string) error {
		var err error
		st, err = s.store.CreateStory(ctx, persistence.Story{
			StoryKey:           key,
			ProjectID:          req.Project(),
			RequirementID:      req.ID,
			EpicKey:            req.Epic(),
			Title:              d.Title,
			Description:        d.Description,
			Type:               d.Type,
			AcceptanceCriteria: d.AcceptanceCriteria,
			StoryPoints:        d.StoryPoints,
			Priority:           d.Priority,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.mirrorStory(ctx, st)
	return st, nil
}

// mirrorStory creates the tracker issue for a story and links it back.
// Failures are logged, never rolled back; an issue left behind by an
// earlier failed link is reused instead of inserted again.
func (s *Service) mirrorStory(ctx context.Context, st *persistence.Story) error {
	is, err := s.store.GetIssueByStory(ctx, st.ID)
	if err == nil && is == nil {
		is, err = s.store.CreateIssue(ctx, storyIssue(st))
	}
	if err != nil {
		s.logger.WarnContext(ctx, "story issue mirror failed", "story_key", st.StoryKey, "error", err)
		return fmt.Errorf("mirror story %s: %w", st.StoryKey, err)
	}
	if err := s.store.SetStoryLinkedIssue(ctx, st.ID, is.ID); err != nil {
		s.logger.WarnContext(ctx, "story issue link failed", "story_key", st.StoryKey, "issue_id", is.ID, "error", err)
		return fmt.Errorf("link story %s: %w", st.StoryKey, err)
	}
	st.LinkedIssueID = is.ID
	return nil
}

func storyIssue(st *persistence.Story) persistence.Issue {
	return persistence.Issue{
		ProjectID:   st.ProjectID,
		IssueKey:    st.StoryKey,
		Title:       st.Title,
		Description: st.Description,
		Type:        persistence.IssueTypeStory,
		Priority:    st.Priority,
		StoryPoints: st.StoryPoints,
		Labels:      []string{st.Type},
		Source:      "story",
		StoryID:     st.ID,
	}
}

func (s *Service) ListStories(ctx context.Context, requirementID string) ([]persistence.Story, error) {
	if _, err := s.requirement(ctx, requirementID); err != nil {
		return nil, err
	}
	out, err := s.store.ListStoriesByRequirement(ctx, requirementID)
	if out == nil {
		out = []persistence.Story{}
	}
	return out, err
}

func (s *Service) GetStory(ctx context.Context, id string) (*persistence.Story, error) {
	return s.story(ctx, id)
}

func (s *Service) StoryVersions(ctx context.Context, id string) ([]persistence.StoryVersion, error) {
	if _, err := s.story(ctx, id); err != nil {
		return nil, err
	}
	out, err := s.store.ListStoryVersions(ctx, id)
	if out == nil {
		out = []persistence.StoryVersion{}
	}
	return out, err
}

// AcknowledgeStory clears a story's review flag.
func (s *Service) AcknowledgeStory(ctx context.Context, id string) (*persistence.Story, error) {
	if err := s.store.AcknowledgeStory(ctx, id); err != nil {
		return nil, storeErr(err, "story", id)
	}
	st, err := s.story(ctx, id)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.TopicStoryAcknowledged, bus.EntityFlagged{RequirementID: st.RequirementID, EntityID: st.ID, EntityKey: st.StoryKey})
	return st, nil
}

// SyncStoriesToIssues mirrors every unlinked story of a requirement.
func (s *Service) SyncStoriesToIssues(ctx context.Context, requirementID string) (*BatchResult, error) {
	stories, err := s.ListStories(ctx, requirementID)
	if err != nil {
		return nil, err
	}
	var pending []persistence.Story
	for _, st := range stories {
		if st.LinkedIssueID == "" {
			pending = append(pending, st)
		}
	}
	return s.runBatch(ctx, "sync_stories", len(pending), func(i int) (string, any, error) {
		st := pending[i]
		if err := s.mirrorStory(ctx, &st); err != nil {
			return st.ID, nil, err
		}
		return st.ID, map[string]string{"storyKey": st.StoryKey, "issueId": st.LinkedIssueID}, nil
	}), nil
}
