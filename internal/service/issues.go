package service

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/bus"
	"github.com/basket/storyforge/internal/generate"
	"github.com/basket/storyforge/internal/keygen"
	"github.com/basket/storyforge/internal/persistence"
	"github.com/basket/storyforge/internal/projectctx"
)

var issueTypes = []string{persistence.IssueTypeStory, persistence.IssueTypeTask, persistence.IssueTypeBug, persistence.IssueTypeEpic}

var issueStatuses = []string{persistence.IssueTodo, persistence.IssueInProgress, persistence.IssueBlocked, persistence.IssueDone}

type CreateIssueInput struct {
	ProjectID   string   `json:"projectId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Type        string   `json:"type"`
	Priority    string   `json:"priority"`
	StoryPoints int      `json:"storyPoints"`
	Labels      []string `json:"labels"`
	AssigneeID  string   `json:"assigneeId"`
	Reporter    string   `json:"reporter"`
	Source      string   `json:"source"`
}

// CreateIssue keys a new issue in the project's story/issue sequence.
func (s *Service) CreateIssue(ctx context.Context, in CreateIssueInput) (*persistence.Issue, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, apperr.Invalid("issue title is required")
	}
	if in.Type == "" {
		in.Type = persistence.IssueTypeTask
	}
	if !slices.Contains(issueTypes, in.Type) {
		return nil, apperr.Invalid("unknown issue type %q", in.Type)
	}
	if in.StoryPoints < 0 {
		return nil, apperr.Invalid("storyPoints must not be negative")
	}
	if _, err := s.project(ctx, in.ProjectID); err != nil {
		return nil, err
	}
	var is *persistence.Issue
	_, err := s.keys.Allocate(ctx, keygen.KindStory, in.ProjectID, func(key string) error {
		var err error
		is, err = s.store.CreateIssue(ctx, persistence.Issue{
			ProjectID:   in.ProjectID,
			IssueKey:    key,
			Title:       in.Title,
			Description: in.Description,
			Type:        in.Type,
			Priority:    in.Priority,
			StoryPoints: in.StoryPoints,
			Labels:      in.Labels,
			AssigneeID:  in.AssigneeID,
			Reporter:    in.Reporter,
			Source:      in.Source,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.TopicIssueCreated, map[string]string{"issueId": is.ID, "issueKey": is.IssueKey, "projectId": is.ProjectID})
	return is, nil
}

func (s *Service) GetIssue(ctx context.Context, id string) (*persistence.Issue, error) {
	return s.issue(ctx, id)
}

func (s *Service) ListIssues(ctx context.Context, projectID string, f persistence.IssueFilter) ([]persistence.Issue, error) {
	if _, err := s.project(ctx, projectID); err != nil {
		return nil, err
	}
	out, err := s.store.ListIssues(ctx, projectID, f)
	if out == nil {
		out = []persistence.Issue{}
	}
	return out, err
}

type UpdateIssueInput struct {
	Status      *string `json:"status"`
	StoryPoints *int    `json:"storyPoints"`
	AssigneeID  *string `json:"assigneeId"`
	Description *string `json:"description"`
}

func (s *Service) UpdateIssue(ctx context.Context, id string, in UpdateIssueInput) (*persistence.Issue, error) {
	if _, err := s.issue(ctx, id); err != nil {
		return nil, err
	}
	if in.Status != nil {
		if !slices.Contains(issueStatuses, *in.Status) {
			return nil, apperr.Invalid("unknown issue status %q", *in.Status)
		}
		if err := s.store.SetIssueStatus(ctx, id, *in.Status); err != nil {
			return nil, storeErr(err, "issue", id)
		}
	}
	if in.StoryPoints != nil {
		if *in.StoryPoints < 0 {
			return nil, apperr.Invalid("storyPoints must not be negative")
		}
		if err := s.store.SetIssuePoints(ctx, id, *in.StoryPoints); err != nil {
			return nil, storeErr(err, "issue", id)
		}
	}
	if in.AssigneeID != nil {
		if err := s.store.SetIssueAssignee(ctx, id, *in.AssigneeID); err != nil {
			return nil, storeErr(err, "issue", id)
		}
	}
	if in.Description != nil {
		if err := s.store.SetIssueDescription(ctx, id, *in.Description); err != nil {
			return nil, storeErr(err, "issue", id)
		}
	}
	return s.issue(ctx, id)
}

// SuggestTags proposes labels for an issue, preferring the project's labels.
func (s *Service) SuggestTags(ctx context.Context, issueID string) (*generate.TagsResult, error) {
	is, err := s.issue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	labels, err := s.store.ProjectLabels(ctx, is.ProjectID)
	if err != nil {
		return nil, err
	}
	out := s.gen.Tags(ctx, *is, is.Labels, labels)
	return &out, nil
}

// ApplyTags adds labels to an issue, keeping the ones it has.
func (s *Service) ApplyTags(ctx context.Context, issueID string, tags []string) (*persistence.Issue, error) {
	is, err := s.issue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	labels := mergeLabels(is.Labels, tags)
	if slices.Equal(labels, is.Labels) {
		return is, nil
	}
	if err := s.store.SetIssueLabels(ctx, issueID, labels); err != nil {
		return nil, storeErr(err, "issue", issueID)
	}
	is.Labels = labels
	s.bus.Publish(bus.TopicIssueTagged, map[string]any{"issueId": issueID, "labels": labels})
	return is, nil
}

func mergeLabels(existing, add []string) []string {
	out := slices.Clone(existing)
	for _, t := range add {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if !slices.ContainsFunc(out, func(e string) bool { return strings.EqualFold(e, t) }) {
			out = append(out, t)
		}
	}
	return out
}

// BulkTag suggests tags for each issue and, when apply is set, adds the
// confident ones.
func (s *Service) BulkTag(ctx context.Context, issueIDs []string, apply bool) (*BatchResult, error) {
	if len(issueIDs) == 0 {
		return nil, apperr.Invalid("issueIds must not be empty")
	}
	return s.runBatch(ctx, "bulk_tag", len(issueIDs), func(i int) (string, any, error) {
		id := issueIDs[i]
		res, err := s.SuggestTags(ctx, id)
		if err != nil {
			return id, nil, err
		}
		if apply && len(res.Additions) > 0 {
			if _, err := s.ApplyTags(ctx, id, res.Additions); err != nil {
				return id, nil, err
			}
		}
		return id, res, nil
	}), nil
}

// SuggestAssignee ranks project members for an issue by skills and load.
func (s *Service) SuggestAssignee(ctx context.Context, issueID string) (*generate.AssigneeResult, error) {
	is, err := s.issue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	candidates, err := s.candidates(ctx, is.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, apperr.Invalid("project %s has no members to assign", is.ProjectID)
	}
	out := s.gen.Assignee(ctx, *is, candidates)
	return &out, nil
}

func (s *Service) candidates(ctx context.Context, projectID string) ([]generate.Candidate, error) {
	members, err := s.store.ListMembers(ctx, projectID)
	if err != nil {
		return nil, err
	}
	issues, err := s.store.ListIssues(ctx, projectID, persistence.IssueFilter{})
	if err != nil {
		return nil, err
	}
	load := map[string]*generate.Candidate{}
	out := make([]generate.Candidate, len(members))
	for i, m := range members {
		out[i] = generate.Candidate{Member: m}
		load[m.ID] = &out[i]
	}
	for _, is := range issues {
		if is.Status == persistence.IssueDone || is.AssigneeID == "" {
			continue
		}
		if c, ok := load[is.AssigneeID]; ok {
			c.OpenPoints += is.StoryPoints
			c.OpenIssues++
		}
	}
	return out, nil
}

// GenerateDescription drafts a description for an issue and, when apply is
// set, stores it with the acceptance criteria appended.
func (s *Service) GenerateDescription(ctx context.Context, issueID string, apply bool) (*generate.DescriptionResult, error) {
	is, err := s.issue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	out := s.gen.Description(ctx, *is, s.projectConventions(ctx, is.ProjectID))
	if apply {
		if err := s.store.SetIssueDescription(ctx, issueID, descriptionText(out)); err != nil {
			return nil, storeErr(err, "issue", issueID)
		}
	}
	return &out, nil
}

func descriptionText(d generate.DescriptionResult) string {
	if len(d.AcceptanceCriteria) == 0 {
		return d.Description
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(d.Description))
	b.WriteString("\n\n## Acceptance criteria\n")
	for _, ac := range d.AcceptanceCriteria {
		fmt.Fprintf(&b, "- [ ] %s\n", ac)
	}
	return strings.TrimRight(b.String(), "\n")
}

// projectConventions renders what the project's history says about how it
// writes work items. Errors only cost context.
func (s *Service) projectConventions(ctx context.Context, projectID string) string {
	stories, err := s.store.ListRecentStoriesByProject(ctx, projectID, s.collector.Window())
	if err != nil {
		s.logger.WarnContext(ctx, "project stories unavailable for context", "project_id", projectID, "error", err)
	}
	issues, err := s.store.ListIssues(ctx, projectID, persistence.IssueFilter{Limit: s.collector.Window()})
	if err != nil {
		s.logger.WarnContext(ctx, "project issues unavailable for context", "project_id", projectID, "error", err)
	}
	b := projectctx.Bundle{Conventions: projectctx.DetectConventions(stories, issues)}
	return b.Format(s.contextTokens)
}

// EmailInput is one inbound message to turn into an issue.
type EmailInput struct {
	From    string `json:"from"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

var replyPrefix = regexp.MustCompile(`(?i)^\s*((re|fw|fwd|aw)\s*:\s*)+`)

// IntakeEmails files each message as an issue in the project. Messages that
// read like bug reports become bugs; every issue gets its pattern labels.
func (s *Service) IntakeEmails(ctx context.Context, projectID string, emails []EmailInput) (*BatchResult, error) {
	if _, err := s.project(ctx, projectID); err != nil {
		return nil, err
	}
	if len(emails) == 0 {
		return nil, apperr.Invalid("emails must not be empty")
	}
	return s.runBatch(ctx, "email_intake", len(emails), func(i int) (string, any, error) {
		in, err := emailIssue(projectID, emails[i])
		if err != nil {
			return "", nil, err
		}
		is, err := s.CreateIssue(ctx, in)
		if err != nil {
			return "", nil, err
		}
		return is.ID, is, nil
	}), nil
}

func emailIssue(projectID string, e EmailInput) (CreateIssueInput, error) {
	title := strings.TrimSpace(replyPrefix.ReplaceAllString(e.Subject, ""))
	body := strings.TrimSpace(e.Body)
	if title == "" {
		title = truncateLine(body, 80)
	}
	if title == "" {
		return CreateIssueInput{}, apperr.Invalid("email has neither subject nor body")
	}
	in := CreateIssueInput{
		ProjectID:   projectID,
		Title:       title,
		Description: body,
		Type:        persistence.IssueTypeTask,
		Reporter:    strings.TrimSpace(e.From),
		Source:      "email",
	}
	for _, t := range generate.PatternTags(title + "\n" + body) {
		if t.Confidence < generate.TagThreshold {
			continue
		}
		in.Labels = append(in.Labels, t.Name)
		if t.Name == "bug" {
			in.Type = persistence.IssueTypeBug
		}
	}
	return in, nil
}

func truncateLine(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
