package service

import (
	"context"
	"strings"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/bus"
	"github.com/basket/storyforge/internal/keygen"
	"github.com/basket/storyforge/internal/persistence"
	"github.com/basket/storyforge/internal/reqsync"
)

type CreateRequirementInput struct {
	ProjectID string `json:"projectId"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	FileURL   string `json:"fileUrl"`
}

// CreateRequirement stores a requirement with its initial version. An epic
// key is allocated only when a project is given.
func (s *Service) CreateRequirement(ctx context.Context, in CreateRequirementInput) (*persistence.Requirement, error) {
	in.Content = strings.TrimSpace(in.Content)
	in.FileURL = strings.TrimSpace(in.FileURL)
	if in.Content == "" && in.FileURL == "" {
		return nil, apperr.Invalid("content or fileUrl is required")
	}
	r := persistence.Requirement{Title: strings.TrimSpace(in.Title), Content: in.Content, FileURL: in.FileURL}
	if r.Title == "" {
		r.Title = deriveTitle(in.Content, in.FileURL)
	}

	var created *persistence.Requirement
	if in.ProjectID == "" {
		var err error
		if created, err = s.store.CreateRequirement(ctx, r); err != nil {
			return nil, err
		}
	} else {
		pid := in.ProjectID
		r.ProjectID = &pid
		_, err := s.keys.Allocate(ctx, keygen.KindEpic, pid, func(key string) error {
			r.EpicKey = &key
			var err error
			created, err = s.store.CreateRequirement(ctx, r)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	s.bus.Publish(bus.TopicRequirementCreated, created)
	s.logger.InfoContext(ctx, "requirement created", "requirement_id", created.ID, "epic_key", created.Epic())
	return created, nil
}

func deriveTitle(content, fileURL string) string {
	line := strings.TrimSpace(content)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimLeft(line, "# ")
	if line == "" {
		line = fileURL
		if i := strings.LastIndexByte(line, '/'); i >= 0 {
			line = line[i+1:]
		}
	}
	if r := []rune(line); len(r) > 80 {
		line = string(r[:80])
	}
	return line
}

func (s *Service) GetRequirement(ctx context.Context, id string) (*persistence.Requirement, error) {
	return s.requirement(ctx, id)
}

func (s *Service) ListRequirements(ctx context.Context, projectID string) ([]persistence.Requirement, error) {
	out, err := s.store.ListRequirements(ctx, projectID)
	if out == nil {
		out = []persistence.Requirement{}
	}
	return out, err
}

type UpdateRequirementInput struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
	FileURL *string `json:"fileUrl"`
	Status  *string `json:"status"`
}

type UpdateRequirementResult struct {
	Requirement *persistence.Requirement `json:"requirement"`
	Sync        *reqsync.Report          `json:"sync,omitempty"`
}

// UpdateRequirement applies metadata edits directly and routes content
// edits through the sync detector, which versions the requirement and
// flags affected stories.
func (s *Service) UpdateRequirement(ctx context.Context, id string, in UpdateRequirementInput) (*UpdateRequirementResult, error) {
	cur, err := s.requirement(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &UpdateRequirementResult{}
	if in.Content != nil {
		content := strings.TrimSpace(*in.Content)
		if content == "" {
			return nil, apperr.Invalid("content cannot be empty")
		}
		title := ""
		if in.Title != nil {
			title = strings.TrimSpace(*in.Title)
		}
		if res.Sync, err = s.sync.Sync(ctx, id, content, title); err != nil {
			return nil, err
		}
		if cur, err = s.requirement(ctx, id); err != nil {
			return nil, err
		}
	}

	title, fileURL, status := cur.Title, cur.FileURL, cur.Status
	changed := false
	if in.Title != nil && strings.TrimSpace(*in.Title) != "" && strings.TrimSpace(*in.Title) != title {
		title, changed = strings.TrimSpace(*in.Title), true
	}
	if in.FileURL != nil && *in.FileURL != fileURL {
		fileURL, changed = strings.TrimSpace(*in.FileURL), true
	}
	if in.Status != nil && *in.Status != status {
		status, changed = strings.TrimSpace(*in.Status), true
	}
	if changed {
		if err := s.store.UpdateRequirementMeta(ctx, id, title, fileURL, status); err != nil {
			return nil, storeErr(err, "requirement", id)
		}
		if cur, err = s.requirement(ctx, id); err != nil {
			return nil, err
		}
	}
	res.Requirement = cur
	return res, nil
}

func (s *Service) RequirementVersions(ctx context.Context, id string) ([]persistence.RequirementVersion, error) {
	if _, err := s.requirement(ctx, id); err != nil {
		return nil, err
	}
	out, err := s.store.ListRequirementVersions(ctx, id)
	if out == nil {
		out = []persistence.RequirementVersion{}
	}
	return out, err
}

// ChangeLog is readable after the requirement is deleted.
func (s *Service) ChangeLog(ctx context.Context, requirementID string) ([]persistence.ChangeLog, error) {
	out, err := s.store.ListChangeLogs(ctx, requirementID)
	if out == nil {
		out = []persistence.ChangeLog{}
	}
	return out, err
}

// DeleteRequirement cascades to everything the requirement owns.
func (s *Service) DeleteRequirement(ctx context.Context, id string) error {
	found, err := s.store.DeleteRequirement(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return apperr.NotFound("requirement", id)
	}
	s.bus.Publish(bus.TopicRequirementDeleted, map[string]string{"requirementId": id})
	s.logger.InfoContext(ctx, "requirement deleted", "requirement_id", id)
	return nil
}
