package service

import (
	"context"
	"regexp"
	"strings"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/persistence"
)

var projectKeyRe = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}$`)

// CreateProject registers a project. The key prefixes every epic, story and
// issue key of the project and cannot change.
func (s *Service) CreateProject(ctx context.Context, key, name string) (*persistence.Project, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	name = strings.TrimSpace(name)
	if !projectKeyRe.MatchString(key) {
		return nil, apperr.Invalid("project key must be 2-10 letters or digits starting with a letter; got %q", key)
	}
	if name == "" {
		name = key
	}
	p, err := s.store.CreateProject(ctx, key, name)
	if err != nil {
		if persistence.IsUniqueViolation(err) {
			return nil, apperr.Conflict("project key %s is already taken", key)
		}
		return nil, err
	}
	return p, nil
}

func (s *Service) GetProject(ctx context.Context, id string) (*persistence.Project, error) {
	return s.project(ctx, id)
}

func (s *Service) ListProjects(ctx context.Context) ([]persistence.Project, error) {
	out, err := s.store.ListProjects(ctx)
	if out == nil {
		out = []persistence.Project{}
	}
	return out, err
}

type AddMemberInput struct {
	Name   string   `json:"name"`
	Email  string   `json:"email"`
	Skills []string `json:"skills"`
}

func (s *Service) AddMember(ctx context.Context, projectID string, in AddMemberInput) (*persistence.Member, error) {
	if _, err := s.project(ctx, projectID); err != nil {
		return nil, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, apperr.Invalid("member name is required")
	}
	skills := make([]string, 0, len(in.Skills))
	for _, sk := range in.Skills {
		if sk = strings.ToLower(strings.TrimSpace(sk)); sk != "" {
			skills = append(skills, sk)
		}
	}
	return s.store.CreateMember(ctx, persistence.Member{
		ProjectID: projectID,
		Name:      in.Name,
		Email:     strings.TrimSpace(in.Email),
		Skills:    skills,
	})
}

func (s *Service) ListMembers(ctx context.Context, projectID string) ([]persistence.Member, error) {
	if _, err := s.project(ctx, projectID); err != nil {
		return nil, err
	}
	out, err := s.store.ListMembers(ctx, projectID)
	if out == nil {
		out = []persistence.Member{}
	}
	return out, err
}
