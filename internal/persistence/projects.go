package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CreateProject inserts a project. Keys are stored upper-case.
func (s *Store) CreateProject(ctx context.Context, key, name string) (*Project, error) {
	p := &Project{
		ID:        uuid.NewString(),
		Key:       strings.ToUpper(strings.TrimSpace(key)),
		Name:      strings.TrimSpace(name),
		CreatedAt: s.now().UTC(),
	}
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (id, project_key, name, created_at) VALUES (?, ?, ?, ?);
		`, p.ID, p.Key, p.Name, formatTime(p.CreatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

// GetProject returns nil, nil when the project does not exist.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_key, name, created_at FROM projects WHERE id = ?;
	`, id).Scan(&p.ID, &p.Key, &p.Name, dbTime{&p.CreatedAt})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_key, name, created_at FROM projects ORDER BY project_key;
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Key, &p.Name, dbTime{&p.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: iterate: %w", err)
	}
	return out, nil
}

// ProjectKey resolves a project's key; found is false for unknown ids.
func (s *Store) ProjectKey(ctx context.Context, projectID string) (key string, found bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT project_key FROM projects WHERE id = ?;`, projectID).Scan(&key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("project key: %w", err)
	}
	return key, true, nil
}

// --- members ---

func (s *Store) CreateMember(ctx context.Context, m Member) (*Member, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = s.now().UTC()
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO members (id, project_id, name, email, skills, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, m.ID, m.ProjectID, m.Name, m.Email, encodeList(m.Skills), formatTime(m.CreatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create member: %w", err)
	}
	return &m, nil
}

func (s *Store) ListMembers(ctx context.Context, projectID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, email, skills, created_at
		FROM members WHERE project_id = ? ORDER BY created_at, id;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()
	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Name, &m.Email, jsonList{&m.Skills}, dbTime{&m.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list members: iterate: %w", err)
	}
	return out, nil
}
