package gateway

import (
	"net/http"

	"github.com/basket/storyforge/internal/persistence"
	"github.com/basket/storyforge/internal/service"
)

func (s *Server) routeProjects(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/projects", s.createProject)
	mux.HandleFunc("GET /api/projects", s.listProjects)
	mux.HandleFunc("GET /api/projects/{id}", s.getProject)
	mux.HandleFunc("POST /api/projects/{id}/members", s.addMember)
	mux.HandleFunc("GET /api/projects/{id}/members", s.listMembers)
	mux.HandleFunc("GET /api/projects/{id}/issues", s.listIssues)
	mux.HandleFunc("POST /api/projects/{id}/intake/email", s.intakeEmails)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	p, err := s.svc.CreateProject(r.Context(), in.Key, in.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, p)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.ListProjects(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (s *Server) addMember(w http.ResponseWriter, r *http.Request) {
	var in service.AddMemberInput
	if !decodeBody(w, r, &in) {
		return
	}
	m, err := s.svc.AddMember(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, m)
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.ListMembers(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) listIssues(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	out, err := s.svc.ListIssues(r.Context(), r.PathValue("id"), persistence.IssueFilter{
		Status:   q.Get("status"),
		SprintID: q.Get("sprintId"),
		Backlog:  queryBool(r, "backlog"),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) intakeEmails(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Emails []service.EmailInput `json:"emails"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	res, err := s.svc.IntakeEmails(r.Context(), r.PathValue("id"), in.Emails)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}
