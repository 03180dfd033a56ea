package gateway

import (
	"net/http"

	"github.com/basket/storyforge/internal/service"
)

func (s *Server) routeIssues(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/issues", s.createIssue)
	mux.HandleFunc("POST /api/issues/bulk-tag", s.bulkTag)
	mux.HandleFunc("GET /api/issues/{id}", s.getIssue)
	mux.HandleFunc("PATCH /api/issues/{id}", s.updateIssue)
	mux.HandleFunc("POST /api/issues/{id}/tags/suggest", s.suggestTags)
	mux.HandleFunc("POST /api/issues/{id}/tags", s.applyTags)
	mux.HandleFunc("POST /api/issues/{id}/assignee/suggest", s.suggestAssignee)
	mux.HandleFunc("POST /api/issues/{id}/description/generate", s.generateDescription)
}

func (s *Server) createIssue(w http.ResponseWriter, r *http.Request) {
	var in service.CreateIssueInput
	if !decodeBody(w, r, &in) {
		return
	}
	is, err := s.svc.CreateIssue(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, is)
}

func (s *Server) getIssue(w http.ResponseWriter, r *http.Request) {
	is, err := s.svc.GetIssue(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, is)
}

func (s *Server) updateIssue(w http.ResponseWriter, r *http.Request) {
	var in service.UpdateIssueInput
	if !decodeBody(w, r, &in) {
		return
	}
	is, err := s.svc.UpdateIssue(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, is)
}

func (s *Server) suggestTags(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.SuggestTags(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeGenerated(w, http.StatusOK, res.Meta, res)
}

func (s *Server) applyTags(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Tags []string `json:"tags"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	is, err := s.svc.ApplyTags(r.Context(), r.PathValue("id"), in.Tags)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, is)
}

func (s *Server) bulkTag(w http.ResponseWriter, r *http.Request) {
	var in struct {
		IssueIDs []string `json:"issueIds"`
		Apply    bool     `json:"apply"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	res, err := s.svc.BulkTag(r.Context(), in.IssueIDs, in.Apply)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) suggestAssignee(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.SuggestAssignee(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeGenerated(w, http.StatusOK, res.Meta, res)
}

func (s *Server) generateDescription(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.GenerateDescription(r.Context(), r.PathValue("id"), queryBool(r, "apply"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeGenerated(w, http.StatusOK, res.Meta, res)
}
