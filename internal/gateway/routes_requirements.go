package gateway

import (
	"net/http"

	"github.com/basket/storyforge/internal/service"
)

func (s *Server) routeRequirements(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/requirements", s.createRequirement)
	mux.HandleFunc("GET /api/requirements", s.listRequirements)
	mux.HandleFunc("GET /api/requirements/{id}", s.getRequirement)
	mux.HandleFunc("PUT /api/requirements/{id}", s.updateRequirement)
	mux.HandleFunc("DELETE /api/requirements/{id}", s.deleteRequirement)
	mux.HandleFunc("GET /api/requirements/{id}/versions", s.requirementVersions)
	mux.HandleFunc("GET /api/requirements/{id}/changes", s.requirementChanges)
	mux.HandleFunc("POST /api/requirements/{id}/stories/generate", s.generateStories)
	mux.HandleFunc("GET /api/requirements/{id}/stories", s.listStories)
	mux.HandleFunc("POST /api/requirements/{id}/stories/sync", s.syncStories)
	mux.HandleFunc("GET /api/requirements/{id}/test-cases", s.listTestCases)
	mux.HandleFunc("GET /api/requirements/{id}/test-suites", s.listTestSuites)
	mux.HandleFunc("POST /api/requirements/{id}/test-suites/rebuild", s.rebuildSuites)
}

func (s *Server) createRequirement(w http.ResponseWriter, r *http.Request) {
	var in service.CreateRequirementInput
	if !decodeBody(w, r, &in) {
		return
	}
	req, err := s.svc.CreateRequirement(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, req)
}

func (s *Server) listRequirements(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.ListRequirements(r.Context(), r.URL.Query().Get("projectId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) getRequirement(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.GetRequirement(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, req)
}

func (s *Server) updateRequirement(w http.ResponseWriter, r *http.Request) {
	var in service.UpdateRequirementInput
	if !decodeBody(w, r, &in) {
		return
	}
	res, err := s.svc.UpdateRequirement(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msg := ""
	if res.Sync != nil {
		msg = res.Sync.Notice
	}
	writeStatus(w, http.StatusOK, envelope{Data: res, Message: msg})
}

func (s *Server) deleteRequirement(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteRequirement(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeStatus(w, http.StatusOK, envelope{Message: "requirement deleted"})
}

func (s *Server) requirementVersions(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.RequirementVersions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) requirementChanges(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.ChangeLog(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) generateStories(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.GenerateStories(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeGenerated(w, http.StatusCreated, res.Meta, res)
}

func (s *Server) listStories(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.ListStories(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) syncStories(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.SyncStoriesToIssues(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) listTestCases(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.ListTestCases(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) listTestSuites(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.ListTestSuites(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) rebuildSuites(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.GetRequirement(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.svc.RebuildSuites(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}
