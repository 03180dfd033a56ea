package gateway

import (
	"net/http"

	"github.com/basket/storyforge/internal/apperr"
)

func (s *Server) routeSprints(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sprints", s.createSprint)
	mux.HandleFunc("GET /api/sprints", s.listSprints)
	mux.HandleFunc("GET /api/sprints/{id}", s.getSprint)
	mux.HandleFunc("POST /api/sprints/{id}/plan", s.planSprint)
	mux.HandleFunc("POST /api/sprints/{id}/start", s.startSprint)
	mux.HandleFunc("GET /api/sprints/{id}/prediction", s.predictSprint)
	mux.HandleFunc("GET /api/sprints/{id}/forecast", s.storedForecast)
	mux.HandleFunc("POST /api/sprints/{id}/complete", s.completeSprint)
	mux.HandleFunc("POST /api/sprints/{id}/retrospective", s.retrospective)
	mux.HandleFunc("GET /api/sprints/{id}/retrospective", s.latestRetrospective)
}

func (s *Server) createSprint(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ProjectID string `json:"projectId"`
		Name      string `json:"name"`
		Capacity  int    `json:"capacity"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	sp, err := s.svc.CreateSprint(r.Context(), in.ProjectID, in.Name, in.Capacity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, sp)
}

func (s *Server) listSprints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := s.svc.ListSprints(r.Context(), q.Get("projectId"), q.Get("status"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) getSprint(w http.ResponseWriter, r *http.Request) {
	sp, err := s.svc.GetSprint(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sp)
}

// planSprint uses AI selection unless ?ai=false.
func (s *Server) planSprint(w http.ResponseWriter, r *http.Request) {
	useAI := r.URL.Query().Get("ai") != "false"
	res, err := s.svc.PlanSprint(r.Context(), r.PathValue("id"), useAI)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeGenerated(w, http.StatusOK, res.Selection.Meta, res)
}

func (s *Server) startSprint(w http.ResponseWriter, r *http.Request) {
	sp, err := s.svc.StartSprint(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sp)
}

func (s *Server) predictSprint(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.PredictSprint(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (s *Server) storedForecast(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.StoredForecast(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if p == nil {
		writeError(w, r, apperr.NotFound("forecast for sprint", r.PathValue("id")))
		return
	}
	writeData(w, http.StatusOK, p)
}

func (s *Server) completeSprint(w http.ResponseWriter, r *http.Request) {
	sp, err := s.svc.CompleteSprint(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sp)
}

func (s *Server) retrospective(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Retrospective(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeGenerated(w, http.StatusCreated, res.Meta, res)
}

func (s *Server) latestRetrospective(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.LatestRetrospective(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}
