package gateway

import (
	"net/http"

	"github.com/basket/storyforge/internal/service"
)

func (s *Server) routeTesting(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/test-cases/{id}/acknowledge", s.acknowledgeTestCase)
	mux.HandleFunc("POST /api/test-cases/{id}/deprecate", s.deprecateTestCase)
	mux.HandleFunc("GET /api/test-cases/{id}/flaky", s.analyzeFlaky)
	mux.HandleFunc("POST /api/test-runs", s.createTestRun)
	mux.HandleFunc("GET /api/test-runs", s.listTestRuns)
	mux.HandleFunc("GET /api/test-runs/{id}", s.getTestRun)
	mux.HandleFunc("POST /api/test-runs/{id}/results", s.recordResult)
	mux.HandleFunc("POST /api/test-runs/{id}/reconcile", s.reconcileTestRun)
	mux.HandleFunc("POST /api/test-runs/{id}/complete", s.completeTestRun)
	mux.HandleFunc("PUT /api/test-results/{id}", s.updateResult)
}

func (s *Server) acknowledgeTestCase(w http.ResponseWriter, r *http.Request) {
	tc, err := s.svc.AcknowledgeTestCase(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, tc)
}

func (s *Server) deprecateTestCase(w http.ResponseWriter, r *http.Request) {
	tc, err := s.svc.DeprecateTestCase(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, tc)
}

func (s *Server) analyzeFlaky(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.svc.AnalyzeFlaky(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeGenerated(w, http.StatusOK, res.Meta, res)
}

func (s *Server) createTestRun(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name          string `json:"name"`
		RequirementID string `json:"requirementId"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	run, err := s.svc.CreateTestRun(r.Context(), in.Name, in.RequirementID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, run)
}

func (s *Server) listTestRuns(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.ListTestRuns(r.Context(), r.URL.Query().Get("requirementId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) getTestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetTestRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, run)
}

type resultResponse struct {
	Result any `json:"result"`
	Run    any `json:"run"`
}

func (s *Server) recordResult(w http.ResponseWriter, r *http.Request) {
	var in service.RecordResultInput
	if !decodeBody(w, r, &in) {
		return
	}
	res, run, err := s.svc.RecordResult(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, resultResponse{Result: res, Run: run})
}

func (s *Server) updateResult(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	res, run, err := s.svc.UpdateResult(r.Context(), r.PathValue("id"), in.Status, in.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, resultResponse{Result: res, Run: run})
}

func (s *Server) reconcileTestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.ReconcileTestRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, run)
}

func (s *Server) completeTestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.CompleteTestRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, run)
}
