package gateway

import "net/http"

func (s *Server) routeStories(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stories/{id}", s.getStory)
	mux.HandleFunc("GET /api/stories/{id}/versions", s.storyVersions)
	mux.HandleFunc("POST /api/stories/{id}/acknowledge", s.acknowledgeStory)
	mux.HandleFunc("POST /api/stories/{id}/test-cases/generate", s.generateTestCases)
	mux.HandleFunc("GET /api/stories/{id}/test-cases", s.listStoryTestCases)
}

func (s *Server) getStory(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetStory(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, st)
}

func (s *Server) storyVersions(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.StoryVersions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) acknowledgeStory(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.AcknowledgeStory(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, st)
}

func (s *Server) generateTestCases(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.GenerateTestCases(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeGenerated(w, http.StatusCreated, res.Meta, res)
}

func (s *Server) listStoryTestCases(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.ListStoryTestCases(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}
