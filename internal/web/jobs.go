package web

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wmag777/story-book/internal/queue"
)

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	st, err := s.status.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrStatusNotFound) {
			jsonError(w, http.StatusNotFound, "unknown job")
			return
		}
		s.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
