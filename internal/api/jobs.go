package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/large-image/server/internal/jobs"
)

type jobHandlers struct {
	jobs *jobs.Manager
}

func (h *jobHandlers) get(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "job"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// cancel stops a queued or running job, or deletes the record of a
// finished one.
func (h *jobHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job")
	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if job.Status.Terminal() {
		if err := h.jobs.Delete(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !h.jobs.Cancel(r.Context(), id) {
		http.Error(w, "Job cannot be cancelled", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
}
