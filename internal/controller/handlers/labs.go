package handlers

import (
	"errors"
	"net/http"

	"labplane/internal/logger"
	"labplane/internal/store"
	"labplane/pkg/api"
)

// GetLab handles GET /labs/{id}.
func (h *Handlers) GetLab(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := r.PathValue("id")
	lab, err := h.store.GetLab(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Lab not found", http.StatusNotFound)
			return
		}
		logger.FromContext(ctx, h.logger).Error("failed to load lab", "lab_id", id, "error", err)
		h.httpError(w, "Failed to load lab", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, api.LabResponse{
		ID:           lab.ID,
		HasCachedRun: lab.HasCachedRun,
	})
}
