package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"labplane/internal/controller/middleware"
	"labplane/internal/logger"
	"labplane/internal/store"
	"labplane/pkg/api"
)

// CreateInvocation handles POST /invocations.
// It records a start request for the lab on the addressed server.
func (h *Handlers) CreateInvocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := middleware.UserFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.CreateInvocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.ServerID) == "" {
		h.httpError(w, "server_id is required", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Lab.ID) == "" {
		h.httpError(w, "lab.id is required", http.StatusBadRequest)
		return
	}
	// An empty bundle is accepted; it is fingerprinted and judged downstream.
	files := make([]store.LabFile, len(req.Lab.Files))
	for i, f := range req.Lab.Files {
		if strings.TrimSpace(f.Name) == "" {
			h.httpError(w, "lab file names must not be empty", http.StatusBadRequest)
			return
		}
		files[i] = store.LabFile{Name: f.Name, Content: f.Content}
	}

	inv := &store.Invocation{
		ServerID: req.ServerID,
		UserID:   userID,
		Kind:     store.InvocationKindStart,
		Lab:      store.Lab{ID: req.Lab.ID, Files: files},
	}
	if err := h.store.CreateInvocation(ctx, inv); err != nil {
		logger.FromContext(ctx, h.logger).Error("failed to create invocation", "error", err)
		h.httpError(w, "Failed to create invocation", http.StatusInternalServerError)
		return
	}

	logger.FromContext(ctx, h.logger).Info("invocation created",
		"invocation_id", inv.ID,
		"server_id", inv.ServerID,
		"lab_id", inv.Lab.ID,
		"user_id", userID,
	)

	h.respondJson(w, http.StatusCreated, api.CreateInvocationResponse{InvocationID: inv.ID})
}

// StopInvocation handles POST /invocations/{id}/stop.
// The stop is asynchronous: the owning worker picks it up from the stop feed.
func (h *Handlers) StopInvocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := middleware.UserFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	id := r.PathValue("id")
	if _, ok := h.ownedInvocation(w, r, id, userID); !ok {
		return
	}

	if err := h.store.RequestStop(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Invocation not found", http.StatusNotFound)
			return
		}
		logger.FromContext(ctx, h.logger).Error("failed to request stop", "invocation_id", id, "error", err)
		h.httpError(w, "Failed to request stop", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// ownedInvocation loads an invocation and masks other users' invocations as missing.
// It writes the error response itself and reports whether the caller may continue.
func (h *Handlers) ownedInvocation(w http.ResponseWriter, r *http.Request, id, userID string) (*store.Invocation, bool) {
	if strings.TrimSpace(id) == "" {
		h.httpError(w, "Invalid invocation id", http.StatusBadRequest)
		return nil, false
	}

	inv, err := h.store.GetInvocation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Invocation not found", http.StatusNotFound)
			return nil, false
		}
		logger.FromContext(r.Context(), h.logger).Error("failed to load invocation", "invocation_id", id, "error", err)
		h.httpError(w, "Failed to load invocation", http.StatusInternalServerError)
		return nil, false
	}
	if inv.UserID != userID {
		h.httpError(w, "Invocation not found", http.StatusNotFound)
		return nil, false
	}
	return inv, true
}
