package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"labplane/internal/controller/middleware"
	"labplane/internal/logger"
	"labplane/internal/store"
	"labplane/pkg/api"
)

const (
	defaultMessageLimit = 1000
	maxMessageLimit     = 10000
)

// GetExecution handles GET /executions/{id}.
// Returns the current status of a run.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := middleware.UserFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	id := r.PathValue("id")
	execution, err := h.store.GetExecutionByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Execution not found", http.StatusNotFound)
			return
		}
		logger.FromContext(ctx, h.logger).Error("failed to load execution", "execution_id", id, "error", err)
		h.httpError(w, "Failed to load execution", http.StatusInternalServerError)
		return
	}
	if execution.UserID != userID {
		h.httpError(w, "Execution not found", http.StatusNotFound)
		return
	}

	h.respondJson(w, http.StatusOK, api.ExecutionResponse{
		ID:          execution.ID,
		Fingerprint: execution.Fingerprint,
		LabID:       execution.LabID,
		UserID:      execution.UserID,
		Status:      string(execution.Status),
		ServerInfo:  execution.ServerInfo,
		StartedAt:   execution.StartedAt,
		FinishedAt:  execution.FinishedAt,
	})
}

// GetMessages handles GET /executions/{id}/messages.
// Messages are looked up by invocation so that rejected and redirected
// invocations, which never get an execution record, can still be read.
func (h *Handlers) GetMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := middleware.UserFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	query := r.URL.Query()
	limit := defaultMessageLimit
	if l := query.Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 || parsed > maxMessageLimit {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	var afterSeq int64 = -1
	if after := query.Get("after_seq"); after != "" {
		parsed, err := strconv.ParseInt(after, 10, 64)
		if err != nil || parsed < -1 {
			h.httpError(w, "Invalid after_seq", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}

	id := r.PathValue("id")
	if _, ok := h.ownedInvocation(w, r, id, userID); !ok {
		return
	}

	msgs, err := h.store.GetMessages(ctx, id, afterSeq, limit)
	if err != nil {
		logger.FromContext(ctx, h.logger).Error("failed to fetch messages", "execution_id", id, "error", err)
		h.httpError(w, "Failed to fetch messages", http.StatusInternalServerError)
		return
	}

	resp := api.MessagesResponse{
		Messages: make([]api.Message, len(msgs)),
		NextSeq:  afterSeq,
	}
	for i, m := range msgs {
		resp.Messages[i] = api.Message{
			ID:        m.ID,
			Seq:       m.Seq,
			Kind:      string(m.Kind),
			Data:      m.Data,
			Timestamp: m.Timestamp,
		}
		resp.NextSeq = m.Seq
	}

	h.respondJson(w, http.StatusOK, resp)
}
