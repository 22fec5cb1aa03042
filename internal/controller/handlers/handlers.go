// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"labplane/internal/store"
	"labplane/pkg/api"
)

// Store is the part of the store the controller reads and writes.
type Store interface {
	CreateInvocation(ctx context.Context, inv *store.Invocation) error
	GetInvocation(ctx context.Context, id string) (*store.Invocation, error)
	RequestStop(ctx context.Context, id string) error
	GetExecutionByID(ctx context.Context, id string) (*store.Execution, error)
	GetMessages(ctx context.Context, executionID string, afterSeq int64, limit int) ([]store.ExecutionMessage, error)
	GetLab(ctx context.Context, labID string) (*store.LabRecord, error)
	Ping(ctx context.Context) error
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store  Store
	logger *slog.Logger
}

// New creates a new Handlers instance with the given store dependency.
func New(s Store, logger *slog.Logger) *Handlers {
	return &Handlers{store: s, logger: logger}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}
