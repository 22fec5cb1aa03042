package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"labplane/internal/controller/middleware"
	"labplane/internal/store"
	"labplane/internal/store/memory"
)

// mockStore serves from an in-memory store unless a hook overrides a call.
type mockStore struct {
	*memory.Store

	GetInvocationFunc    func(ctx context.Context, id string) (*store.Invocation, error)
	CreateInvocationFunc func(ctx context.Context, inv *store.Invocation) error
	RequestStopFunc      func(ctx context.Context, id string) error
	GetExecutionFunc     func(ctx context.Context, id string) (*store.Execution, error)
	GetMessagesFunc      func(ctx context.Context, executionID string, afterSeq int64, limit int) ([]store.ExecutionMessage, error)
	GetLabFunc           func(ctx context.Context, labID string) (*store.LabRecord, error)
	PingFunc             func(ctx context.Context) error

	capturedAfterSeq int64
	capturedLimit    int
}

func newMockStore() *mockStore {
	return &mockStore{Store: memory.New()}
}

func (m *mockStore) CreateInvocation(ctx context.Context, inv *store.Invocation) error {
	if m.CreateInvocationFunc != nil {
		return m.CreateInvocationFunc(ctx, inv)
	}
	return m.Store.CreateInvocation(ctx, inv)
}

func (m *mockStore) GetInvocation(ctx context.Context, id string) (*store.Invocation, error) {
	if m.GetInvocationFunc != nil {
		return m.GetInvocationFunc(ctx, id)
	}
	return m.Store.GetInvocation(ctx, id)
}

func (m *mockStore) RequestStop(ctx context.Context, id string) error {
	if m.RequestStopFunc != nil {
		return m.RequestStopFunc(ctx, id)
	}
	return m.Store.RequestStop(ctx, id)
}

func (m *mockStore) GetExecutionByID(ctx context.Context, id string) (*store.Execution, error) {
	if m.GetExecutionFunc != nil {
		return m.GetExecutionFunc(ctx, id)
	}
	return m.Store.GetExecutionByID(ctx, id)
}

func (m *mockStore) GetMessages(ctx context.Context, executionID string, afterSeq int64, limit int) ([]store.ExecutionMessage, error) {
	m.capturedAfterSeq = afterSeq
	m.capturedLimit = limit
	if m.GetMessagesFunc != nil {
		return m.GetMessagesFunc(ctx, executionID, afterSeq, limit)
	}
	return m.Store.GetMessages(ctx, executionID, afterSeq, limit)
}

func (m *mockStore) GetLab(ctx context.Context, labID string) (*store.LabRecord, error) {
	if m.GetLabFunc != nil {
		return m.GetLabFunc(ctx, labID)
	}
	return m.Store.GetLab(ctx, labID)
}

func (m *mockStore) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return m.Store.Ping(ctx)
}

func newTestHandlers(m *mockStore) *Handlers {
	return New(m, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newMux(h *Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /invocations", h.CreateInvocation)
	mux.HandleFunc("POST /invocations/{id}/stop", h.StopInvocation)
	mux.HandleFunc("GET /executions/{id}", h.GetExecution)
	mux.HandleFunc("GET /executions/{id}/messages", h.GetMessages)
	mux.HandleFunc("GET /labs/{id}", h.GetLab)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	return mux
}

// do sends a request as userID; an empty userID sends it unauthenticated.
func do(t *testing.T, mux http.Handler, method, target, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, r)
	if userID != "" {
		req = req.WithContext(middleware.NewContextWithUser(req.Context(), userID))
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
}

func seedInvocation(t *testing.T, m *mockStore, id, userID string) {
	t.Helper()
	err := m.Store.CreateInvocation(context.Background(), &store.Invocation{
		ID:       id,
		ServerID: "srv-1",
		UserID:   userID,
		Kind:     store.InvocationKindStart,
		Lab:      store.Lab{ID: "lab-1", Files: []store.LabFile{{Name: "main.py", Content: "print(1)"}}},
	})
	if err != nil {
		t.Fatalf("seed invocation: %v", err)
	}
}
