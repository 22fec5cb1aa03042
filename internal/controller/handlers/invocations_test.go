package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"labplane/internal/store"
	"labplane/pkg/api"
)

func validRequest() api.CreateInvocationRequest {
	return api.CreateInvocationRequest{
		ServerID: "srv-1",
		Lab: api.Lab{
			ID:    "lab-1",
			Files: []api.LabFile{{Name: "main.py", Content: "print('hi')"}},
		},
	}
}

func TestCreateInvocation(t *testing.T) {
	m := newMockStore()
	mux := newMux(newTestHandlers(m))

	rr := do(t, mux, http.MethodPost, "/invocations", "alice", validRequest())
	if rr.Code != http.StatusCreated {
		t.Fatalf("got status %d, want %d (body %s)", rr.Code, http.StatusCreated, rr.Body.String())
	}

	var resp api.CreateInvocationResponse
	decode(t, rr, &resp)
	if resp.InvocationID == "" {
		t.Fatal("expected an invocation id")
	}

	inv, err := m.Store.GetInvocation(context.Background(), resp.InvocationID)
	if err != nil {
		t.Fatalf("GetInvocation: %v", err)
	}
	if inv.UserID != "alice" {
		t.Errorf("got user %q, want %q", inv.UserID, "alice")
	}
	if inv.Kind != store.InvocationKindStart {
		t.Errorf("got kind %q, want %q", inv.Kind, store.InvocationKindStart)
	}
	if inv.ServerID != "srv-1" || inv.Lab.ID != "lab-1" || len(inv.Lab.Files) != 1 {
		t.Errorf("unexpected invocation stored: %+v", inv)
	}
}

func TestCreateInvocation_EmptyBundleAccepted(t *testing.T) {
	m := newMockStore()
	mux := newMux(newTestHandlers(m))

	req := validRequest()
	req.Lab.Files = nil
	rr := do(t, mux, http.MethodPost, "/invocations", "alice", req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("got status %d, want %d (body %s)", rr.Code, http.StatusCreated, rr.Body.String())
	}

	var resp api.CreateInvocationResponse
	decode(t, rr, &resp)
	inv, err := m.Store.GetInvocation(context.Background(), resp.InvocationID)
	if err != nil {
		t.Fatalf("GetInvocation: %v", err)
	}
	if inv.Lab.ID != "lab-1" || len(inv.Lab.Files) != 0 {
		t.Errorf("unexpected invocation stored: %+v", inv)
	}
}

func TestCreateInvocation_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*api.CreateInvocationRequest)
	}{
		{"missing server", func(r *api.CreateInvocationRequest) { r.ServerID = "" }},
		{"missing lab id", func(r *api.CreateInvocationRequest) { r.Lab.ID = " " }},
		{"empty file name", func(r *api.CreateInvocationRequest) { r.Lab.Files[0].Name = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockStore()
			m.CreateInvocationFunc = func(ctx context.Context, inv *store.Invocation) error {
				t.Error("store should not be called")
				return nil
			}
			mux := newMux(newTestHandlers(m))

			req := validRequest()
			tt.mutate(&req)
			rr := do(t, mux, http.MethodPost, "/invocations", "alice", req)

			if rr.Code != http.StatusBadRequest {
				t.Errorf("got status %d, want %d", rr.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestCreateInvocation_Errors(t *testing.T) {
	t.Run("Unauthenticated", func(t *testing.T) {
		mux := newMux(newTestHandlers(newMockStore()))
		rr := do(t, mux, http.MethodPost, "/invocations", "", validRequest())
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
		}
	})

	t.Run("Malformed body", func(t *testing.T) {
		mux := newMux(newTestHandlers(newMockStore()))
		rr := do(t, mux, http.MethodPost, "/invocations", "alice", "not an object")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("got status %d, want %d", rr.Code, http.StatusBadRequest)
		}
	})

	t.Run("Store failure", func(t *testing.T) {
		m := newMockStore()
		m.CreateInvocationFunc = func(ctx context.Context, inv *store.Invocation) error {
			return errors.New("db down")
		}
		mux := newMux(newTestHandlers(m))
		rr := do(t, mux, http.MethodPost, "/invocations", "alice", validRequest())
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("got status %d, want %d", rr.Code, http.StatusInternalServerError)
		}
	})
}

func TestStopInvocation(t *testing.T) {
	tests := []struct {
		name           string
		invocationID   string
		userID         string
		stopErr        error
		expectedStatus int
	}{
		{"Success", "inv-1", "alice", nil, http.StatusAccepted},
		{"Not found", "inv-missing", "alice", nil, http.StatusNotFound},
		{"Other user", "inv-1", "bob", nil, http.StatusNotFound},
		{"Unauthenticated", "inv-1", "", nil, http.StatusUnauthorized},
		{"Store failure", "inv-1", "alice", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockStore()
			seedInvocation(t, m, "inv-1", "alice")
			if tt.stopErr != nil {
				m.RequestStopFunc = func(ctx context.Context, id string) error { return tt.stopErr }
			}
			mux := newMux(newTestHandlers(m))

			rr := do(t, mux, http.MethodPost, "/invocations/"+tt.invocationID+"/stop", tt.userID, nil)
			if rr.Code != tt.expectedStatus {
				t.Fatalf("got status %d, want %d", rr.Code, tt.expectedStatus)
			}

			inv, err := m.Store.GetInvocation(context.Background(), "inv-1")
			if err != nil {
				t.Fatalf("GetInvocation: %v", err)
			}
			wantKind := store.InvocationKindStart
			if tt.expectedStatus == http.StatusAccepted {
				wantKind = store.InvocationKindStop
			}
			if inv.Kind != wantKind {
				t.Errorf("got kind %q, want %q", inv.Kind, wantKind)
			}
		})
	}
}
