package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"labplane/internal/store"
	"labplane/pkg/api"
)

func TestGetExecution(t *testing.T) {
	tests := []struct {
		name           string
		executionID    string
		userID         string
		getErr         error
		expectedStatus int
	}{
		{"Success", "inv-1", "alice", nil, http.StatusOK},
		{"Execution Not Found", "inv-missing", "alice", nil, http.StatusNotFound},
		{"Access Denied to Different User", "inv-1", "bob", nil, http.StatusNotFound},
		{"Unauthenticated", "inv-1", "", nil, http.StatusUnauthorized},
		{"Store failure", "inv-1", "alice", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockStore()
			err := m.Store.CreateExecution(context.Background(), &store.Execution{
				ID:          "inv-1",
				Fingerprint: "abc",
				LabID:       "lab-1",
				UserID:      "alice",
				ServerInfo:  "srv-1/test",
			})
			if err != nil {
				t.Fatalf("CreateExecution: %v", err)
			}
			if tt.getErr != nil {
				m.GetExecutionFunc = func(ctx context.Context, id string) (*store.Execution, error) {
					return nil, tt.getErr
				}
			}
			mux := newMux(newTestHandlers(m))

			rr := do(t, mux, http.MethodGet, "/executions/"+tt.executionID, tt.userID, nil)
			if rr.Code != tt.expectedStatus {
				t.Fatalf("got status %d, want %d", rr.Code, tt.expectedStatus)
			}
			if rr.Code != http.StatusOK {
				return
			}

			var resp api.ExecutionResponse
			decode(t, rr, &resp)
			if resp.ID != "inv-1" || resp.Fingerprint != "abc" || resp.LabID != "lab-1" {
				t.Errorf("unexpected response: %+v", resp)
			}
			if resp.Status != string(store.ExecutionStatusExecuting) {
				t.Errorf("got status %q, want %q", resp.Status, store.ExecutionStatusExecuting)
			}
			if resp.FinishedAt != nil {
				t.Error("expected no finished_at on a running execution")
			}
		})
	}
}

func seedMessages(t *testing.T, m *mockStore, executionID string, kinds ...store.MessageKind) {
	t.Helper()
	for i, kind := range kinds {
		err := m.Store.AddMessage(context.Background(), &store.ExecutionMessage{
			ID:          executionID + "-" + string(rune('a'+i)),
			ExecutionID: executionID,
			Seq:         int64(i),
			Kind:        kind,
			Data:        string(kind),
		})
		if err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}
}

func TestGetMessages(t *testing.T) {
	m := newMockStore()
	seedInvocation(t, m, "inv-1", "alice")
	seedMessages(t, m, "inv-1",
		store.MessageKindStdout,
		store.MessageKindStderr,
		store.MessageKindStdout,
		store.MessageKindExecutionFinished,
	)
	mux := newMux(newTestHandlers(m))

	rr := do(t, mux, http.MethodGet, "/executions/inv-1/messages", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rr.Code, http.StatusOK)
	}
	if m.capturedAfterSeq != -1 {
		t.Errorf("got default after_seq %d, want -1", m.capturedAfterSeq)
	}
	if m.capturedLimit != defaultMessageLimit {
		t.Errorf("got default limit %d, want %d", m.capturedLimit, defaultMessageLimit)
	}

	var resp api.MessagesResponse
	decode(t, rr, &resp)
	if len(resp.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(resp.Messages))
	}
	for i, msg := range resp.Messages {
		if msg.Seq != int64(i) {
			t.Errorf("message %d has seq %d", i, msg.Seq)
		}
	}
	if resp.NextSeq != 3 {
		t.Errorf("got next_seq %d, want 3", resp.NextSeq)
	}
	if !api.Terminal(resp.Messages[3].Kind) {
		t.Errorf("last message kind %q is not terminal", resp.Messages[3].Kind)
	}
}

func TestGetMessages_Paging(t *testing.T) {
	m := newMockStore()
	seedInvocation(t, m, "inv-1", "alice")
	seedMessages(t, m, "inv-1",
		store.MessageKindStdout,
		store.MessageKindStdout,
		store.MessageKindStdout,
	)
	mux := newMux(newTestHandlers(m))

	rr := do(t, mux, http.MethodGet, "/executions/inv-1/messages?after_seq=0&limit=1", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rr.Code, http.StatusOK)
	}
	var resp api.MessagesResponse
	decode(t, rr, &resp)
	if len(resp.Messages) != 1 || resp.Messages[0].Seq != 1 {
		t.Fatalf("unexpected page: %+v", resp.Messages)
	}
	if resp.NextSeq != 1 {
		t.Errorf("got next_seq %d, want 1", resp.NextSeq)
	}

	// An empty page keeps the cursor where it was.
	rr = do(t, mux, http.MethodGet, "/executions/inv-1/messages?after_seq=2", "alice", nil)
	decode(t, rr, &resp)
	if len(resp.Messages) != 0 || resp.NextSeq != 2 {
		t.Errorf("got %d messages and next_seq %d, want 0 and 2", len(resp.Messages), resp.NextSeq)
	}
}

func TestGetMessages_Errors(t *testing.T) {
	tests := []struct {
		name           string
		target         string
		userID         string
		getErr         error
		expectedStatus int
	}{
		{"Bad limit", "/executions/inv-1/messages?limit=abc", "alice", nil, http.StatusBadRequest},
		{"Limit too large", "/executions/inv-1/messages?limit=10001", "alice", nil, http.StatusBadRequest},
		{"Bad after_seq", "/executions/inv-1/messages?after_seq=-5", "alice", nil, http.StatusBadRequest},
		{"Unknown invocation", "/executions/inv-2/messages", "alice", nil, http.StatusNotFound},
		{"Other user", "/executions/inv-1/messages", "bob", nil, http.StatusNotFound},
		{"Unauthenticated", "/executions/inv-1/messages", "", nil, http.StatusUnauthorized},
		{"Store failure", "/executions/inv-1/messages", "alice", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockStore()
			seedInvocation(t, m, "inv-1", "alice")
			if tt.getErr != nil {
				m.GetMessagesFunc = func(ctx context.Context, executionID string, afterSeq int64, limit int) ([]store.ExecutionMessage, error) {
					return nil, tt.getErr
				}
			}
			mux := newMux(newTestHandlers(m))

			rr := do(t, mux, http.MethodGet, tt.target, tt.userID, nil)
			if rr.Code != tt.expectedStatus {
				t.Errorf("got status %d, want %d", rr.Code, tt.expectedStatus)
			}
		})
	}
}
