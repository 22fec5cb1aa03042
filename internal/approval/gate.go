// Package approval consumes the external decision on whether an invocation may run.
package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"labplane/internal/store"
)

// Decision is the outcome of an approval request.
type Decision struct {
	Allow   bool   `json:"allow"`
	Message string `json:"message"`
}

// Gate decides whether an invocation is allowed to execute.
// A denial is a Decision, not an error; errors mean no decision could be obtained.
type Gate interface {
	Decide(ctx context.Context, inv store.Invocation) (Decision, error)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, inv store.Invocation) (Decision, error)

// Decide calls f.
func (f GateFunc) Decide(ctx context.Context, inv store.Invocation) (Decision, error) {
	return f(ctx, inv)
}

// AllowAll approves every invocation. Used when no approval service is configured.
type AllowAll struct{}

func (AllowAll) Decide(ctx context.Context, inv store.Invocation) (Decision, error) {
	return Decision{Allow: true}, nil
}

// maxResponseSize bounds the approval service's response body.
const maxResponseSize = 1 << 20

// HTTPGate asks a remote rules service for a decision.
// It POSTs the invocation as JSON and expects a Decision back.
type HTTPGate struct {
	URL        string
	HTTPClient *http.Client
}

// NewHTTPGate creates a gate that calls url with the given timeout per decision.
func NewHTTPGate(url string, timeout time.Duration) *HTTPGate {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPGate{
		URL: url,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type approvalRequest struct {
	InvocationID string `json:"invocation_id"`
	UserID       string `json:"user_id"`
	LabID        string `json:"lab_id"`
	FileCount    int    `json:"file_count"`
	ServerID     string `json:"server_id"`
}

// Decide implements Gate.
func (g *HTTPGate) Decide(ctx context.Context, inv store.Invocation) (Decision, error) {
	body, err := json.Marshal(approvalRequest{
		InvocationID: inv.ID,
		UserID:       inv.UserID,
		LabID:        inv.Lab.ID,
		FileCount:    len(inv.Lab.Files),
		ServerID:     inv.ServerID,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to marshal approval request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to create approval request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("approval request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read approval response: %w", err)
	}
	if len(respBody) > maxResponseSize {
		return Decision{}, fmt.Errorf("approval response exceeds %d bytes", maxResponseSize)
	}
	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("approval service returned status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var decision Decision
	if err := json.Unmarshal(respBody, &decision); err != nil {
		return Decision{}, fmt.Errorf("failed to parse approval response: %w", err)
	}
	return decision, nil
}
