package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"labplane/pkg/api"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// LabClient handles API calls to the labplane controller.
type LabClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewLabClient creates a new client with the given base URL and token.
func NewLabClient(baseURL, token string) *LabClient {
	return &LabClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// do sends a request and decodes a JSON response into out when out is not nil.
func (c *LabClient) do(method, path string, body, out any, okStatus ...int) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if !statusIn(resp.StatusCode, okStatus) {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func statusIn(code int, allowed []int) bool {
	for _, c := range allowed {
		if c == code {
			return true
		}
	}
	return false
}

// errorMessage prefers the error field of an ErrorResponse over the raw body.
func errorMessage(body []byte) string {
	var apiErr api.ErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		return apiErr.Error
	}
	return strings.TrimSpace(string(body))
}

// Submit sends POST /invocations to ask a server to run a lab.
func (c *LabClient) Submit(req api.CreateInvocationRequest) (*api.CreateInvocationResponse, error) {
	var result api.CreateInvocationResponse
	if err := c.do(http.MethodPost, "/invocations", req, &result, http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stop sends POST /invocations/{id}/stop.
func (c *LabClient) Stop(invocationID string) error {
	path := fmt.Sprintf("/invocations/%s/stop", url.PathEscape(invocationID))
	return c.do(http.MethodPost, path, nil, nil, http.StatusOK, http.StatusAccepted)
}

// GetExecution sends GET /executions/{id} to retrieve execution details.
func (c *LabClient) GetExecution(executionID string) (*api.ExecutionResponse, error) {
	var result api.ExecutionResponse
	path := fmt.Sprintf("/executions/%s", url.PathEscape(executionID))
	if err := c.do(http.MethodGet, path, nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetMessages sends GET /executions/{id}/messages for the messages after afterSeq.
func (c *LabClient) GetMessages(executionID string, afterSeq int64) (*api.MessagesResponse, error) {
	var result api.MessagesResponse
	path := fmt.Sprintf("/executions/%s/messages?after_seq=%s", url.PathEscape(executionID), strconv.FormatInt(afterSeq, 10))
	if err := c.do(http.MethodGet, path, nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}
