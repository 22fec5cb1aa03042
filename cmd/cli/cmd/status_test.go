package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"labplane/pkg/api"

	"github.com/spf13/viper"
)

func runStatus(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	resetViper()

	server := httptest.NewServer(handler)
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"status", "exec-123"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return stdout.String()
}

func TestStatusCommand_Finished(t *testing.T) {
	startTime := time.Now().Add(-10 * time.Minute)
	endTime := time.Now().Add(-9 * time.Minute)

	output := runStatus(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/executions/exec-123" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("expected Bearer token, got: %s", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(api.ExecutionResponse{
			ID:          "exec-123",
			Fingerprint: "0123456789abcdef0123456789abcdef",
			LabID:       "intro-1",
			Status:      "finished",
			ServerInfo:  "local@host",
			StartedAt:   startTime,
			FinishedAt:  &endTime,
		})
	})

	for _, want := range []string{"exec-123", "finished", "intro-1", "0123456789abcdef…", "local@host", "1m 0s"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestStatusCommand_Executing(t *testing.T) {
	output := runStatus(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.ExecutionResponse{
			ID:        "exec-123",
			Status:    "executing",
			StartedAt: time.Now(),
		})
	})

	if !strings.Contains(output, "executing") {
		t.Errorf("expected executing status, got: %s", output)
	}
	if !strings.Contains(output, "Finished:") || !strings.Contains(output, "-") {
		t.Errorf("expected empty finished time, got: %s", output)
	}
}

func TestStatusCommand_NotFound(t *testing.T) {
	output := runStatus(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Execution not found", Code: "404"})
	})

	if !strings.Contains(output, "404") {
		t.Errorf("expected 404 in output, got: %s", output)
	}
}

func TestStatusCommand_RequiresExecutionIDArgument(t *testing.T) {
	resetViper()

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"status"})

	if err := rootCmd.Execute(); err == nil {
		t.Error("expected error when execution ID is missing")
	}
}

func TestStatusIcon(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"finished", "✓"},
		{"executing", "⏳"},
		{"unknown", "•"},
	}
	for _, tt := range tests {
		if got := statusIcon(tt.status); !strings.Contains(got, tt.want) {
			t.Errorf("statusIcon(%q) = %q, want it to contain %q", tt.status, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestRelativeTime(t *testing.T) {
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{30 * time.Second, "s"},
		{5 * time.Minute, "5m"},
		{3 * time.Hour, "3h"},
		{25 * time.Hour, "1 day"},
		{72 * time.Hour, "3 days"},
	}
	for _, tt := range tests {
		if got := relativeTime(time.Now().Add(-tt.ago)); !strings.HasSuffix(got, tt.want) {
			t.Errorf("relativeTime(-%v) = %q, want suffix %q", tt.ago, got, tt.want)
		}
	}
}

func TestShortFingerprint(t *testing.T) {
	if got := shortFingerprint("abc"); got != "abc" {
		t.Errorf("got %q, want abc", got)
	}
	if got := shortFingerprint(strings.Repeat("a", 64)); got != strings.Repeat("a", 16)+"…" {
		t.Errorf("got %q", got)
	}
}
