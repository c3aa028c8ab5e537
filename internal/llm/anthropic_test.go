package llm

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestAnthropicParams_LiftsSystem(t *testing.T) {
	params := anthropicParams(CompletionRequest{
		Messages: []Message{
			{Role: "system", Content: "directive"},
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi there"},
			{Role: "user", Content: "again"},
		},
		MaxTokens:   1000,
		Temperature: 0.7,
	}, "claude-default")

	if len(params.System) != 1 || params.System[0].Text != "directive" {
		t.Fatalf("System = %+v, want one block %q", params.System, "directive")
	}
	if len(params.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3", len(params.Messages))
	}
	wantRoles := []anthropic.MessageParamRole{
		anthropic.MessageParamRoleUser,
		anthropic.MessageParamRoleAssistant,
		anthropic.MessageParamRoleUser,
	}
	for i, r := range wantRoles {
		if params.Messages[i].Role != r {
			t.Errorf("Messages[%d].Role = %s, want %s", i, params.Messages[i].Role, r)
		}
	}
	if got := params.Messages[1].Content[0].OfText.Text; got != "hi there" {
		t.Errorf("Messages[1] text = %q", got)
	}
	if string(params.Model) != "claude-default" {
		t.Errorf("Model = %q, want provider default", params.Model)
	}
	if params.MaxTokens != 1000 {
		t.Errorf("MaxTokens = %d", params.MaxTokens)
	}
}

func TestAnthropicParams_DefaultMaxTokens(t *testing.T) {
	params := anthropicParams(CompletionRequest{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}}, "d")
	if params.MaxTokens != 1000 {
		t.Errorf("MaxTokens = %d, want 1000", params.MaxTokens)
	}
	if string(params.Model) != "m" {
		t.Errorf("Model = %q, want request model", params.Model)
	}
}

func TestAnthropic_HTTPErrorIsProtocol(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"overloaded"}}`))
	}))
	defer server.Close()

	_, err := askOnce(t, NewAnthropic(server.URL, "k", "m"), 5*time.Second)
	ce := wantKind(t, err, FailureProtocol)
	if ce.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", ce.StatusCode)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries)", calls)
	}
}

func TestAnthropic_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	_, err := askOnce(t, NewAnthropic(server.URL, "k", "m"), 50*time.Millisecond)
	wantKind(t, err, FailureTimeout)
}
