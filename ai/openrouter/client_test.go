package openrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newMockServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(Config{APIKey: "test-key"})
	client.baseURL = server.URL
	client.SetHTTPClient(server.Client())
	return server, client
}

func TestChat(t *testing.T) {
	var gotReq ChatCompletionRequest
	_, client := newMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		resp := ChatCompletionResponse{
			Choices: []Choice{{Message: Message{Role: "assistant", Content: "  analysis result  "}}},
			Usage:   Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
		}
		json.NewEncoder(w).Encode(resp)
	})

	resp, err := client.Chat(context.Background(), ChatRequest{
		SystemPrompt: "You are an analyst.",
		UserPrompt:   "Analyze this document.",
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if resp.Content != "analysis result" {
		t.Errorf("expected trimmed content, got %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 150 {
		t.Errorf("expected 150 tokens, got %d", resp.Usage.TotalTokens)
	}

	if len(gotReq.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(gotReq.Messages))
	}
	if gotReq.Messages[0].Role != "system" || gotReq.Messages[1].Role != "user" {
		t.Errorf("unexpected message roles: %s, %s", gotReq.Messages[0].Role, gotReq.Messages[1].Role)
	}
	if gotReq.Model != DefaultModel {
		t.Errorf("expected default model, got %s", gotReq.Model)
	}
}

func TestChatWithConversation(t *testing.T) {
	var gotReq ChatCompletionRequest
	_, client := newMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(ChatCompletionResponse{
			Choices: []Choice{{Message: Message{Role: "assistant", Content: "ok"}}},
		})
	})

	messages := []Message{
		{Role: "system", Content: "context"},
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "follow up"},
	}

	_, err := client.Chat(context.Background(), ChatRequest{Messages: messages})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if len(gotReq.Messages) != 4 {
		t.Errorf("expected conversation passed through, got %d messages", len(gotReq.Messages))
	}
}

func TestChatOverrides(t *testing.T) {
	var gotReq ChatCompletionRequest
	_, client := newMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(ChatCompletionResponse{
			Choices: []Choice{{Message: Message{Role: "assistant", Content: "ok"}}},
		})
	})

	temp := 0.7
	maxTokens := 500
	model := "anthropic/claude-3.5-sonnet"
	_, err := client.Chat(context.Background(), ChatRequest{
		UserPrompt:  "hi",
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		Model:       &model,
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if gotReq.Temperature != 0.7 {
		t.Errorf("expected temperature 0.7, got %f", gotReq.Temperature)
	}
	if gotReq.MaxTokens != 500 {
		t.Errorf("expected max_tokens 500, got %d", gotReq.MaxTokens)
	}
	if gotReq.Model != model {
		t.Errorf("expected model %s, got %s", model, gotReq.Model)
	}
}

func TestChatMissingAPIKey(t *testing.T) {
	client := NewClient(Config{})
	_, err := client.Chat(context.Background(), ChatRequest{UserPrompt: "hi"})
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
	if !strings.Contains(err.Error(), "not configured") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestChatAPIError(t *testing.T) {
	_, client := newMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "invalid key"}`))
	})

	_, err := client.Chat(context.Background(), ChatRequest{UserPrompt: "hi"})
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "status 401") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestChatEmptyChoices(t *testing.T) {
	_, client := newMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ChatCompletionResponse{})
	})

	_, err := client.Chat(context.Background(), ChatRequest{UserPrompt: "hi"})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
	if !strings.Contains(err.Error(), "no response choices") {
		t.Errorf("unexpected error: %v", err)
	}
}

type testError struct {
	msg string
}

func (e *testError) Error() string { return e.msg }

func TestIsRetryableError(t *testing.T) {
	client := NewClient(Config{APIKey: "k"})

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"connection refused", &testError{"dial tcp: connection refused"}, true},
		{"connection reset", &testError{"read: connection reset by peer"}, true},
		{"io timeout", &testError{"i/o timeout"}, true},
		{"network unreachable", &testError{"network is unreachable"}, true},
		{"auth failure", &testError{"API request failed with status 401"}, false},
		{"bad request", &testError{"API request failed with status 400"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := client.isRetryableError(tt.err); got != tt.retryable {
				t.Errorf("isRetryableError(%q) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestIsConfigured(t *testing.T) {
	if NewClient(Config{}).IsConfigured() {
		t.Error("expected unconfigured without API key")
	}
	if !NewClient(Config{APIKey: "k"}).IsConfigured() {
		t.Error("expected configured with API key")
	}
}
