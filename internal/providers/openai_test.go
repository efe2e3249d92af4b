package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOpenAIClient_Chat(t *testing.T) {
	t.Run("successful chat", func(t *testing.T) {
		var got map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/chat/completions" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
				t.Errorf("unexpected authorization: %s", auth)
			}
			json.NewDecoder(r.Body).Decode(&got)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini-2024-07-18","choices":[{"index":0,"message":{"role":"assistant","content":"{\"translation\":\"Hola\"}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":5,"total_tokens":12}}`)
		}))
		defer server.Close()

		client := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})
		result, err := client.Chat(context.Background(), &ChatRequest{
			Messages:       []Message{{Role: RoleUser, Content: "Hello"}},
			Sampling:       Sampling{Temperature: 0.3, MaxTokens: 2048},
			ResponseFormat: JSONObject,
		})
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if !result.Success {
			t.Errorf("expected Success = true, got %+v", result)
		}
		if string(result.ParsedJSON) != `{"translation":"Hola"}` {
			t.Errorf("ParsedJSON = %s", result.ParsedJSON)
		}
		if result.ModelUsed != "gpt-4o-mini-2024-07-18" || result.TotalTokens != 12 {
			t.Errorf("ModelUsed = %q, TotalTokens = %d", result.ModelUsed, result.TotalTokens)
		}
		if got["model"] != openAIDefaultModel {
			t.Errorf("request model = %v", got["model"])
		}
		if got["max_completion_tokens"] != float64(2048) {
			t.Errorf("request max_completion_tokens = %v", got["max_completion_tokens"])
		}
		rf, _ := got["response_format"].(map[string]any)
		if rf["type"] != "json_object" {
			t.Errorf("request response_format = %v", got["response_format"])
		}
	})

	t.Run("streaming assembles deltas", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["stream"] != true {
				t.Errorf("request stream = %v, want true", body["stream"])
			}
			writeSSE(w,
				`{"id":"s1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":"Buenos"}}]}`,
				`{"id":"s1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":" días"}}]}`,
				`{"id":"s1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
				`{"id":"s1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
			)
		}))
		defer server.Close()

		var deltas []string
		client := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: server.URL})
		result, err := client.Chat(context.Background(), &ChatRequest{
			Messages: []Message{{Role: RoleUser, Content: "Good morning"}},
			OnDelta:  func(d string) { deltas = append(deltas, d) },
		})
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if result.Content != "Buenos días" {
			t.Errorf("Content = %q", result.Content)
		}
		if strings.Join(deltas, "|") != "Buenos| días" {
			t.Errorf("deltas = %q", deltas)
		}
		if !result.Success || !result.Streamed {
			t.Errorf("Success = %v, Streamed = %v", result.Success, result.Streamed)
		}
		if result.FinishReason != "stop" || result.TotalTokens != 5 {
			t.Errorf("FinishReason = %q, TotalTokens = %d", result.FinishReason, result.TotalTokens)
		}
	})

	t.Run("invalid JSON content is not a success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"c1","object":"chat.completion","model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"{\"translation\": \"Hola"},"finish_reason":"length"}]}`)
		}))
		defer server.Close()

		client := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: server.URL})
		result, err := client.Chat(context.Background(), &ChatRequest{
			Messages:       []Message{{Role: RoleUser, Content: "Hello"}},
			ResponseFormat: JSONObject,
		})
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if result.Success {
			t.Error("expected Success = false")
		}
		if result.ErrorType != "json_parse" {
			t.Errorf("ErrorType = %q", result.ErrorType)
		}
		if result.FinishReason != "length" {
			t.Errorf("FinishReason = %q", result.FinishReason)
		}
	})

	t.Run("HTTP errors map to HTTPError", func(t *testing.T) {
		tests := []struct {
			name       string
			status     int
			retryAfter string
			stream     bool
			retryable  bool
			wantWait   time.Duration
		}{
			{"rate limit with Retry-After", http.StatusTooManyRequests, "7", false, true, 7 * time.Second},
			{"server error", http.StatusInternalServerError, "", false, true, 0},
			{"unauthorized", http.StatusUnauthorized, "", false, false, 0},
			{"streaming server error", http.StatusServiceUnavailable, "", true, true, 0},
			{"streaming bad request", http.StatusBadRequest, "", true, false, 0},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				var calls int
				server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					calls++
					if tt.retryAfter != "" {
						w.Header().Set("Retry-After", tt.retryAfter)
					}
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(tt.status)
					fmt.Fprint(w, `{"error":{"message":"nope","type":"error"}}`)
				}))
				defer server.Close()

				client := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: server.URL})
				req := &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}}
				if tt.stream {
					req.OnDelta = func(string) {}
				}
				result, err := client.Chat(context.Background(), req)

				var he *HTTPError
				if !errors.As(err, &he) {
					t.Fatalf("error = %v (%T), want *HTTPError", err, err)
				}
				if he.StatusCode != tt.status || he.Provider != OpenAIName {
					t.Errorf("HTTPError = %+v", he)
				}
				if he.RetryAfter != tt.wantWait {
					t.Errorf("RetryAfter = %v, want %v", he.RetryAfter, tt.wantWait)
				}
				if IsRetryable(err) != tt.retryable {
					t.Errorf("IsRetryable() = %v, want %v", IsRetryable(err), tt.retryable)
				}
				if result.Success || result.ErrorType != "http_error" {
					t.Errorf("result = %+v", result)
				}
				if calls != 1 {
					t.Errorf("server saw %d requests, want 1 (SDK retries must stay off)", calls)
				}
			})
		}
	})

	t.Run("missing API key", func(t *testing.T) {
		client := NewOpenAIClient(OpenAIConfig{})
		_, err := client.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
		if !errors.Is(err, ErrNotConfigured) {
			t.Fatalf("error = %v, want ErrNotConfigured", err)
		}
	})
}
