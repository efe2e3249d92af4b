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
)

// writeSSE streams each payload as one server-sent event and closes the
// stream with [DONE].
func writeSSE(w http.ResponseWriter, payloads ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, p := range payloads {
		fmt.Fprintf(w, "data: %s\n\n", p)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestCompatibleClient_Chat(t *testing.T) {
	t.Run("successful chat", func(t *testing.T) {
		var got map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/chat/completions" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			json.NewDecoder(r.Body).Decode(&got)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"c1","model":"qwen2.5-7b","choices":[{"index":0,"message":{"role":"assistant","content":"Hola"},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`)
		}))
		defer server.Close()

		client := NewCompatibleClient(CompatibleConfig{Name: "local", BaseURL: server.URL + "/v1/", DefaultModel: "qwen2.5-7b"})
		result, err := client.Chat(context.Background(), &ChatRequest{
			Messages: []Message{{Role: RoleSystem, Content: "Translate."}, {Role: RoleUser, Content: "Hello"}},
		})
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if !result.Success || result.Content != "Hola" {
			t.Errorf("result = %+v", result)
		}
		if result.Provider != "local" {
			t.Errorf("Provider = %q, want local", result.Provider)
		}
		if result.TotalTokens != 6 || result.FinishReason != "stop" {
			t.Errorf("TotalTokens = %d, FinishReason = %q", result.TotalTokens, result.FinishReason)
		}
		if result.Streamed {
			t.Error("expected a non-streamed result")
		}
		if got["model"] != "qwen2.5-7b" {
			t.Errorf("request model = %v", got["model"])
		}
		msgs, _ := got["messages"].([]any)
		if len(msgs) != 2 {
			t.Fatalf("request messages = %v", got["messages"])
		}
		if role := msgs[0].(map[string]any)["role"]; role != "system" {
			t.Errorf("first message role = %v", role)
		}
	})

	t.Run("streaming assembles deltas", func(t *testing.T) {
		var streamFlag any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			streamFlag = body["stream"]
			writeSSE(w,
				`{"id":"s1","model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"{\"tra"}}]}`,
				`{"id":"s1","model":"m","choices":[{"index":0,"delta":{"content":"nslation\": "}}]}`,
				`{"id":"s1","model":"m","choices":[{"index":0,"delta":{"content":"\"Hola\"}"},"finish_reason":"stop"}]}`,
				`{"id":"s1","model":"m","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":5,"total_tokens":14}}`,
			)
		}))
		defer server.Close()

		var deltas []string
		client := NewCompatibleClient(CompatibleConfig{BaseURL: server.URL, DefaultModel: "m"})
		result, err := client.Chat(context.Background(), &ChatRequest{
			Messages:       []Message{{Role: RoleUser, Content: "Hello"}},
			ResponseFormat: JSONObject,
			OnDelta:        func(d string) { deltas = append(deltas, d) },
		})
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if streamFlag != true {
			t.Errorf("request stream = %v, want true", streamFlag)
		}
		if len(deltas) != 3 {
			t.Errorf("deltas = %q, want 3 fragments", deltas)
		}
		want := `{"translation": "Hola"}`
		if result.Content != want || strings.Join(deltas, "") != want {
			t.Errorf("Content = %q, deltas = %q", result.Content, strings.Join(deltas, ""))
		}
		if !result.Success || !result.Streamed {
			t.Errorf("Success = %v, Streamed = %v", result.Success, result.Streamed)
		}
		if result.TotalTokens != 14 || result.FinishReason != "stop" {
			t.Errorf("TotalTokens = %d, FinishReason = %q", result.TotalTokens, result.FinishReason)
		}
		var parsed map[string]string
		if err := json.Unmarshal(result.ParsedJSON, &parsed); err != nil || parsed["translation"] != "Hola" {
			t.Errorf("ParsedJSON = %s (err %v)", result.ParsedJSON, err)
		}
	})

	t.Run("invalid JSON content is not a success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"choices":[{"message":{"content":"Sure! Here is your translation: Hola"}}]}`)
		}))
		defer server.Close()

		client := NewCompatibleClient(CompatibleConfig{BaseURL: server.URL, DefaultModel: "m"})
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
		if result.ErrorType != "json_parse" || result.ErrorMessage == "" {
			t.Errorf("ErrorType = %q, ErrorMessage = %q", result.ErrorType, result.ErrorMessage)
		}
		if result.ParsedJSON != nil {
			t.Errorf("ParsedJSON = %s, want nil", result.ParsedJSON)
		}
	})

	t.Run("HTTP errors map to HTTPError", func(t *testing.T) {
		tests := []struct {
			name      string
			status    int
			body      string
			stream    bool
			retryable bool
		}{
			{"server error with JSON body", http.StatusServiceUnavailable, `{"error":{"message":"overloaded","type":"server_error"}}`, false, true},
			{"server error with text body", http.StatusBadGateway, `upstream gone`, false, true},
			{"rate limit", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, false, true},
			{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, false, false},
			{"streaming server error", http.StatusServiceUnavailable, `{"error":{"message":"overloaded"}}`, true, true},
			{"streaming bad request", http.StatusBadRequest, `{"error":{"message":"bad model"}}`, true, false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(tt.status)
					fmt.Fprint(w, tt.body)
				}))
				defer server.Close()

				client := NewCompatibleClient(CompatibleConfig{Name: "local", BaseURL: server.URL, DefaultModel: "m"})
				req := &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}}
				if tt.stream {
					req.OnDelta = func(string) {}
				}
				result, err := client.Chat(context.Background(), req)

				var he *HTTPError
				if !errors.As(err, &he) {
					t.Fatalf("error = %v (%T), want *HTTPError", err, err)
				}
				if he.StatusCode != tt.status || he.Provider != "local" {
					t.Errorf("HTTPError = %+v", he)
				}
				if IsRetryable(err) != tt.retryable {
					t.Errorf("IsRetryable() = %v, want %v", IsRetryable(err), tt.retryable)
				}
				if result == nil || result.Success || result.ErrorType != "http_error" {
					t.Errorf("result = %+v", result)
				}
			})
		}
	})

	t.Run("missing base URL", func(t *testing.T) {
		client := NewCompatibleClient(CompatibleConfig{})
		result, err := client.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
		if !errors.Is(err, ErrNotConfigured) {
			t.Fatalf("error = %v, want ErrNotConfigured", err)
		}
		if IsRetryable(err) {
			t.Error("unconfigured client should not be retryable")
		}
		if result.ErrorType != "not_configured" {
			t.Errorf("ErrorType = %q", result.ErrorType)
		}
	})
}
