package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenRouterClient_Chat(t *testing.T) {
	t.Run("successful chat", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/chat/completions" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			if r.Method != http.MethodPost {
				t.Errorf("unexpected method: %s", r.Method)
			}
			if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
				t.Errorf("unexpected authorization: %s", auth)
			}

			resp := map[string]any{
				"id":    "test-id",
				"model": "deepseek/deepseek-v3.2-exp",
				"choices": []map[string]any{{
					"message":       map[string]any{"role": "assistant", "content": "Hello there"},
					"finish_reason": "stop",
				}},
				"usage": map[string]any{
					"prompt_tokens":     10,
					"completion_tokens": 8,
					"total_tokens":      18,
					"cost":              0.0002,
				},
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "test-key", BaseURL: server.URL})
		result, err := client.Chat(context.Background(), &ChatRequest{
			Messages: []Message{{Role: RoleUser, Content: "Hello"}},
		})
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if !result.Success {
			t.Error("expected Success = true")
		}
		if result.Content != "Hello there" {
			t.Errorf("Content = %q", result.Content)
		}
		if result.TotalTokens != 18 {
			t.Errorf("TotalTokens = %d, want 18", result.TotalTokens)
		}
		if result.CostUSD != 0.0002 {
			t.Errorf("CostUSD = %v, want 0.0002", result.CostUSD)
		}
	})

	t.Run("provider routing and sampling", func(t *testing.T) {
		var got openRouterRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&got)
			fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL})
		_, err := client.Chat(context.Background(), &ChatRequest{
			Model:         "deepseek/deepseek-v3.2-exp",
			Messages:      []Message{{Role: RoleUser, Content: "x"}},
			Sampling:      Sampling{Temperature: 0.9, TopP: 0.95, TopK: 40, MaxTokens: 12000},
			ProviderOrder: []string{"DeepInfra"},
		})
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if got.Provider == nil || len(got.Provider.Order) != 1 || got.Provider.Order[0] != "DeepInfra" {
			t.Errorf("provider routing = %+v", got.Provider)
		}
		if got.Provider != nil && got.Provider.AllowFallbacks {
			t.Error("allow_fallbacks should be false when routing is pinned")
		}
		if got.TopK != 40 || got.TopP != 0.95 || got.MaxTokens != 12000 || got.Temperature != 0.9 {
			t.Errorf("sampling not passed through: %+v", got)
		}
	})

	t.Run("streaming", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req openRouterRequest
			json.NewDecoder(r.Body).Decode(&req)
			if !req.Stream {
				t.Error("expected stream=true")
			}
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, ": OPENROUTER PROCESSING\n\n")
			fmt.Fprint(w, "data: {\"model\":\"m\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
			fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2,\"total_tokens\":5}}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL})
		var deltas []string
		result, err := client.Chat(context.Background(), &ChatRequest{
			Messages: []Message{{Role: RoleUser, Content: "x"}},
			OnDelta:  func(d string) { deltas = append(deltas, d) },
		})
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if result.Content != "Hello" {
			t.Errorf("Content = %q, want Hello", result.Content)
		}
		if strings.Join(deltas, "|") != "Hel|lo" {
			t.Errorf("deltas = %q", deltas)
		}
		if result.TotalTokens != 5 || result.FinishReason != "stop" || !result.Streamed {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("nonce on retry", func(t *testing.T) {
		var got openRouterRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&got)
			fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL})
		_, err := client.Chat(context.Background(), &ChatRequest{
			Messages: []Message{{Role: RoleUser, Content: "original"}},
			Attempt:  2,
		})
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if !strings.HasPrefix(got.Messages[0].Content, "original\n<!-- retry_2_id: ") {
			t.Errorf("nonce not injected: %q", got.Messages[0].Content)
		}
	})

	t.Run("http error carries status and retry-after", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL})
		result, err := client.Chat(context.Background(), &ChatRequest{
			Messages: []Message{{Role: RoleUser, Content: "x"}},
		})
		var he *HTTPError
		if !errors.As(err, &he) {
			t.Fatalf("err = %v, want *HTTPError", err)
		}
		if he.StatusCode != http.StatusTooManyRequests || !he.Retryable() {
			t.Errorf("HTTPError = %+v", he)
		}
		if result.RetryAfter.Seconds() != 7 {
			t.Errorf("RetryAfter = %v, want 7s", result.RetryAfter)
		}
	})

	t.Run("missing api key", func(t *testing.T) {
		client := NewOpenRouterClient(OpenRouterConfig{})
		_, err := client.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser}}})
		if !errors.Is(err, ErrNotConfigured) {
			t.Errorf("err = %v, want ErrNotConfigured", err)
		}
	})

	t.Run("structured output", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"choices":[{"message":{"content":"`+"```json\\n{\\\"complete_translation\\\":\\\"hi\\\"}\\n```"+`"}}]}`)
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL})
		result, err := client.Chat(context.Background(), &ChatRequest{
			Messages:       []Message{{Role: RoleUser, Content: "x"}},
			ResponseFormat: JSONObject,
		})
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if string(result.ParsedJSON) != `{"complete_translation":"hi"}` {
			t.Errorf("ParsedJSON = %s", result.ParsedJSON)
		}
	})
}

func TestOpenRouterClient_ListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			fmt.Fprint(w, `{"data":[
				{"id":"z/model","name":"Z","context_length":8192,"pricing":{"prompt":"0.000001","completion":"0.000002"}},
				{"id":"a/model","name":"A","context_length":4096,"pricing":{"prompt":"0","completion":"0"}}
			]}`)
		case "/models/a/model/endpoints":
			fmt.Fprint(w, `{"data":{"endpoints":[{"provider_name":"Novita"},{"provider_name":"DeepInfra"},{"provider_name":"Novita"}]}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL})

	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(models) != 2 || models[0].ID != "a/model" {
		t.Fatalf("models = %+v", models)
	}
	if math.Abs(models[1].PromptPrice-1) > 1e-9 || math.Abs(models[1].OutputPrice-2) > 1e-9 {
		t.Errorf("prices = %v/%v, want 1/2 per Mtok", models[1].PromptPrice, models[1].OutputPrice)
	}

	names, err := client.ListProviders(context.Background(), "a/model")
	if err != nil {
		t.Fatalf("ListProviders() error = %v", err)
	}
	if strings.Join(names, ",") != "DeepInfra,Novita" {
		t.Errorf("providers = %v", names)
	}
}
