package providers

import (
	"sync"
	"testing"
)

func TestRegistry(t *testing.T) {
	t.Run("register and get", func(t *testing.T) {
		r := NewRegistry()
		mock := NewMockClient()

		r.Register("test-llm", mock, 60)

		client, err := r.Get("test-llm")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if client != mock {
			t.Error("got different client than registered")
		}
		if r.Limiter("test-llm") == nil {
			t.Error("expected a rate limiter for registered client")
		}
	})

	t.Run("get nonexistent", func(t *testing.T) {
		r := NewRegistry()
		if _, err := r.Get("nonexistent"); err == nil {
			t.Error("expected error for nonexistent client")
		}
		if r.Limiter("nonexistent") != nil {
			t.Error("expected nil limiter for nonexistent client")
		}
	})

	t.Run("list is sorted", func(t *testing.T) {
		r := NewRegistry()
		r.Register("b", NewMockClient(), 0)
		r.Register("a", NewMockClient(), 0)

		got := r.List()
		if len(got) != 2 || got[0] != "a" || got[1] != "b" {
			t.Errorf("List() = %v, want [a b]", got)
		}
	})

	t.Run("unregister", func(t *testing.T) {
		r := NewRegistry()
		r.Register("x", NewMockClient(), 0)
		r.Unregister("x")
		if r.Has("x") {
			t.Error("Has() = true after Unregister")
		}
	})

	t.Run("concurrent access", func(t *testing.T) {
		r := NewRegistry()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				r.Register("shared", NewMockClient(), 0)
			}()
			go func() {
				defer wg.Done()
				_ = r.List()
				_ = r.Has("shared")
			}()
		}
		wg.Wait()
		if !r.Has("shared") {
			t.Error("expected shared client to be registered")
		}
	})
}

func TestRegistryFromConfig(t *testing.T) {
	cfg := RegistryConfig{
		LLMProviders: map[string]LLMProviderConfig{
			"openrouter": {Type: TypeOpenRouter, APIKey: "k", Enabled: true},
			"openai":     {Type: TypeOpenAI, APIKey: "k", Enabled: true},
			"gemini":     {Type: TypeGemini, APIKey: "k", Enabled: true},
			"custom":     {Type: TypeCompatible, BaseURL: "http://localhost:1234/v1", Enabled: true},
			"disabled":   {Type: TypeOpenRouter, APIKey: "k", Enabled: false},
			"no-key":     {Type: TypeOpenAI, Enabled: true},
			"unknown":    {Type: "carrier-pigeon", APIKey: "k", Enabled: true},
		},
	}

	r := NewRegistryFromConfig(cfg)

	want := []string{"custom", "gemini", "openai", "openrouter"}
	got := r.List()
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List() = %v, want %v", got, want)
		}
	}

	custom, _ := r.Get("custom")
	if custom.Name() != "custom" {
		t.Errorf("compatible client Name() = %q, want registry name", custom.Name())
	}
	if _, ok := custom.(*CompatibleClient); !ok {
		t.Errorf("custom client is %T, want *CompatibleClient", custom)
	}
}

func TestRegistryReload(t *testing.T) {
	cfg := RegistryConfig{
		LLMProviders: map[string]LLMProviderConfig{
			"openrouter": {Type: TypeOpenRouter, APIKey: "k1", RateLimit: 60, Enabled: true},
			"openai":     {Type: TypeOpenAI, APIKey: "k", Enabled: true},
		},
	}
	r := NewRegistryFromConfig(cfg)
	r.Register("manual", NewMockClient(), 0)

	before, _ := r.Get("openrouter")
	limiter := r.Limiter("openrouter")

	t.Run("unchanged config keeps client", func(t *testing.T) {
		r.Reload(cfg)
		after, _ := r.Get("openrouter")
		if after != before {
			t.Error("client was recreated for unchanged config")
		}
		if r.Limiter("openrouter") != limiter {
			t.Error("limiter was recreated for unchanged config")
		}
	})

	t.Run("changed key recreates and removed is pruned", func(t *testing.T) {
		next := RegistryConfig{
			LLMProviders: map[string]LLMProviderConfig{
				"openrouter": {Type: TypeOpenRouter, APIKey: "k2", RateLimit: 60, Enabled: true},
			},
		}
		r.Reload(next)

		after, _ := r.Get("openrouter")
		if after == before {
			t.Error("client was not recreated after key change")
		}
		if r.Has("openai") {
			t.Error("openai should be pruned after removal from config")
		}
		if !r.Has("manual") {
			t.Error("manually registered client should survive reload")
		}
	})
}
