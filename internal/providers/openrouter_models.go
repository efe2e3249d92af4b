package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
)

// ListModels returns the models OpenRouter currently offers, sorted by ID.
// Prices are converted to USD per million tokens.
func (c *OpenRouterClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var resp openRouterModelsResponse
	if err := c.getJSON(ctx, "/models", &resp); err != nil {
		return nil, err
	}

	models := make([]ModelInfo, 0, len(resp.Data))
	for _, m := range resp.Data {
		models = append(models, ModelInfo{
			ID:            m.ID,
			Name:          m.Name,
			ContextLength: m.ContextLength,
			PromptPrice:   perMillion(m.Pricing.Prompt),
			OutputPrice:   perMillion(m.Pricing.Completion),
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// ListProviders returns the upstream provider names serving a model, for
// use in provider routing.
func (c *OpenRouterClient) ListProviders(ctx context.Context, model string) ([]string, error) {
	var resp openRouterEndpointsResponse
	if err := c.getJSON(ctx, "/models/"+model+"/endpoints", &resp); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var names []string
	for _, e := range resp.Data.Endpoints {
		if e.ProviderName == "" || seen[e.ProviderName] {
			continue
		}
		seen[e.ProviderName] = true
		names = append(names, e.ProviderName)
	}
	sort.Strings(names)
	return names, nil
}

func (c *OpenRouterClient) getJSON(ctx context.Context, path string, v any) error {
	req, err := c.newHTTPRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return httpError(OpenRouterName, resp, body)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func perMillion(perToken string) float64 {
	f, err := strconv.ParseFloat(perToken, 64)
	if err != nil {
		return 0
	}
	return f * 1_000_000
}
