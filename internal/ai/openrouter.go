package ai

import (
	"context"
	"fmt"
	"strings"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

type openrouterConfig struct {
	APIKey      string `json:"api_key"`
	BaseURL     string `json:"base_url"`
	HTTPReferer string `json:"http_referer"`
	XTitle      string `json:"x_title"`
}

type RerankResult struct {
	Index int
	Score float64
}

type IReranker interface {
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error)
}

type openrouterRerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type openrouterRerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

type openrouterReranker struct {
	client *openAICompatClient
	model  string
}

// NewOpenRouterReranker builds a reranker backed by the OpenRouter rerank
// endpoint (cohere style request/response).
func NewOpenRouterReranker(apiKey, baseURL, model string) (IReranker, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("rerank model is required")
	}
	client, err := newOpenRouterClient(map[string]interface{}{"api_key": apiKey, "base_url": baseURL})
	if err != nil {
		return nil, err
	}
	return &openrouterReranker{client: client, model: model}, nil
}

func (r *openrouterReranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	if r.client.apiKey == "" {
		return nil, ErrUnavailable
	}
	if len(documents) == 0 {
		return nil, nil
	}
	var out openrouterRerankResponse
	err := r.client.postJSON(ctx, "/rerank", openrouterRerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: documents,
		TopN:      topN,
	}, &out)
	if err != nil {
		return nil, err
	}
	res := make([]RerankResult, 0, len(out.Results))
	for _, item := range out.Results {
		if item.Index < 0 || item.Index >= len(documents) {
			continue
		}
		res = append(res, RerankResult{Index: item.Index, Score: item.RelevanceScore})
	}
	return res, nil
}

func newOpenRouterClient(args interface{}) (*openAICompatClient, error) {
	cfg := &openrouterConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}
	headers := map[string]string{}
	if v := strings.TrimSpace(cfg.HTTPReferer); v != "" {
		headers["HTTP-Referer"] = v
	}
	if v := strings.TrimSpace(cfg.XTitle); v != "" {
		headers["X-Title"] = v
	}
	return &openAICompatClient{
		name:    "openrouter",
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: baseURL,
		headers: headers,
	}, nil
}

func init() {
	Register("openrouter", func(args interface{}) (IChatProvider, error) {
		return newOpenRouterClient(args)
	})
	RegisterEmbed("openrouter", func(args interface{}) (IEmbedProvider, error) {
		return newOpenRouterClient(args)
	})
}
