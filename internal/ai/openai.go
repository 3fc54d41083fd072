package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultGroqBaseURL   = "https://api.groq.com/openai/v1"
	maxErrorBodyBytes    = 4096
)

var httpClient = &http.Client{Timeout: 120 * time.Second}

type openAIConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

// openAICompatClient speaks the chat completions and embeddings dialect shared
// by OpenAI, Groq and OpenRouter.
type openAICompatClient struct {
	name    string
	apiKey  string
	baseURL string
	headers map[string]string
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIChatMsg `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
}

type openAIChatMsg struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content   *string          `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type openAIEmbedRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *openAICompatClient) Name() string {
	return p.name
}

func (p *openAICompatClient) Chat(ctx context.Context, model string, req *ChatRequest) (*ChatResponse, error) {
	if p.apiKey == "" {
		return nil, ErrUnavailable
	}
	body := openAIChatRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: req.Temperature,
	}
	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.JSONSchema(),
			},
		})
	}
	if len(body.Tools) > 0 {
		body.ToolChoice = "auto"
	}
	var out openAIChatResponse
	if err := p.postJSON(ctx, "/chat/completions", body, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s response has no choices", p.name)
	}
	choice := out.Choices[0]
	res := &ChatResponse{FinishReason: choice.FinishReason}
	if choice.Message.Content != nil {
		res.Content = strings.TrimSpace(*choice.Message.Content)
	}
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(bytes.TrimSpace(args)) == 0 {
			args = json.RawMessage("{}")
		}
		res.ToolCalls = append(res.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return res, nil
}

func (p *openAICompatClient) Embed(ctx context.Context, req *EmbedRequest) ([]float32, error) {
	if p.apiKey == "" {
		return nil, ErrUnavailable
	}
	body := openAIEmbedRequest{Model: req.Model, Input: req.Text}
	// only the v3 embedding family accepts a shortened output size
	if req.Dimensions > 0 && strings.HasPrefix(req.Model, "text-embedding-3") {
		body.Dimensions = req.Dimensions
	}
	var out openAIEmbedResponse
	if err := p.postJSON(ctx, "/embeddings", body, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("%s response has no embeddings", p.name)
	}
	return out.Data[0].Embedding, nil
}

func (p *openAICompatClient) postJSON(ctx context.Context, path string, in interface{}, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(p.baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &HTTPError{Provider: p.name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func toOpenAIMessages(msgs []ChatMessage) []openAIChatMsg {
	out := make([]openAIChatMsg, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		item := openAIChatMsg{
			Role:       string(m.Role),
			Content:    &content,
			ToolCallID: m.ToolCallID,
		}
		if m.Role == RoleAssistant && len(m.ToolCalls) > 0 {
			if content == "" {
				item.Content = nil
			}
			for _, tc := range m.ToolCalls {
				call := openAIToolCall{ID: tc.ID, Type: "function"}
				call.Function.Name = tc.Name
				call.Function.Arguments = string(tc.Arguments)
				item.ToolCalls = append(item.ToolCalls, call)
			}
		}
		if m.Role == RoleTool {
			item.Name = m.Name
		}
		out = append(out, item)
	}
	return out
}

func newOpenAICompat(name, defaultBaseURL string, args interface{}) (*openAICompatClient, error) {
	cfg := &openAIConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &openAICompatClient{
		name:    name,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: baseURL,
	}, nil
}

func init() {
	Register("openai", func(args interface{}) (IChatProvider, error) {
		return newOpenAICompat("openai", defaultOpenAIBaseURL, args)
	})
	RegisterEmbed("openai", func(args interface{}) (IEmbedProvider, error) {
		return newOpenAICompat("openai", defaultOpenAIBaseURL, args)
	})
	Register("groq", func(args interface{}) (IChatProvider, error) {
		return newOpenAICompat("groq", defaultGroqBaseURL, args)
	})
}
