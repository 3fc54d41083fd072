package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

const (
	geminiRoleUser  = "user"
	geminiRoleModel = "model"
)

type geminiConfig struct {
	APIKey string `json:"api_key"`
}

type geminiProvider struct {
	apiKey string

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiClient returns a shared genai client for the api key. It is also
// used by the gemini transcriber.
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrUnavailable
	}
	return genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
}

func (p *geminiProvider) Name() string {
	return "gemini"
}

func (p *geminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := NewGeminiClient(ctx, p.apiKey)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

func (p *geminiProvider) Chat(ctx context.Context, model string, req *ChatRequest) (*ChatResponse, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, err
	}
	contents, system, err := toGeminiContents(req.Messages)
	if err != nil {
		return nil, err
	}
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		config.Temperature = &temp
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  toGeminiSchema(tool),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	resp, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, WrapGenAIError(err)
	}
	out := &ChatResponse{}
	for i, fc := range resp.FunctionCalls() {
		args, err := json.Marshal(fc.Args)
		if err != nil {
			return nil, fmt.Errorf("encode gemini function args: %w", err)
		}
		id := fc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: id, Name: fc.Name, Arguments: args})
	}
	if len(out.ToolCalls) == 0 {
		out.Content = strings.TrimSpace(resp.Text())
	}
	if len(resp.Candidates) > 0 {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	return out, nil
}

func (p *geminiProvider) Embed(ctx context.Context, req *EmbedRequest) ([]float32, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, err
	}
	var config *genai.EmbedContentConfig
	if req.TaskType != "" || req.Dimensions > 0 {
		config = &genai.EmbedContentConfig{TaskType: req.TaskType}
		if req.Dimensions > 0 {
			dims := int32(req.Dimensions)
			config.OutputDimensionality = &dims
		}
	}
	resp, err := client.Models.EmbedContent(
		ctx,
		req.Model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: req.Text}}}},
		config,
	)
	if err != nil {
		return nil, WrapGenAIError(err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("no embedding values returned")
	}
	return resp.Embeddings[0].Values, nil
}

// toGeminiContents maps the chat transcript onto gemini turns. System
// messages are concatenated into the system instruction and consecutive tool
// results are merged into one user turn.
func toGeminiContents(msgs []ChatMessage) ([]*genai.Content, string, error) {
	var (
		system   []string
		contents []*genai.Content
	)
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			contents = append(contents, &genai.Content{Role: geminiRoleUser, Parts: []*genai.Part{{Text: m.Content}}})
		case RoleAssistant:
			item := &genai.Content{Role: geminiRoleModel}
			if m.Content != "" {
				item.Parts = append(item.Parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &args); err != nil {
						return nil, "", fmt.Errorf("decode tool call args: %w", err)
					}
				}
				item.Parts = append(item.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
			if len(item.Parts) > 0 {
				contents = append(contents, item)
			}
		case RoleTool:
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     m.Name,
				Response: map[string]any{"output": m.Content},
			}}
			last := len(contents) - 1
			if last >= 0 && contents[last].Role == geminiRoleUser && contents[last].Parts[0].FunctionResponse != nil {
				contents[last].Parts = append(contents[last].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: geminiRoleUser, Parts: []*genai.Part{part}})
		default:
			return nil, "", fmt.Errorf("unsupported chat role %q", m.Role)
		}
	}
	return contents, strings.Join(system, "\n\n"), nil
}

func toGeminiSchema(tool ToolDefinition) *genai.Schema {
	props := make(map[string]*genai.Schema, len(tool.Params))
	for name, p := range tool.Params {
		typ := genai.TypeString
		if p.Type == ParamInteger {
			typ = genai.TypeInteger
		}
		props[name] = &genai.Schema{Type: typ, Description: p.Description}
	}
	return &genai.Schema{
		Type:       genai.TypeObject,
		Properties: props,
		Required:   tool.Required,
	}
}

func createGeminiProvider(args interface{}) (*geminiProvider, error) {
	cfg := &geminiConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	return &geminiProvider{apiKey: strings.TrimSpace(cfg.APIKey)}, nil
}

func init() {
	Register("gemini", func(args interface{}) (IChatProvider, error) {
		return createGeminiProvider(args)
	})
	RegisterEmbed("gemini", func(args interface{}) (IEmbedProvider, error) {
		return createGeminiProvider(args)
	})
}
