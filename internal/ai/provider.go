package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable is returned by providers that are registered but not
	// configured (e.g. missing api key).
	ErrUnavailable       = errors.New("ai provider unavailable")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
)

type ToolParam struct {
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
}

type ToolDefinition struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Params      map[string]ToolParam `json:"params"`
	Required    []string             `json:"required"`
}

// JSONSchema renders the parameters as a JSON schema object.
func (d ToolDefinition) JSONSchema() map[string]interface{} {
	props := make(map[string]interface{}, len(d.Params))
	for name, p := range d.Params {
		prop := map[string]interface{}{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[name] = prop
	}
	required := d.Required
	if required == nil {
		required = []string{}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

type ChatRequest struct {
	Messages    []ChatMessage
	Tools       []ToolDefinition
	Temperature *float64
}

type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

type EmbedRequest struct {
	Model      string
	Text       string
	TaskType   string
	Dimensions int
}

type IChatProvider interface {
	Name() string
	Chat(ctx context.Context, model string, req *ChatRequest) (*ChatResponse, error)
}

type IEmbedProvider interface {
	Name() string
	Embed(ctx context.Context, req *EmbedRequest) ([]float32, error)
}

// IChatModel is a chat provider bound to one model.
type IChatModel interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ModelName() string
}

type IEmbedder interface {
	Embed(ctx context.Context, text string, taskType string) ([]float32, error)
	ModelName() string
}

type chatModel struct {
	provider    IChatProvider
	model       string
	temperature *float64
}

// NewChatModel binds provider to model. temperature, when set, is used for
// requests that do not carry their own.
func NewChatModel(p IChatProvider, model string, temperature *float64) IChatModel {
	return &chatModel{provider: p, model: model, temperature: temperature}
}

func (m *chatModel) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req.Temperature == nil && m.temperature != nil {
		clone := *req
		clone.Temperature = m.temperature
		req = &clone
	}
	return m.provider.Chat(ctx, m.model, req)
}

func (m *chatModel) ModelName() string {
	return m.provider.Name() + "/" + m.model
}

type embedder struct {
	provider   IEmbedProvider
	model      string
	dimensions int
}

// NewEmbedder binds provider to model. When dimensions > 0 every returned
// vector must have exactly that length.
func NewEmbedder(p IEmbedProvider, model string, dimensions int) IEmbedder {
	return &embedder{provider: p, model: model, dimensions: dimensions}
}

func (e *embedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	vec, err := e.provider.Embed(ctx, &EmbedRequest{
		Model:      e.model,
		Text:       text,
		TaskType:   taskType,
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, err
	}
	if e.dimensions > 0 && len(vec) != e.dimensions {
		return nil, fmt.Errorf("%w: %s returned %d values, want %d", ErrDimensionMismatch, e.model, len(vec), e.dimensions)
	}
	return vec, nil
}

func (e *embedder) ModelName() string {
	if e.dimensions > 0 {
		return fmt.Sprintf("%s@%d", e.model, e.dimensions)
	}
	return e.model
}

type ChatProviderFactory func(args interface{}) (IChatProvider, error)

type EmbedProviderFactory func(args interface{}) (IEmbedProvider, error)

var (
	registry      = map[string]ChatProviderFactory{}
	embedRegistry = map[string]EmbedProviderFactory{}
)

func Register(name string, factory ChatProviderFactory) {
	key := normalizeName(name)
	if key == "" || factory == nil {
		return
	}
	registry[key] = factory
}

func RegisterEmbed(name string, factory EmbedProviderFactory) {
	key := normalizeName(name)
	if key == "" || factory == nil {
		return
	}
	embedRegistry[key] = factory
}

func NewChatProvider(name string, args interface{}) (IChatProvider, error) {
	key := normalizeName(name)
	if key == "" {
		return nil, fmt.Errorf("ai.chat.provider is required")
	}
	factory := registry[key]
	if factory == nil {
		return nil, fmt.Errorf("unsupported chat provider: %s", name)
	}
	return factory(args)
}

func NewEmbedProvider(name string, args interface{}) (IEmbedProvider, error) {
	key := normalizeName(name)
	if key == "" {
		return nil, fmt.Errorf("ai.embedding.provider is required")
	}
	factory := embedRegistry[key]
	if factory == nil {
		return nil, fmt.Errorf("unsupported embedding provider: %s", name)
	}
	return factory(args)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("ai provider config is required")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode ai provider config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode ai provider config: %w", err)
	}
	return nil
}
