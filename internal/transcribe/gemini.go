package transcribe

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/xxxsen/ragchat/internal/ai"
)

const (
	defaultGeminiModel = "gemini-2.0-flash"
	geminiPrompt       = "Trascrivi questo messaggio vocale in italiano.\n" +
		"Restituisci SOLO il testo trascritto, senza commenti, spiegazioni o formattazione aggiuntiva.\n" +
		"Se il messaggio non contiene parlato o è silenzioso, restituisci: " + silentMarker
)

type geminiConfig struct {
	APIKey string `json:"api_key"`
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type geminiProvider struct {
	client *genai.Client
	model  string
	prompt string
}

func newGeminiProvider(ctx context.Context, args interface{}) (Provider, error) {
	var cfg geminiConfig
	if err := decodeConfig(args, &cfg); err != nil {
		return nil, err
	}
	client, err := ai.NewGeminiClient(ctx, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("gemini transcription: %w", err)
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if cfg.Prompt == "" {
		cfg.Prompt = geminiPrompt
	}
	return &geminiProvider{client: client, model: cfg.Model, prompt: cfg.Prompt}, nil
}

func (p *geminiProvider) Name() string {
	return "gemini"
}

func (p *geminiProvider) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: p.prompt},
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: audio}},
		},
	}}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, nil)
	if err != nil {
		return "", ai.WrapGenAIError(err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

func init() {
	Register("gemini", newGeminiProvider)
}
