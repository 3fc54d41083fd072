package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/xxxsen/ragchat/internal/ai"
)

const (
	defaultWhisperBaseURL = "https://api.openai.com/v1"
	defaultWhisperModel   = "whisper-1"
)

type whisperConfig struct {
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url"`
	Model    string `json:"model"`
	Language string `json:"language"`
}

type whisperProvider struct {
	cfg    whisperConfig
	client *http.Client
}

func newWhisperProvider(ctx context.Context, args interface{}) (Provider, error) {
	var cfg whisperConfig
	if err := decodeConfig(args, &cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai transcription: api_key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultWhisperBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultWhisperModel
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &whisperProvider{cfg: cfg, client: &http.Client{Timeout: 60 * time.Second}}, nil
}

func (p *whisperProvider) Name() string {
	return "openai"
}

func (p *whisperProvider) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreatePart(filePartHeader("voice_message"+extensionFor(mimeType), mimeType))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	fields := map[string]string{
		"model":           p.cfg.Model,
		"language":        p.cfg.Language,
		"response_format": "json",
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/audio/transcriptions", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &ai.HTTPError{Provider: "whisper", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode whisper response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

func init() {
	Register("openai", newWhisperProvider)
	Register("whisper", newWhisperProvider)
}
