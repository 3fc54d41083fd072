package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Provider turns one audio payload into text.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

type Factory func(ctx context.Context, args interface{}) (Provider, error)

var registry = map[string]Factory{}

func Register(name string, f Factory) {
	registry[name] = f
}

func NewProvider(ctx context.Context, name string, args interface{}) (Provider, error) {
	f, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown transcription provider: %s", name)
	}
	return f(ctx, args)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode transcription provider config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode transcription provider config: %w", err)
	}
	return nil
}

// silentMarker is what the gemini prompt asks the model to answer for audio
// without speech.
const silentMarker = "[audio silenzioso o non intellegibile]"

const defaultLanguage = "it"
