package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type EmbedderEntry struct {
	Name     string
	Embedder IEmbedder
	// Dimensions, when set, is the only vector length accepted from this entry.
	Dimensions int
}

type groupEmbedder struct {
	items []EmbedderEntry
}

// NewGroupEmbedder tries each embedder in order until one returns a usable
// vector. Entries without an embedder are skipped.
func NewGroupEmbedder(items []EmbedderEntry) IEmbedder {
	usable := make([]EmbedderEntry, 0, len(items))
	for _, item := range items {
		if item.Embedder != nil {
			usable = append(usable, item)
		}
	}
	if len(usable) == 0 {
		return nil
	}
	if len(usable) == 1 && usable[0].Dimensions <= 0 {
		return usable[0].Embedder
	}
	return &groupEmbedder{items: usable}
}

func (g *groupEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	var lastErr error
	for i, item := range g.items {
		res, err := item.Embedder.Embed(ctx, text, taskType)
		if err == nil && item.Dimensions > 0 && len(res) != item.Dimensions {
			err = fmt.Errorf("embedder %s returned %d dimensions, want %d", item.Name, len(res), item.Dimensions)
		}
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		logutil.GetLogger(ctx).Warn("embedder failed", zap.Int("index", i), zap.String("name", item.Name), zap.Error(err))
	}
	return nil, lastErr
}

func (g *groupEmbedder) ModelName() string {
	names := make([]string, 0, len(g.items))
	for _, item := range g.items {
		names = append(names, item.Embedder.ModelName())
	}
	return strings.Join(names, "|")
}
