package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragchat/internal/ai"
	"github.com/xxxsen/ragchat/internal/model"
)

// Store persists embeddings. repo.EmbeddingCacheRepo satisfies it.
type Store interface {
	Get(ctx context.Context, modelName, taskType, contentHash string) ([]float32, bool, error)
	Save(ctx context.Context, item *model.EmbeddingCache) error
}

func WrapDBCacheToEmbedder(e ai.IEmbedder, store Store) ai.IEmbedder {
	if e == nil || store == nil {
		return e
	}
	return &dbEmbedder{next: e, store: store, now: time.Now}
}

type dbEmbedder struct {
	next  ai.IEmbedder
	store Store
	now   func() time.Time
}

// Embed consults the store first. Store failures are logged and never fail
// the embedding itself.
func (d *dbEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	_, contentHash, modelName := buildCacheKey(d.next.ModelName(), taskType, text)
	values, ok, err := d.store.Get(ctx, modelName, taskType, contentHash)
	if err != nil {
		logutil.GetLogger(ctx).Warn("read embedding cache failed", zap.Error(err))
	}
	if ok && len(values) > 0 {
		logutil.GetLogger(ctx).Debug("embedding cache hit (db)", zap.String("task_type", taskType))
		return values, nil
	}
	res, err := d.next.Embed(ctx, text, taskType)
	if err != nil {
		return nil, err
	}
	if err := d.store.Save(ctx, &model.EmbeddingCache{
		ModelName:   modelName,
		TaskType:    taskType,
		ContentHash: contentHash,
		Embedding:   res,
		Ctime:       d.now().Unix(),
	}); err != nil {
		logutil.GetLogger(ctx).Warn("failed to cache embedding", zap.Error(err))
	}
	return res, nil
}

func (d *dbEmbedder) ModelName() string {
	return d.next.ModelName()
}

func buildCacheKey(modelName, taskType, text string) (string, string, string) {
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		modelName = "unknown"
	}
	hash := sha256.Sum256([]byte(strings.TrimSpace(text)))
	contentHash := hex.EncodeToString(hash[:])
	return "embed:" + modelName + ":" + taskType + ":" + contentHash, contentHash, modelName
}
