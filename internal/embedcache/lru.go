package embedcache

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xxxsen/ragchat/internal/ai"
)

// WrapLruCacheToEmbedder keeps recent query embeddings in memory. Queries that
// differ only in whitespace share an entry, and concurrent misses for the same
// key are collapsed into one upstream call that outlives any single caller.
func WrapLruCacheToEmbedder(e ai.IEmbedder, size int, ttl time.Duration) ai.IEmbedder {
	if e == nil || size <= 0 || ttl <= 0 {
		return e
	}
	return &lruEmbedder{
		next:    e,
		cache:   expirable.NewLRU[string, []float32](size, nil, ttl),
		timeout: sharedEmbedTimeout,
	}
}

const sharedEmbedTimeout = 30 * time.Second

type lruEmbedder struct {
	next     ai.IEmbedder
	cache    *expirable.LRU[string, []float32]
	inflight singleflight.Group
	timeout  time.Duration
}

func (l *lruEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	text = normalizeQuery(text)
	cacheKey, _, _ := buildCacheKey(l.next.ModelName(), taskType, text)
	if cached, ok := l.cache.Get(cacheKey); ok {
		logutil.GetLogger(ctx).Debug("embedding cache hit (lru)", zap.String("task_type", taskType))
		return cloneEmbedding(cached), nil
	}
	ch := l.inflight.DoChan(cacheKey, func() (interface{}, error) {
		// detached from the first caller: others may be waiting on the result
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()
		res, err := l.next.Embed(callCtx, text, taskType)
		if err != nil {
			return nil, err
		}
		l.cache.Add(cacheKey, cloneEmbedding(res))
		return res, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			logutil.GetLogger(ctx).Debug("embedding request collapsed", zap.String("task_type", taskType))
		}
		return cloneEmbedding(r.Val.([]float32)), nil
	}
}

func (l *lruEmbedder) ModelName() string {
	return l.next.ModelName()
}

func normalizeQuery(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func cloneEmbedding(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}
