package job

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

const defaultMaxAgeDays = 30

// CacheCleaner deletes cached embeddings older than cutoff (unix seconds).
// repo.EmbeddingCacheRepo satisfies it.
type CacheCleaner interface {
	DeleteBefore(ctx context.Context, cutoff int64) (int64, error)
}

// EmbeddingCacheCleanupJob drops query embeddings nobody asked for recently.
type EmbeddingCacheCleanupJob struct {
	repo       CacheCleaner
	maxAgeDays int
	now        func() time.Time
}

func NewEmbeddingCacheCleanupJob(repo CacheCleaner, maxAgeDays int) *EmbeddingCacheCleanupJob {
	if maxAgeDays <= 0 {
		maxAgeDays = defaultMaxAgeDays
	}
	return &EmbeddingCacheCleanupJob{repo: repo, maxAgeDays: maxAgeDays, now: time.Now}
}

func (j *EmbeddingCacheCleanupJob) Name() string {
	return "embedding_cache_cleanup"
}

func (j *EmbeddingCacheCleanupJob) Run(ctx context.Context) error {
	if j.repo == nil {
		return nil
	}
	cutoff := j.now().Add(-time.Duration(j.maxAgeDays) * 24 * time.Hour).Unix()
	n, err := j.repo.DeleteBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	logutil.GetLogger(ctx).Info("embedding cache pruned", zap.Int64("deleted", n), zap.Int("max_age_days", j.maxAgeDays))
	return nil
}
