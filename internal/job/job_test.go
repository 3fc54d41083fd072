package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeCleaner struct {
	cutoff int64
}

func (f *fakeCleaner) DeleteBefore(ctx context.Context, cutoff int64) (int64, error) {
	f.cutoff = cutoff
	return 3, nil
}

func TestEmbeddingCacheCleanupCutoff(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cleaner := &fakeCleaner{}
	j := NewEmbeddingCacheCleanupJob(cleaner, 0)
	j.now = func() time.Time { return now }
	require.NoError(t, j.Run(context.Background()))
	require.Equal(t, now.AddDate(0, 0, -30).Unix(), cleaner.cutoff)

	j = NewEmbeddingCacheCleanupJob(nil, 7)
	require.NoError(t, j.Run(context.Background()))
}
