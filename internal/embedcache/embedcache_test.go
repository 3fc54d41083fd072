package embedcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/ragchat/internal/model"
)

type countingEmbedder struct {
	calls int
	err   error
}

func (c *countingEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func (c *countingEmbedder) ModelName() string {
	return "test-model"
}

type memStore struct {
	items   map[string]*model.EmbeddingCache
	readErr error
}

func (m *memStore) Get(ctx context.Context, modelName, taskType, contentHash string) ([]float32, bool, error) {
	if m.readErr != nil {
		return nil, false, m.readErr
	}
	item, ok := m.items[modelName+taskType+contentHash]
	if !ok {
		return nil, false, nil
	}
	return item.Embedding, true, nil
}

func (m *memStore) Save(ctx context.Context, item *model.EmbeddingCache) error {
	m.items[item.ModelName+item.TaskType+item.ContentHash] = item
	return nil
}

func TestLruEmbedderCachesByText(t *testing.T) {
	next := &countingEmbedder{}
	e := WrapLruCacheToEmbedder(next, 16, time.Minute)

	first, err := e.Embed(context.Background(), "energia", "")
	require.NoError(t, err)
	first[0] = 42
	second, err := e.Embed(context.Background(), "energia", "")
	require.NoError(t, err)
	require.Equal(t, 1, next.calls)
	require.NotEqual(t, float32(42), second[0])

	_, err = e.Embed(context.Background(), "energia", "RETRIEVAL_QUERY")
	require.NoError(t, err)
	require.Equal(t, 2, next.calls)
}

func TestLruEmbedderDoesNotCacheErrors(t *testing.T) {
	next := &countingEmbedder{err: errors.New("boom")}
	e := WrapLruCacheToEmbedder(next, 16, time.Minute)
	_, err := e.Embed(context.Background(), "x", "")
	require.Error(t, err)
	_, err = e.Embed(context.Background(), "x", "")
	require.Error(t, err)
	require.Equal(t, 2, next.calls)
}

func TestDBEmbedderReadsThrough(t *testing.T) {
	next := &countingEmbedder{}
	store := &memStore{items: map[string]*model.EmbeddingCache{}}
	e := WrapDBCacheToEmbedder(next, store)

	_, err := e.Embed(context.Background(), "comunità energetica", "")
	require.NoError(t, err)
	require.Len(t, store.items, 1)
	_, err = e.Embed(context.Background(), "comunità energetica", "")
	require.NoError(t, err)
	require.Equal(t, 1, next.calls)
}

func TestDBEmbedderIgnoresStoreFailure(t *testing.T) {
	next := &countingEmbedder{}
	store := &memStore{items: map[string]*model.EmbeddingCache{}, readErr: errors.New("db down")}
	e := WrapDBCacheToEmbedder(next, store)
	vec, err := e.Embed(context.Background(), "ciao", "")
	require.NoError(t, err)
	require.Len(t, vec, 2)
}

func TestWrapWithoutCacheReturnsSame(t *testing.T) {
	next := &countingEmbedder{}
	require.Equal(t, next, WrapLruCacheToEmbedder(next, 0, time.Minute))
	require.Equal(t, next, WrapDBCacheToEmbedder(next, nil))
}

type blockingEmbedder struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (b *blockingEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	if b.calls.Add(1) == 1 {
		close(b.started)
	}
	<-b.release
	return []float32{1, 2, 3}, nil
}

func (b *blockingEmbedder) ModelName() string {
	return "blocking"
}

func TestLruEmbedderNormalizesWhitespace(t *testing.T) {
	next := &countingEmbedder{}
	e := WrapLruCacheToEmbedder(next, 16, time.Minute)
	_, err := e.Embed(context.Background(), "  comunità   energetica ", "")
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), "comunità energetica", "")
	require.NoError(t, err)
	require.Equal(t, 1, next.calls)
}

func TestLruEmbedderCollapsesConcurrentMisses(t *testing.T) {
	next := &blockingEmbedder{started: make(chan struct{}), release: make(chan struct{})}
	e := WrapLruCacheToEmbedder(next, 16, time.Minute)

	var wg sync.WaitGroup
	results := make([][]float32, 4)
	errs := make([]error, 4)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = e.Embed(context.Background(), "bolletta", "")
	}()
	<-next.started
	for i := 1; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Embed(context.Background(), "bolletta", "")
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(next.release)
	wg.Wait()

	require.Equal(t, int32(1), next.calls.Load())
	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, []float32{1, 2, 3}, results[i])
	}
	results[0][0] = 9
	require.Equal(t, float32(1), results[1][0])
}

type ctxEmbedder struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (c *ctxEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	if c.calls.Add(1) == 1 {
		close(c.started)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.release:
		return []float32{4, 5, 6}, nil
	}
}

func (c *ctxEmbedder) ModelName() string {
	return "ctx"
}

func TestLruEmbedderSharedCallSurvivesFirstCallerCancel(t *testing.T) {
	next := &ctxEmbedder{started: make(chan struct{}), release: make(chan struct{})}
	e := WrapLruCacheToEmbedder(next, 16, time.Minute)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := e.Embed(firstCtx, "autoconsumo", "")
		firstErr <- err
	}()
	<-next.started

	type result struct {
		vec []float32
		err error
	}
	second := make(chan result, 1)
	go func() {
		vec, err := e.Embed(context.Background(), "autoconsumo", "")
		second <- result{vec, err}
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	time.Sleep(20 * time.Millisecond)
	close(next.release)

	res := <-second
	require.NoError(t, res.err)
	require.Equal(t, []float32{4, 5, 6}, res.vec)
	require.Equal(t, int32(1), next.calls.Load())
}
