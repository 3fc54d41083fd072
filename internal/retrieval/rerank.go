package retrieval

import (
	"context"
	"sort"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragchat/internal/ai"
	"github.com/xxxsen/ragchat/internal/model"
)

// rerankWithinTiers reorders each tier by the reranker's relevance scores.
// Hits the reranker does not score keep their fused order after the scored
// ones of the same tier. On error the fused order is returned unchanged.
func rerankWithinTiers(ctx context.Context, r ai.IReranker, query string, hits []model.SearchHit) []model.SearchHit {
	if r == nil || len(hits) < 2 {
		return hits
	}
	docs := make([]string, len(hits))
	for i, hit := range hits {
		docs[i] = hit.Content
	}
	results, err := r.Rerank(ctx, query, docs, len(docs))
	if err != nil {
		logutil.GetLogger(ctx).Warn("rerank failed, keep fused order", zap.Error(err))
		return hits
	}
	scored := make([]bool, len(hits))
	var dual, single, dualRest, singleRest []model.SearchHit
	for _, res := range results {
		if scored[res.Index] {
			continue
		}
		scored[res.Index] = true
		hit := hits[res.Index]
		hit.Score = res.Score
		if hit.DualMatch() {
			dual = append(dual, hit)
		} else {
			single = append(single, hit)
		}
	}
	for i, hit := range hits {
		if scored[i] {
			continue
		}
		if hit.DualMatch() {
			dualRest = append(dualRest, hit)
		} else {
			singleRest = append(singleRest, hit)
		}
	}
	byScore := func(items []model.SearchHit) {
		sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	}
	byScore(dual)
	byScore(single)
	out := make([]model.SearchHit, 0, len(hits))
	out = append(out, dual...)
	out = append(out, dualRest...)
	out = append(out, single...)
	out = append(out, singleRest...)
	return out
}
